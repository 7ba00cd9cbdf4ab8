// Package registry implements the two in-memory sets the coordinator
// tracks: the Connection Registry (live channels, bounded by a limit) and
// the Pending Registry (handshakes in flight, keyed by nonce, unbounded). Both are
// grounded on server.go's `peers map[int32]*peer` plus addPeer/removePeer,
// generalized from "one handler goroutine owns the map" to "a mutex guards
// the map, completions are re-posted through the pool" so they compose
// with the rest of this module's callback idiom.
package registry

import (
	"errors"
	"sync"

	"github.com/btcsuite/btcd/connmgr"
	"github.com/chaincore/p2pcore/pool"
)

// Errors returned to completion callbacks.
var (
	ErrAddressInUse  = errors.New("address_in_use")
	ErrResourceLimit = errors.New("resource_limit")
	ErrServiceStopped = errors.New("service_stopped")
)

// StopCode is the code a channel is stopped with when the registry forces
// closure (e.g. during Stop()).
type StopCode int

// Channel is the narrow interface the connection registry needs from a
// live channel: enough to key it by remote IP and to force it to stop.
type Channel interface {
	RemoteIPKey() string
	Stop(code int)
}

// connRecord pairs a stored channel with the dial bookkeeping the teacher
// kept on its peer struct (connReq *connmgr.ConnReq); we carry the same
// type here even though this registry drives its own dial/accept policy,
// since it's the natural place to remember "was this an outbound dial or
// an inbound accept" for diagnostics.
type connRecord struct {
	channel Channel
	connReq *connmgr.ConnReq
}

// ConnectionRegistry is the bounded set of live channels, keyed by remote
// IP to enforce the one-channel-per-IP policy.
type ConnectionRegistry struct {
	pool  *pool.Pool
	limit int

	mu      sync.Mutex
	byIP    map[string]*connRecord
	stopped bool
}

// NewConnectionRegistry constructs a registry bounded by limit.
func NewConnectionRegistry(p *pool.Pool, limit int) *ConnectionRegistry {
	return &ConnectionRegistry{
		pool:  p,
		limit: limit,
		byIP:  make(map[string]*connRecord),
	}
}

// Exists reports whether a channel for the given IP key is currently
// registered.
func (r *ConnectionRegistry) Exists(ipKey string, cb func(bool)) {
	r.pool.Dispatch(func() {
		r.mu.Lock()
		_, ok := r.byIP[ipKey]
		r.mu.Unlock()
		r.pool.ConcurrentDelegate(func() { cb(ok) })()
	})
}

// Store inserts ch, keyed by its remote IP. Fails with ErrAddressInUse if
// another channel with the same IP is present, ErrResourceLimit if the
// registry is at capacity, or ErrServiceStopped once Stop has run. connReq
// may be nil for inbound-accepted channels that have no dial record.
func (r *ConnectionRegistry) Store(ch Channel, connReq *connmgr.ConnReq, cb func(error)) {
	r.pool.Dispatch(func() {
		r.mu.Lock()
		err := r.storeLocked(ch, connReq)
		r.mu.Unlock()
		if cb != nil {
			r.pool.ConcurrentDelegate(func() { cb(err) })()
		}
	})
}

func (r *ConnectionRegistry) storeLocked(ch Channel, connReq *connmgr.ConnReq) error {
	// This registry-local flag is checked synchronously, inside the same
	// critical section as the insert, closing the race documented in
	// spec.md §9 where a Store could slip in between the
	// coordinator-level stopped flag being observed and Stop() actually
	// running.
	if r.stopped {
		return ErrServiceStopped
	}

	key := ch.RemoteIPKey()
	if _, exists := r.byIP[key]; exists {
		log.Debugf("registry: rejecting duplicate connection for %s", key)
		return ErrAddressInUse
	}
	if r.limit > 0 && len(r.byIP) >= r.limit {
		log.Debugf("registry: rejecting %s, at capacity (%d)", key, r.limit)
		return ErrResourceLimit
	}

	r.byIP[key] = &connRecord{channel: ch, connReq: connReq}
	return nil
}

// Remove deletes ch from the registry if present.
func (r *ConnectionRegistry) Remove(ch Channel, cb func(error)) {
	r.pool.Dispatch(func() {
		r.mu.Lock()
		key := ch.RemoteIPKey()
		if rec, ok := r.byIP[key]; ok && rec.channel == ch {
			delete(r.byIP, key)
		}
		r.mu.Unlock()
		if cb != nil {
			r.pool.ConcurrentDelegate(func() { cb(nil) })()
		}
	})
}

// Count returns the current number of live channels.
func (r *ConnectionRegistry) Count(cb func(int)) {
	r.pool.Dispatch(func() {
		r.mu.Lock()
		n := len(r.byIP)
		r.mu.Unlock()
		r.pool.ConcurrentDelegate(func() { cb(n) })()
	})
}

// Stop invokes Stop(code) on every registered channel and empties the set.
// It sets the registry-local stopped flag synchronously, before any
// channel's Stop is invoked, so concurrent Store calls fail immediately
// rather than racing the drain below.
func (r *ConnectionRegistry) Stop(code int) {
	r.mu.Lock()
	r.stopped = true
	records := make([]*connRecord, 0, len(r.byIP))
	for _, rec := range r.byIP {
		records = append(records, rec)
	}
	r.byIP = make(map[string]*connRecord)
	r.mu.Unlock()

	log.Infof("registry: stopping %d live connections", len(records))
	for _, rec := range records {
		rec.channel.Stop(code)
	}
}
