package registry

import (
	"sync"

	"github.com/chaincore/p2pcore/pool"
)

// PendingChannel is the narrow interface the pending registry needs: a
// channel mid-handshake, keyed by its locally-generated (for outbound
// dials) or peer-advertised (for inbound accepts) nonce.
type PendingChannel interface {
	HandshakeNonce() uint64
	Stop(code int)
}

// PendingRegistry tracks channels currently in handshake, keyed by nonce,
// used exclusively to detect self-connections: an outbound dial registers
// its own locally-generated nonce here for the duration of the handshake;
// if an inbound channel's peer-advertised nonce matches an entry, the
// remote is ourselves.
type PendingRegistry struct {
	pool *pool.Pool

	mu      sync.Mutex
	byNonce map[uint64]PendingChannel
}

// NewPendingRegistry constructs an empty pending registry.
func NewPendingRegistry(p *pool.Pool) *PendingRegistry {
	return &PendingRegistry{
		pool:    p,
		byNonce: make(map[uint64]PendingChannel),
	}
}

// Exists reports whether nonce is currently registered.
func (r *PendingRegistry) Exists(nonce uint64, cb func(bool)) {
	r.pool.Dispatch(func() {
		r.mu.Lock()
		_, ok := r.byNonce[nonce]
		r.mu.Unlock()
		r.pool.ConcurrentDelegate(func() { cb(ok) })()
	})
}

// Store registers ch under its handshake nonce.
func (r *PendingRegistry) Store(ch PendingChannel, cb func(error)) {
	r.pool.Dispatch(func() {
		r.mu.Lock()
		r.byNonce[ch.HandshakeNonce()] = ch
		r.mu.Unlock()
		if cb != nil {
			r.pool.ConcurrentDelegate(func() { cb(nil) })()
		}
	})
}

// Remove unregisters ch, if it is still the entry stored under its nonce.
func (r *PendingRegistry) Remove(ch PendingChannel, cb func(error)) {
	r.pool.Dispatch(func() {
		r.mu.Lock()
		nonce := ch.HandshakeNonce()
		if cur, ok := r.byNonce[nonce]; ok && cur == ch {
			delete(r.byNonce, nonce)
		}
		r.mu.Unlock()
		if cb != nil {
			r.pool.ConcurrentDelegate(func() { cb(nil) })()
		}
	})
}

// Count returns the number of channels currently mid-handshake.
func (r *PendingRegistry) Count(cb func(int)) {
	r.pool.Dispatch(func() {
		r.mu.Lock()
		n := len(r.byNonce)
		r.mu.Unlock()
		r.pool.ConcurrentDelegate(func() { cb(n) })()
	})
}
