package session

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/chaincore/p2pcore/channel"
	"github.com/chaincore/p2pcore/status"
)

// Manual is the session that services user-requested (host, port) dials.
// Grounded on server.go's connectPeerMsg/handleConnectPeer: Connect is
// async, retries with backoff, and invokes its callback exactly once with
// the resulting channel or the final error.
type Manual struct {
	fac *Facilities

	mu      sync.Mutex
	started bool
	stopped bool

	// self holds a reference to the session from Start until Stop, per
	// spec.md §9 ("sessions... stay alive because stop handlers capture
	// them").
	self *Manual
}

// NewManual constructs a manual session bound to fac.
func NewManual(fac *Facilities) *Manual {
	return &Manual{fac: fac}
}

// Start installs the session's work and signals readiness via cb. Manual
// has no background loop of its own; it is ready as soon as constructed.
func (m *Manual) Start(cb func(error)) {
	m.mu.Lock()
	m.started = true
	m.self = m
	m.mu.Unlock()

	m.fac.Pool.Dispatch(func() { cb(nil) })
}

// Stop releases the session's self-reference. In-flight Connect retry
// chains still holding their own closure over *Manual complete their
// current attempt; a retry scheduled after a failed attempt reports
// service_stopped instead of dialing again.
func (m *Manual) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.self = nil
	m.mu.Unlock()
}

func (m *Manual) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Connect dials host:port asynchronously, retrying with linear backoff up
// to Settings.ManualRetryLimit times (0 means unlimited) on failure. cb is
// invoked exactly once, with the resulting channel or the final error.
func (m *Manual) Connect(host string, port uint16, cb func(*channel.Channel, error)) {
	if cb == nil {
		cb = func(*channel.Channel, error) {}
	}
	address := net.JoinHostPort(host, strconv.Itoa(int(port)))
	m.fac.Pool.Dispatch(func() {
		m.attempt(address, 0, cb)
	})
}

func (m *Manual) attempt(address string, tries int, cb func(*channel.Channel, error)) {
	if m.isStopped() {
		cb(nil, status.New(status.ServiceStopped))
		return
	}

	ch, err := m.fac.newOutboundChannel(context.Background(), address)
	if err != nil {
		limit := m.fac.Settings.ManualRetryLimit
		if limit > 0 && tries >= limit {
			log.Debugf("session: manual connect to %s giving up after %d tries: %v", address, tries+1, err)
			cb(nil, err)
			return
		}
		backoff := time.Duration(tries+1) * time.Second
		log.Debugf("session: manual connect to %s failed (try %d), retrying in %s: %v", address, tries+1, backoff, err)
		m.fac.Pool.AfterFunc(backoff, func() {
			m.attempt(address, tries+1, cb)
		})
		return
	}

	if m.fac.Pending != nil {
		m.fac.Pending.Store(ch, nil)
	}

	m.fac.Connections.Store(ch, nil, func(storeErr error) {
		if storeErr != nil {
			ch.Stop(int(status.AddressInUse))
			cb(nil, storeErr)
			return
		}
		cb(ch, nil)
	})
}
