// Package p2pcore implements the top-level coordinator binding the
// worker pool, hosts store, connection/pending registries, and the four
// sessions (manual, seed, outbound, inbound) into the peer-to-peer
// networking core described by this module (spec.md §4.8). Grounded on
// lnd.go's daemon-level Main()/server.Start()/server.Stop() sequencing
// and server.go's newServer wiring, generalized from a single
// Lightning-specific server object into a reusable, settings-driven core
// with an explicit stopped/starting/started state machine.
package p2pcore

import (
	"sync"
	"sync/atomic"

	"github.com/chaincore/p2pcore/channel"
	"github.com/chaincore/p2pcore/hosts"
	"github.com/chaincore/p2pcore/metrics"
	"github.com/chaincore/p2pcore/pool"
	"github.com/chaincore/p2pcore/registry"
	"github.com/chaincore/p2pcore/session"
	"github.com/chaincore/p2pcore/settings"
	"github.com/chaincore/p2pcore/status"
	"github.com/chaincore/p2pcore/wireaddr"
	"github.com/prometheus/client_golang/prometheus"
)

// lifecycleState is the coordinator's stopped/starting/started machine
// (spec.md §3 "Lifecycle rules").
type lifecycleState int32

const (
	stateStopped lifecycleState = iota
	stateStarting
	stateStarted
)

// Event is what the subscription bus delivers: a status code plus the
// channel it concerns, where applicable. A shutdown event carries a nil
// channel.
type Event struct {
	Code    status.Code
	Channel *channel.Channel
}

// Coordinator is the long-lived object a caller constructs once per node
// process. It owns the worker pool and every registry, and exposes the
// lifecycle and query surface named in spec.md §4.8.
type Coordinator struct {
	settings settings.Settings

	state   atomic.Int32
	height  atomic.Int32

	pool        *pool.Pool
	hosts       *hosts.Store
	connections *registry.ConnectionRegistry
	pending     *registry.PendingRegistry
	metrics     *metrics.Metrics

	subMu       sync.Mutex
	stopped     bool
	subscribers []func(Event)

	sessMu  sync.Mutex
	manual  *session.Manual
	seed    *session.Seed
	outbound *session.Outbound
	inbound  *session.Inbound
}

// New constructs a Coordinator from s. The worker pool and registries are
// allocated by Start, which brings the core up.
func New(s settings.Settings) *Coordinator {
	c := &Coordinator{settings: s, metrics: metrics.New(nil)}
	c.state.Store(int32(stateStopped))
	return c
}

// UseMetrics registers this coordinator's counters and gauges with reg.
// Must be called before Start: sessions attached by an earlier Start keep
// recording into the instance they were constructed with.
func (c *Coordinator) UseMetrics(reg prometheus.Registerer) {
	c.metrics = metrics.New(reg)
}

// Height returns the coordinator's current advertised chain height.
func (c *Coordinator) Height() int32 { return c.height.Load() }

// SetHeight updates the height advertised in future version handshakes.
func (c *Coordinator) SetHeight(v int32) { c.height.Store(v) }

// Start brings the core up: spawns the worker pool, loads the hosts
// store, and attaches the Manual and Seed sessions. cb is invoked exactly
// once with nil on success or the first stage's error.
//
// Fails with operation_failed if the coordinator is not currently
// stopped, without altering any state.
func (c *Coordinator) Start(cb func(error)) {
	if cb == nil {
		cb = func(error) {}
	}
	if !c.state.CompareAndSwap(int32(stateStopped), int32(stateStarting)) {
		cb(status.New(status.OperationFailed))
		return
	}

	c.subMu.Lock()
	c.stopped = false
	c.subMu.Unlock()

	c.pool = pool.New(nil)
	c.pool.Spawn(c.settings.Threads, 0)
	c.hosts = hosts.New(c.settings, c.pool)
	c.connections = registry.NewConnectionRegistry(c.pool, c.settings.ConnectionLimit)
	c.pending = registry.NewPendingRegistry(c.pool)

	fac := c.facilities()

	c.sessMu.Lock()
	c.manual = session.NewManual(fac)
	c.sessMu.Unlock()

	if c.isStoppedLocked() {
		cb(status.New(status.ServiceStopped))
		return
	}

	c.manual.Start(func(err error) {
		if c.checkStoppedOrErr(err, cb) {
			return
		}
		c.hosts.Load(func(err error) {
			if c.checkStoppedOrErr(err, cb) {
				return
			}

			c.sessMu.Lock()
			c.seed = session.NewSeed(fac)
			c.sessMu.Unlock()

			c.seed.Start(func(err error) {
				if c.checkStoppedOrErr(err, cb) {
					return
				}
				c.state.Store(int32(stateStarted))
				cb(nil)
			})
		})
	})
}

// Run attaches and starts the Inbound and Outbound sessions. Legal only
// once Start has completed successfully.
func (c *Coordinator) Run(cb func(error)) {
	if cb == nil {
		cb = func(error) {}
	}
	if c.isStoppedLocked() {
		cb(status.New(status.ServiceStopped))
		return
	}
	if lifecycleState(c.state.Load()) != stateStarted {
		cb(status.New(status.OperationFailed))
		return
	}

	fac := c.facilities()

	c.sessMu.Lock()
	c.inbound = session.NewInbound(fac)
	c.outbound = session.NewOutbound(fac)
	c.sessMu.Unlock()

	c.inbound.Start(func(err error) {
		if c.checkStoppedOrErr(err, cb) {
			return
		}
		c.outbound.Start(func(err error) {
			if c.checkStoppedOrErr(err, cb) {
				return
			}
			cb(nil)
		})
	})
}

// checkStoppedOrErr reports true (having already called cb) if the
// coordinator has stopped or err is non-nil, short-circuiting the
// remainder of the start/run stage chain.
func (c *Coordinator) checkStoppedOrErr(err error, cb func(error)) bool {
	if c.isStoppedLocked() {
		cb(status.New(status.ServiceStopped))
		return true
	}
	if err != nil {
		cb(err)
		return true
	}
	return false
}

// Stop is idempotent: a second call (or a call before Start) returns
// service_stopped and performs no work. Otherwise it flips the stopped
// flag (under the same mutex the subscription bus uses, closing the
// documented subscribe/stop race), relays service_stopped to every
// pending subscriber, tears down every session, stops the connection
// registry, saves the hosts store, and shuts down the worker pool.
func (c *Coordinator) Stop(cb func(error)) {
	if cb == nil {
		cb = func(error) {}
	}

	c.subMu.Lock()
	if c.stopped || lifecycleState(c.state.Load()) == stateStopped {
		c.subMu.Unlock()
		cb(status.New(status.ServiceStopped))
		return
	}
	c.stopped = true
	subs := c.subscribers
	c.subscribers = nil
	c.subMu.Unlock()

	c.state.Store(int32(stateStopped))

	for _, sub := range subs {
		sub(Event{Code: status.ServiceStopped})
	}

	c.sessMu.Lock()
	manual, seed, outbound, inbound := c.manual, c.seed, c.outbound, c.inbound
	c.manual, c.seed, c.outbound, c.inbound = nil, nil, nil, nil
	c.sessMu.Unlock()

	if manual != nil {
		manual.Stop()
	}
	if seed != nil {
		seed.Stop()
	}
	if outbound != nil {
		outbound.Stop()
	}
	if inbound != nil {
		inbound.Stop()
	}

	if c.connections != nil {
		c.connections.Stop(int(status.ServiceStopped))
	}

	if c.hosts != nil {
		c.hosts.Save(nil)
		c.hosts.Stop()
	}

	if c.pool != nil {
		c.pool.Shutdown()
	}

	cb(nil)
}

// Close stops the coordinator (discarding any error) and blocks until the
// worker pool has drained every queued task.
func (c *Coordinator) Close() {
	done := make(chan struct{})
	c.Stop(func(error) { close(done) })
	<-done
	if c.pool != nil {
		c.pool.Join()
	}
}

func (c *Coordinator) isStoppedLocked() bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.stopped
}

// facilities bundles the coordinator's owned handles into the struct
// every session is constructed with.
func (c *Coordinator) facilities() *session.Facilities {
	return &session.Facilities{
		Pool:        c.pool,
		Hosts:       c.hosts,
		Connections: c.connections,
		Pending:     c.pending,
		Settings:    c.settings,
		Height:      heightSource{c},
		Metrics:     c.metrics,
		Relay: func(ch *channel.Channel) {
			c.metrics.ObserveHandshakeSuccess()
			c.relay(status.Success, ch)
		},
	}
}

// heightSource adapts the coordinator's atomic height to
// protocol.HeightSource without exposing the coordinator itself to the
// protocol package (spec.md §9's "no reference cycle" rule).
type heightSource struct{ c *Coordinator }

func (h heightSource) Height() int32 { return h.c.Height() }

// Connected reports whether a channel for addr's IP is currently
// registered.
func (c *Coordinator) Connected(addr *wireaddr.Address, cb func(bool)) {
	c.connections.Exists(addr.IPKey(), cb)
}

// StoreChannel inserts ch into the connection registry directly; exposed
// for sessions/tests that construct a channel outside the normal dial
// path.
func (c *Coordinator) StoreChannel(ch *channel.Channel, cb func(error)) {
	c.connections.Store(ch, nil, cb)
}

// RemoveChannel deletes ch from the connection registry.
func (c *Coordinator) RemoveChannel(ch *channel.Channel, cb func(error)) {
	c.connections.Remove(ch, cb)
}

// ConnectedCount returns the number of live channels.
func (c *Coordinator) ConnectedCount(cb func(int)) {
	c.connections.Count(func(n int) {
		c.metrics.SetConnectedChannels(n)
		cb(n)
	})
}

// FetchAddress returns one candidate address from the hosts pool.
func (c *Coordinator) FetchAddress(cb func(*wireaddr.Address, error)) {
	c.hosts.Fetch(cb)
}

// StoreAddress inserts a into the hosts pool.
func (c *Coordinator) StoreAddress(a *wireaddr.Address, cb func(error)) {
	c.hosts.Store(a, cb)
}

// RemoveAddress deletes a from the hosts pool.
func (c *Coordinator) RemoveAddress(a *wireaddr.Address, cb func(error)) {
	c.hosts.Remove(a, cb)
}

// StoreAddresses inserts every address in list into the hosts pool.
func (c *Coordinator) StoreAddresses(list []*wireaddr.Address, cb func(error)) {
	c.hosts.StoreList(list, cb)
}

// AddressCount returns the current size of the hosts pool.
func (c *Coordinator) AddressCount(cb func(int)) {
	c.hosts.Count(func(n int) {
		c.metrics.SetHostPoolSize(n)
		cb(n)
	})
}

// Pend registers ch in the pending (handshake) registry under its nonce.
func (c *Coordinator) Pend(ch *channel.Channel, cb func(error)) {
	c.pending.Store(ch, cb)
}

// Unpend removes ch from the pending registry.
func (c *Coordinator) Unpend(ch *channel.Channel, cb func(error)) {
	c.pending.Remove(ch, cb)
}

// Pent reports whether nonce is currently registered as pending.
func (c *Coordinator) Pent(nonce uint64, cb func(bool)) {
	c.pending.Exists(nonce, cb)
}

// PentCount returns the number of channels currently mid-handshake.
func (c *Coordinator) PentCount(cb func(int)) {
	c.pending.Count(func(n int) {
		c.metrics.SetPendingChannels(n)
		cb(n)
	})
}

// Connect dials host:port via the Manual session. cb may be nil.
func (c *Coordinator) Connect(host string, port uint16, cb func(*channel.Channel, error)) {
	c.sessMu.Lock()
	m := c.manual
	c.sessMu.Unlock()
	if m == nil {
		if cb != nil {
			cb(nil, status.New(status.ServiceStopped))
		}
		return
	}
	m.Connect(host, port, cb)
}

// Subscribe registers cb to receive exactly one event: either the next
// successfully promoted channel, or service_stopped if the coordinator
// has already stopped (or stops before any channel is promoted). The
// stopped-flag check and the registration happen under the same mutex
// Stop uses to flush the bus, closing the race documented in spec.md §9.
func (c *Coordinator) Subscribe(cb func(Event)) {
	if cb == nil {
		return
	}
	c.subMu.Lock()
	if c.stopped {
		c.subMu.Unlock()
		cb(Event{Code: status.ServiceStopped})
		return
	}
	c.subscribers = append(c.subscribers, cb)
	c.subMu.Unlock()
}

// relay delivers ch to every currently registered subscriber, consuming
// their registrations (spec.md §6: "each registered callback is invoked
// exactly once per relayed event, then dropped").
func (c *Coordinator) relay(code status.Code, ch *channel.Channel) {
	c.subMu.Lock()
	subs := c.subscribers
	c.subscribers = nil
	c.subMu.Unlock()

	for _, sub := range subs {
		sub(Event{Code: code, Channel: ch})
	}
}
