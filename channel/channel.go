// Package channel implements a single live peer connection: framed
// transport plus per-peer state, timers, and attached protocols
// (spec.md §4.5). It is grounded on peer.go's peer struct (outgoing
// queue, read/write goroutines, ping RTT tracking, activity timestamps),
// generalized from Lightning-specific channel state to the plain
// germinate/handshake/active/stopped life cycle this spec names.
package channel

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/chaincore/p2pcore/pool"
	"github.com/chaincore/p2pcore/settings"
	"github.com/chaincore/p2pcore/status"
	"github.com/chaincore/p2pcore/wireaddr"
	"github.com/lightningnetwork/lnd/clock"
)

// State is the channel's life-cycle stage (spec.md §4.5).
type State int32

const (
	Germinating State = iota
	Handshaking
	Active
	Stopped
)

func (s State) String() string {
	switch s {
	case Germinating:
		return "germinating"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Protocol is a per-channel state machine attached after construction. A
// channel notifies every attached protocol exactly once, with the stop
// code, when it stops.
type Protocol interface {
	// Name identifies the protocol for logging.
	Name() string
	// OnMessage is invoked for every message read off the wire, in wire
	// order, until the channel stops.
	OnMessage(msg wire.Message) error
	// OnActive is invoked once, when the channel is promoted out of the
	// handshake stage.
	OnActive()
	// OnStop is invoked exactly once when the channel stops, regardless
	// of cause.
	OnStop(code status.Code)
}

// Channel is one live peer link.
type Channel struct {
	conn   net.Conn
	inbound bool
	netMagic wire.BitcoinNet

	remote *wireaddr.Address

	settings settings.Settings
	pool     *pool.Pool
	clock    clock.Clock

	state     atomic.Int32
	everActive atomic.Bool

	nonce uint64 // handshake nonce, see Nonce()

	mu               sync.RWMutex
	negotiatedVersion int32
	services          wire.ServiceFlag
	startHeight       int32
	lastActivity      time.Time
	protocols         []Protocol

	outQueue chan wire.Message

	stopOnce sync.Once
	stopCode status.Code
	doneCh   chan struct{}

	cancelGermination func()
	cancelHandshake    func()
	cancelInactivity   func()
	cancelExpiration   func()
	cancelHeartbeat    func()
	cancelRevival      func()

	wg sync.WaitGroup

	// OnPromoted, if set, is invoked exactly once when the channel
	// reaches Active, after OnActive has fired on every attached
	// protocol. The coordinator uses this to relay the "new channel"
	// event to subscribers.
	OnPromoted func(*Channel)

	// OnStopped, if set, is invoked exactly once when the channel stops,
	// after every attached protocol's OnStop has fired. Sessions use
	// this to remove the channel from the Connection Registry without
	// racing the stop path against their own ch.Done() teardown.
	OnStopped func(*Channel)
}

// New constructs a Channel over an already-established net.Conn. inbound
// distinguishes an accepted socket from a dialed one; the version protocol
// reads it (via Inbound) to decide whether to adopt the peer's nonce.
func New(conn net.Conn, remote *wireaddr.Address, inbound bool, s settings.Settings, p *pool.Pool, c clock.Clock) *Channel {
	if c == nil {
		c = clock.NewDefaultClock()
	}
	ch := &Channel{
		conn:     conn,
		inbound:  inbound,
		netMagic: s.Identifier,
		remote:   remote,
		settings: s,
		pool:     p,
		clock:    c,
		nonce:    generateNonce(),
		outQueue: make(chan wire.Message, 50),
		doneCh:   make(chan struct{}),
	}
	ch.state.Store(int32(Germinating))
	ch.lastActivity = c.Now()

	ch.cancelGermination = p.AfterFunc(s.ChannelGermination, ch.onGerminationTimeout)

	ch.wg.Add(2)
	go ch.readLoop()
	go ch.writeLoop()

	return ch
}

func generateNonce() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// State returns the channel's current life-cycle stage.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Nonce returns this channel's handshake nonce: locally-generated for an
// outbound dial, or the peer-advertised nonce once a version message has
// been received for an inbound channel (see SetPeerNonce).
func (c *Channel) Nonce() uint64 {
	return atomic.LoadUint64(&c.nonce)
}

// HandshakeNonce satisfies registry.PendingChannel.
func (c *Channel) HandshakeNonce() uint64 {
	return c.Nonce()
}

// SetPeerNonce overwrites the nonce with the value the remote peer
// advertised in its version message; used only by inbound channels, whose
// locally-meaningful nonce is the one the peer sent, not one we generated
// (we never sent our own version nonce into Pending for an inbound
// channel — only outbound dials register themselves).
func (c *Channel) SetPeerNonce(n uint64) {
	atomic.StoreUint64(&c.nonce, n)
}

// RemoteAddress returns the remote endpoint.
func (c *Channel) RemoteAddress() *wireaddr.Address { return c.remote }

// RemoteIPKey satisfies registry.Channel.
func (c *Channel) RemoteIPKey() string { return c.remote.IPKey() }

// Inbound reports whether this channel originated from an accept.
func (c *Channel) Inbound() bool { return c.inbound }

// Pool returns the worker pool backing this channel's timers, so
// protocols can schedule their own one-shot timeouts (e.g. the ping
// protocol's pong-wait timer) without each protocol needing its own
// reference threaded in separately.
func (c *Channel) Pool() *pool.Pool { return c.pool }

// SetNegotiated records the peer's advertised version/services/height,
// learned during the version handshake.
func (c *Channel) SetNegotiated(version int32, services wire.ServiceFlag, startHeight int32) {
	c.mu.Lock()
	c.negotiatedVersion = version
	c.services = services
	c.startHeight = startHeight
	c.mu.Unlock()
}

// Negotiated returns the peer's advertised version, services, and height.
func (c *Channel) Negotiated() (version int32, services wire.ServiceFlag, startHeight int32) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.negotiatedVersion, c.services, c.startHeight
}

// Attach registers a protocol to receive messages and the eventual stop
// notification. Must be called before Promote for OnActive to fire.
func (c *Channel) Attach(p Protocol) {
	c.mu.Lock()
	c.protocols = append(c.protocols, p)
	c.mu.Unlock()
}

// BeginHandshake transitions Germinating -> Handshaking and arms the
// handshake timeout. It is a no-op if the channel already left
// Germinating (e.g. it was stopped first).
func (c *Channel) BeginHandshake() {
	if !c.state.CompareAndSwap(int32(Germinating), int32(Handshaking)) {
		return
	}
	if c.cancelGermination != nil {
		c.cancelGermination()
	}
	c.cancelHandshake = c.pool.AfterFunc(c.settings.ChannelHandshake, c.onHandshakeTimeout)
}

// Promote transitions Handshaking -> Active, arms the inactivity,
// expiration, heartbeat, and revival timers, and fires OnActive on every
// attached protocol followed by OnPromoted.
func (c *Channel) Promote() {
	if !c.state.CompareAndSwap(int32(Handshaking), int32(Active)) {
		return
	}
	c.everActive.Store(true)
	if c.cancelHandshake != nil {
		c.cancelHandshake()
	}

	c.mu.Lock()
	c.lastActivity = c.clock.Now()
	protocols := append([]Protocol(nil), c.protocols...)
	c.mu.Unlock()

	c.cancelInactivity = c.pool.AfterFunc(c.settings.ChannelInactivity, c.onInactivityTimeout)
	c.cancelExpiration = c.pool.AfterFunc(c.settings.ChannelExpiration, c.onExpirationTimeout)
	if c.settings.ChannelHeartbeat > 0 {
		c.cancelHeartbeat = c.pool.NewTicker(c.settings.ChannelHeartbeat, c.onHeartbeat)
	}
	if c.settings.ChannelRevival > 0 {
		c.cancelRevival = c.pool.NewTicker(c.settings.ChannelRevival, c.onRevival)
	}

	for _, p := range protocols {
		p.OnActive()
	}
	if c.OnPromoted != nil {
		c.OnPromoted(c)
	}

	log.Debugf("channel %s promoted to active", c.remote.Key())
}

// markActivity updates last_activity_time and resets the inactivity
// timer, called on every received message while Active.
func (c *Channel) markActivity() {
	c.mu.Lock()
	c.lastActivity = c.clock.Now()
	c.mu.Unlock()

	if c.cancelInactivity != nil {
		c.cancelInactivity()
	}
	if c.State() == Active {
		c.cancelInactivity = c.pool.AfterFunc(c.settings.ChannelInactivity, c.onInactivityTimeout)
	}
}

// LastActivity returns the last time a message was received while Active.
func (c *Channel) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// QueueMessage enqueues msg for the write loop. Dropped silently once the
// channel has stopped.
func (c *Channel) QueueMessage(msg wire.Message) {
	select {
	case c.outQueue <- msg:
	case <-c.doneCh:
	}
}

// Stop tears the channel down with the given code: closes the transport,
// cancels all timers, and notifies every attached protocol exactly once.
// Safe to call multiple times and from multiple goroutines.
func (c *Channel) Stop(code int) {
	c.stopOnce.Do(func() {
		c.state.Store(int32(Stopped))
		c.stopCode = status.Code(code)

		if c.cancelGermination != nil {
			c.cancelGermination()
		}
		if c.cancelHandshake != nil {
			c.cancelHandshake()
		}
		if c.cancelInactivity != nil {
			c.cancelInactivity()
		}
		if c.cancelExpiration != nil {
			c.cancelExpiration()
		}
		if c.cancelHeartbeat != nil {
			c.cancelHeartbeat()
		}
		if c.cancelRevival != nil {
			c.cancelRevival()
		}

		_ = c.conn.Close()
		close(c.doneCh)

		c.mu.RLock()
		protocols := append([]Protocol(nil), c.protocols...)
		c.mu.RUnlock()
		for _, p := range protocols {
			p.OnStop(status.Code(code))
		}
		if c.OnStopped != nil {
			c.OnStopped(c)
		}

		log.Debugf("channel %s stopped: %s", c.remote.Key(), status.Code(code))
	})
}

// StopCode returns the code the channel was stopped with, valid only
// after Stop has run.
func (c *Channel) StopCode() status.Code { return c.stopCode }

// EverActive reports whether the channel ever reached the Active state
// before stopping, distinguishing a handshake failure from a post-
// handshake drop.
func (c *Channel) EverActive() bool { return c.everActive.Load() }

// Done is closed once the channel has stopped.
func (c *Channel) Done() <-chan struct{} { return c.doneCh }

func (c *Channel) onGerminationTimeout() {
	if c.State() == Germinating {
		c.Stop(int(status.ChannelTimeout))
	}
}

func (c *Channel) onHandshakeTimeout() {
	if c.State() == Handshaking {
		c.Stop(int(status.ChannelTimeout))
	}
}

func (c *Channel) onInactivityTimeout() {
	if c.State() != Active {
		return
	}
	if c.clock.Now().Sub(c.LastActivity()) < c.settings.ChannelInactivity {
		// A timer that fired late, already superseded by activity.
		return
	}
	c.Stop(int(status.ChannelTimeout))
}

func (c *Channel) onExpirationTimeout() {
	if c.State() == Active {
		c.Stop(int(status.ChannelTimeout))
	}
}

func (c *Channel) onHeartbeat() {
	if c.State() != Active {
		return
	}
	c.mu.RLock()
	protocols := append([]Protocol(nil), c.protocols...)
	c.mu.RUnlock()
	for _, p := range protocols {
		if hb, ok := p.(interface{ SendHeartbeat() }); ok {
			hb.SendHeartbeat()
		}
	}
}

func (c *Channel) onRevival() {
	if c.State() != Active {
		return
	}
	c.mu.RLock()
	protocols := append([]Protocol(nil), c.protocols...)
	c.mu.RUnlock()
	for _, p := range protocols {
		if rv, ok := p.(interface{ OnRevival() }); ok {
			rv.OnRevival()
		}
	}
}

func (c *Channel) readLoop() {
	defer c.wg.Done()
	defer func() {
		if c.State() != Stopped {
			c.pool.Dispatch(func() { c.Stop(int(status.ChannelDropped)) })
		}
	}()

	first := true
	for {
		msg, _, err := wire.ReadMessage(c.conn, wire.ProtocolVersion, c.netMagic)
		if err != nil {
			if c.State() == Stopped {
				return
			}
			if err == io.EOF {
				return
			}
			code := status.BadStream
			c.pool.Dispatch(func() { c.Stop(int(code)) })
			return
		}

		if first {
			first = false
			c.BeginHandshake()
		}

		if c.State() == Active {
			c.markActivity()
		}

		c.mu.RLock()
		protocols := append([]Protocol(nil), c.protocols...)
		c.mu.RUnlock()

		for _, p := range protocols {
			if err := p.OnMessage(msg); err != nil {
				log.Debugf("channel %s: protocol %s error: %v", c.remote.Key(), p.Name(), err)
			}
		}
	}
}

func (c *Channel) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case msg := <-c.outQueue:
			if err := wire.WriteMessage(c.conn, msg, wire.ProtocolVersion, c.netMagic); err != nil {
				if c.State() != Stopped {
					code := status.ChannelDropped
					c.pool.Dispatch(func() { c.Stop(int(code)) })
				}
				return
			}
		case <-c.doneCh:
			return
		}
	}
}

// Wait blocks until both the read and write loops have exited, i.e. the
// channel is fully torn down.
func (c *Channel) Wait() {
	c.wg.Wait()
}
