// Package session implements the four channel-factory disciplines named
// in spec.md §4.7: Manual, Seed, Outbound, Inbound. Each is grounded on
// server.go's connectPeerMsg/handleConnectPeer (async dial, future-style
// response) and s.listener (accept loop with policy rejection before
// handshake), generalized from a single "server" struct into four
// independent session types the coordinator attaches.
package session

import (
	"context"
	"net"
	"strconv"

	"github.com/chaincore/p2pcore/channel"
	"github.com/chaincore/p2pcore/hosts"
	"github.com/chaincore/p2pcore/metrics"
	"github.com/chaincore/p2pcore/pool"
	"github.com/chaincore/p2pcore/protocol"
	"github.com/chaincore/p2pcore/registry"
	"github.com/chaincore/p2pcore/settings"
	"github.com/chaincore/p2pcore/wireaddr"
)

// Dialer is the narrow interface a session needs to open an outbound
// connection; satisfied by *net.Dialer and trivially fakeable in tests.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Facilities bundles the coordinator-owned handles every session is
// constructed with: the shared worker pool, the hosts store, the two
// registries, the relay function used to publish newly active channels,
// and an immutable copy of settings. This mirrors the spec's
// `attach<T>(settings)` wording ("constructs the session with a reference
// to coordinator facilities").
type Facilities struct {
	Pool        *pool.Pool
	Hosts       *hosts.Store
	Connections *registry.ConnectionRegistry
	Pending     *registry.PendingRegistry
	Settings    settings.Settings
	Height      protocol.HeightSource
	Dialer      Dialer

	// Metrics records dial and handshake outcomes. Never nil: the
	// coordinator always supplies at least a no-op instance.
	Metrics *metrics.Metrics

	// Relay publishes a successfully promoted channel to the
	// coordinator's subscription bus. It is called exactly once per
	// channel, on whichever goroutine promotes it (a pool worker or the
	// channel's read loop).
	Relay func(ch *channel.Channel)
}

func (f *Facilities) dial(ctx context.Context, address string) (net.Conn, error) {
	d := f.Dialer
	if d == nil {
		d = &net.Dialer{}
	}
	return d.DialContext(ctx, "tcp", address)
}

// newOutboundChannel dials address, attaches Version+Ping+Address, wires
// promotion to Relay, and returns the channel. The caller is responsible
// for registering the handshake nonce in Pending; the OnPromoted and
// OnStopped hooks installed by attachOutboundProtocols remove it again,
// per spec.md's testable property on Pending membership.
func (f *Facilities) newOutboundChannel(ctx context.Context, address string) (*channel.Channel, error) {
	dialCtx := ctx
	var cancel context.CancelFunc
	if f.Settings.ConnectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, f.Settings.ConnectTimeout)
		defer cancel()
	}

	f.Metrics.ObserveDialAttempt()
	conn, err := f.dial(dialCtx, address)
	if err != nil {
		f.Metrics.ObserveDialFailure()
		return nil, err
	}

	remote := remoteAddress(address, conn)
	ch := channel.New(conn, remote, false, f.Settings, f.Pool, nil)
	f.attachOutboundProtocols(ch)
	return ch, nil
}

// remoteAddress resolves the dialed address into a wireaddr.Address,
// preferring the actually-connected TCP remote address (which resolves
// any hostname dialed) and falling back to parsing the dial target
// directly if the connection isn't a *net.TCPConn (e.g. in tests).
func remoteAddress(dialed string, conn net.Conn) *wireaddr.Address {
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return &wireaddr.Address{IP: tcpAddr.IP, Port: uint16(tcpAddr.Port)}
	}
	host, portStr, err := net.SplitHostPort(dialed)
	if err != nil {
		return &wireaddr.Address{}
	}
	port, _ := strconv.Atoi(portStr)
	return &wireaddr.Address{IP: net.ParseIP(host), Port: uint16(port)}
}

// attachOutboundProtocols wires Version, Ping, and Address onto ch and
// arms the relay-on-promote hook. Shared by the Manual, Outbound, and
// Inbound sessions.
func (f *Facilities) attachOutboundProtocols(ch *channel.Channel) {
	version := protocol.NewVersion(ch, f.Settings.Self, f.Height, f.Pending, f.Settings.RelayTransactions)
	ch.Attach(version)
	ch.Attach(protocol.NewPing(ch))
	ch.Attach(protocol.NewAddress(ch, f.Hosts))

	ch.OnPromoted = func(c *channel.Channel) {
		// A promoted channel has finished its handshake; its nonce has no
		// further self-connection-detection use, per spec's "in Pending
		// from dial-start until handshake completes... and never
		// thereafter".
		if f.Pending != nil {
			f.Pending.Remove(c, nil)
		}
		if f.Relay != nil {
			f.Relay(c)
		}
	}

	ch.OnStopped = func(c *channel.Channel) {
		if f.Pending != nil {
			f.Pending.Remove(c, nil)
		}
		if f.Connections != nil {
			f.Connections.Remove(c, nil)
		}
	}

	version.Start()
}
