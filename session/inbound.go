package session

import (
	"net"
	"sync"

	"github.com/chaincore/p2pcore/channel"
	"github.com/chaincore/p2pcore/status"
	"github.com/chaincore/p2pcore/wireaddr"
)

// Inbound is the session that listens on Settings.InboundPort and accepts
// connections until the connection registry's Settings.ConnectionLimit,
// shared with outbound and manual channels, is reached; it does not
// listen at all when ConnectionLimit leaves no room beyond the outbound
// slots. Grounded on server.go's s.listener accept loop,
// generalized to reject a connection with a policy code before the
// handshake even begins when the registry, blacklist, or self-connect
// checks already rule it out.
type Inbound struct {
	fac *Facilities

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

// NewInbound constructs an inbound session bound to fac.
func NewInbound(fac *Facilities) *Inbound {
	return &Inbound{fac: fac}
}

// Start binds the configured listen port and begins accepting, unless
// InboundPort is zero or the configured connection limit leaves no room
// beyond the reserved outbound slots, in which case Inbound is a
// functioning no-op (matches spec.md's "Inbound" capacity precondition).
func (in *Inbound) Start(cb func(error)) {
	if cb == nil {
		cb = func(error) {}
	}

	port := in.fac.Settings.InboundPort
	limit := in.fac.Settings.ConnectionLimit
	reserved := in.fac.Settings.OutboundConnections
	if port == 0 || limit <= reserved {
		in.fac.Pool.Dispatch(func() { cb(nil) })
		return
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", portString(port)))
	if err != nil {
		in.fac.Pool.Dispatch(func() { cb(err) })
		return
	}

	in.mu.Lock()
	in.listener = ln
	in.mu.Unlock()

	go in.acceptLoop(ln)

	in.fac.Pool.Dispatch(func() { cb(nil) })
}

// Stop closes the listener, ending the accept loop. Already-accepted
// channels are left for the connection registry's own Stop to tear down.
func (in *Inbound) Stop() {
	in.mu.Lock()
	in.stopped = true
	ln := in.listener
	in.listener = nil
	in.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
}

func (in *Inbound) isStopped() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stopped
}

func (in *Inbound) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if in.isStopped() {
			conn.Close()
			return
		}
		in.fac.Pool.Dispatch(func() { in.handleAccept(conn) })
	}
}

func (in *Inbound) handleAccept(conn net.Conn) {
	remote := remoteAddress(conn.RemoteAddr().String(), conn)

	if wireaddr.IsSelf(remote, in.fac.Settings.Self) {
		conn.Close()
		return
	}
	if wireaddr.IsBlacklisted(remote, in.fac.Settings.Blacklists) {
		conn.Close()
		return
	}
	if in.fac.Connections != nil {
		exists := make(chan bool, 1)
		in.fac.Connections.Exists(remote.IPKey(), func(ok bool) { exists <- ok })
		if <-exists {
			conn.Close()
			return
		}
	}

	ch := channel.New(conn, remote, true, in.fac.Settings, in.fac.Pool, nil)
	// Both sides of a handshake send version proactively on connect,
	// inbound or outbound; attachOutboundProtocols' naming reflects which
	// session owns the dial, not any difference in wire behavior.
	in.fac.attachOutboundProtocols(ch)

	in.fac.Connections.Store(ch, nil, func(err error) {
		if err != nil {
			ch.Stop(int(status.ChannelDropped))
		}
	})
}

func portString(p uint16) string {
	if p == 0 {
		return "0"
	}
	buf := [5]byte{}
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = byte('0' + p%10)
		p /= 10
	}
	return string(buf[i:])
}
