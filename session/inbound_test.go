package session_test

import (
	"net"
	"testing"
	"time"

	"github.com/chaincore/p2pcore/session"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func TestInboundDisabledWhenPortIsZero(t *testing.T) {
	s := newTestSettings(t)
	s.InboundPort = 0
	fac := newTestFacilities(t, s, &fakeDialer{})
	in := session.NewInbound(fac)
	t.Cleanup(in.Stop)

	done := make(chan error, 1)
	in.Start(func(err error) { done <- err })
	require.NoError(t, <-done)
}

func TestInboundDisabledWhenNoRoomBeyondReservedSlots(t *testing.T) {
	s := newTestSettings(t)
	s.InboundPort = freePort(t)
	s.OutboundConnections = 8
	s.ConnectionLimit = 8 // no room left for inbound
	fac := newTestFacilities(t, s, &fakeDialer{})
	in := session.NewInbound(fac)
	t.Cleanup(in.Stop)

	done := make(chan error, 1)
	in.Start(func(err error) { done <- err })
	require.NoError(t, <-done)

	_, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", itoa(s.InboundPort)), 200*time.Millisecond)
	require.Error(t, err, "no listener should be bound when capacity leaves no room for inbound")
}

func TestInboundAcceptsAndStoresChannel(t *testing.T) {
	s := newTestSettings(t)
	s.InboundPort = freePort(t)
	s.OutboundConnections = 1
	s.ConnectionLimit = 10
	fac := newTestFacilities(t, s, &fakeDialer{})
	in := session.NewInbound(fac)
	t.Cleanup(in.Stop)

	done := make(chan error, 1)
	in.Start(func(err error) { done <- err })
	require.NoError(t, <-done)

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", itoa(s.InboundPort)), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		countCh := make(chan int, 1)
		fac.Connections.Count(func(n int) { countCh <- n })
		return <-countCh == 1
	}, time.Second, 10*time.Millisecond)

	// Closing the peer side of the socket should drop the accepted
	// channel and remove it from the registry it was stored in.
	conn.Close()

	require.Eventually(t, func() bool {
		countCh := make(chan int, 1)
		fac.Connections.Count(func(n int) { countCh <- n })
		return <-countCh == 0
	}, time.Second, 10*time.Millisecond)
}

func itoa(p uint16) string {
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
