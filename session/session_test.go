package session_test

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chaincore/p2pcore/channel"
	"github.com/chaincore/p2pcore/hosts"
	"github.com/chaincore/p2pcore/metrics"
	"github.com/chaincore/p2pcore/pool"
	"github.com/chaincore/p2pcore/registry"
	"github.com/chaincore/p2pcore/session"
	"github.com/chaincore/p2pcore/settings"
	"github.com/chaincore/p2pcore/status"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	p := pool.New(nil)
	p.Spawn(4, 0)
	t.Cleanup(p.Shutdown)
	return p
}

func newTestSettings(t *testing.T) settings.Settings {
	t.Helper()
	s := settings.Mainnet()
	s.HostsFile = t.TempDir() + "/hosts.dat"
	s.ChannelGermination = time.Hour
	s.ChannelHandshake = time.Hour
	s.ChannelInactivity = time.Hour
	s.ChannelExpiration = time.Hour
	s.ChannelHeartbeat = 0
	s.ChannelRevival = 0
	s.ConnectTimeout = 0
	return s
}

// fakeDialer hands out one side of an in-memory net.Pipe, optionally
// failing the first N calls, so outbound dialing can be exercised without
// touching a real socket.
type fakeDialer struct {
	failCount int32
	attempts  int32
}

func (d *fakeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	n := atomic.AddInt32(&d.attempts, 1)
	if n <= atomic.LoadInt32(&d.failCount) {
		return nil, context.DeadlineExceeded
	}
	server, _ := net.Pipe()
	return server, nil
}

func newTestFacilities(t *testing.T, s settings.Settings, dialer session.Dialer) *session.Facilities {
	t.Helper()
	p := newTestPool(t)
	return &session.Facilities{
		Pool:        p,
		Hosts:       hosts.New(s, p),
		Connections: registry.NewConnectionRegistry(p, s.ConnectionLimit),
		Pending:     registry.NewPendingRegistry(p),
		Settings:    s,
		Height:      constHeight(0),
		Dialer:      dialer,
		Metrics:     metrics.New(nil),
	}
}

type constHeight int32

func (h constHeight) Height() int32 { return int32(h) }

func TestManualConnectSucceeds(t *testing.T) {
	s := newTestSettings(t)
	fac := newTestFacilities(t, s, &fakeDialer{})
	m := session.NewManual(fac)

	startDone := make(chan error, 1)
	m.Start(func(err error) { startDone <- err })
	require.NoError(t, <-startDone)
	t.Cleanup(m.Stop)

	type result struct {
		err error
		ok  bool
	}
	done := make(chan result, 1)
	m.Connect("1.2.3.4", 8333, func(ch *channel.Channel, err error) {
		done <- result{err: err, ok: ch != nil}
	})

	r := <-done
	require.NoError(t, r.err)
	require.True(t, r.ok)

	countCh := make(chan int, 1)
	fac.Connections.Count(func(n int) { countCh <- n })
	require.Equal(t, 1, <-countCh)
}

func TestManualConnectRemovesChannelFromConnectionsOnStop(t *testing.T) {
	s := newTestSettings(t)
	fac := newTestFacilities(t, s, &fakeDialer{})
	m := session.NewManual(fac)

	startDone := make(chan error, 1)
	m.Start(func(err error) { startDone <- err })
	require.NoError(t, <-startDone)
	t.Cleanup(m.Stop)

	done := make(chan *channel.Channel, 1)
	m.Connect("1.2.3.4", 8333, func(ch *channel.Channel, err error) {
		require.NoError(t, err)
		done <- ch
	})
	ch := <-done

	countCh := make(chan int, 1)
	fac.Connections.Count(func(n int) { countCh <- n })
	require.Equal(t, 1, <-countCh)

	ch.Stop(int(status.ChannelDropped))

	require.Eventually(t, func() bool {
		countCh := make(chan int, 1)
		fac.Connections.Count(func(n int) { countCh <- n })
		return <-countCh == 0
	}, time.Second, 5*time.Millisecond)
}

func TestManualConnectUnpendsOnPromote(t *testing.T) {
	s := newTestSettings(t)
	fac := newTestFacilities(t, s, &fakeDialer{})
	m := session.NewManual(fac)

	startDone := make(chan error, 1)
	m.Start(func(err error) { startDone <- err })
	require.NoError(t, <-startDone)
	t.Cleanup(m.Stop)

	done := make(chan *channel.Channel, 1)
	m.Connect("1.2.3.4", 8333, func(ch *channel.Channel, err error) {
		require.NoError(t, err)
		done <- ch
	})
	ch := <-done
	t.Cleanup(func() { ch.Stop(int(status.ChannelDropped)) })

	nonce := ch.Nonce()
	pentCh := make(chan bool, 1)
	fac.Pending.Exists(nonce, func(ok bool) { pentCh <- ok })
	require.True(t, <-pentCh, "dial should register its nonce in Pending before promotion")

	ch.BeginHandshake()
	ch.Promote()

	require.Eventually(t, func() bool {
		pentCh := make(chan bool, 1)
		fac.Pending.Exists(nonce, func(ok bool) { pentCh <- ok })
		return !<-pentCh
	}, time.Second, 5*time.Millisecond)
}

func TestManualConnectExhaustsRetryLimit(t *testing.T) {
	s := newTestSettings(t)
	s.ManualRetryLimit = 1
	fac := newTestFacilities(t, s, &fakeDialer{failCount: 100})
	m := session.NewManual(fac)

	startDone := make(chan error, 1)
	m.Start(func(err error) { startDone <- err })
	require.NoError(t, <-startDone)
	t.Cleanup(m.Stop)

	done := make(chan error, 1)
	m.Connect("1.2.3.4", 8333, func(ch *channel.Channel, err error) {
		done <- err
	})

	require.Error(t, <-done)
}

func TestManualConnectRetriesThenSucceeds(t *testing.T) {
	s := newTestSettings(t)
	s.ManualRetryLimit = 0 // unlimited
	dialer := &fakeDialer{failCount: 1}
	fac := newTestFacilities(t, s, dialer)
	m := session.NewManual(fac)

	startDone := make(chan error, 1)
	m.Start(func(err error) { startDone <- err })
	require.NoError(t, <-startDone)
	t.Cleanup(m.Stop)

	done := make(chan error, 1)
	m.Connect("1.2.3.4", 8333, func(ch *channel.Channel, err error) {
		done <- err
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("connect with one retry never completed")
	}
	require.GreaterOrEqual(t, atomic.LoadInt32(&dialer.attempts), int32(2))
}

func TestManualStopRejectsNewAttempts(t *testing.T) {
	s := newTestSettings(t)
	fac := newTestFacilities(t, s, &fakeDialer{})
	m := session.NewManual(fac)

	startDone := make(chan error, 1)
	m.Start(func(err error) { startDone <- err })
	require.NoError(t, <-startDone)
	m.Stop()

	done := make(chan error, 1)
	m.Connect("1.2.3.4", 8333, func(ch *channel.Channel, err error) {
		done <- err
	})

	require.ErrorIs(t, <-done, status.New(status.ServiceStopped))
}
