package protocol_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/chaincore/p2pcore/channel"
	"github.com/chaincore/p2pcore/pool"
	"github.com/chaincore/p2pcore/protocol"
	"github.com/chaincore/p2pcore/registry"
	"github.com/chaincore/p2pcore/settings"
	"github.com/chaincore/p2pcore/wireaddr"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	p := pool.New(nil)
	p.Spawn(2, 0)
	t.Cleanup(p.Shutdown)
	return p
}

func newTestSettings() settings.Settings {
	s := settings.Mainnet()
	s.ChannelGermination = time.Hour
	s.ChannelHandshake = time.Hour
	s.ChannelInactivity = time.Hour
	s.ChannelExpiration = time.Hour
	s.ChannelHeartbeat = 0
	s.ChannelRevival = 0
	return s
}

// newTestChannel returns a channel wired over a net.Pipe, with the peer
// side of the pipe left for the test to drive directly with
// wire.ReadMessage/wire.WriteMessage.
func newTestChannel(t *testing.T, inbound bool) (*channel.Channel, net.Conn) {
	t.Helper()
	server, peer := net.Pipe()
	t.Cleanup(func() { peer.Close() })

	s := newTestSettings()
	remote := &wireaddr.Address{IP: net.ParseIP("1.2.3.4"), Port: 8333}
	ch := channel.New(server, remote, inbound, s, newTestPool(t), nil)
	t.Cleanup(func() { ch.Stop(0) })
	return ch, peer
}

func readFromPeer(t *testing.T, peer net.Conn) wire.Message {
	t.Helper()
	msg, _, err := wire.ReadMessage(peer, wire.ProtocolVersion, wire.MainNet)
	require.NoError(t, err)
	return msg
}

func writeToPeer(t *testing.T, peer net.Conn, msg wire.Message) {
	t.Helper()
	require.NoError(t, wire.WriteMessage(peer, msg, wire.ProtocolVersion, wire.MainNet))
}

type fakeHosts struct {
	mu      sync.Mutex
	sampled []*wireaddr.Address
	stored  []*wireaddr.Address
}

func (f *fakeHosts) Sample(n int, cb func([]*wireaddr.Address)) {
	f.mu.Lock()
	out := f.sampled
	f.mu.Unlock()
	cb(out)
}

func (f *fakeHosts) StoreList(addrs []*wireaddr.Address, cb func(error)) {
	f.mu.Lock()
	f.stored = append(f.stored, addrs...)
	f.mu.Unlock()
	if cb != nil {
		cb(nil)
	}
}

func selfAddr() *wire.NetAddress {
	return wire.NewNetAddressIPPort(net.ParseIP("9.9.9.9"), 8333, wire.SFNodeNetwork)
}

func TestVersionStartSendsVersionMessage(t *testing.T) {
	ch, peer := newTestChannel(t, false)
	v := protocol.NewVersion(ch, selfAddr(), constHeight(100), nil, true)
	ch.Attach(v)
	v.Start()

	msg := readFromPeer(t, peer)
	ver, ok := msg.(*wire.MsgVersion)
	require.True(t, ok)
	require.EqualValues(t, 100, ver.LastBlock)
	require.Equal(t, ch.Nonce(), ver.Nonce)
}

func TestVersionHandshakeCompletesAndPromotes(t *testing.T) {
	ch, peer := newTestChannel(t, false)
	v := protocol.NewVersion(ch, selfAddr(), constHeight(0), nil, true)
	ch.Attach(v)
	v.Start()

	_ = readFromPeer(t, peer) // our version

	remoteAddr := wire.NewNetAddressIPPort(net.ParseIP("1.2.3.4"), 8333, wire.SFNodeNetwork)
	peerVersion := wire.NewMsgVersion(remoteAddr, selfAddr(), 777, 50)
	writeToPeer(t, peer, peerVersion)
	writeToPeer(t, peer, wire.NewMsgVerAck())

	// Our verack, sent in reply to the peer's version message.
	ack := readFromPeer(t, peer)
	_, ok := ack.(*wire.MsgVerAck)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return ch.State() == channel.Active
	}, time.Second, 5*time.Millisecond)
}

func TestVersionDetectsSelfConnection(t *testing.T) {
	p := newTestPool(t)
	pending := registry.NewPendingRegistry(p)

	ch, peer := newTestChannel(t, true)
	v := protocol.NewVersion(ch, selfAddr(), constHeight(0), pending, true)
	ch.Attach(v)

	const selfNonce = uint64(4242)
	storeDone := make(chan error, 1)
	pending.Store(selfNonceChannel{selfNonce}, func(err error) { storeDone <- err })
	require.NoError(t, <-storeDone)

	remoteAddr := wire.NewNetAddressIPPort(net.ParseIP("1.2.3.4"), 8333, wire.SFNodeNetwork)
	peerVersion := wire.NewMsgVersion(remoteAddr, selfAddr(), selfNonce, 0)
	writeToPeer(t, peer, peerVersion)

	require.Eventually(t, func() bool {
		return ch.State() == channel.Stopped
	}, time.Second, 5*time.Millisecond)
}

type selfNonceChannel struct{ nonce uint64 }

func (s selfNonceChannel) HandshakeNonce() uint64 { return s.nonce }
func (s selfNonceChannel) Stop(code int)          {}

type constHeight int32

func (h constHeight) Height() int32 { return int32(h) }

func TestPingSendsAndClearsOnMatchingPong(t *testing.T) {
	ch, peer := newTestChannel(t, false)
	p := protocol.NewPing(ch)
	ch.Attach(p)

	p.SendHeartbeat()
	msg := readFromPeer(t, peer)
	ping, ok := msg.(*wire.MsgPing)
	require.True(t, ok)

	require.NoError(t, p.OnMessage(wire.NewMsgPong(ping.Nonce)))
}

func TestPingMismatchedNonceStopsChannel(t *testing.T) {
	ch, peer := newTestChannel(t, false)
	p := protocol.NewPing(ch)
	ch.Attach(p)

	p.SendHeartbeat()
	_ = readFromPeer(t, peer)

	require.NoError(t, p.OnMessage(wire.NewMsgPong(999999)))
	require.Eventually(t, func() bool {
		return ch.State() == channel.Stopped
	}, time.Second, 5*time.Millisecond)
}

func TestPingRepliesToIncomingPing(t *testing.T) {
	ch, peer := newTestChannel(t, false)
	p := protocol.NewPing(ch)
	ch.Attach(p)

	require.NoError(t, p.OnMessage(wire.NewMsgPing(55)))
	msg := readFromPeer(t, peer)
	pong, ok := msg.(*wire.MsgPong)
	require.True(t, ok)
	require.EqualValues(t, 55, pong.Nonce)
}

func TestAddressOnActiveSendsGetAddr(t *testing.T) {
	ch, peer := newTestChannel(t, false)
	ch.SetNegotiated(int32(wire.MultipleAddressVersion), 0, 0)

	hosts := &fakeHosts{}
	a := protocol.NewAddress(ch, hosts)
	ch.Attach(a)

	a.OnActive()
	msg := readFromPeer(t, peer)
	_, ok := msg.(*wire.MsgGetAddr)
	require.True(t, ok)
}

func TestAddressOnActiveSkipsOldVersionPeers(t *testing.T) {
	ch, peer := newTestChannel(t, false)
	ch.SetNegotiated(int32(wire.MultipleAddressVersion)-1, 0, 0)

	hosts := &fakeHosts{}
	a := protocol.NewAddress(ch, hosts)
	ch.Attach(a)

	a.OnActive()

	done := make(chan struct{})
	go func() {
		_ = readFromPeer(t, peer)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("expected no get_addresses message for an old-version peer")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAddressRepliesToGetAddrWithSample(t *testing.T) {
	ch, peer := newTestChannel(t, false)
	sampleAddr := &wireaddr.Address{IP: net.ParseIP("5.5.5.5"), Port: 8333}
	hosts := &fakeHosts{sampled: []*wireaddr.Address{sampleAddr}}
	a := protocol.NewAddress(ch, hosts)
	ch.Attach(a)

	require.NoError(t, a.OnMessage(wire.NewMsgGetAddr()))
	msg := readFromPeer(t, peer)
	reply, ok := msg.(*wire.MsgAddr)
	require.True(t, ok)
	require.Len(t, reply.AddrList, 1)
}

func TestAddressStoresIncomingAddresses(t *testing.T) {
	ch, _ := newTestChannel(t, false)
	hosts := &fakeHosts{}
	a := protocol.NewAddress(ch, hosts)
	ch.Attach(a)

	reply := wire.NewMsgAddr()
	_ = reply.AddAddress(wire.NewNetAddressIPPort(net.ParseIP("6.6.6.6"), 8333, 0))
	require.NoError(t, a.OnMessage(reply))

	require.Eventually(t, func() bool {
		hosts.mu.Lock()
		defer hosts.mu.Unlock()
		return len(hosts.stored) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSeedStopsChannelAfterReceivingAddresses(t *testing.T) {
	ch, peer := newTestChannel(t, false)
	hosts := &fakeHosts{}
	seed := protocol.NewSeed(ch, hosts, time.Hour)
	ch.Attach(seed)

	seed.OnActive()
	_ = readFromPeer(t, peer) // get_addresses

	reply := wire.NewMsgAddr()
	_ = reply.AddAddress(wire.NewNetAddressIPPort(net.ParseIP("7.7.7.7"), 8333, 0))
	require.NoError(t, seed.OnMessage(reply))

	require.Eventually(t, func() bool {
		return ch.State() == channel.Stopped
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, len(hosts.stored))
}

func TestSeedTimeoutDropsChannel(t *testing.T) {
	ch, peer := newTestChannel(t, false)
	hosts := &fakeHosts{}
	seed := protocol.NewSeed(ch, hosts, 20*time.Millisecond)
	ch.Attach(seed)

	seed.OnActive()
	_ = readFromPeer(t, peer)

	require.Eventually(t, func() bool {
		return ch.State() == channel.Stopped
	}, time.Second, 5*time.Millisecond)
}
