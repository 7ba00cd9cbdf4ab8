package wireaddr_test

import (
	"net"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/chaincore/p2pcore/settings"
	"github.com/chaincore/p2pcore/wireaddr"
	"github.com/stretchr/testify/require"
)

func TestEqualByIPAndPort(t *testing.T) {
	a := &wireaddr.Address{IP: net.ParseIP("1.2.3.4"), Port: 8333}
	b := &wireaddr.Address{IP: net.ParseIP("1.2.3.4"), Port: 8333}
	c := &wireaddr.Address{IP: net.ParseIP("1.2.3.4"), Port: 8334}

	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
}

func TestFromNetAddressRoundTrip(t *testing.T) {
	na := wire.NewNetAddressIPPort(net.ParseIP("5.6.7.8"), 8333, wire.SFNodeNetwork)
	addr := wireaddr.FromNetAddress(na)
	require.NotNil(t, addr)
	require.True(t, addr.IP.Equal(net.ParseIP("5.6.7.8")))
	require.EqualValues(t, 8333, addr.Port)

	back := addr.ToNetAddress()
	require.True(t, back.IP.Equal(na.IP))
	require.Equal(t, na.Port, back.Port)
}

func TestIsSelf(t *testing.T) {
	self := wire.NewNetAddressIPPort(net.ParseIP("1.2.3.4"), 8333, 0)
	addr := &wireaddr.Address{IP: net.ParseIP("1.2.3.4"), Port: 8333}
	other := &wireaddr.Address{IP: net.ParseIP("9.9.9.9"), Port: 8333}

	require.True(t, wireaddr.IsSelf(addr, self))
	require.False(t, wireaddr.IsSelf(other, self))
	require.False(t, wireaddr.IsSelf(nil, self))
}

func TestIsBlacklisted(t *testing.T) {
	entries := []settings.BlacklistEntry{
		{Host: "1.2.3.4"},                // all ports
		{Host: "5.6.7.8", Port: 8333},    // single port
	}

	blocked := &wireaddr.Address{IP: net.ParseIP("1.2.3.4"), Port: 9999}
	require.True(t, wireaddr.IsBlacklisted(blocked, entries))

	blockedPort := &wireaddr.Address{IP: net.ParseIP("5.6.7.8"), Port: 8333}
	require.True(t, wireaddr.IsBlacklisted(blockedPort, entries))

	allowedPort := &wireaddr.Address{IP: net.ParseIP("5.6.7.8"), Port: 1111}
	require.False(t, wireaddr.IsBlacklisted(allowedPort, entries))

	allowed := &wireaddr.Address{IP: net.ParseIP("9.9.9.9"), Port: 8333}
	require.False(t, wireaddr.IsBlacklisted(allowed, entries))
}

func TestKeyDistinguishesPort(t *testing.T) {
	a := &wireaddr.Address{IP: net.ParseIP("1.2.3.4"), Port: 8333}
	b := &wireaddr.Address{IP: net.ParseIP("1.2.3.4"), Port: 8334}
	require.NotEqual(t, a.Key(), b.Key())
	require.Equal(t, a.IPKey(), b.IPKey())
}
