package settings_test

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/chaincore/p2pcore/settings"
	"github.com/stretchr/testify/require"
)

func TestMainnetTestnetDifferOnlyInNamedFields(t *testing.T) {
	mainnet := settings.Mainnet()
	testnet := settings.Testnet()

	require.Equal(t, wire.MainNet, mainnet.Identifier)
	require.Equal(t, wire.TestNet3, testnet.Identifier)
	require.NotEqual(t, mainnet.InboundPort, testnet.InboundPort)
	require.NotEqual(t, mainnet.Seeds, testnet.Seeds)

	mainnet.Identifier, mainnet.InboundPort, mainnet.Seeds = testnet.Identifier, testnet.InboundPort, testnet.Seeds
	require.Equal(t, testnet, mainnet)
}

func TestDefaultsAreSane(t *testing.T) {
	s := settings.Mainnet()
	require.Greater(t, s.Threads, 0)
	require.Greater(t, s.ConnectionLimit, s.OutboundConnections)
	require.Greater(t, s.ConnectBatchSize, 0)
	require.Greater(t, s.HostPoolCapacity, 0)
	require.NotEmpty(t, s.Seeds)
}
