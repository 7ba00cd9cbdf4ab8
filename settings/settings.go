// Package settings defines the immutable configuration surface consumed by
// the coordinator and its sessions. Loading settings from a file or from
// command-line flags is explicitly out of scope here; callers construct a
// Settings value however they like and hand it to p2pcore.New.
package settings

import (
	"time"

	"github.com/btcsuite/btcd/wire"
)

// BlacklistEntry excludes a single host, or every port on a host, from the
// hosts pool and from inbound acceptance.
type BlacklistEntry struct {
	Host string
	Port uint16 // zero means "all ports on Host"
}

// Settings is the immutable configuration for a Coordinator. All fields are
// read once at construction time and never mutated.
type Settings struct {
	// Threads is the worker pool size.
	Threads int

	// Identifier is the network magic word exchanged in every message
	// header.
	Identifier wire.BitcoinNet

	// InboundPort is the local TCP port the inbound session listens on.
	// Zero disables inbound listening.
	InboundPort uint16

	// ConnectionLimit is the maximum number of simultaneously live
	// channels (inbound + outbound + manual).
	ConnectionLimit int

	// OutboundConnections is the number of outbound slots the outbound
	// session maintains.
	OutboundConnections int

	// ManualRetryLimit bounds the number of retry attempts for a single
	// manual connect request.
	ManualRetryLimit int

	// ConnectBatchSize is the number of parallel dials raced per
	// outbound slot.
	ConnectBatchSize int

	// ConnectTimeout bounds a single dial attempt.
	ConnectTimeout time.Duration

	// ChannelHandshake bounds the full version handshake.
	ChannelHandshake time.Duration

	// ChannelHeartbeat is the ping interval for active channels.
	ChannelHeartbeat time.Duration

	// ChannelInactivity is the idle-kill threshold for active channels.
	ChannelInactivity time.Duration

	// ChannelExpiration forces channel rotation after this long active.
	ChannelExpiration time.Duration

	// ChannelGermination bounds the time before handshake begins.
	ChannelGermination time.Duration

	// ChannelRevival is the optional scheduled-resend interval.
	ChannelRevival time.Duration

	// HostPoolCapacity bounds the size of the hosts store.
	HostPoolCapacity int

	// RelayTransactions advertises transaction-relay willingness in our
	// version message.
	RelayTransactions bool

	// HostsFile is the path to the persisted hosts pool.
	HostsFile string

	// Self is our own advertised address, excluded from the hosts pool
	// and used to detect self-dials.
	Self *wire.NetAddress

	// Blacklists excludes matching hosts from the hosts pool and from
	// inbound acceptance.
	Blacklists []BlacklistEntry

	// Seeds is the list of DNS/host seed names consulted by the seed
	// session when the hosts pool is empty.
	Seeds []string
}

// Mainnet returns the canonical production preset. It differs from Testnet
// only in Identifier, InboundPort, and Seeds, per the spec.
func Mainnet() Settings {
	s := defaults()
	s.Identifier = wire.MainNet
	s.InboundPort = 8333
	s.Seeds = []string{
		"seed.bitcoin.sipa.be",
		"dnsseed.bluematt.me",
		"dnsseed.bitcoin.dashjr.org",
		"seed.bitcoinstats.com",
	}
	return s
}

// Testnet returns the canonical test-network preset.
func Testnet() Settings {
	s := defaults()
	s.Identifier = wire.TestNet3
	s.InboundPort = 18333
	s.Seeds = []string{
		"testnet-seed.bitcoin.jonasschnelli.ch",
		"seed.tbtc.petertodd.org",
	}
	return s
}

func defaults() Settings {
	return Settings{
		Threads:             4,
		ConnectionLimit:     125,
		OutboundConnections: 8,
		ManualRetryLimit:    0, // unlimited
		ConnectBatchSize:    3,
		ConnectTimeout:      10 * time.Second,
		ChannelHandshake:    30 * time.Second,
		ChannelHeartbeat:    2 * time.Minute,
		ChannelInactivity:   20 * time.Minute,
		ChannelExpiration:   90 * time.Minute,
		ChannelGermination:  15 * time.Second,
		ChannelRevival:      30 * time.Minute,
		HostPoolCapacity:    2500,
		RelayTransactions:   true,
		HostsFile:           "hosts.dat",
	}
}
