package protocol

import (
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/chaincore/p2pcore/channel"
	"github.com/chaincore/p2pcore/status"
	"github.com/chaincore/p2pcore/wireaddr"
)

// Seed is the protocol variant used only inside seed-harvest sessions: it
// asks the peer for addresses once, records whatever comes back into the
// hosts store, then cleanly closes the channel. Bounded by the same
// germination window the channel itself uses before handshake, on the
// theory that a seed peer slow enough to miss that window isn't worth
// keeping around either.
type Seed struct {
	ch      *channel.Channel
	hosts   HostsStore
	timeout time.Duration

	cancelTimeout func()
	done          bool
}

// NewSeed constructs the seed protocol for ch, bounded by timeout.
func NewSeed(ch *channel.Channel, hosts HostsStore, timeout time.Duration) *Seed {
	return &Seed{ch: ch, hosts: hosts, timeout: timeout}
}

func (s *Seed) Name() string { return "seed" }

func (s *Seed) OnActive() {
	s.ch.QueueMessage(wire.NewMsgGetAddr())
	s.cancelTimeout = s.ch.Pool().AfterFunc(s.timeout, s.onTimeout)
}

func (s *Seed) onTimeout() {
	if s.done {
		return
	}
	s.ch.Stop(int(status.ChannelDropped))
}

func (s *Seed) OnMessage(msg wire.Message) error {
	m, ok := msg.(*wire.MsgAddr)
	if !ok {
		return nil
	}
	if s.done {
		return nil
	}
	s.done = true
	if s.cancelTimeout != nil {
		s.cancelTimeout()
	}

	addrs := make([]*wireaddr.Address, 0, len(m.AddrList))
	for _, na := range m.AddrList {
		if addr := wireaddr.FromNetAddress(na); addr != nil {
			addrs = append(addrs, addr)
		}
	}

	s.hosts.StoreList(addrs, func(error) {
		s.ch.Stop(int(status.Success))
	})
	return nil
}

func (s *Seed) OnStop(code status.Code) {}
