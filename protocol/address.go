package protocol

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/chaincore/p2pcore/channel"
	"github.com/chaincore/p2pcore/status"
	"github.com/chaincore/p2pcore/wireaddr"
)

// maxAddrReply bounds how many addresses we sample in response to a
// get_addresses request, per spec.md §4.6.
const maxAddrReply = 1000

// minAddrVersion is the lowest negotiated protocol version this module
// considers capable of the address-exchange messages; below it we skip
// sending our own get_addresses, matching the spec's "unless peer version
// deems it unsupported".
const minAddrVersion = wire.MultipleAddressVersion

// HostsStore is the narrow slice of hosts.Store the address protocol
// needs: sampling for replies, storing what we learn from peers.
type HostsStore interface {
	Sample(n int, cb func([]*wireaddr.Address))
	StoreList(addrs []*wireaddr.Address, cb func(error))
}

// Address implements the get_addresses/addresses exchange (spec.md
// §4.6). On promotion it sends a single get_addresses request (unless the
// peer's negotiated version predates address support), answers inbound
// get_addresses with a random sample from the hosts store, and forwards
// every address it receives into the hosts store.
type Address struct {
	ch    *channel.Channel
	hosts HostsStore
}

// NewAddress constructs the address protocol for ch, backed by hosts.
func NewAddress(ch *channel.Channel, hosts HostsStore) *Address {
	return &Address{ch: ch, hosts: hosts}
}

func (a *Address) Name() string { return "address" }

func (a *Address) OnActive() {
	version, _, _ := a.ch.Negotiated()
	if version < minAddrVersion {
		return
	}
	a.ch.QueueMessage(wire.NewMsgGetAddr())
}

func (a *Address) OnMessage(msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.MsgGetAddr:
		a.onGetAddr()
	case *wire.MsgAddr:
		a.onAddr(m)
	}
	return nil
}

func (a *Address) onGetAddr() {
	a.hosts.Sample(maxAddrReply, func(addrs []*wireaddr.Address) {
		reply := wire.NewMsgAddr()
		for _, addr := range addrs {
			_ = reply.AddAddress(addr.ToNetAddress())
		}
		a.ch.QueueMessage(reply)
	})
}

func (a *Address) onAddr(m *wire.MsgAddr) {
	if len(m.AddrList) == 0 {
		return
	}
	addrs := make([]*wireaddr.Address, 0, len(m.AddrList))
	for _, na := range m.AddrList {
		if addr := wireaddr.FromNetAddress(na); addr != nil {
			addrs = append(addrs, addr)
		}
	}
	// Blacklisted/self entries are dropped silently inside the store's
	// own insertion policy; a decode failure for one malformed entry
	// never aborts the rest of the batch.
	a.hosts.StoreList(addrs, nil)
}

func (a *Address) OnStop(code status.Code) {}
