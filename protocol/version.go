// Package protocol implements the four per-channel state machines named
// in spec.md §4.6: Version, Ping, Address, and Seed. Each operates purely
// in terms of btcsuite/btcd/wire message values, grounded on peer.go's
// nonce-based ping handling generalized from the Lightning wire format to
// the plain Bitcoin version/verack/ping/pong/getaddr/addr set.
package protocol

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/chaincore/p2pcore/channel"
	"github.com/chaincore/p2pcore/registry"
	"github.com/chaincore/p2pcore/status"
)

// HeightSource supplies the coordinator's current height for outgoing
// version messages.
type HeightSource interface {
	Height() int32
}

// Version is the first protocol attached to any channel. It must
// complete within settings.ChannelHandshake or the channel's own
// handshake timer will stop it.
type Version struct {
	ch      *channel.Channel
	self    *wire.NetAddress
	height  HeightSource
	pending *registry.PendingRegistry
	relay   bool

	sentVersion bool
	gotVersion  bool
	gotVerAck   bool
}

// NewVersion constructs the version protocol. pending is consulted on
// receipt of the peer's version message to detect self-connections; it
// may be nil, in which case no self-connection check is made. The seed
// session passes nil, since it never registers its dials' nonces.
func NewVersion(ch *channel.Channel, self *wire.NetAddress, height HeightSource, pending *registry.PendingRegistry, relayTransactions bool) *Version {
	return &Version{ch: ch, self: self, height: height, pending: pending, relay: relayTransactions}
}

func (v *Version) Name() string { return "version" }

// Start sends our version message. Called by the owning session once the
// channel has been constructed and attached.
func (v *Version) Start() {
	if v.sentVersion {
		return
	}
	v.sentVersion = true

	msg := wire.NewMsgVersion(v.self, v.remoteNetAddr(), v.ch.Nonce(), v.height.Height())
	msg.Services = v.self.Services
	msg.DisableRelayTx = !v.relay

	v.ch.QueueMessage(msg)
}

func (v *Version) remoteNetAddr() *wire.NetAddress {
	return v.ch.RemoteAddress().ToNetAddress()
}

func (v *Version) OnMessage(msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.MsgVersion:
		return v.onVersion(m)
	case *wire.MsgVerAck:
		return v.onVerAck()
	}
	return nil
}

func (v *Version) onVersion(m *wire.MsgVersion) error {
	if v.gotVersion {
		return fmt.Errorf("duplicate version message")
	}
	v.gotVersion = true

	peerNonce := m.Nonce
	finish := func(selfConnect bool) {
		if selfConnect {
			log.Debugf("protocol: self-connection detected via nonce %d, dropping %s", peerNonce, v.ch.RemoteAddress().Key())
			v.ch.Stop(int(status.AcceptFailed))
			return
		}

		v.ch.SetNegotiated(m.ProtocolVersion, m.Services, m.LastBlock)
		if v.ch.Inbound() {
			v.ch.SetPeerNonce(peerNonce)
		}

		v.ch.QueueMessage(wire.NewMsgVerAck())
		v.maybePromote()
	}

	if v.pending == nil {
		finish(false)
		return nil
	}

	v.pending.Exists(peerNonce, func(exists bool) {
		finish(exists)
	})
	return nil
}

func (v *Version) onVerAck() error {
	v.gotVerAck = true
	v.maybePromote()
	return nil
}

func (v *Version) maybePromote() {
	if v.gotVersion && v.gotVerAck {
		v.ch.Promote()
	}
}

func (v *Version) OnActive() {}

func (v *Version) OnStop(code status.Code) {}
