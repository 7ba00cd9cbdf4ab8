package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/chaincore/p2pcore/channel"
	"github.com/chaincore/p2pcore/status"
)

// pongTolerance is how long we wait for a pong to echo our ping nonce
// before treating the channel as dead. The spec leaves the exact
// tolerance implementation-defined; we peg it to a fixed, conservative
// window independent of the heartbeat interval so a slow heartbeat
// setting doesn't also loosen liveness detection.
const pongTolerance = 30 * time.Second

// Ping sends a keep-alive ping with a fresh nonce on every channel
// heartbeat tick (channel.Channel calls SendHeartbeat via its heartbeat
// ticker) and expects a pong echoing that nonce within pongTolerance; a
// mismatch or timeout stops the channel with channel_timeout.
type Ping struct {
	ch *channel.Channel

	mu          sync.Mutex
	outstanding bool
	nonce       uint64
	cancelWait  func()
}

// NewPing constructs the ping protocol for ch.
func NewPing(ch *channel.Channel) *Ping {
	return &Ping{ch: ch}
}

func (p *Ping) Name() string { return "ping" }

// SendHeartbeat is invoked by the channel's heartbeat ticker.
func (p *Ping) SendHeartbeat() {
	p.mu.Lock()
	if p.outstanding {
		// A previous ping never got a pong; let its own timeout fire
		// rather than stacking a second one.
		p.mu.Unlock()
		return
	}
	nonce := randomNonce()
	p.nonce = nonce
	p.outstanding = true
	p.cancelWait = p.ch.Pool().AfterFunc(pongTolerance, p.onTimeout)
	p.mu.Unlock()

	p.ch.QueueMessage(wire.NewMsgPing(nonce))
}

func (p *Ping) onTimeout() {
	p.mu.Lock()
	stillWaiting := p.outstanding
	p.mu.Unlock()
	if stillWaiting {
		p.ch.Stop(int(status.ChannelTimeout))
	}
}

func (p *Ping) OnMessage(msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.MsgPing:
		p.ch.QueueMessage(wire.NewMsgPong(m.Nonce))
	case *wire.MsgPong:
		p.onPong(m.Nonce)
	}
	return nil
}

func (p *Ping) onPong(nonce uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.outstanding {
		return
	}
	if nonce != p.nonce {
		// Mismatched nonce: treat as a protocol violation, same as a
		// timeout, rather than silently accepting a stray pong.
		p.ch.Stop(int(status.ChannelTimeout))
		return
	}
	p.outstanding = false
	if p.cancelWait != nil {
		p.cancelWait()
	}
}

func (p *Ping) OnActive() {}

func (p *Ping) OnStop(code status.Code) {}

func randomNonce() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}
