package session

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/chaincore/p2pcore/channel"
	"github.com/chaincore/p2pcore/status"
	"github.com/chaincore/p2pcore/wireaddr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// retryDelay is how long an outbound slot waits before trying again after
// a round with no successful dial. The spec leaves this
// implementation-defined; a short fixed delay keeps retries from
// busy-looping against an exhausted hosts pool.
const retryDelay = 2 * time.Second

// Outbound maintains Settings.OutboundConnections concurrent outbound
// channels. Grounded on server.go's listener/dial pattern, generalized to
// batch-race connect_batch_size parallel dials per slot and immediately
// refill any slot that goes vacant.
type Outbound struct {
	fac *Facilities

	// dialSem bounds the total number of dials in flight across every
	// slot at once, so a batch size times slot count large enough to
	// saturate the host pool doesn't also saturate file descriptors.
	dialSem *semaphore.Weighted

	mu        sync.Mutex
	stopped   bool
	cancelAll context.CancelFunc

	self *Outbound
}

// NewOutbound constructs an outbound session bound to fac.
func NewOutbound(fac *Facilities) *Outbound {
	batch := fac.Settings.ConnectBatchSize
	if batch < 1 {
		batch = 1
	}
	slots := fac.Settings.OutboundConnections
	if slots < 1 {
		slots = 1
	}
	return &Outbound{
		fac:     fac,
		dialSem: semaphore.NewWeighted(int64(batch * slots)),
	}
}

// Start launches one goroutine-driven loop per outbound slot and signals
// readiness via cb once all slots have been kicked off (not once they are
// all filled — filling happens asynchronously and continuously for the
// life of the session, per spec.md §4.7).
func (o *Outbound) Start(cb func(error)) {
	ctx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	o.cancelAll = cancel
	o.self = o
	o.mu.Unlock()

	n := o.fac.Settings.OutboundConnections
	for i := 0; i < n; i++ {
		idx := i
		o.fac.Pool.Dispatch(func() { o.runSlot(ctx, idx) })
	}

	o.fac.Pool.Dispatch(func() { cb(nil) })
}

// Stop cancels every in-flight dial and releases the session's
// self-reference; slots already filled are left to the connection
// registry's own Stop to tear down.
func (o *Outbound) Stop() {
	o.mu.Lock()
	o.stopped = true
	if o.cancelAll != nil {
		o.cancelAll()
	}
	o.self = nil
	o.mu.Unlock()
}

func (o *Outbound) isStopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

func (o *Outbound) runSlot(ctx context.Context, idx int) {
	if o.isStopped() || ctx.Err() != nil {
		return
	}

	batch := o.fac.Settings.ConnectBatchSize
	if batch < 1 {
		batch = 1
	}

	seen := make(map[string]bool, batch)
	candidates := make([]*wireaddr.Address, 0, batch)
	for len(candidates) < batch {
		addr, err := o.fetchCandidate()
		if err != nil {
			break
		}
		if seen[addr.Key()] {
			continue
		}
		seen[addr.Key()] = true
		candidates = append(candidates, addr)
	}

	if len(candidates) == 0 {
		o.fac.Pool.AfterFunc(retryDelay, func() { o.runSlot(ctx, idx) })
		return
	}

	o.raceDials(ctx, idx, candidates)
}

type dialResult struct {
	ch   *channel.Channel
	addr *wireaddr.Address
	err  error
}

func (o *Outbound) raceDials(ctx context.Context, idx int, candidates []*wireaddr.Address) {
	dialCtx, cancelDials := context.WithCancel(ctx)
	results := make(chan dialResult, len(candidates))

	var g errgroup.Group
	for _, addr := range candidates {
		addr := addr
		g.Go(func() error {
			if err := o.dialSem.Acquire(dialCtx, 1); err != nil {
				results <- dialResult{addr: addr, err: err}
				return nil
			}
			defer o.dialSem.Release(1)

			address := net.JoinHostPort(addr.IP.String(), strconv.Itoa(int(addr.Port)))
			ch, err := o.fac.newOutboundChannel(dialCtx, address)
			results <- dialResult{ch: ch, addr: addr, err: err}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	won := false
	for r := range results {
		if r.err != nil {
			o.fac.Hosts.Remove(r.addr, nil)
			continue
		}
		if won {
			r.ch.Stop(int(status.ChannelDropped))
			continue
		}
		won = true
		cancelDials()
		o.fillSlot(ctx, idx, r.ch, r.addr)
	}

	if !won {
		o.fac.Pool.AfterFunc(retryDelay, func() { o.runSlot(ctx, idx) })
	}
}

func (o *Outbound) fillSlot(ctx context.Context, idx int, ch *channel.Channel, addr *wireaddr.Address) {
	if o.fac.Pending != nil {
		o.fac.Pending.Store(ch, nil)
	}

	o.fac.Connections.Store(ch, nil, func(err error) {
		if err != nil {
			ch.Stop(int(status.AddressInUse))
		}
	})

	go func() {
		<-ch.Done()
		if ch.StopCode() != status.Success {
			if !ch.EverActive() {
				o.fac.Metrics.ObserveHandshakeFailure()
			}
			o.fac.Metrics.ObserveChannelStop(ch.StopCode().String())
			o.fac.Hosts.Remove(addr, nil)
		}
		if o.isStopped() {
			return
		}
		o.fac.Pool.Dispatch(func() { o.runSlot(ctx, idx) })
	}()
}

func (o *Outbound) fetchCandidate() (*wireaddr.Address, error) {
	type result struct {
		addr *wireaddr.Address
		err  error
	}
	out := make(chan result, 1)
	o.fac.Hosts.Fetch(func(a *wireaddr.Address, err error) {
		out <- result{addr: a, err: err}
	})
	r := <-out
	return r.addr, r.err
}
