// Package pool implements the fixed worker pool every other component in
// this module posts work onto. It is the leaf dependency in the spec's
// component graph: hosts, registries, channels, protocols, and sessions
// all submit their completions and timer callbacks here. Blocking I/O
// (channel read/write loops, the inbound accept loop, seed and outbound
// dials) runs on goroutines of its own.
package pool

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
)

// Task is a unit of work submitted to the pool.
type Task func()

// Pool is a fixed set of worker goroutines draining a shared queue, plus a
// timer facility used for one-shot and recurring callbacks.
type Pool struct {
	clock clock.Clock

	mu       sync.Mutex
	running  bool
	shutdown bool
	workers  sync.WaitGroup

	queue *queue.ConcurrentQueue

	timersMu sync.Mutex
	timers   map[*timerHandle]struct{}
}

// New constructs a Pool. Spawn must be called before it does any work.
func New(c clock.Clock) *Pool {
	if c == nil {
		c = clock.NewDefaultClock()
	}
	return &Pool{
		clock:  c,
		queue:  queue.NewConcurrentQueue(512),
		timers: make(map[*timerHandle]struct{}),
	}
}

// Spawn starts n worker goroutines. priority is accepted for API symmetry
// with the spec's spawn(n, priority) and currently only affects the log
// line emitted per worker; this module does not implement OS-level
// scheduling priority.
func (p *Pool) Spawn(n int, priority int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown || p.running {
		return
	}
	p.running = true
	p.queue.Start()

	for i := 0; i < n; i++ {
		p.workers.Add(1)
		go p.worker(i)
	}

	log.Debugf("worker pool spawned %d workers at priority %d", n, priority)
}

func (p *Pool) worker(id int) {
	defer p.workers.Done()
	for t := range p.queue.ChanOut() {
		task, ok := t.(Task)
		if !ok || task == nil {
			continue
		}
		task()
	}
}

// Dispatch wraps fn and its arguments into a Task bound to this pool and
// submits it. Post-shutdown submissions are silently dropped, per spec.
func (p *Pool) Dispatch(fn func()) {
	p.mu.Lock()
	shutdown := p.shutdown
	p.mu.Unlock()

	if shutdown || fn == nil {
		return
	}
	p.queue.ChanIn() <- Task(fn)
}

// ConcurrentDelegate returns a callback that, when invoked, re-posts fn
// onto the pool instead of running inline. This is the
// spec's "concurrent_delegate": it keeps long completion chains off the
// producing goroutine's stack and off whatever lock that goroutine might
// be holding.
func (p *Pool) ConcurrentDelegate(fn func()) func() {
	return func() {
		p.Dispatch(fn)
	}
}

// Join blocks until the pool is idle: the task queue is drained and no
// worker is mid-task. It does not stop the pool.
func (p *Pool) Join() {
	// ConcurrentQueue has no native idle-wait, so we post a barrier task
	// per worker and wait for all of them to run; since workers process
	// in FIFO order this guarantees every task queued before Join was
	// called has completed by the time Join returns.
	p.mu.Lock()
	running := p.running
	shutdown := p.shutdown
	p.mu.Unlock()
	if !running || shutdown {
		// After Shutdown the workers have already exited, so the pool is
		// idle and a barrier task would be dropped by Dispatch.
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	p.Dispatch(func() { wg.Done() })
	wg.Wait()
}

// Shutdown refuses new work, cancels all outstanding timers, and drains
// whatever is already queued.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	running := p.running
	p.mu.Unlock()

	p.timersMu.Lock()
	for h := range p.timers {
		h.cancel()
	}
	p.timers = make(map[*timerHandle]struct{})
	p.timersMu.Unlock()

	if running {
		p.queue.Stop()
		p.workers.Wait()
	}

	log.Debugf("worker pool shut down")
}

// timerHandle tracks a live timer so Shutdown can cancel it.
type timerHandle struct {
	cancel func()
}

// AfterFunc schedules fn to run once, posted through the pool, after d has
// elapsed on the pool's clock. It returns a cancel function. A no-op after
// shutdown.
func (p *Pool) AfterFunc(d time.Duration, fn func()) func() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return func() {}
	}
	p.mu.Unlock()

	stop := make(chan struct{})
	h := &timerHandle{cancel: func() { close(stop) }}

	p.timersMu.Lock()
	p.timers[h] = struct{}{}
	p.timersMu.Unlock()

	go func() {
		select {
		case <-p.clock.TickAfter(d):
			p.timersMu.Lock()
			_, live := p.timers[h]
			delete(p.timers, h)
			p.timersMu.Unlock()
			if live {
				p.Dispatch(fn)
			}
		case <-stop:
		}
	}()

	once := sync.Once{}
	return func() {
		once.Do(func() {
			p.timersMu.Lock()
			delete(p.timers, h)
			p.timersMu.Unlock()
			h.cancel()
		})
	}
}

// NewTicker starts a recurring callback every d, posted through the pool,
// until the returned stop function is called or the pool shuts down. It is
// used for channel heartbeats.
func (p *Pool) NewTicker(d time.Duration, fn func()) func() {
	t := ticker.New(d)
	t.Resume()

	stop := make(chan struct{})
	h := &timerHandle{cancel: func() {
		t.Stop()
		close(stop)
	}}

	p.timersMu.Lock()
	if p.shutdown {
		p.timersMu.Unlock()
		t.Stop()
		return func() {}
	}
	p.timers[h] = struct{}{}
	p.timersMu.Unlock()

	go func() {
		for {
			select {
			case <-t.Ticks():
				p.Dispatch(fn)
			case <-stop:
				return
			}
		}
	}()

	once := sync.Once{}
	return func() {
		once.Do(func() {
			p.timersMu.Lock()
			delete(p.timers, h)
			p.timersMu.Unlock()
			h.cancel()
		})
	}
}
