package pool_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chaincore/p2pcore/pool"
	"github.com/stretchr/testify/require"
)

func newStartedPool(t *testing.T) *pool.Pool {
	t.Helper()
	p := pool.New(nil)
	p.Spawn(4, 0)
	t.Cleanup(p.Shutdown)
	return p
}

func TestDispatchRunsTask(t *testing.T) {
	p := newStartedPool(t)

	done := make(chan struct{})
	p.Dispatch(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestJoinWaitsForQueuedWork(t *testing.T) {
	p := newStartedPool(t)

	var n int32
	for i := 0; i < 50; i++ {
		p.Dispatch(func() { atomic.AddInt32(&n, 1) })
	}
	p.Join()

	require.EqualValues(t, 50, atomic.LoadInt32(&n))
}

func TestShutdownDropsFurtherDispatches(t *testing.T) {
	p := pool.New(nil)
	p.Spawn(2, 0)
	p.Shutdown()

	ran := false
	p.Dispatch(func() { ran = true })
	time.Sleep(10 * time.Millisecond)
	require.False(t, ran)
}

func TestAfterFuncFiresOnce(t *testing.T) {
	p := newStartedPool(t)

	var calls int32
	p.AfterFunc(10*time.Millisecond, func() { atomic.AddInt32(&calls, 1) })

	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestAfterFuncCancel(t *testing.T) {
	p := newStartedPool(t)

	var calls int32
	cancel := p.AfterFunc(20*time.Millisecond, func() { atomic.AddInt32(&calls, 1) })
	cancel()

	time.Sleep(60 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&calls))
}

func TestConcurrentDelegateDoesNotRunInline(t *testing.T) {
	p := newStartedPool(t)

	var mu sync.Mutex
	var goroutineIDDiffers bool

	callerDone := make(chan struct{})
	delegate := p.ConcurrentDelegate(func() {
		mu.Lock()
		goroutineIDDiffers = true
		mu.Unlock()
		close(callerDone)
	})

	// Calling the delegate from this goroutine must not execute fn
	// synchronously; it must be re-posted through the pool.
	delegate()

	select {
	case <-callerDone:
	case <-time.After(time.Second):
		t.Fatal("delegated task never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	require.True(t, goroutineIDDiffers)
}
