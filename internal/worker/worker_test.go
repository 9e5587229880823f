package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify queue draining, per-worker sessions, failure isolation
// ============================================================================

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/ChuLiYu/viewrefresh/internal/workqueue"
	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

// fakeHandler records open/close and delegates Handle to fn.
type fakeHandler struct {
	fn     func(ctx context.Context, id types.ViewID) error
	closed *atomic.Int32
}

func (h *fakeHandler) Handle(ctx context.Context, id types.ViewID) error {
	if h.fn == nil {
		return nil
	}
	return h.fn(ctx, id)
}

func (h *fakeHandler) Close() error {
	h.closed.Inc()
	return nil
}

type harness struct {
	opened atomic.Int32
	closed atomic.Int32
}

func (hs *harness) factory(fn func(ctx context.Context, id types.ViewID) error) HandlerFactory {
	return func(context.Context, int) (Handler, error) {
		hs.opened.Inc()
		return &fakeHandler{fn: fn, closed: &hs.closed}, nil
	}
}

func fill(n int) *workqueue.Queue {
	q := workqueue.New()
	for i := 1; i <= n; i++ {
		q.Enqueue(types.ViewID(i))
	}
	return q
}

func collect(results chan Result) []Result {
	close(results)
	out := make([]Result, 0, len(results))
	for r := range results {
		out = append(out, r)
	}
	return out
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests the worker count clamp
func TestNewPool(t *testing.T) {
	assert.Equal(t, 4, NewPool(4, zerolog.Nop()).WorkerCount())
	assert.Equal(t, 1, NewPool(0, zerolog.Nop()).WorkerCount())
	assert.Equal(t, 1, NewPool(-3, zerolog.Nop()).WorkerCount())
}

// TestRunEmptyQueue tests that an empty queue finishes immediately
func TestRunEmptyQueue(t *testing.T) {
	var hs harness
	results := make(chan Result, 1)

	err := NewPool(3, zerolog.Nop()).Run(context.Background(), workqueue.New(), hs.factory(nil), results)
	require.NoError(t, err)
	assert.Empty(t, collect(results))
	assert.Equal(t, hs.opened.Load(), hs.closed.Load())
}

// TestEachItemHandledOnce tests that every queued id yields exactly one result
func TestEachItemHandledOnce(t *testing.T) {
	const items = 200
	var hs harness
	results := make(chan Result, items)

	err := NewPool(8, zerolog.Nop()).Run(context.Background(), fill(items), hs.factory(nil), results)
	require.NoError(t, err)

	seen := make(map[types.ViewID]int)
	for _, r := range collect(results) {
		assert.True(t, r.Success)
		seen[r.ViewID]++
	}
	assert.Len(t, seen, items)
	for id, n := range seen {
		assert.Equal(t, 1, n, "view %d handled %d times", id, n)
	}
}

// TestSessionPerWorker tests that each worker opens and closes one handler
func TestSessionPerWorker(t *testing.T) {
	var hs harness
	results := make(chan Result, 50)

	require.NoError(t, NewPool(5, zerolog.Nop()).Run(context.Background(), fill(50), hs.factory(nil), results))

	assert.Equal(t, int32(5), hs.opened.Load())
	assert.Equal(t, int32(5), hs.closed.Load())
}

// ============================================================================
// Failure Isolation Tests
// ============================================================================

// TestFailingItemDoesNotStopWorker tests that errors stay inside a Result
func TestFailingItemDoesNotStopWorker(t *testing.T) {
	var hs harness
	boom := errors.New("boom")
	results := make(chan Result, 10)

	err := NewPool(1, zerolog.Nop()).Run(context.Background(), fill(10), hs.factory(func(_ context.Context, id types.ViewID) error {
		if id%2 == 0 {
			return boom
		}
		return nil
	}), results)
	require.NoError(t, err)

	out := collect(results)
	require.Len(t, out, 10)
	failed := 0
	for _, r := range out {
		if !r.Success {
			failed++
			assert.ErrorIs(t, r.Err, boom)
		}
	}
	assert.Equal(t, 5, failed)
}

// TestHandlerPanic tests that a panic becomes a failed Result
func TestHandlerPanic(t *testing.T) {
	var hs harness
	results := make(chan Result, 3)

	err := NewPool(1, zerolog.Nop()).Run(context.Background(), fill(3), hs.factory(func(_ context.Context, id types.ViewID) error {
		if id == 2 {
			panic("bad view")
		}
		return nil
	}), results)
	require.NoError(t, err)

	out := collect(results)
	require.Len(t, out, 3)
	for _, r := range out {
		if r.ViewID == 2 {
			assert.False(t, r.Success)
			assert.Contains(t, r.Err.Error(), "bad view")
		} else {
			assert.True(t, r.Success)
		}
	}
}

// TestOpenFailure tests that the remaining workers drain the queue when one
// worker cannot open its session
func TestOpenFailure(t *testing.T) {
	noConn := errors.New("too many connections")
	var closed atomic.Int32
	open := func(_ context.Context, workerID int) (Handler, error) {
		if workerID == 0 {
			return nil, noConn
		}
		return &fakeHandler{closed: &closed}, nil
	}
	results := make(chan Result, 30)

	err := NewPool(3, zerolog.Nop()).Run(context.Background(), fill(30), open, results)
	assert.ErrorIs(t, err, noConn)
	assert.Len(t, collect(results), 30)
	assert.Equal(t, int32(2), closed.Load())
}

// TestAllOpenFail tests that nothing is taken when no session can be opened
func TestAllOpenFail(t *testing.T) {
	q := fill(4)
	open := func(context.Context, int) (Handler, error) {
		return nil, errors.New("down")
	}
	results := make(chan Result, 4)

	err := NewPool(2, zerolog.Nop()).Run(context.Background(), q, open, results)
	assert.Error(t, err)
	assert.Equal(t, 4, q.Len())
	assert.Empty(t, collect(results))
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestConcurrencyBound tests that at most N views are in flight
func TestConcurrencyBound(t *testing.T) {
	const workers = 4
	var (
		hs       harness
		inFlight atomic.Int32
		peak     atomic.Int32
	)
	pool := NewPool(workers, zerolog.Nop())
	results := make(chan Result, 40)

	err := pool.Run(context.Background(), fill(40), hs.factory(func(context.Context, types.ViewID) error {
		n := inFlight.Inc()
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		assert.LessOrEqual(t, pool.ActiveWorkers(), int32(workers))
		time.Sleep(2 * time.Millisecond)
		inFlight.Dec()
		return nil
	}), results)
	require.NoError(t, err)

	assert.LessOrEqual(t, peak.Load(), int32(workers))
	assert.Greater(t, peak.Load(), int32(1), "workers should overlap")
	assert.Equal(t, int32(0), pool.ActiveWorkers())
}

// TestPoolBusy tests that a pool runs one batch at a time
func TestPoolBusy(t *testing.T) {
	var hs harness
	pool := NewPool(1, zerolog.Nop())
	started := make(chan struct{})
	release := make(chan struct{})
	results := make(chan Result, 2)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = pool.Run(context.Background(), fill(1), hs.factory(func(context.Context, types.ViewID) error {
			close(started)
			<-release
			return nil
		}), results)
	}()

	<-started
	assert.True(t, pool.Running())
	assert.ErrorIs(t, pool.Run(context.Background(), fill(1), hs.factory(nil), results), ErrPoolBusy)

	close(release)
	wg.Wait()
	assert.False(t, pool.Running())
}

// TestCancelStopsTaking tests that cancelled workers leave the rest queued
func TestCancelStopsTaking(t *testing.T) {
	var hs harness
	q := fill(10)
	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan Result, 10)

	err := NewPool(1, zerolog.Nop()).Run(ctx, q, hs.factory(func(context.Context, types.ViewID) error {
		cancel()
		return nil
	}), results)
	require.NoError(t, err)

	assert.Len(t, collect(results), 1)
	assert.Equal(t, 9, q.Len())
}
