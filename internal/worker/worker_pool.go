// ============================================================================
// viewrefresh worker pool - bounded fan-out over a shared queue
// ============================================================================
//
// Run spawns N workers on an errgroup. They share one Queue and one result
// channel; each worker holds its own Handler for its whole lifetime. Run
// returns after every worker exited, which happens once the queue is empty
// (or ctx is cancelled).
//
// Concurrency:
//   - the Queue is the only shared mutable structure
//   - active counts workers currently inside Handle
//   - a Pool runs one batch at a time (ErrPoolBusy)
// ============================================================================

package worker

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// ErrPoolBusy is returned by Run while a previous Run is still draining.
var ErrPoolBusy = errors.New("worker pool is busy")

// Pool runs a fixed number of workers per batch.
type Pool struct {
	count int
	log   zerolog.Logger

	running atomic.Bool
	active  atomic.Int32
}

// NewPool creates a pool of workerCount workers. Counts below 1 are raised
// to 1.
func NewPool(workerCount int, log zerolog.Logger) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Pool{
		count: workerCount,
		log:   log,
	}
}

// Run drains q with the pool's workers, sending one Result per taken view to
// results. results must be able to absorb every Result without a concurrent
// reader, or be read concurrently; Run does not close it.
//
// A worker that cannot open its Handler exits without taking work; the others
// keep draining. Run then returns the first such error.
func (p *Pool) Run(ctx context.Context, q Queue, open HandlerFactory, results chan<- Result) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrPoolBusy
	}
	defer p.running.Store(false)

	p.log.Debug().Int("workers", p.count).Msg("worker pool starting")

	// Plain Group: one worker's failure must not cancel the others.
	var g errgroup.Group
	for i := 0; i < p.count; i++ {
		w := newWorker(i, p, results)
		g.Go(func() error {
			return w.run(ctx, q, open)
		})
	}
	return g.Wait()
}

// WorkerCount returns the configured number of workers.
func (p *Pool) WorkerCount() int {
	return p.count
}

// ActiveWorkers returns how many workers are handling a view right now.
func (p *Pool) ActiveWorkers() int32 {
	return p.active.Load()
}

// Running reports whether a batch is in progress.
func (p *Pool) Running() bool {
	return p.running.Load()
}
