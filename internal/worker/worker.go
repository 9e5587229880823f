// ============================================================================
// viewrefresh worker - one draining loop
// ============================================================================
//
// Each worker runs in its own goroutine:
//   1. open its Handler (scoped store session)
//   2. loop: TryTake -> Handle -> send Result
//   3. exit when the queue is empty or ctx is cancelled, closing the Handler
//
// A failing or panicking item is reported as a Result and never ends the
// loop. Only failing to open the Handler ends a worker early.
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

type worker struct {
	id      int
	pool    *Pool
	log     zerolog.Logger
	results chan<- Result
}

func newWorker(id int, p *Pool, results chan<- Result) *worker {
	return &worker{
		id:      id,
		pool:    p,
		log:     p.log.With().Int("worker", id).Logger(),
		results: results,
	}
}

func (w *worker) run(ctx context.Context, q Queue, open HandlerFactory) error {
	h, err := open(ctx, w.id)
	if err != nil {
		w.log.Error().Err(err).Msg("worker could not open session")
		return fmt.Errorf("worker %d: open session: %w", w.id, err)
	}
	defer func() {
		if err := h.Close(); err != nil {
			w.log.Warn().Err(err).Msg("closing session")
		}
	}()

	handled := 0
	for ctx.Err() == nil {
		id, ok := q.TryTake()
		if !ok {
			break
		}
		w.results <- w.handle(ctx, h, id)
		handled++
	}

	w.log.Debug().Int("handled", handled).Msg("worker finished")
	return nil
}

func (w *worker) handle(ctx context.Context, h Handler, id types.ViewID) (res Result) {
	w.pool.active.Inc()
	defer w.pool.active.Dec()

	start := time.Now()
	res = Result{ViewID: id, WorkerID: w.id}

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("handler panic: %v", r)
			res.Success = false
		}
		res.Duration = time.Since(start)
	}()

	res.Err = h.Handle(ctx, id)
	res.Success = res.Err == nil
	return res
}
