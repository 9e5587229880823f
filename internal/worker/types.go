package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

// Result is the outcome of one handled view.
type Result struct {
	ViewID   types.ViewID  // view that was handled
	Success  bool          // Handle returned nil
	Err      error         // error returned by Handle, if any
	Duration time.Duration // wall time spent in Handle
	WorkerID int           // worker that handled the view
}

// Queue is the work source drained by the pool.
type Queue interface {
	TryTake() (types.ViewID, bool)
}

// Handler processes views for a single worker. It owns the worker's scoped
// resources (a store session) and is closed when the worker exits.
type Handler interface {
	Handle(ctx context.Context, id types.ViewID) error
	Close() error
}

// HandlerFactory opens the handler for worker workerID.
type HandlerFactory func(ctx context.Context, workerID int) (Handler, error)
