package coordinator

import (
	"context"

	"github.com/ChuLiYu/viewrefresh/internal/refresh"
	"github.com/ChuLiYu/viewrefresh/internal/store"
	"github.com/ChuLiYu/viewrefresh/internal/worker"
	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

// sessionHandler binds one worker's store session to the executor.
type sessionHandler struct {
	sess store.Session
	exec *refresh.Executor
}

func (h *sessionHandler) Handle(ctx context.Context, id types.ViewID) error {
	return h.exec.Refresh(ctx, h.sess, id)
}

func (h *sessionHandler) Close() error {
	return h.sess.Close()
}

func (c *Coordinator) openHandler(ctx context.Context, _ int) (worker.Handler, error) {
	sess, err := c.store.Session(ctx)
	if err != nil {
		return nil, err
	}
	return &sessionHandler{sess: sess, exec: c.exec}, nil
}
