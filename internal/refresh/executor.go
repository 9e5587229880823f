// Package refresh recomputes and persists a single data view.
//
// The executor never lets one view's failure escape as a panic, and it bounds
// recomputation by the per-item timeout even when the recomputer ignores its
// context.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/viewrefresh/internal/recompute"
	"github.com/ChuLiYu/viewrefresh/internal/store"
	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

// Executor refreshes one view at a time through a caller-owned session.
// It is safe for concurrent use by multiple workers.
type Executor struct {
	recomputer recompute.Recomputer
	timeout    time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock overrides the time source used for LastRefreshedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// WithLogger sets the executor logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Executor) {
		e.log = log
	}
}

// NewExecutor returns an executor. timeout <= 0 disables the per-item bound.
func NewExecutor(r recompute.Recomputer, timeout time.Duration, opts ...Option) *Executor {
	e := &Executor{
		recomputer: r,
		timeout:    timeout,
		now:        time.Now,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Refresh loads id, recomputes it and saves the new result with the current
// time. It returns nil on success, ErrNotFound when the view is gone, and a
// *Error otherwise. A failed refresh writes nothing.
//
// When sess holds its own database connection the recomputation runs on it,
// so a worker never competes for a second connection.
func (e *Executor) Refresh(ctx context.Context, sess store.Session, id types.ViewID) error {
	if err := ctx.Err(); err != nil {
		return NewError(id, KindAborted, err)
	}

	v, err := sess.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return NewError(id, KindStoreRead, err)
	}

	var q recompute.Querier
	if src, ok := sess.(recompute.QuerierSource); ok {
		q = src.Querier()
	}

	result, err := e.recompute(ctx, v, q)
	if err != nil {
		return err
	}

	refreshed := v.Clone()
	at := e.now()
	refreshed.LastRefreshedAt = &at
	refreshed.PersistedResult = result

	if err := sess.Save(ctx, refreshed); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return NewError(id, KindStoreWrite, err)
	}

	e.log.Debug().Stringer("view_id", id).Int("bytes", len(result)).Msg("view refreshed")
	return nil
}

type outcome struct {
	result []byte
	err    error
}

func (e *Executor) recompute(ctx context.Context, v *types.View, q recompute.Querier) ([]byte, error) {
	itemCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	if q != nil {
		itemCtx = recompute.WithQuerier(itemCtx, q)
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := e.recomputer.Recompute(itemCtx, v)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			return out.result, nil
		}
		return nil, e.classify(v.ID, itemCtx, out.err)
	case <-itemCtx.Done():
		if q != nil {
			// The query owns the session connection until it returns, and
			// the next Load runs on that same connection.
			<-done
		}
		// Otherwise the recomputer goroutine finishes on its own; done is buffered.
		return nil, e.classify(v.ID, itemCtx, itemCtx.Err())
	}
}

func (e *Executor) classify(id types.ViewID, itemCtx context.Context, err error) *Error {
	switch {
	case errors.Is(itemCtx.Err(), context.DeadlineExceeded):
		return NewError(id, KindTimeout, fmt.Errorf("exceeded %s: %w", e.timeout, err))
	case errors.Is(itemCtx.Err(), context.Canceled):
		return NewError(id, KindAborted, err)
	default:
		return NewError(id, KindRecompute, err)
	}
}
