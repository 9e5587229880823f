// ============================================================================
// viewrefresh Coordinator - one refresh run, end to end
// ============================================================================
//
// Package: internal/coordinator
// File: coordinator.go
//
// Lifecycle of Run:
//   Idle -> Collecting -> Running -> Reporting -> Idle
//
//   1. Collecting: take one "now", list eligible view ids once, enqueue them.
//      The store is never re-queried while the run is in flight.
//   2. Running: drain the queue with the worker pool. Each worker holds its
//      own store session; each view is recomputed under the item timeout.
//   3. Reporting: classify every result into refreshed, skipped (view gone)
//      or failed; failures go to the error sink. Ids still queued because no
//      worker could take them are failed as aborted.
//
// The coordinator only guards against overlapping calls on itself
// (ErrRunInProgress). Cross-run exclusion is the scheduler's job.
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/viewrefresh/internal/errsink"
	"github.com/ChuLiYu/viewrefresh/internal/recompute"
	"github.com/ChuLiYu/viewrefresh/internal/refresh"
	"github.com/ChuLiYu/viewrefresh/internal/storage/runlog"
	"github.com/ChuLiYu/viewrefresh/internal/store"
	"github.com/ChuLiYu/viewrefresh/internal/worker"
	"github.com/ChuLiYu/viewrefresh/internal/workqueue"
	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

// ErrRunInProgress is returned by Run while another Run is active.
var ErrRunInProgress = errors.New("refresh run already in progress")

// Config holds the run parameters.
type Config struct {
	WorkerCount int           // concurrent workers, at least 1
	ItemTimeout time.Duration // bound on one view's recomputation
}

// Recorder receives run metrics. *metrics.Collector implements it.
type Recorder interface {
	RecordCollected(n int)
	RecordRefreshed(d time.Duration)
	RecordSkipped()
	RecordFailed(kind string, d time.Duration)
	RecordRun(report types.RunReport, err error)
}

// RunLog stores finished runs. *runlog.Log implements it.
type RunLog interface {
	Append(report types.RunReport) (runlog.Record, error)
}

// Coordinator runs refresh passes over a store.
type Coordinator struct {
	cfg   Config
	store store.Store
	exec  *refresh.Executor
	pool  *worker.Pool

	sink    errsink.Sink
	metrics Recorder
	runLog  RunLog
	log     zerolog.Logger
	now     func() time.Time

	mu         sync.Mutex
	state      State
	lastReport *types.RunReport
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithErrorSink routes failures to sink.
func WithErrorSink(sink errsink.Sink) Option {
	return func(c *Coordinator) {
		c.sink = sink
	}
}

// WithMetrics records run metrics.
func WithMetrics(r Recorder) Option {
	return func(c *Coordinator) {
		c.metrics = r
	}
}

// WithRunLog appends every finished run to l.
func WithRunLog(l RunLog) Option {
	return func(c *Coordinator) {
		c.runLog = l
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.log = log
	}
}

// WithClock overrides the time source for staleness and LastRefreshedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// New creates a coordinator refreshing views of s with r.
func New(cfg Config, s store.Store, r recompute.Recomputer, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:     cfg,
		store:   s,
		sink:    errsink.Nop,
		metrics: nopRecorder{},
		log:     zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.exec = refresh.NewExecutor(r, cfg.ItemTimeout,
		refresh.WithClock(c.now),
		refresh.WithLogger(c.log),
	)
	c.pool = worker.NewPool(cfg.WorkerCount, c.log)
	return c
}

// State returns the current lifecycle phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastReport returns the report of the latest finished run.
func (c *Coordinator) LastReport() (types.RunReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastReport == nil {
		return types.RunReport{}, false
	}
	return *c.lastReport, true
}

// ActiveWorkers returns how many views are being refreshed right now.
func (c *Coordinator) ActiveWorkers() int32 {
	return c.pool.ActiveWorkers()
}

// Run performs one refresh pass. It returns an error only when the eligible
// views could not be listed; per-view problems are reported as failures.
func (c *Coordinator) Run(ctx context.Context) (types.RunReport, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return types.RunReport{}, ErrRunInProgress
	}
	c.state = StateCollecting
	c.mu.Unlock()
	defer c.setState(StateIdle)

	runID := xid.New().String()
	log := c.log.With().Str("run_id", runID).Logger()

	now := c.now()
	report := types.RunReport{
		RunID:     runID,
		StartedAt: now,
		Failures:  []types.RefreshFailure{},
	}

	ids, err := c.store.ListEligibleIDs(ctx, now)
	if err != nil {
		err = fmt.Errorf("collect eligible views: %w", err)
		report.FinishedAt = c.now()
		c.metrics.RecordRun(report, err)
		log.Error().Err(err).Msg("refresh run aborted")
		return report, err
	}
	c.metrics.RecordCollected(len(ids))
	log.Info().
		Int("eligible", len(ids)).
		Int("workers", c.pool.WorkerCount()).
		Dur("item_timeout", c.cfg.ItemTimeout).
		Msg("refresh run started")

	if len(ids) > 0 {
		c.execute(ctx, ids, &report, log)
	} else {
		c.setState(StateReporting)
	}

	report.FinishedAt = c.now()
	c.finish(report, log)
	return report, nil
}

func (c *Coordinator) execute(ctx context.Context, ids []types.ViewID, report *types.RunReport, log zerolog.Logger) {
	c.setState(StateRunning)

	q := workqueue.New()
	q.EnqueueAll(ids)

	// Buffered for every id so workers never wait on the reader.
	results := make(chan worker.Result, len(ids))
	poolErr := c.pool.Run(ctx, q, c.openHandler, results)
	close(results)

	c.setState(StateReporting)

	for res := range results {
		c.classify(res, report, log)
	}

	leftover := q.Drain()
	if len(leftover) > 0 {
		cause := ctx.Err()
		if poolErr != nil {
			cause = fmt.Errorf("no worker could take the view: %w", poolErr)
		}
		if cause == nil {
			cause = errors.New("view was not processed")
		}
		log.Warn().Err(cause).Int("views", len(leftover)).Msg("views left unprocessed")
		for _, id := range leftover {
			c.fail(refresh.NewError(id, refresh.KindAborted, cause), 0, report)
		}
	}

	sort.Slice(report.Failures, func(i, j int) bool {
		return report.Failures[i].ViewID < report.Failures[j].ViewID
	})
}

func (c *Coordinator) classify(res worker.Result, report *types.RunReport, log zerolog.Logger) {
	switch {
	case res.Success:
		report.Refreshed++
		c.metrics.RecordRefreshed(res.Duration)
	case errors.Is(res.Err, refresh.ErrNotFound):
		report.Skipped++
		c.metrics.RecordSkipped()
		log.Debug().Stringer("view_id", res.ViewID).Msg("view no longer exists, skipped")
	default:
		var rerr *refresh.Error
		if !errors.As(res.Err, &rerr) {
			rerr = refresh.NewError(res.ViewID, refresh.KindRecompute, res.Err)
		}
		c.fail(rerr, res.Duration, report)
	}
}

func (c *Coordinator) fail(rerr *refresh.Error, d time.Duration, report *types.RunReport) {
	report.Failures = append(report.Failures, types.RefreshFailure{
		ViewID:  rerr.ViewID,
		Message: rerr.Error(),
	})
	c.metrics.RecordFailed(rerr.Kind.String(), d)
	c.sink.Report(rerr)
}

func (c *Coordinator) finish(report types.RunReport, log zerolog.Logger) {
	c.metrics.RecordRun(report, nil)

	if c.runLog != nil {
		if _, err := c.runLog.Append(report); err != nil {
			log.Error().Err(err).Msg("failed to append run log")
		}
	}

	c.mu.Lock()
	c.lastReport = &report
	c.mu.Unlock()

	log.Info().
		Int("refreshed", report.Refreshed).
		Int("skipped", report.Skipped).
		Int("failed", len(report.Failures)).
		Dur("duration", report.Duration()).
		Msg(report.Status())
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

type nopRecorder struct{}

func (nopRecorder) RecordCollected(int)                {}
func (nopRecorder) RecordRefreshed(time.Duration)      {}
func (nopRecorder) RecordSkipped()                     {}
func (nopRecorder) RecordFailed(string, time.Duration) {}
func (nopRecorder) RecordRun(types.RunReport, error)   {}
