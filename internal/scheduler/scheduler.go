// Package scheduler invokes refresh runs periodically and never lets two runs
// overlap: in-process through an atomic flag, across processes through an
// optional lock file.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

// ErrAlreadyStarted is returned by Start on a running scheduler.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Runner performs one refresh run. *coordinator.Coordinator implements it.
type Runner interface {
	Run(ctx context.Context) (types.RunReport, error)
}

// OverlapRecorder counts skipped ticks. *metrics.Collector implements it.
type OverlapRecorder interface {
	RecordOverlapSkipped()
}

// ReportHandler observes every finished run.
type ReportHandler func(report types.RunReport, err error)

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running    bool
	Runs       int64
	Skipped    int64
	LastReport *types.RunReport
	LastErr    error
}

// Scheduler triggers runs on a fixed interval.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	lock     *flock.Flock
	log      zerolog.Logger
	overlap  OverlapRecorder
	onReport ReportHandler

	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64

	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	inflight   sync.WaitGroup
	lastReport *types.RunReport
	lastErr    error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLockFile serialises runs across processes through an flock on path.
func WithLockFile(path string) Option {
	return func(s *Scheduler) {
		if path != "" {
			s.lock = flock.New(path)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.log = log
	}
}

// WithOverlapRecorder counts skipped ticks.
func WithOverlapRecorder(r OverlapRecorder) Option {
	return func(s *Scheduler) {
		s.overlap = r
	}
}

// WithReportHandler calls h after every run.
func WithReportHandler(h ReportHandler) Option {
	return func(s *Scheduler) {
		s.onReport = h
	}
}

// New creates a scheduler running r every interval.
func New(r Runner, interval time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:   r,
		interval: interval,
		log:      zerolog.Nop(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs once immediately and then on every tick until ctx is cancelled
// or Stop is called. Runs execute in their own goroutine so a slow run does
// not delay the ticker; ticks that find a run active are skipped. Start
// waits for in-flight runs before returning.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		s.inflight.Wait()
		close(s.done)
		s.log.Info().Msg("scheduler stopped")
	}()

	s.log.Info().Dur("interval", s.interval).Bool("lock_file", s.lock != nil).Msg("scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.launch(ctx)
	for {
		select {
		case <-ticker.C:
			s.launch(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop cancels the scheduler and waits for Start to return. It is a no-op
// when the scheduler was never started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-s.done
}

func (s *Scheduler) launch(ctx context.Context) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if _, _, err := s.TryRun(ctx); err != nil {
			s.log.Error().Err(err).Msg("scheduled run failed")
		}
	}()
}

// TryRun performs one run unless another is active. ran is false when the
// run was skipped.
func (s *Scheduler) TryRun(ctx context.Context) (report types.RunReport, ran bool, err error) {
	if !s.running.CompareAndSwap(false, true) {
		s.skip("run in progress")
		return types.RunReport{}, false, nil
	}
	defer s.running.Store(false)

	if s.lock != nil {
		if err := os.MkdirAll(filepath.Dir(s.lock.Path()), 0o755); err != nil {
			return types.RunReport{}, false, fmt.Errorf("create lock dir: %w", err)
		}
		locked, err := s.lock.TryLock()
		if err != nil {
			return types.RunReport{}, false, fmt.Errorf("acquire run lock: %w", err)
		}
		if !locked {
			s.skip("run lock held by another process")
			return types.RunReport{}, false, nil
		}
		defer func() {
			if err := s.lock.Unlock(); err != nil {
				s.log.Warn().Err(err).Msg("releasing run lock")
			}
		}()
	}

	report, err = s.runner.Run(ctx)
	s.runs.Inc()

	s.mu.Lock()
	s.lastReport = &report
	s.lastErr = err
	s.mu.Unlock()

	if s.onReport != nil {
		s.onReport(report, err)
	}
	return report, true, err
}

func (s *Scheduler) skip(reason string) {
	s.skipped.Inc()
	if s.overlap != nil {
		s.overlap.RecordOverlapSkipped()
	}
	s.log.Warn().Str("reason", reason).Msg("skipping overlapping run")
}

// Status returns counters and the latest outcome.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running: s.running.Load(),
		Runs:    s.runs.Load(),
		Skipped: s.skipped.Load(),
		LastErr: s.lastErr,
	}
	if s.lastReport != nil {
		r := *s.lastReport
		st.LastReport = &r
	}
	return st
}
