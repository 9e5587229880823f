// Package errsink routes refresh failures to an external reporter.
//
// Reporting is fire-and-forget: a Sink must not block the worker that found
// the failure and must not fail the run.
package errsink

import (
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/ChuLiYu/viewrefresh/internal/refresh"
)

// Sink receives refresh failures.
type Sink interface {
	Report(err *refresh.Error)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(err *refresh.Error)

// Report calls f.
func (f SinkFunc) Report(err *refresh.Error) {
	f(err)
}

// Nop discards every report.
var Nop Sink = SinkFunc(func(*refresh.Error) {})

// LogSink writes failures to a zerolog logger.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink returns a sink logging at error level.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

// Report implements Sink.
func (s *LogSink) Report(err *refresh.Error) {
	s.log.Error().
		Stringer("view_id", err.ViewID).
		Str("kind", err.Kind.String()).
		Err(err.Err).
		Msg("view refresh failed")
}

// Async forwards reports to another sink from a background goroutine. When
// its buffer is full, reports are dropped and counted rather than blocking.
type Async struct {
	next    Sink
	ch      chan *refresh.Error
	dropped atomic.Int64
	done    chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewAsync starts the forwarding goroutine. buffer < 1 is raised to 1.
func NewAsync(next Sink, buffer int) *Async {
	if buffer < 1 {
		buffer = 1
	}
	a := &Async{
		next: next,
		ch:   make(chan *refresh.Error, buffer),
		done: make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for err := range a.ch {
		a.next.Report(err)
	}
}

// Report implements Sink. It never blocks.
func (a *Async) Report(err *refresh.Error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.dropped.Inc()
		return
	}
	select {
	case a.ch <- err:
	default:
		a.dropped.Inc()
	}
}

// Dropped returns how many reports were discarded.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting reports and waits until the buffered ones reached
// the next sink.
func (a *Async) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
	})
	<-a.done
	return nil
}
