// ============================================================================
// viewrefresh Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Count refresh outcomes per run and expose them on /metrics
//
// Metrics:
//
//   1. Counters:
//      - viewrefresh_runs_total{result}: finished runs (ok, partial, error)
//      - viewrefresh_views_refreshed_total: views recomputed and saved
//      - viewrefresh_views_skipped_total: views gone by the time a worker read them
//      - viewrefresh_views_failed_total{kind}: failures by refresh error kind
//      - viewrefresh_runs_skipped_overlap_total: scheduler ticks dropped because a run was active
//
//   2. Histograms:
//      - viewrefresh_refresh_duration_seconds: time spent on one view
//      - viewrefresh_run_duration_seconds: time from collect to report
//
//   3. Gauges:
//      - viewrefresh_eligible_views: views collected by the latest run
//      - viewrefresh_last_run_timestamp_seconds: finish time of the latest run
//
// Example queries:
//
//   # failure ratio over 1h
//   sum(rate(viewrefresh_views_failed_total[1h])) / rate(viewrefresh_views_refreshed_total[1h])
//
//   # p95 per-view latency
//   histogram_quantile(0.95, rate(viewrefresh_refresh_duration_seconds_bucket[10m]))
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

// Run results used as the runs_total label.
const (
	ResultOK      = "ok"
	ResultPartial = "partial"
	ResultError   = "error"
)

// Collector holds the viewrefresh metrics.
type Collector struct {
	runs           *prometheus.CounterVec
	refreshed      prometheus.Counter
	skipped        prometheus.Counter
	failed         *prometheus.CounterVec
	overlapSkipped prometheus.Counter

	refreshLatency prometheus.Histogram
	runDuration    prometheus.Histogram

	eligible prometheus.Gauge
	lastRun  prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viewrefresh_runs_total",
			Help: "Total number of finished refresh runs by result",
		}, []string{"result"}),
		refreshed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "viewrefresh_views_refreshed_total",
			Help: "Total number of views recomputed and persisted",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "viewrefresh_views_skipped_total",
			Help: "Total number of eligible views that no longer existed when read",
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viewrefresh_views_failed_total",
			Help: "Total number of failed view refreshes by kind",
		}, []string{"kind"}),
		overlapSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "viewrefresh_runs_skipped_overlap_total",
			Help: "Total number of scheduled runs skipped because another run was active",
		}),
		refreshLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "viewrefresh_refresh_duration_seconds",
			Help:    "Time spent refreshing a single view",
			Buckets: prometheus.DefBuckets,
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "viewrefresh_run_duration_seconds",
			Help:    "Duration of a whole refresh run",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		eligible: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "viewrefresh_eligible_views",
			Help: "Number of eligible views collected by the latest run",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "viewrefresh_last_run_timestamp_seconds",
			Help: "Unix time the latest run finished",
		}),
	}

	reg.MustRegister(
		c.runs,
		c.refreshed,
		c.skipped,
		c.failed,
		c.overlapSkipped,
		c.refreshLatency,
		c.runDuration,
		c.eligible,
		c.lastRun,
	)
	return c
}

// RecordRefreshed counts a successful view refresh.
func (c *Collector) RecordRefreshed(d time.Duration) {
	c.refreshed.Inc()
	c.refreshLatency.Observe(d.Seconds())
}

// RecordSkipped counts a view that disappeared before it was read.
func (c *Collector) RecordSkipped() {
	c.skipped.Inc()
}

// RecordFailed counts a failed view refresh of kind.
func (c *Collector) RecordFailed(kind string, d time.Duration) {
	c.failed.WithLabelValues(kind).Inc()
	if d > 0 {
		c.refreshLatency.Observe(d.Seconds())
	}
}

// RecordCollected sets the number of eligible views of the current run.
func (c *Collector) RecordCollected(n int) {
	c.eligible.Set(float64(n))
}

// RecordRun records a finished run. err is the error Run returned.
func (c *Collector) RecordRun(report types.RunReport, err error) {
	result := ResultOK
	switch {
	case err != nil:
		result = ResultError
	case len(report.Failures) > 0:
		result = ResultPartial
	}
	c.runs.WithLabelValues(result).Inc()

	if !report.FinishedAt.IsZero() {
		c.runDuration.Observe(report.Duration().Seconds())
		c.lastRun.Set(float64(report.FinishedAt.Unix()))
	}
}

// RecordOverlapSkipped counts a scheduled run dropped by the overlap guard.
func (c *Collector) RecordOverlapSkipped() {
	c.overlapSkipped.Inc()
}

// Handler serves g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer serves /metrics from g on port until ctx is cancelled.
func StartServer(ctx context.Context, port int, g prometheus.Gatherer, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
