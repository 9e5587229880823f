// ============================================================================
// viewrefresh CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands wiring config, store, coordinator and scheduler
//
// Command Structure:
//   viewrefresh                    # Root command
//   ├── run                        # Refresh stale views on a schedule
//   ├── refresh                    # Run one refresh pass and exit
//   │   └── --json                # Print the full run report
//   ├── status                     # Show config and the latest recorded run
//   ├── import                     # Load view definitions into the store
//   │   └── --file, -f            # JSON array of views
//   ├── migrate                    # Apply the Postgres schema
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// run Command:
//   1. Load config, build logger and open the store driver
//   2. Build the recomputer named by recompute.kind
//   3. Start the metrics and health servers when enabled
//   4. Start the scheduler (one run immediately, then every interval)
//   5. On SIGINT/SIGTERM cancel the in-flight run, wait, close everything
//
// refresh Command:
//   One pass through the same scheduler guard, so it never overlaps a
//   running service holding the same lock file. Prints "Updated N dataviews".
//
// import Command:
//   JSON format:
//   [
//     {"id": 1, "name": "orders", "definition": "SELECT ...", "refresh_interval_minutes": 60}
//   ]
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/viewrefresh/internal/config"
	"github.com/ChuLiYu/viewrefresh/internal/coordinator"
	"github.com/ChuLiYu/viewrefresh/internal/errsink"
	"github.com/ChuLiYu/viewrefresh/internal/health"
	"github.com/ChuLiYu/viewrefresh/internal/logging"
	"github.com/ChuLiYu/viewrefresh/internal/metrics"
	"github.com/ChuLiYu/viewrefresh/internal/recompute"
	"github.com/ChuLiYu/viewrefresh/internal/scheduler"
	"github.com/ChuLiYu/viewrefresh/internal/storage/runlog"
	"github.com/ChuLiYu/viewrefresh/internal/store"
	"github.com/ChuLiYu/viewrefresh/internal/store/drivers"
	"github.com/ChuLiYu/viewrefresh/internal/store/postgres"
	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

// Version is reported by --version.
const Version = "1.0.0"

// errorSinkBuffer bounds failures waiting for the log sink.
const errorSinkBuffer = 1024

type app struct {
	configPath string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "viewrefresh",
		Short: "viewrefresh: keeps persisted data views fresh",
		Long: `viewrefresh recomputes stale persisted data views with:
- a bounded worker pool, one store session per worker
- per-view timeouts and error isolation
- a no-overlap scheduler with optional cross-process lock
- Prometheus metrics and gRPC health`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultPath, "config file path")

	rootCmd.AddCommand(a.buildRunCommand())
	rootCmd.AddCommand(a.buildRefreshCommand())
	rootCmd.AddCommand(a.buildStatusCommand())
	rootCmd.AddCommand(a.buildImportCommand())
	rootCmd.AddCommand(a.buildMigrateCommand())

	return rootCmd
}

// env holds everything a command opened and must close.
type env struct {
	cfg    *config.Config
	log    zerolog.Logger
	store  store.Store
	runLog *runlog.Log
	sink   *errsink.Async
}

func (a *app) setup(ctx context.Context) (*env, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logging.Stderr(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	s, err := drivers.Open(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, store: s}, nil
}

func (e *env) Close() {
	if e.sink != nil {
		_ = e.sink.Close()
		if n := e.sink.Dropped(); n > 0 {
			e.log.Warn().Int64("dropped", n).Msg("error sink dropped failure reports")
		}
	}
	if e.runLog != nil {
		if err := e.runLog.Close(); err != nil {
			e.log.Error().Err(err).Msg("closing run log")
		}
	}
	if err := e.store.Close(); err != nil {
		e.log.Error().Err(err).Msg("closing store")
	}
}

// scheduler builds the coordinator over the opened store and wraps it in
// the no-overlap scheduler. rec may be nil.
func (e *env) scheduler(rec *metrics.Collector, opts ...scheduler.Option) (*scheduler.Scheduler, error) {
	r, err := newRecomputer(e.cfg, e.store)
	if err != nil {
		return nil, err
	}

	e.runLog, err = runlog.Open(e.cfg.RunLog.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	e.sink = errsink.NewAsync(errsink.NewLogSink(e.log), errorSinkBuffer)

	coordOpts := []coordinator.Option{
		coordinator.WithLogger(e.log),
		coordinator.WithErrorSink(e.sink),
		coordinator.WithRunLog(e.runLog),
	}
	schedOpts := []scheduler.Option{
		scheduler.WithLogger(e.log),
		scheduler.WithLockFile(e.cfg.Schedule.LockFile),
	}
	if rec != nil {
		coordOpts = append(coordOpts, coordinator.WithMetrics(rec))
		schedOpts = append(schedOpts, scheduler.WithOverlapRecorder(rec))
	}

	coord := coordinator.New(coordinator.Config{
		WorkerCount: e.cfg.Worker.Count,
		ItemTimeout: e.cfg.ItemTimeout(),
	}, e.store, r, coordOpts...)

	return scheduler.New(coord, e.cfg.Schedule.Interval, append(schedOpts, opts...)...), nil
}

func newRecomputer(cfg *config.Config, s store.Store) (recompute.Recomputer, error) {
	deps := recompute.Deps{
		HTTPClient: &http.Client{Timeout: cfg.ItemTimeout()},
	}
	// sql views run on each worker's session connection, never on the pool.
	if _, ok := s.(*postgres.Store); !ok && cfg.Recompute.Kind == "sql" {
		return nil, errors.New("recompute kind sql needs the postgres store")
	}
	return recompute.New(cfg.Recompute.Kind, deps)
}

// ============================================================================
// run
// ============================================================================

func (a *app) buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the refresh service",
		Long:  "Refresh stale views now and then every schedule.interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.runService(ctx)
		},
	}
}

func (a *app) runService(ctx context.Context) error {
	e, err := a.setup(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	var (
		hs        *health.Server
		schedOpts []scheduler.Option
	)
	if e.cfg.Health.Enabled {
		hs = health.New(e.log)
		schedOpts = append(schedOpts, scheduler.WithReportHandler(hs.Observe))
	}

	sched, err := e.scheduler(collector, schedOpts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if hs != nil {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", e.cfg.Health.Port))
		if err != nil {
			return fmt.Errorf("failed to listen on port %d: %w", e.cfg.Health.Port, err)
		}
		g.Go(func() error {
			if err := hs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			hs.Stop()
			return nil
		})
	}

	if e.cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.StartServer(gctx, e.cfg.Metrics.Port, reg, e.log)
		})
	}
	g.Go(func() error {
		return sched.Start(gctx)
	})

	e.log.Info().
		Str("config", a.configPath).
		Str("driver", e.cfg.Store.Driver).
		Str("recompute", e.cfg.Recompute.Kind).
		Int("workers", e.cfg.Worker.Count).
		Msg("viewrefresh started")

	err = g.Wait()
	st := sched.Status()
	e.log.Info().Int64("runs", st.Runs).Int64("skipped", st.Skipped).Msg("viewrefresh stopped")
	return err
}

// ============================================================================
// refresh
// ============================================================================

func (a *app) buildRefreshCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run one refresh pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.refreshOnce(ctx, cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run report as JSON")
	return cmd
}

func (a *app) refreshOnce(ctx context.Context, out io.Writer, asJSON bool) error {
	e, err := a.setup(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	sched, err := e.scheduler(nil)
	if err != nil {
		return err
	}

	report, ran, err := sched.TryRun(ctx)
	if err != nil {
		return err
	}
	if !ran {
		fmt.Fprintln(out, "Skipped: another refresh run is active")
		return nil
	}
	return printReport(out, report, asJSON)
}

func printReport(out io.Writer, report types.RunReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	fmt.Fprintln(out, report.Status())
	return nil
}

// ============================================================================
// status
// ============================================================================

func (a *app) buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and the latest recorded run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.showStatus(cmd.OutOrStdout())
		},
	}
}

func (a *app) showStatus(out io.Writer) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(out, "viewrefresh status")
	fmt.Fprintf(out, "  Config:    %s\n", a.configPath)
	fmt.Fprintf(out, "  Store:     %s\n", cfg.Store.Driver)
	fmt.Fprintf(out, "  Recompute: %s\n", cfg.Recompute.Kind)
	fmt.Fprintf(out, "  Workers:   %d (item timeout %s)\n", cfg.Worker.Count, cfg.ItemTimeout())
	fmt.Fprintf(out, "  Interval:  %s\n", cfg.Schedule.Interval)

	last, err := runlog.Last(cfg.RunLog.Path)
	if errors.Is(err, runlog.ErrEmpty) {
		fmt.Fprintln(out, "  Last run:  none recorded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read run log: %w", err)
	}

	fmt.Fprintf(out, "  Last run:  %s (%s, finished %s)\n",
		last.Status, last.RunID, last.Finished().Format(time.RFC3339))
	fmt.Fprintf(out, "  Skipped:   %d\n", last.Skipped)
	fmt.Fprintf(out, "  Failed:    %d\n", last.Failed)
	for _, f := range last.Failures {
		fmt.Fprintf(out, "    view %s: %s\n", f.ViewID, f.Message)
	}
	return nil
}

// ============================================================================
// import
// ============================================================================

func (a *app) buildImportCommand() *cobra.Command {
	var viewFile string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import view definitions from a JSON file",
		Long:  "Insert or update views in the configured store. Refresh state of existing views is kept.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viewFile == "" {
				return fmt.Errorf("view file is required (use --file or -f)")
			}
			return a.importViews(cmd.Context(), cmd.OutOrStdout(), viewFile)
		},
	}

	cmd.Flags().StringVarP(&viewFile, "file", "f", "", "JSON file containing view definitions")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func readViews(path string) ([]*types.View, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read view file: %w", err)
	}

	var views []*types.View
	if err := json.Unmarshal(data, &views); err != nil {
		return nil, fmt.Errorf("failed to parse view file: %w", err)
	}
	for i, v := range views {
		if v == nil || v.ID <= 0 {
			return nil, fmt.Errorf("view %d: id must be positive", i)
		}
		if v.RefreshIntervalMinutes != nil && *v.RefreshIntervalMinutes <= 0 {
			return nil, fmt.Errorf("view %s: refresh_interval_minutes must be positive", v.ID)
		}
	}
	return views, nil
}

func (a *app) importViews(ctx context.Context, out io.Writer, path string) error {
	views, err := readViews(path)
	if err != nil {
		return err
	}

	e, err := a.setup(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	imp, ok := e.store.(store.Importer)
	if !ok {
		return fmt.Errorf("store driver %q does not support import", e.cfg.Store.Driver)
	}
	if err := imp.Upsert(ctx, views); err != nil {
		return fmt.Errorf("failed to import views: %w", err)
	}

	fmt.Fprintf(out, "Imported %d views into %s store\n", len(views), e.cfg.Store.Driver)
	return nil
}

// ============================================================================
// migrate
// ============================================================================

func (a *app) buildMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the data_view table in Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.migrate(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func (a *app) migrate(ctx context.Context, out io.Writer) error {
	e, err := a.setup(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	pg, ok := e.store.(*postgres.Store)
	if !ok {
		return fmt.Errorf("migrate needs store.driver postgres, got %q", e.cfg.Store.Driver)
	}
	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	fmt.Fprintln(out, "Schema applied")
	return nil
}
