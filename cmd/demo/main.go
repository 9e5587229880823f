package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/viewrefresh/internal/config"
	"github.com/ChuLiYu/viewrefresh/internal/coordinator"
	"github.com/ChuLiYu/viewrefresh/internal/errsink"
	"github.com/ChuLiYu/viewrefresh/internal/logging"
	"github.com/ChuLiYu/viewrefresh/internal/recompute"
	"github.com/ChuLiYu/viewrefresh/internal/scheduler"
	"github.com/ChuLiYu/viewrefresh/internal/store/memory"
	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

const demoViews = 200

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <refresh|overlap>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		cfg = config.Default()
	}
	log, err := logging.Stderr("warn", "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := memory.New(seedViews(demoViews))
	coord := coordinator.New(coordinator.Config{
		WorkerCount: cfg.Worker.Count,
		ItemTimeout: 200 * time.Millisecond,
	}, store, slowRecomputer(),
		coordinator.WithErrorSink(errsink.NewLogSink(log)),
		coordinator.WithLogger(log),
	)

	fmt.Printf("✓ %d views in memory, %d workers, 200ms item timeout\n", demoViews, cfg.Worker.Count)

	switch mode {
	case "refresh":
		demoRefresh(ctx, coord, store)
	case "overlap":
		demoOverlap(ctx, coord, log)
	default:
		fmt.Printf("unknown mode %q\n", mode)
		os.Exit(1)
	}
}

// seedViews builds views with mixed staleness: every fifth view has no
// interval, every seventh was refreshed a minute ago.
func seedViews(n int) []*types.View {
	now := time.Now()
	recent := now.Add(-time.Minute)
	views := make([]*types.View, 0, n)
	for i := 1; i <= n; i++ {
		v := &types.View{
			ID:         types.ViewID(i),
			Name:       fmt.Sprintf("view_%03d", i),
			Definition: fmt.Sprintf(`{"view":%d}`, i),
		}
		if i%5 != 0 {
			v.RefreshIntervalMinutes = types.Minutes(30)
		}
		if i%7 == 0 {
			v.LastRefreshedAt = &recent
		}
		views = append(views, v)
	}
	return views
}

// slowRecomputer sleeps a little per view; about one in forty overruns the
// item timeout and one in fifty fails outright.
func slowRecomputer() recompute.Recomputer {
	return recompute.RecomputerFunc(func(ctx context.Context, v *types.View) ([]byte, error) {
		delay := time.Duration(5+rand.Intn(20)) * time.Millisecond
		if v.ID%40 == 0 {
			delay = time.Second
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if v.ID%50 == 1 {
			return nil, fmt.Errorf("relation for view %s does not exist", v.Name)
		}
		return recompute.Static{}.Recompute(ctx, v)
	})
}

func demoRefresh(ctx context.Context, coord *coordinator.Coordinator, store *memory.Store) {
	done := make(chan types.RunReport, 1)
	go func() {
		report, err := coord.Run(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		}
		done <- report
	}()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var report types.RunReport
wait:
	for {
		select {
		case report = <-done:
			break wait
		case <-ticker.C:
			fmt.Printf("📊 state=%s active=%d writes=%d\n", coord.State(), coord.ActiveWorkers(), store.Writes())
		}
	}

	fmt.Printf("\n%s\n", report.Status())
	fmt.Printf("  Skipped:  %d\n", report.Skipped)
	fmt.Printf("  Failed:   %d\n", len(report.Failures))
	for _, f := range report.Failures {
		fmt.Printf("    view %s: %s\n", f.ViewID, f.Message)
	}
	fmt.Printf("  Duration: %s\n", report.Duration().Round(time.Millisecond))

	second, err := coord.Run(ctx)
	if err == nil {
		fmt.Printf("\nSecond run right after: %s (only failed views were still stale)\n", second.Status())
	}
}

func demoOverlap(ctx context.Context, coord *coordinator.Coordinator, log zerolog.Logger) {
	sched := scheduler.New(coord, 50*time.Millisecond, scheduler.WithLogger(log))

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	fmt.Println("⏱  ticking every 50ms for 2s while a run takes longer than a tick")
	if err := sched.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "scheduler: %v\n", err)
		os.Exit(1)
	}

	st := sched.Status()
	fmt.Printf("\nRuns: %d, ticks skipped because a run was active: %d\n", st.Runs, st.Skipped)
	if st.LastReport != nil {
		fmt.Printf("Last run: %s\n", st.LastReport.Status())
	}
}
