package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/viewrefresh/internal/metrics"
	"github.com/ChuLiYu/viewrefresh/internal/recompute"
	"github.com/ChuLiYu/viewrefresh/internal/refresh"
	"github.com/ChuLiYu/viewrefresh/internal/storage/runlog"
	"github.com/ChuLiYu/viewrefresh/internal/store"
	"github.com/ChuLiYu/viewrefresh/internal/store/memory"
	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

var testNow = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

// ghostStore lists extra ids that do not exist in the underlying store,
// like views deleted between listing and refresh.
type ghostStore struct {
	*memory.Store
	ghosts []types.ViewID
}

func (g *ghostStore) ListEligibleIDs(ctx context.Context, now time.Time) ([]types.ViewID, error) {
	ids, err := g.Store.ListEligibleIDs(ctx, now)
	if err != nil {
		return nil, err
	}
	return append(ids, g.ghosts...), nil
}

// noSessionStore can list but never hands out a session.
type noSessionStore struct {
	*memory.Store
}

func (noSessionStore) Session(context.Context) (store.Session, error) {
	return nil, errors.New("connection refused")
}

type failingListStore struct {
	*memory.Store
}

func (failingListStore) ListEligibleIDs(context.Context, time.Time) ([]types.ViewID, error) {
	return nil, errors.New("relation data_view does not exist")
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Report(err *refresh.Error) {
	m.Called(err.ViewID, err.Kind)
}

func staleViews(ids ...types.ViewID) []*types.View {
	views := make([]*types.View, 0, len(ids))
	for _, id := range ids {
		views = append(views, &types.View{ID: id, Definition: "result", RefreshIntervalMinutes: types.Minutes(60)})
	}
	return views
}

func TestRunScenarioSuccessFailureAndMissing(t *testing.T) {
	const a, b, c types.ViewID = 1, 2, 3

	mem := memory.New(staleViews(a, b))
	s := &ghostStore{Store: mem, ghosts: []types.ViewID{c}}

	recomputeErr := errors.New("division by zero")
	r := recompute.RecomputerFunc(func(_ context.Context, v *types.View) ([]byte, error) {
		if v.ID == b {
			return nil, recomputeErr
		}
		return []byte("fresh"), nil
	})

	sink := &mockSink{}
	sink.On("Report", b, refresh.KindRecompute).Once()

	coord := New(Config{WorkerCount: 2, ItemTimeout: time.Second}, s, r,
		WithErrorSink(sink),
		WithClock(clock),
	)

	report, err := coord.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Refreshed)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, b, report.Failures[0].ViewID)
	assert.Contains(t, report.Failures[0].Message, "division by zero")
	assert.Equal(t, "Updated 1 dataview", report.Status())

	assert.Equal(t, int64(1), mem.Writes())
	updated, _ := mem.Get(a)
	assert.Equal(t, "fresh", string(updated.PersistedResult))
	assert.True(t, testNow.Equal(*updated.LastRefreshedAt))
	untouched, _ := mem.Get(b)
	assert.Nil(t, untouched.LastRefreshedAt)

	sink.AssertExpectations(t)
	assert.Equal(t, StateIdle, coord.State())
}

func TestRunProcessesEveryViewOnce(t *testing.T) {
	const n = 300
	ids := make([]types.ViewID, n)
	for i := range ids {
		ids[i] = types.ViewID(i + 1)
	}
	mem := memory.New(staleViews(ids...))

	var (
		mu    sync.Mutex
		calls = make(map[types.ViewID]int)
	)
	r := recompute.RecomputerFunc(func(_ context.Context, v *types.View) ([]byte, error) {
		mu.Lock()
		calls[v.ID]++
		mu.Unlock()
		return []byte("ok"), nil
	})

	coord := New(Config{WorkerCount: 7, ItemTimeout: time.Second}, mem, r, WithClock(clock))
	report, err := coord.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, n, report.Refreshed)
	assert.Empty(t, report.Failures)
	assert.Equal(t, int64(n), mem.Writes())
	assert.Len(t, calls, n)
	for id, c := range calls {
		assert.Equal(t, 1, c, "view %d recomputed %d times", id, c)
	}
	assert.Equal(t, int64(7), mem.SessionsOpened())
	assert.Equal(t, int32(0), mem.OpenSessions())
}

func TestRunNothingEligible(t *testing.T) {
	fresh := testNow.Add(-time.Minute)
	mem := memory.New([]*types.View{
		{ID: 1, RefreshIntervalMinutes: types.Minutes(60), LastRefreshedAt: &fresh},
		{ID: 2},
	})

	coord := New(Config{WorkerCount: 3, ItemTimeout: time.Second}, mem, recompute.Static{}, WithClock(clock))
	report, err := coord.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Refreshed)
	assert.Empty(t, report.Failures)
	assert.Equal(t, "Updated 0 dataviews", report.Status())
	assert.Equal(t, int64(0), mem.Writes())
	assert.Equal(t, int64(0), mem.SessionsOpened())
}

func TestRunTimeoutIsFailure(t *testing.T) {
	mem := memory.New(staleViews(1))
	r := recompute.RecomputerFunc(func(ctx context.Context, _ *types.View) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	sink := &mockSink{}
	sink.On("Report", types.ViewID(1), refresh.KindTimeout).Once()

	coord := New(Config{WorkerCount: 1, ItemTimeout: 10 * time.Millisecond}, mem, r,
		WithErrorSink(sink), WithClock(clock))
	report, err := coord.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Refreshed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, int64(0), mem.Writes())
	sink.AssertExpectations(t)
}

func TestRunListFailure(t *testing.T) {
	coord := New(Config{WorkerCount: 2, ItemTimeout: time.Second},
		failingListStore{memory.New(nil)}, recompute.Static{})

	_, err := coord.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateIdle, coord.State())

	_, ok := coord.LastReport()
	assert.False(t, ok)
}

func TestRunNoSessionsReportsAborted(t *testing.T) {
	mem := memory.New(staleViews(1, 2, 3))

	sink := &mockSink{}
	sink.On("Report", mock.Anything, refresh.KindAborted).Times(3)

	coord := New(Config{WorkerCount: 2, ItemTimeout: time.Second}, noSessionStore{mem}, recompute.Static{},
		WithErrorSink(sink))
	report, err := coord.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Refreshed)
	require.Len(t, report.Failures, 3)
	assert.Equal(t, []types.ViewID{1, 2, 3}, []types.ViewID{
		report.Failures[0].ViewID, report.Failures[1].ViewID, report.Failures[2].ViewID,
	})
	assert.Contains(t, report.Failures[0].Message, "connection refused")
	sink.AssertExpectations(t)
}

func TestRunInProgress(t *testing.T) {
	mem := memory.New(staleViews(1))
	started := make(chan struct{})
	release := make(chan struct{})
	r := recompute.RecomputerFunc(func(context.Context, *types.View) ([]byte, error) {
		close(started)
		<-release
		return []byte("x"), nil
	})

	coord := New(Config{WorkerCount: 1, ItemTimeout: time.Minute}, mem, r)

	done := make(chan error, 1)
	go func() {
		_, err := coord.Run(context.Background())
		done <- err
	}()

	<-started
	assert.Equal(t, StateRunning, coord.State())
	assert.Equal(t, int32(1), coord.ActiveWorkers())

	_, err := coord.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, coord.State())
}

func TestRunCancelledAbortsRemaining(t *testing.T) {
	mem := memory.New(staleViews(1, 2, 3, 4, 5))
	ctx, cancel := context.WithCancel(context.Background())

	r := recompute.RecomputerFunc(func(context.Context, *types.View) ([]byte, error) {
		cancel()
		return []byte("x"), nil
	})

	coord := New(Config{WorkerCount: 1, ItemTimeout: time.Second}, mem, r)
	report, err := coord.Run(ctx)
	require.NoError(t, err)

	// The in-flight view either saved or was aborted; the rest never started.
	assert.Equal(t, 5, report.Refreshed+len(report.Failures))
	assert.GreaterOrEqual(t, len(report.Failures), 4)
	for _, f := range report.Failures {
		assert.Contains(t, f.Message, "aborted")
	}
}

func TestRunRecordsMetricsAndRunLog(t *testing.T) {
	mem := memory.New(staleViews(1, 2))
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	log, err := runlog.Open(filepath.Join(t.TempDir(), "runs.log"))
	require.NoError(t, err)
	defer log.Close()

	coord := New(Config{WorkerCount: 2, ItemTimeout: time.Second}, &ghostStore{Store: mem, ghosts: []types.ViewID{9}},
		recompute.Static{},
		WithMetrics(collector),
		WithRunLog(log),
		WithClock(clock),
	)

	report, err := coord.Run(context.Background())
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "viewrefresh_views_refreshed_total", "viewrefresh_views_skipped_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	last, err := runlog.Last(log.Path())
	require.NoError(t, err)
	assert.Equal(t, report.RunID, last.RunID)
	assert.Equal(t, 2, last.Refreshed)
	assert.Equal(t, 1, last.Skipped)
	assert.Equal(t, "Updated 2 dataviews", last.Status)

	got, ok := coord.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.RunID, got.RunID)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "collecting", StateCollecting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "reporting", StateReporting.String())
	assert.Equal(t, "unknown", State(42).String())
}
