package snapshot

// ============================================================================
// Snapshot Manager tests
// Verifies atomic writes, loading, version checks and error handling
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

func sampleData() types.SnapshotData {
	refreshed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return types.SnapshotData{
		Views: map[types.ViewID]*types.View{
			1: {
				ID:                     1,
				Name:                   "active members",
				Definition:             "SELECT id FROM person WHERE active",
				RefreshIntervalMinutes: types.Minutes(60),
				LastRefreshedAt:        &refreshed,
				PersistedResult:        []byte(`[{"id":1}]`),
			},
			2: {
				ID:         2,
				Name:       "visitors",
				Definition: "SELECT id FROM person WHERE visitor",
			},
		},
	}
}

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "views.json"))
	original := sampleData()

	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	require.Len(t, loaded.Views, 2)

	v := loaded.Views[1]
	require.NotNil(t, v)
	assert.Equal(t, "active members", v.Name)
	assert.Equal(t, 60, *v.RefreshIntervalMinutes)
	assert.True(t, original.Views[1].LastRefreshedAt.Equal(*v.LastRefreshedAt))
	assert.Equal(t, `[{"id":1}]`, string(v.PersistedResult))

	assert.Nil(t, loaded.Views[2].RefreshIntervalMinutes)
	assert.Nil(t, loaded.Views[2].LastRefreshedAt)
}

func TestAtomicWriteLeavesNoTempFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "views.json")
	manager := NewManager(path)

	require.NoError(t, manager.Write(sampleData()))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
}

func TestWriteCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "views.json")
	manager := NewManager(path)

	require.NoError(t, manager.Write(sampleData()))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	data, err := manager.Load()
	require.NoError(t, err)
	assert.NotNil(t, data.Views)
	assert.Empty(t, data.Views)
	assert.Equal(t, SchemaVersion, data.SchemaVer)
}

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "views.json")
	raw, err := json.Marshal(map[string]any{"views": map[string]any{}, "schema_ver": 99})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "views.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "views.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			data := types.SnapshotData{Views: map[types.ViewID]*types.View{
				types.ViewID(n): {ID: types.ViewID(n), Name: fmt.Sprintf("view-%d", n)},
			}}
			assert.NoError(t, manager.Write(data))
		}(i)
	}
	wg.Wait()

	// Whichever write won, the file must be complete and loadable.
	data, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, data.Views, 1)
}

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "views.json"))
	data := types.SnapshotData{Views: make(map[types.ViewID]*types.View, 1000)}
	for i := 0; i < 1000; i++ {
		data.Views[types.ViewID(i)] = &types.View{ID: types.ViewID(i), Name: fmt.Sprintf("view-%d", i)}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Write(data)
	}
}
