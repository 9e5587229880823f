package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Worker.Count)
	assert.Equal(t, 300*time.Second, cfg.ItemTimeout())
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
worker:
  count: 4
store:
  driver: memory
schedule:
  interval: 30s
log:
  level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, 300, cfg.Worker.ItemTimeoutSeconds, "unset fields keep defaults")
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 30*time.Second, cfg.Schedule.Interval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{"zero workers", "worker: {count: 0}", "worker.count"},
		{"zero timeout", "worker: {item_timeout_seconds: 0}", "item_timeout_seconds"},
		{"unknown driver", "store: {driver: redis}", "unknown store.driver"},
		{"postgres without dsn", "store: {driver: postgres}", "store.dsn"},
		{"sql without postgres", "recompute: {kind: sql}", "requires store.driver postgres"},
		{"bad metrics port", "metrics: {enabled: true, port: 70000}", "metrics.port"},
		{"negative interval", "schedule: {interval: -1s}", "schedule.interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker: {count: 2}\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Worker.Count)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte("worker: [unterminated"))
	assert.Error(t, err)
}
