// Package config loads the viewrefresh YAML configuration.
//
// Missing fields fall back to Default(); Validate rejects combinations the
// rest of the system cannot run with.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file used when --config is not given.
const DefaultPath = "configs/default.yaml"

// Config maps the config file through YAML tags.
type Config struct {
	Worker struct {
		Count              int `yaml:"count"`
		ItemTimeoutSeconds int `yaml:"item_timeout_seconds"`
	} `yaml:"worker"`

	Store struct {
		Driver   string `yaml:"driver"`
		Path     string `yaml:"path"`
		DSN      string `yaml:"dsn"`
		MaxConns int    `yaml:"max_conns"`
	} `yaml:"store"`

	Recompute struct {
		Kind string `yaml:"kind"`
	} `yaml:"recompute"`

	Schedule struct {
		Interval time.Duration `yaml:"interval"`
		LockFile string        `yaml:"lock_file"`
	} `yaml:"schedule"`

	RunLog struct {
		Path string `yaml:"path"`
	} `yaml:"runlog"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Health struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"health"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Worker.Count = 10
	cfg.Worker.ItemTimeoutSeconds = 300
	cfg.Store.Driver = "file"
	cfg.Store.Path = "data/views.json"
	cfg.Recompute.Kind = "static"
	cfg.Schedule.Interval = time.Minute
	cfg.RunLog.Path = "data/runs.log"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	cfg.Health.Port = 50051
	cfg.Log.Level = "info"
	cfg.Log.Format = "console"
	return cfg
}

// ItemTimeout returns the per-view time limit.
func (c *Config) ItemTimeout() time.Duration {
	return time.Duration(c.Worker.ItemTimeoutSeconds) * time.Second
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error

	if c.Worker.Count < 1 {
		errs = append(errs, fmt.Errorf("worker.count must be >= 1, got %d", c.Worker.Count))
	}
	if c.Worker.ItemTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("worker.item_timeout_seconds must be >= 1, got %d", c.Worker.ItemTimeoutSeconds))
	}

	switch c.Store.Driver {
	case "memory":
	case "file":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the file driver"))
		}
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	if c.Recompute.Kind == "sql" && c.Store.Driver != "postgres" {
		errs = append(errs, errors.New("recompute.kind sql requires store.driver postgres"))
	}
	if c.Schedule.Interval <= 0 {
		errs = append(errs, fmt.Errorf("schedule.interval must be positive, got %s", c.Schedule.Interval))
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		errs = append(errs, fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port))
	}
	if c.Health.Enabled && (c.Health.Port < 1 || c.Health.Port > 65535) {
		errs = append(errs, fmt.Errorf("health.port out of range: %d", c.Health.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
