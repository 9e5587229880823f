// Package drivers opens a store.Store by driver name.
package drivers

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/viewrefresh/internal/config"
	"github.com/ChuLiYu/viewrefresh/internal/store"
	"github.com/ChuLiYu/viewrefresh/internal/store/file"
	"github.com/ChuLiYu/viewrefresh/internal/store/memory"
	"github.com/ChuLiYu/viewrefresh/internal/store/postgres"
)

// ErrUnknownDriver is returned for an unregistered driver name.
var ErrUnknownDriver = errors.New("store: unknown driver")

type opener func(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, error)

var drivers = map[string]opener{
	"memory": func(context.Context, *config.Config, zerolog.Logger) (store.Store, error) {
		return memory.New(nil), nil
	},
	"file": func(_ context.Context, cfg *config.Config, _ zerolog.Logger) (store.Store, error) {
		return file.Open(cfg.Store.Path)
	},
	"postgres": func(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, error) {
		maxConns := cfg.Store.MaxConns
		if maxConns <= 0 {
			// One connection per worker plus the lister.
			maxConns = cfg.Worker.Count + 2
		}
		return postgres.Open(ctx, cfg.Store.DSN, maxConns, log)
	},
}

// Open opens the store named by cfg.Store.Driver.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, error) {
	open, ok := drivers[cfg.Store.Driver]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownDriver, cfg.Store.Driver)
	}
	s, err := open(ctx, cfg, log.With().Str("driver", cfg.Store.Driver).Logger())
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	return s, nil
}

// Names lists the registered drivers in sorted order.
func Names() []string {
	names := make([]string, 0, len(drivers))
	for n := range drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
