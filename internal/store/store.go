// Package store defines the durable store collaborator the refresh core reads
// staleness fields from and writes refreshed results to.
//
// Drivers live in sub-packages (memory, file, postgres) and are selected by
// name through package drivers.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

// ErrNotFound is returned by Session.Load and Session.Save when the view does
// not exist (any more).
var ErrNotFound = errors.New("store: view not found")

// ErrClosed is returned by operations on a closed store or session.
var ErrClosed = errors.New("store: closed")

// Store is the shared handle on the external store.
type Store interface {
	// ListEligibleIDs returns the ids of every view whose persisted result is
	// stale at now.
	ListEligibleIDs(ctx context.Context, now time.Time) ([]types.ViewID, error)

	// Session opens a scoped handle (connection) owned by a single worker.
	// The caller must Close it.
	Session(ctx context.Context) (Session, error)

	// Close releases the store.
	Close() error
}

// Session is a per-worker handle. It is not safe for concurrent use.
type Session interface {
	// Load returns a copy of the view or ErrNotFound.
	Load(ctx context.Context, id types.ViewID) (*types.View, error)

	// Save persists LastRefreshedAt and PersistedResult of v as one atomic
	// write. Other fields are ignored. Returns ErrNotFound when the view was
	// removed after it was loaded.
	Save(ctx context.Context, v *types.View) error

	// Close releases the session.
	Close() error
}

// Importer is implemented by stores that accept view definitions from the
// import command.
type Importer interface {
	Upsert(ctx context.Context, views []*types.View) error
}

// EligibleIDs applies the staleness rule to views and returns the matching
// ids in ascending order.
func EligibleIDs(views map[types.ViewID]*types.View, now time.Time) []types.ViewID {
	ids := make([]types.ViewID, 0)
	for id, v := range views {
		if v.IsEligible(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
