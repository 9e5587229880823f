// Package file is a store driver that keeps views in a JSON snapshot on disk.
//
// Every Save rewrites the snapshot atomically before the in-memory copy is
// updated, so a failed write leaves both the file and memory untouched.
package file

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/viewrefresh/internal/snapshot"
	"github.com/ChuLiYu/viewrefresh/internal/store"
	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

// Store is a snapshot-backed store.
type Store struct {
	mu     sync.RWMutex
	views  map[types.ViewID]*types.View
	snap   *snapshot.Manager
	closed bool
}

// Open loads the snapshot at path, or starts empty when it does not exist.
func Open(path string) (*Store, error) {
	snap := snapshot.NewManager(path)
	data, err := snap.Load()
	if err != nil {
		return nil, fmt.Errorf("open file store %s: %w", path, err)
	}
	return &Store{
		views: data.Views,
		snap:  snap,
	}, nil
}

// Path returns the snapshot path.
func (s *Store) Path() string {
	return s.snap.GetPath()
}

// ListEligibleIDs implements store.Store.
func (s *Store) ListEligibleIDs(_ context.Context, now time.Time) ([]types.ViewID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrClosed
	}
	return store.EligibleIDs(s.views, now), nil
}

// Session implements store.Store. Sessions share the store's lock; the file
// driver has no per-connection state.
func (s *Store) Session(_ context.Context) (store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrClosed
	}
	return &session{store: s}, nil
}

// Upsert implements store.Importer.
func (s *Store) Upsert(_ context.Context, views []*types.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.copyViews()
	for _, v := range views {
		if cur, ok := next[v.ID]; ok {
			cur.Name = v.Name
			cur.Definition = v.Definition
			cur.RefreshIntervalMinutes = v.Clone().RefreshIntervalMinutes
			continue
		}
		next[v.ID] = v.Clone()
	}

	if err := s.snap.Write(types.SnapshotData{Views: next}); err != nil {
		return err
	}
	s.views = next
	return nil
}

// Len returns the number of stored views.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.views)
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// copyViews must be called with s.mu held.
func (s *Store) copyViews() map[types.ViewID]*types.View {
	out := make(map[types.ViewID]*types.View, len(s.views))
	for id, v := range s.views {
		out[id] = v.Clone()
	}
	return out
}

func (s *Store) load(id types.ViewID) (*types.View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrClosed
	}
	v, ok := s.views[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v.Clone(), nil
}

// save rewrites and fsyncs the whole snapshot under the write lock, so saves
// are serialized and a run costs O(N²) in the number of views.
func (s *Store) save(v *types.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	if _, ok := s.views[v.ID]; !ok {
		return store.ErrNotFound
	}

	next := s.copyViews()
	updated := v.Clone()
	next[v.ID].LastRefreshedAt = updated.LastRefreshedAt
	next[v.ID].PersistedResult = updated.PersistedResult

	if err := s.snap.Write(types.SnapshotData{Views: next}); err != nil {
		return err
	}
	s.views = next
	return nil
}

type session struct {
	store *Store
}

func (ss *session) Load(_ context.Context, id types.ViewID) (*types.View, error) {
	return ss.store.load(id)
}

func (ss *session) Save(_ context.Context, v *types.View) error {
	return ss.store.save(v)
}

func (ss *session) Close() error {
	return nil
}
