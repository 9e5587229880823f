// Package memory is an in-process store driver. It backs the demo and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/ChuLiYu/viewrefresh/internal/store"
	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

// SaveHook can veto a write before it is applied.
type SaveHook func(v *types.View) error

// Store keeps views in a map guarded by a RWMutex.
type Store struct {
	mu       sync.RWMutex
	views    map[types.ViewID]*types.View
	saveHook SaveHook
	closed   bool

	writes       atomic.Int64
	openSessions atomic.Int32
	sessions     atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithSaveHook installs a hook called before every write.
func WithSaveHook(h SaveHook) Option {
	return func(s *Store) {
		s.saveHook = h
	}
}

// New creates a store seeded with views.
func New(views []*types.View, opts ...Option) *Store {
	s := &Store{
		views: make(map[types.ViewID]*types.View, len(views)),
	}
	for _, v := range views {
		s.views[v.ID] = v.Clone()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
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

// Session implements store.Store.
func (s *Store) Session(_ context.Context) (store.Session, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, store.ErrClosed
	}

	s.openSessions.Inc()
	s.sessions.Inc()
	return &session{store: s}, nil
}

// Upsert implements store.Importer. Existing refresh state is kept.
func (s *Store) Upsert(_ context.Context, views []*types.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range views {
		if cur, ok := s.views[v.ID]; ok {
			cur.Name = v.Name
			cur.Definition = v.Definition
			cur.RefreshIntervalMinutes = v.Clone().RefreshIntervalMinutes
			continue
		}
		s.views[v.ID] = v.Clone()
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Get returns a copy of a stored view.
func (s *Store) Get(id types.ViewID) (*types.View, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.views[id]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

// Delete removes a view.
func (s *Store) Delete(id types.ViewID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.views, id)
}

// Writes returns the number of successful saves.
func (s *Store) Writes() int64 {
	return s.writes.Load()
}

// OpenSessions returns the number of sessions not yet closed.
func (s *Store) OpenSessions() int32 {
	return s.openSessions.Load()
}

// SessionsOpened returns how many sessions were ever opened.
func (s *Store) SessionsOpened() int64 {
	return s.sessions.Load()
}

func (s *Store) load(id types.ViewID) (*types.View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.views[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v.Clone(), nil
}

func (s *Store) save(v *types.View) error {
	if s.saveHook != nil {
		if err := s.saveHook(v); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.views[v.ID]
	if !ok {
		return store.ErrNotFound
	}
	updated := v.Clone()
	cur.LastRefreshedAt = updated.LastRefreshedAt
	cur.PersistedResult = updated.PersistedResult
	s.writes.Inc()
	return nil
}

type session struct {
	store  *Store
	closed bool
}

func (ss *session) Load(_ context.Context, id types.ViewID) (*types.View, error) {
	if ss.closed {
		return nil, store.ErrClosed
	}
	return ss.store.load(id)
}

func (ss *session) Save(_ context.Context, v *types.View) error {
	if ss.closed {
		return store.ErrClosed
	}
	return ss.store.save(v)
}

func (ss *session) Close() error {
	if ss.closed {
		return nil
	}
	ss.closed = true
	ss.store.openSessions.Dec()
	return nil
}
