// ============================================================================
// viewrefresh Work Queue
// ============================================================================
//
// Package: internal/workqueue
// File: queue.go
// Purpose: Thread-safe multiset of view ids waiting to be refreshed in a run.
//
// Semantics:
//   - Enqueue never rejects an id; duplicates are kept (multiset).
//   - TryTake removes and returns one id, or reports empty.
//   - Concurrent takers never observe the same enqueued entry twice and no
//     entry is lost.
//   - Order is unspecified. The current implementation pops from the tail
//     because it avoids re-slicing the head on every take.
//
// ============================================================================

package workqueue

import (
	"sync"

	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

// Queue is a mutex-guarded bag of pending view ids.
type Queue struct {
	mu    sync.Mutex
	items []types.ViewID
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		items: make([]types.ViewID, 0),
	}
}

// Enqueue adds one id.
func (q *Queue) Enqueue(id types.ViewID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, id)
}

// EnqueueAll adds every id in ids under a single lock acquisition.
func (q *Queue) EnqueueAll(ids []types.ViewID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, ids...)
}

// TryTake atomically removes one id. ok is false when the queue is empty.
func (q *Queue) TryTake() (id types.ViewID, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if n == 0 {
		return 0, false
	}

	id = q.items[n-1]
	q.items = q.items[:n-1]
	return id, true
}

// Drain removes and returns everything still queued.
func (q *Queue) Drain() []types.ViewID {
	q.mu.Lock()
	defer q.mu.Unlock()

	rest := q.items
	q.items = make([]types.ViewID, 0)
	return rest
}

// Len returns the number of queued ids.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}
