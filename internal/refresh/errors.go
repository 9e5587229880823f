package refresh

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

var (
	// ErrNotFound means the view disappeared between listing and refresh.
	// It is a tolerated miss, not a failure.
	ErrNotFound = errors.New("view not found")

	ErrRecompute  = errors.New("recompute failed")
	ErrTimeout    = errors.New("recompute timed out")
	ErrStoreRead  = errors.New("store read failed")
	ErrStoreWrite = errors.New("store write failed")
	ErrAborted    = errors.New("refresh aborted")
)

// Kind classifies a refresh failure.
type Kind int

const (
	KindRecompute Kind = iota
	KindTimeout
	KindStoreRead
	KindStoreWrite
	KindAborted
)

// String returns the label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindRecompute:
		return "recompute"
	case KindTimeout:
		return "timeout"
	case KindStoreRead:
		return "store_read"
	case KindStoreWrite:
		return "store_write"
	case KindAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Error is a failed refresh of one view.
type Error struct {
	ViewID types.ViewID
	Kind   Kind
	Err    error
}

// NewError wraps err as a failure of kind for id.
func NewError(id types.ViewID, kind Kind, err error) *Error {
	return &Error{ViewID: id, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("refresh view %d: %s: %v", e.ViewID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the package sentinels by kind. A timeout is also a recompute
// failure.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrRecompute:
		return e.Kind == KindRecompute || e.Kind == KindTimeout
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrStoreRead:
		return e.Kind == KindStoreRead
	case ErrStoreWrite:
		return e.Kind == KindStoreWrite
	case ErrAborted:
		return e.Kind == KindAborted
	}
	return false
}
