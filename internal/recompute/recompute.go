// Package recompute produces fresh results for data views.
//
// Implementations are chosen by name from a compile-time registry; the kind
// is a config string (recompute.kind).
package recompute

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

// ErrUnknownKind is returned by New for an unregistered kind.
var ErrUnknownKind = errors.New("recompute: unknown kind")

// Recomputer evaluates a view's definition and returns the result payload
// to persist. It must honour ctx cancellation.
type Recomputer interface {
	Recompute(ctx context.Context, v *types.View) ([]byte, error)
}

// RecomputerFunc adapts a function to Recomputer.
type RecomputerFunc func(ctx context.Context, v *types.View) ([]byte, error)

// Recompute calls f.
func (f RecomputerFunc) Recompute(ctx context.Context, v *types.View) ([]byte, error) {
	return f(ctx, v)
}

// Deps carries the shared handles a recomputer kind may need.
type Deps struct {
	Querier    Querier      // fallback for "sql" when the session has none
	HTTPClient *http.Client // optional for "http"
}

type factory func(Deps) (Recomputer, error)

var registry = map[string]factory{
	"static": func(Deps) (Recomputer, error) { return Static{}, nil },
	"sql": func(d Deps) (Recomputer, error) {
		return NewSQL(d.Querier), nil
	},
	"http": func(d Deps) (Recomputer, error) {
		return NewHTTP(d.HTTPClient), nil
	},
}

// New builds the recomputer registered as kind.
func New(kind string, deps Deps) (Recomputer, error) {
	f, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	return f(deps)
}

// Kinds lists the registered kinds in sorted order.
func Kinds() []string {
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Static returns the view definition itself as the result. It backs the demo
// and stores whose definitions are precomputed documents.
type Static struct{}

// Recompute implements Recomputer.
func (Static) Recompute(ctx context.Context, v *types.View) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []byte(v.Definition), nil
}
