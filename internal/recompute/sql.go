package recompute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

// Querier is the subset of *pgxpool.Pool the sql kind uses.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// QuerierSource is implemented by store sessions that hold their own
// database connection.
type QuerierSource interface {
	Querier() Querier
}

type querierKey struct{}

// WithQuerier returns a context whose sql recomputations run on q instead of
// the recomputer's own database handle.
func WithQuerier(ctx context.Context, q Querier) context.Context {
	if q == nil {
		return ctx
	}
	return context.WithValue(ctx, querierKey{}, q)
}

// QuerierFrom returns the querier attached by WithQuerier.
func QuerierFrom(ctx context.Context) (Querier, bool) {
	q, ok := ctx.Value(querierKey{}).(Querier)
	return q, ok
}

// SQL runs the view definition as a query and stores the rows as a JSON
// array of objects keyed by column name. The query runs on the querier
// carried by the context when there is one, else on db.
type SQL struct {
	db Querier
}

// NewSQL returns a SQL recomputer. db may be nil when every call carries a
// querier in its context.
func NewSQL(db Querier) *SQL {
	return &SQL{db: db}
}

// Recompute implements Recomputer.
func (s *SQL) Recompute(ctx context.Context, v *types.View) ([]byte, error) {
	if v.Definition == "" {
		return nil, errors.New("empty view definition")
	}

	db, ok := QuerierFrom(ctx)
	if !ok {
		db = s.db
	}
	if db == nil {
		return nil, errors.New("no database connection")
	}

	rows, err := db.Query(ctx, v.Definition)
	if err != nil {
		return nil, fmt.Errorf("run view query: %w", err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("read view rows: %w", err)
	}
	if records == nil {
		records = []map[string]any{}
	}
	return json.Marshal(records)
}
