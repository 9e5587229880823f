// Package postgres is the PostgreSQL store driver. Views live in the
// data_view table; each worker session holds one pooled connection.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/viewrefresh/internal/recompute"
	"github.com/ChuLiYu/viewrefresh/internal/store"
	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

const (
	listEligibleSQL = `
SELECT id FROM data_view
WHERE refresh_interval_minutes IS NOT NULL
  AND (last_refreshed_at IS NULL
       OR last_refreshed_at + make_interval(mins => refresh_interval_minutes) <= $1)
ORDER BY id`

	loadSQL = `
SELECT id, name, definition, refresh_interval_minutes, last_refreshed_at, persisted_result
FROM data_view WHERE id = $1`

	saveSQL = `
UPDATE data_view SET last_refreshed_at = $2, persisted_result = $3
WHERE id = $1`

	upsertSQL = `
INSERT INTO data_view (id, name, definition, refresh_interval_minutes)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    definition = EXCLUDED.definition,
    refresh_interval_minutes = EXCLUDED.refresh_interval_minutes`
)

// connectAttempts bounds the startup ping retry.
const connectAttempts = 5

// Store is a pgxpool-backed store.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Open builds a connection pool for dsn and waits until the database answers
// a ping, retrying with exponential backoff. maxConns <= 0 keeps the pgx
// default.
func Open(ctx context.Context, dsn string, maxConns int, log zerolog.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database connection string: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection pool: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, pool.Ping(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(connectAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("database not ready")
		}),
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	log.Info().Int32("max_conns", poolConfig.MaxConns).Msg("database connection pool ready")
	return &Store{pool: pool, log: log}, nil
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// ListEligibleIDs implements store.Store. The staleness rule is evaluated in
// SQL against the caller's now, not the database clock.
func (s *Store) ListEligibleIDs(ctx context.Context, now time.Time) ([]types.ViewID, error) {
	rows, err := s.pool.Query(ctx, listEligibleSQL, now)
	if err != nil {
		return nil, fmt.Errorf("list eligible views: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("list eligible views: %w", err)
	}

	out := make([]types.ViewID, len(ids))
	for i, id := range ids {
		out[i] = types.ViewID(id)
	}
	return out, nil
}

// Session implements store.Store by acquiring a dedicated connection.
func (s *Store) Session(ctx context.Context) (store.Session, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &session{pool: s.pool, conn: conn}, nil
}

// Upsert implements store.Importer. Refresh state of existing rows is kept.
func (s *Store) Upsert(ctx context.Context, views []*types.View) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, v := range views {
		batch.Queue(upsertSQL, int64(v.ID), v.Name, v.Definition, v.RefreshIntervalMinutes)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("import views: %w", err)
	}
	return tx.Commit(ctx)
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.log.Info().Msg("closing database connection pool")
	s.pool.Close()
	return nil
}

var _ recompute.QuerierSource = (*session)(nil)

type session struct {
	pool   *pgxpool.Pool
	conn   *pgxpool.Conn
	closed bool
}

// ready swaps out a connection that was closed underneath the session, which
// pgx does when a query is cancelled by its context.
func (ss *session) ready(ctx context.Context) error {
	if ss.closed {
		return store.ErrClosed
	}
	if ss.conn != nil && !ss.conn.Conn().IsClosed() {
		return nil
	}
	if ss.conn != nil {
		ss.conn.Release()
		ss.conn = nil
	}
	conn, err := ss.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("reacquire connection: %w", err)
	}
	ss.conn = conn
	return nil
}

// Querier implements recompute.QuerierSource so sql views run on the
// worker's own connection.
func (ss *session) Querier() recompute.Querier {
	if ss.conn == nil {
		return nil
	}
	return ss.conn
}

func (ss *session) Load(ctx context.Context, id types.ViewID) (*types.View, error) {
	if err := ss.ready(ctx); err != nil {
		return nil, err
	}

	var (
		v   types.View
		raw int64
	)
	err := ss.conn.QueryRow(ctx, loadSQL, int64(id)).Scan(
		&raw, &v.Name, &v.Definition, &v.RefreshIntervalMinutes, &v.LastRefreshedAt, &v.PersistedResult,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load view %d: %w", id, err)
	}
	v.ID = types.ViewID(raw)
	return &v, nil
}

func (ss *session) Save(ctx context.Context, v *types.View) error {
	if err := ss.ready(ctx); err != nil {
		return err
	}

	// One UPDATE statement keeps both columns consistent.
	tag, err := ss.conn.Exec(ctx, saveSQL, int64(v.ID), v.LastRefreshedAt, v.PersistedResult)
	if err != nil {
		return fmt.Errorf("save view %d: %w", v.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (ss *session) Close() error {
	ss.closed = true
	if ss.conn != nil {
		ss.conn.Release()
		ss.conn = nil
	}
	return nil
}
