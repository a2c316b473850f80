package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type execQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore keeps the counters in a single row of mdfa_stats.
type PostgresStore struct {
	pool execQuerier
}

// NewPostgresStore connects a pool to dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPostgresStoreWithPool(pool execQuerier) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the stats table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS mdfa_stats (
			id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			html_requests BIGINT NOT NULL DEFAULT 0,
			html_tokens_estimated BIGINT NOT NULL DEFAULT 0,
			html_archive_requests BIGINT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ
		);
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create stats table: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context) (Snapshot, error) {
	query := `
		SELECT html_requests, html_tokens_estimated, html_archive_requests, started_at
		FROM mdfa_stats WHERE id = 1;
	`
	var (
		snap    Snapshot
		started *time.Time
	)
	err := s.pool.QueryRow(ctx, query).Scan(&snap.HTMLRequests, &snap.HTMLTokens, &snap.HTMLArchiveRequests, &started)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load stats: %w", err)
	}
	if started != nil {
		snap.StartedAt = *started
	}
	return snap, nil
}

// Add implements Store.
func (s *PostgresStore) Add(ctx context.Context, d Delta, at time.Time) error {
	query := `
		UPDATE mdfa_stats SET
			html_requests = html_requests + $1,
			html_tokens_estimated = html_tokens_estimated + $2,
			html_archive_requests = html_archive_requests + $3,
			started_at = COALESCE(started_at, $4)
		WHERE id = 1;
	`
	res, err := s.pool.Exec(ctx, query, d.Requests, d.Tokens, d.ArchiveRequests, at)
	if err != nil {
		return fmt.Errorf("failed to update stats: %w", err)
	}
	if res.RowsAffected() > 0 {
		return nil
	}

	query = `
		INSERT INTO mdfa_stats (id, html_requests, html_tokens_estimated, html_archive_requests, started_at)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			html_requests = mdfa_stats.html_requests + EXCLUDED.html_requests,
			html_tokens_estimated = mdfa_stats.html_tokens_estimated + EXCLUDED.html_tokens_estimated,
			html_archive_requests = mdfa_stats.html_archive_requests + EXCLUDED.html_archive_requests;
	`
	if _, err := s.pool.Exec(ctx, query, d.Requests, d.Tokens, d.ArchiveRequests, at); err != nil {
		return fmt.Errorf("failed to insert stats: %w", err)
	}
	return nil
}

// Reset implements Store.
func (s *PostgresStore) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM mdfa_stats WHERE id = 1;`); err != nil {
		return fmt.Errorf("failed to reset stats: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
