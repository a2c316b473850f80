package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS mdfa_cache (
	cache_key  TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
)`

// SQLiteCache persists entries in a SQLite file so conversions survive restarts.
// expires_at holds Unix nanoseconds; zero means no expiry.
type SQLiteCache struct {
	db    *sql.DB
	clock Clock
}

// NewSQLiteCache opens (or creates) the cache database at path. Use ":memory:" in tests.
func NewSQLiteCache(ctx context.Context, path string, clock Clock) (*SQLiteCache, error) {
	if path == "" {
		return nil, errors.New("sqlite cache path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}
	return &SQLiteCache{db: db, clock: clock}, nil
}

// Close releases the database handle.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

// Get implements Cache.
func (c *SQLiteCache) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value   string
		expires int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM mdfa_cache WHERE cache_key = ?`, key,
	).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get: %w", err)
	}
	if expires != 0 && c.clock.Now().UnixNano() >= expires {
		if err := c.Delete(ctx, key); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	return value, true, nil
}

// Set implements Cache.
func (c *SQLiteCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expires int64
	if ttl > 0 {
		expires = c.clock.Now().Add(ttl).UnixNano()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO mdfa_cache (cache_key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expires)
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Delete implements Cache.
func (c *SQLiteCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	query, args, err := sq.Delete("mdfa_cache").Where(sq.Eq{"cache_key": keys}).ToSql()
	if err != nil {
		return fmt.Errorf("build cache delete: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// DeletePrefix implements Cache.
func (c *SQLiteCache) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	query, args, err := sq.Delete("mdfa_cache").
		Where(sq.Expr("substr(cache_key, 1, ?) = ?", utf8.RuneCountInString(prefix), prefix)).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build cache prefix delete: %w", err)
	}
	return c.exec(ctx, query, args...)
}

// Sweep drops expired entries and returns the number removed.
func (c *SQLiteCache) Sweep(ctx context.Context) (int, error) {
	return c.exec(ctx,
		`DELETE FROM mdfa_cache WHERE expires_at != 0 AND expires_at <= ?`,
		c.clock.Now().UnixNano())
}

func (c *SQLiteCache) exec(ctx context.Context, query string, args ...any) (int, error) {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cache exec: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache rows affected: %w", err)
	}
	return int(n), nil
}
