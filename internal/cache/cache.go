// Package cache stores derived Markdown artifacts and their bookkeeping keys.
package cache

import (
	"context"
	"time"
)

// Cache is a string key/value store with per-entry TTL and prefix purging.
type Cache interface {
	// Get returns the value and true when the key exists and has not expired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key. A ttl <= 0 stores the entry without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes the given keys; missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key starting with prefix and reports how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
