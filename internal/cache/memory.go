package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type entry struct {
	value   string
	expires time.Time
}

// MemoryCache keeps entries in-process. Expired entries are dropped lazily on read
// and by Sweep.
type MemoryCache struct {
	mu      sync.RWMutex
	clock   Clock
	entries map[string]entry
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache(clock Clock) *MemoryCache {
	return &MemoryCache{
		clock:   clock,
		entries: make(map[string]entry),
	}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if c.expired(e) {
		c.mu.Lock()
		if cur, still := c.entries[key]; still && c.expired(cur) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return "", false, nil
	}
	return e.value, true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	e := entry{value: value}
	if ttl > 0 {
		e.expires = c.clock.Now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

// Delete implements Cache.
func (c *MemoryCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

// DeletePrefix implements Cache.
func (c *MemoryCache) DeletePrefix(_ context.Context, prefix string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Sweep drops every expired entry and returns the number removed.
func (c *MemoryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *MemoryCache) expired(e entry) bool {
	return !e.expires.IsZero() && !c.clock.Now().Before(e.expires)
}
