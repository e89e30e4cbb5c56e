// Package cache provides a short-TTL read-through cache that collapses
// duplicate fetches within a poll cycle. Concurrent misses for the same key
// trigger the fetch function exactly once (single-flight).
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"issuepilot/pkg/logx"
)

// FetchFunc loads a value on cache miss.
type FetchFunc func(ctx context.Context) (any, error)

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a concurrency-safe read-through cache with per-entry TTLs.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group
	logger  *logx.Logger

	// now is swappable for tests.
	now func() time.Time

	hits   uint64
	misses uint64
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]entry),
		logger:  logx.NewLogger("cache"),
		now:     time.Now,
	}
}

// GetOrFetch returns the cached value for key, or runs fetch and stores its
// result for ttl. Concurrent callers for the same missing key share a
// single fetch. Errors are not cached.
func (c *Cache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (any, error) {
	if v, ok := c.get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: another caller may have filled the
		// entry between the miss and the flight starting. peek keeps the
		// miss already counted by the outer check from doubling.
		if v, ok := c.peek(key); ok {
			return v, nil
		}

		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.set(key, value, ttl)
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// peek looks up a live entry without touching the hit or miss counters.
func (c *Cache) peek(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (c *Cache) get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.now().After(e.expiresAt) {
		c.mu.Lock()
		c.misses++
		if ok && c.now().After(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return e.value, true
}

func (c *Cache) set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry{value: value, expiresAt: c.now().Add(ttl)}

	// Occasional sweep keeps the map from accumulating dead entries in a
	// long-running daemon.
	if len(c.entries)%128 == 0 {
		now := c.now()
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
}

// Invalidate drops the entry for key, forcing a fresh fetch next read.
// Call after a mutation so the same cycle observes its own write.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidatePrefix drops every entry whose key begins with prefix.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// Purge drops all entries.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Len returns the number of live entries (including not-yet-swept expired
// ones).
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}
