// Package dedupe implements a time-windowed idempotency set.
package dedupe

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultTTL is how long a key is remembered.
	DefaultTTL = 12 * time.Hour
	// DefaultCapacity bounds memory; the oldest key is evicted first.
	DefaultCapacity = 100_000
)

// Cache remembers keys for a fixed TTL. Entries are only ever added or
// expired; a repeated key does not refresh its first-seen time.
type Cache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, time.Time]
	ttl     time.Duration
	now     func() time.Time
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithCapacity overrides DefaultCapacity.
func WithCapacity(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			entries, err := lru.New[string, time.Time](n)
			if err == nil {
				c.entries = entries
			}
		}
	}
}

// New creates a cache with the given TTL (DefaultTTL when ttl <= 0).
func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	entries, _ := lru.New[string, time.Time](DefaultCapacity)
	c := &Cache{entries: entries, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsDuplicate purges expired keys, then reports whether key was already
// present. An absent key is recorded as seen now. The check and the insert
// happen under one lock.
func (c *Cache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purgeLocked(now)

	if c.entries.Contains(key) {
		return true
	}
	c.entries.Add(key, now)
	return false
}

// Len returns the number of live keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked(c.now())
	return c.entries.Len()
}

// purgeLocked drops expired keys. Contains never touches recency, so the
// LRU order is insertion order and the scan can stop at the first live key.
func (c *Cache) purgeLocked(now time.Time) {
	for {
		key, seen, ok := c.entries.GetOldest()
		if !ok || now.Sub(seen) < c.ttl {
			return
		}
		c.entries.Remove(key)
	}
}
