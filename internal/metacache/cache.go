// Package metacache provides a capped TTL cache for group metadata, so the
// socket does not refetch slow-changing but frequently-read records.
package metacache

import (
	"sync"
	"time"
)

const (
	// DefaultTTL keeps entries fresh enough for routing decisions.
	DefaultTTL = 5 * time.Minute
	// DefaultCap bounds memory for accounts in many groups.
	DefaultCap = 256
)

type entry struct {
	value   []byte
	added   time.Time
	expires time.Time
}

// Cache is a bounded map with per-entry expiry. Safe for concurrent use.
type Cache struct {
	ttl time.Duration
	cap int

	mu      sync.Mutex
	entries map[string]entry
}

// New creates a cache. Non-positive ttl or cap fall back to the defaults.
func New(ttl time.Duration, capacity int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Cache{ttl: ttl, cap: capacity, entries: map[string]entry{}}
}

// Get returns the cached value if present and unexpired.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Put stores a value, evicting expired entries first and then the oldest
// entry if the cache is still full.
func (c *Cache) Put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.cap {
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
		if len(c.entries) >= c.cap {
			var oldestKey string
			var oldest time.Time
			for k, e := range c.entries {
				if oldestKey == "" || e.added.Before(oldest) {
					oldestKey, oldest = k, e.added
				}
			}
			delete(c.entries, oldestKey)
		}
	}
	c.entries[key] = entry{value: value, added: now, expires: now.Add(c.ttl)}
}

// Len reports the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
