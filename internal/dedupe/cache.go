// ABOUTME: TTL cache for suppressing duplicate Matrix event processing
// ABOUTME: Used by the bridge to drop events replayed during initial sync

// Package dedupe remembers recently seen event IDs so a sync replay doesn't
// make the bot answer the same message twice.
package dedupe

import (
	"sync"
	"time"
)

// Cache is a thread-safe, size-limited set of recently seen keys. Entries
// expire after the TTL; expired and surplus entries are pruned inline on
// insert, so no background goroutine is needed.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
}

// New creates a cache holding at most maxSize keys for at most ttl each.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// CheckAndMark atomically reports whether key was already seen and marks it
// if not. Returns true for a duplicate, false for a fresh key.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if seenAt, ok := c.seen[key]; ok && now.Sub(seenAt) < c.ttl {
		return true
	}

	if len(c.seen) >= c.maxSize {
		c.prune(now)
	}
	c.seen[key] = now
	return false
}

// prune drops expired entries, then the oldest entries if the cache is
// still at capacity. Must be called with mu held.
func (c *Cache) prune(now time.Time) {
	for key, seenAt := range c.seen {
		if now.Sub(seenAt) >= c.ttl {
			delete(c.seen, key)
		}
	}

	// Still full of live entries: evict oldest first
	for len(c.seen) >= c.maxSize {
		var oldestKey string
		var oldestAt time.Time
		for key, seenAt := range c.seen {
			if oldestKey == "" || seenAt.Before(oldestAt) {
				oldestKey = key
				oldestAt = seenAt
			}
		}
		delete(c.seen, oldestKey)
	}
}

// Len reports the number of live and expired entries currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
