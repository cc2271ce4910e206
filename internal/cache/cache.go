// Package cache provides a TTL'd in-memory result cache with single-flight
// semantics: concurrent lookups for the same cold key share one producer
// call instead of each hitting the slow upstream.
package cache

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Stats is a snapshot of cache counters.
type Stats struct {
	Size   int   `json:"size"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

type entry[V any] struct {
	value     V
	fetchedAt time.Time
	ttl       time.Duration
}

// Cache maps string keys to values of type V. The zero value is not usable;
// call New.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	group   singleflight.Group
	hits    int64
	misses  int64

	now func() time.Time // injectable clock for tests
}

// New creates an empty cache.
func New[V any]() *Cache[V] {
	return &Cache[V]{
		entries: make(map[string]entry[V]),
		now:     time.Now,
	}
}

// GetOrFetch returns the live cached value for key, or runs producer to
// populate it. An entry older than its TTL is treated as absent and dropped.
// Concurrent callers for the same cold key share a single producer run; a
// producer error propagates to every waiter and is never cached.
func (c *Cache[V]) GetOrFetch(key string, ttl time.Duration, producer func() (V, error)) (V, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if c.now().Sub(e.fetchedAt) < e.ttl {
			c.hits++
			c.mu.Unlock()
			return e.value, nil
		}
		delete(c.entries, key)
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: a previous flight may have populated
		// the entry while this caller was queued behind it.
		c.mu.Lock()
		if e, ok := c.entries[key]; ok && c.now().Sub(e.fetchedAt) < e.ttl {
			c.hits++
			c.mu.Unlock()
			return e.value, nil
		}
		c.misses++
		c.mu.Unlock()

		value, err := producer()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = entry[V]{value: value, fetchedAt: c.now(), ttl: ttl}
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Invalidate drops the entry for key, if any.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Stats returns current size and hit/miss counters. Size counts live
// entries only; expired ones are swept here.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if now.Sub(e.fetchedAt) >= e.ttl {
			delete(c.entries, k)
		}
	}
	return Stats{Size: len(c.entries), Hits: c.hits, Misses: c.misses}
}
