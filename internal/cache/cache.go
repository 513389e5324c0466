// Package cache provides a generic, process-local, concurrent-read
// single-write TTL cache, generalized from the teacher's
// agentmanager.Manager mutex-guarded map. Every caching layer named in the
// spec (app data, JWT keys, group data, group-user records, parent-ref
// lookups) is one instance of Cache[K, V], parameterized by key/value type
// and by positive/negative TTL.
//
// Stale reads are acceptable by design — invalidation is best-effort on
// mutation, never transactional with the backing store.
package cache

import (
	"sync"
	"time"
)

// entry wraps a cached value with its expiry and whether it represents a
// negative ("known absent") result.
type entry[V any] struct {
	value     V
	negative  bool
	expiresAt time.Time
}

// Cache is a TTL-bounded map safe for concurrent use. PositiveTTL governs
// how long a found value is trusted; NegativeTTL governs how long a miss is
// remembered to avoid repeated lookups against the backing store (e.g. an
// unknown app token, per spec §4.1's negative-caching requirement).
type Cache[K comparable, V any] struct {
	mu          sync.RWMutex
	entries     map[K]entry[V]
	positiveTTL time.Duration
	negativeTTL time.Duration
}

// New creates a Cache with the given positive and negative TTLs.
func New[K comparable, V any](positiveTTL, negativeTTL time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		entries:     make(map[K]entry[V]),
		positiveTTL: positiveTTL,
		negativeTTL: negativeTTL,
	}
}

// Get returns (value, found, negative). found is false if there is no
// entry or it has expired — callers should then query the backing store.
// negative is true if the cached entry records a prior "not found" result.
func (c *Cache[K, V]) Get(key K) (V, bool, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok || time.Now().After(e.expiresAt) {
		return zero, false, false
	}
	return e.value, true, e.negative
}

// Set stores a positive result under key.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, expiresAt: time.Now().Add(c.positiveTTL)}
	c.mu.Unlock()
}

// SetNegative records that key is known not to resolve to anything, for
// NegativeTTL. The zero value of V is returned by Get for such entries.
func (c *Cache[K, V]) SetNegative(key K) {
	c.mu.Lock()
	c.entries[key] = entry[V]{negative: true, expiresAt: time.Now().Add(c.negativeTTL)}
	c.mu.Unlock()
}

// Invalidate removes a single key, used when a mutation makes a cached
// value stale (app token renewal, JWT key rotation, membership change).
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateFunc removes every entry for which match returns true. Used to
// drop all cache slots belonging to one app or group without tracking each
// individual key.
func (c *Cache[K, V]) InvalidateFunc(match func(K) bool) {
	c.mu.Lock()
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// Len reports the current entry count, including expired-but-not-yet-swept
// entries. Intended for metrics.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
