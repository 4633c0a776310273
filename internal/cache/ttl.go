// Package cache provides the time-bounded entries used for the position
// snapshot and the per-symbol price cache.
package cache

import (
	"sync"
	"time"
)

// Entry is a value stamped with the time it was stored and how long it stays valid.
type Entry[V any] struct {
	Value    V
	StoredAt time.Time
	TTL      time.Duration
}

// IsExpired reports whether the entry is older than its TTL at now.
func (e Entry[V]) IsExpired(now time.Time) bool {
	return now.Sub(e.StoredAt) > e.TTL
}

// Age returns how long ago the entry was stored.
func (e Entry[V]) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// Stats summarises cache lookups since creation or the last Clear.
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// HitRatio returns hits / (hits + misses), or 0 with no lookups.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// TTLCache is a mutex-guarded map of expiring entries. Expired entries are
// never returned; they are dropped on the next access or by Sweep.
type TTLCache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]Entry[V]
	ttl     time.Duration
	now     func() time.Time
	hits    int64
	misses  int64
}

// New creates a cache whose Set uses defaultTTL.
func New[K comparable, V any](defaultTTL time.Duration) *TTLCache[K, V] {
	return NewWithClock[K, V](defaultTTL, time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock[K comparable, V any](defaultTTL time.Duration, now func() time.Time) *TTLCache[K, V] {
	if now == nil {
		now = time.Now
	}
	return &TTLCache[K, V]{
		entries: make(map[K]Entry[V]),
		ttl:     defaultTTL,
		now:     now,
	}
}

// Set stores v under key with the default TTL.
func (c *TTLCache[K, V]) Set(key K, v V) {
	c.SetWithTTL(key, v, c.ttl)
}

// SetWithTTL stores v under key with an explicit TTL.
func (c *TTLCache[K, V]) SetWithTTL(key K, v V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = Entry[V]{Value: v, StoredAt: c.now(), TTL: ttl}
}

// Get returns the value for key if present and not expired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok && e.IsExpired(c.now()) {
		delete(c.entries, key)
		ok = false
	}
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return e.Value, true
}

// Delete removes key.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Sweep evicts every expired entry and returns how many were removed.
func (c *TTLCache[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if e.IsExpired(now) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Clear drops every entry and resets the hit/miss counters.
func (c *TTLCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]Entry[V])
	c.hits, c.misses = 0, 0
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the lookup counters.
func (c *TTLCache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries)}
}
