package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestEntry_IsExpired(t *testing.T) {
	stored := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	e := Entry[int]{Value: 1, StoredAt: stored, TTL: 10 * time.Second}

	assert.False(t, e.IsExpired(stored))
	assert.False(t, e.IsExpired(stored.Add(10*time.Second)), "expiry is strictly after the TTL")
	assert.True(t, e.IsExpired(stored.Add(10*time.Second+time.Nanosecond)))
	assert.Equal(t, 3*time.Second, e.Age(stored.Add(3*time.Second)))
}

func TestTTLCache_GetAfterSet(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewWithClock[string, float64](5*time.Second, clock.Now)

	c.Set("BTCUSDT", 50000)

	for i := 0; i < 5; i++ {
		v, ok := c.Get("BTCUSDT")
		require.True(t, ok)
		assert.Equal(t, 50000.0, v)
		clock.Advance(time.Second)
	}

	// 5s elapsed: still valid at exactly the TTL.
	_, ok := c.Get("BTCUSDT")
	assert.True(t, ok)

	clock.Advance(time.Millisecond)
	for i := 0; i < 3; i++ {
		_, ok := c.Get("BTCUSDT")
		assert.False(t, ok, "expired entries stay missing without explicit cleanup")
	}
	assert.Equal(t, 0, c.Len(), "expired entry is evicted lazily on access")
}

func TestTTLCache_SetWithTTLOverridesDefault(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := NewWithClock[string, int](time.Minute, clock.Now)

	c.SetWithTTL("short", 1, time.Second)
	c.Set("long", 2)

	clock.Advance(2 * time.Second)

	_, ok := c.Get("short")
	assert.False(t, ok)
	v, ok := c.Get("long")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestTTLCache_Sweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := NewWithClock[string, int](time.Second, clock.Now)

	c.Set("a", 1)
	c.Set("b", 2)
	clock.Advance(500 * time.Millisecond)
	c.Set("c", 3)
	clock.Advance(600 * time.Millisecond)

	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("c")
	assert.True(t, ok)
}

func TestTTLCache_StatsAndClear(t *testing.T) {
	c := New[string, int](time.Minute)

	c.Set("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
	assert.InDelta(t, 2.0/3.0, stats.HitRatio(), 1e-9)

	c.Clear()
	stats = c.Stats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
	assert.Zero(t, stats.Entries)
	assert.Zero(t, stats.HitRatio())
}

func TestTTLCache_ConcurrentAccess(t *testing.T) {
	c := New[int, int](time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set(j, i)
				c.Get(j)
				if j%10 == 0 {
					c.Delete(j)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 100)
}
