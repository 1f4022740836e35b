package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU_EvictsLeastRecent(t *testing.T) {
	c := New[string, int](2)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	_, ok := c.Get("a")
	assert.False(t, ok, "a should have been evicted")
	assert.True(t, c.Has("b"))
	assert.True(t, c.Has("c"))
}

func TestLRU_SetPromotes(t *testing.T) {
	c := New[string, int](2)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 10) // re-set promotes a; b becomes the eviction victim
	c.Set("c", 3)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 10, v)
	assert.False(t, c.Has("b"))
}

func TestLRU_GetPromotes(t *testing.T) {
	c := New[string, int](2)

	c.Set("a", 1)
	c.Set("b", 2)

	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", 3)

	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("b"))
}

func TestLRU_TTL(t *testing.T) {
	now := time.Unix(0, 0)
	c := New[string, int](10,
		WithEntryTTL(time.Second),
		WithClock(func() time.Time { return now }),
	)

	c.Set("a", 1)

	now = time.Unix(0, int64(500*time.Millisecond))
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	now = time.Unix(0, int64(1500*time.Millisecond))
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry should be lazily purged")
}

func TestLRU_DeleteAndClear(t *testing.T) {
	c := New[string, int](10)

	c.Set("a", 1)
	c.Set("b", 2)

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Has("b"))
}

func TestLRU_Stats(t *testing.T) {
	c := New[string, int](10)
	c.Set("a", 1)

	c.Get("a")
	c.Get("missing")

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}
