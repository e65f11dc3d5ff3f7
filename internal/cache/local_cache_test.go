package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestCache(maxSize int, ttl time.Duration) (*LocalCache[int], *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewLocalCache[int](maxSize, ttl)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestLocalCache_Expiry(t *testing.T) {
	c, now := newTestCache(0, time.Minute)

	c.Set("a", 1, 0)
	c.Set("b", 2, 10*time.Second)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	*now = now.Add(10 * time.Second)
	_, ok = c.Get("b")
	assert.False(t, ok, "到期即失效")

	v, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLocalCache_Capacity(t *testing.T) {
	c, now := newTestCache(2, time.Minute)

	t.Run("淘汰最早过期的条目", func(t *testing.T) {
		c.Set("a", 1, 10*time.Second)
		c.Set("b", 2, 30*time.Second)
		c.Set("c", 3, 0)

		assert.Equal(t, 2, c.Len())
		_, ok := c.Get("a")
		assert.False(t, ok)
		_, ok = c.Get("b")
		assert.True(t, ok)
	})

	t.Run("覆盖已有键不淘汰", func(t *testing.T) {
		c.Set("b", 20, 0)
		assert.Equal(t, 2, c.Len())
		v, _ := c.Get("b")
		assert.Equal(t, 20, v)
	})

	t.Run("优先清理过期条目", func(t *testing.T) {
		*now = now.Add(2 * time.Minute)
		c.Set("d", 4, 0)
		c.Set("e", 5, 0)
		assert.Equal(t, 2, c.Len())
		_, ok := c.Get("d")
		assert.True(t, ok)
	})
}
