package cache

import (
	"sync"
	"time"
)

// LocalCache 本地内存缓存（L1 缓存）
//
// 特点：
// - 支持 TTL 过期
// - 读取时惰性清理过期条目
// - 容量限制：写满时先清理过期条目，仍然超限则淘汰最早过期的条目
type LocalCache[V any] struct {
	mu      sync.Mutex
	data    map[string]cacheEntry[V]
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - maxSize: 最大缓存条目数，非正值表示不限制
//   - ttl: 默认过期时间
func NewLocalCache[V any](maxSize int, ttl time.Duration) *LocalCache[V] {
	return &LocalCache[V]{
		data:    make(map[string]cacheEntry[V]),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get 获取缓存值
func (c *LocalCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.data, key)
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Set 设置缓存值，ttl 为 0 时使用默认过期时间
func (c *LocalCache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists && c.maxSize > 0 && len(c.data) >= c.maxSize {
		c.evictLocked()
	}
	c.data[key] = cacheEntry[V]{value: value, expiresAt: c.now().Add(ttl)}
}

// Delete 删除缓存值
func (c *LocalCache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// Len 当前条目数（含尚未清理的过期条目）
func (c *LocalCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func (c *LocalCache[V]) evictLocked() {
	now := c.now()
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for key, entry := range c.data {
		if !now.Before(entry.expiresAt) {
			delete(c.data, key)
			continue
		}
		if oldestKey == "" || entry.expiresAt.Before(oldestAt) {
			oldestKey, oldestAt = key, entry.expiresAt
		}
	}
	if len(c.data) >= c.maxSize && oldestKey != "" {
		delete(c.data, oldestKey)
	}
}
