package cache

import (
	"sync"
	"time"
)

// entry 带过期时间的缓存条目
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache 泛型 TTL 缓存（市场元数据、价格快照等短期数据）
type Cache[K comparable, V any] struct {
	mu      sync.RWMutex
	items   map[K]entry[V]
	ttl     time.Duration
	stopped chan struct{}
	once    sync.Once
}

// New 创建缓存，ttl 为条目默认存活时间
func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	c := &Cache[K, V]{
		items:   make(map[K]entry[V]),
		ttl:     ttl,
		stopped: make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Get 获取缓存值，过期视为不存在
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set 写入缓存并刷新过期时间
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	c.items[key] = entry[V]{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Delete 删除指定键
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Len 当前条目数（含未被清理的过期条目）
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close 停止后台清理协程
func (c *Cache[K, V]) Close() {
	c.once.Do(func() { close(c.stopped) })
}

// janitor 定期清理过期条目
func (c *Cache[K, V]) janitor() {
	interval := c.ttl
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopped:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.items {
				if now.After(e.expiresAt) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
