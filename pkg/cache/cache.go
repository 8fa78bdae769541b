package cache

import (
	"sync"
	"time"
)

// Item represents a cached item with expiration
type Item struct {
	Value      any
	Expiration int64
}

// Expired checks if the cache item has expired at now (unix nanos)
func (item Item) Expired(now int64) bool {
	return item.Expiration > 0 && now > item.Expiration
}

type Options struct {
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	// MaxItems evicts the entry closest to expiry when reached. Zero is unbounded.
	MaxItems int
}

// Cache is a thread-safe in-memory cache with expiration
type Cache struct {
	mu    sync.RWMutex
	items map[string]Item
	opts  Options
	now   func() time.Time
	stop  chan struct{}
	once  sync.Once
}

func New(opts Options) *Cache {
	c := &Cache{
		items: make(map[string]Item),
		opts:  opts,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	if opts.CleanupInterval > 0 {
		go c.janitor(opts.CleanupInterval)
	}
	return c
}

// Set adds an item with the default TTL
func (c *Cache) Set(key string, value any) {
	c.SetWithTTL(key, value, c.opts.DefaultTTL)
}

// SetWithTTL adds an item that expires after ttl; zero never expires
func (c *Cache) SetWithTTL(key string, value any, ttl time.Duration) {
	var exp int64
	if ttl > 0 {
		exp = c.now().Add(ttl).UnixNano()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.opts.MaxItems > 0 && len(c.items) >= c.opts.MaxItems {
		c.evictOldest()
	}
	c.items[key] = Item{Value: value, Expiration: exp}
}

func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, found := c.items[key]
	if !found || item.Expired(c.now().UnixNano()) {
		return nil, false
	}
	return item.Value, true
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Len returns the number of items, including expired ones not yet purged
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the cleanup goroutine
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Cache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) deleteExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UnixNano()
	for k, v := range c.items {
		if v.Expired(now) {
			delete(c.items, k)
		}
	}
}

// evictOldest removes the item closest to expiry; caller holds the lock
func (c *Cache) evictOldest() {
	var (
		oldestKey  string
		oldestTime int64
		first      = true
	)
	for k, v := range c.items {
		if v.Expiration == 0 {
			continue
		}
		if first || v.Expiration < oldestTime {
			oldestKey, oldestTime, first = k, v.Expiration, false
		}
	}
	if first {
		for k := range c.items {
			oldestKey = k
			break
		}
	}
	delete(c.items, oldestKey)
}
