package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// TTLCache is a key-value store where every entry carries its own expiry.
// Expired entries are dropped on read and by a periodic janitor sweep.
type TTLCache[V any] struct {
	items   *gocache.Cache
	maxSize int
	logger  *logrus.Logger
}

// New creates a cache. A positive cleanupInterval starts the janitor sweep;
// maxSize <= 0 disables the size cap.
func New[V any](cleanupInterval time.Duration, maxSize int, logger *logrus.Logger) *TTLCache[V] {
	return &TTLCache[V]{
		items:   gocache.New(gocache.NoExpiration, cleanupInterval),
		maxSize: maxSize,
		logger:  logger,
	}
}

// Get returns the value stored under key if it has not expired
func (c *TTLCache[V]) Get(key string) (V, bool) {
	if val, found := c.items.Get(key); found {
		if v, ok := val.(V); ok {
			return v, true
		}
	}

	// go-cache hides expired items without removing them
	c.items.Delete(key)

	var zero V
	return zero, false
}

// Set stores value under key for ttl, replacing any existing entry.
// It reports false when the entry was not stored.
func (c *TTLCache[V]) Set(key string, value V, ttl time.Duration) bool {
	if ttl <= 0 {
		c.items.Delete(key)
		return false
	}

	if c.maxSize > 0 && c.items.ItemCount() >= c.maxSize {
		if _, exists := c.items.Get(key); !exists {
			c.items.DeleteExpired()
			if c.items.ItemCount() >= c.maxSize {
				c.logger.WithField("max_size", c.maxSize).Warn("Cache size limit reached, entry not cached")
				return false
			}
		}
	}

	c.items.Set(key, value, ttl)
	return true
}

// Delete removes key from the cache
func (c *TTLCache[V]) Delete(key string) {
	c.items.Delete(key)
}

// DeleteExpired removes every expired entry
func (c *TTLCache[V]) DeleteExpired() {
	c.items.DeleteExpired()
}

// Len returns the number of stored entries, including expired ones not yet swept
func (c *TTLCache[V]) Len() int {
	return c.items.ItemCount()
}

// Flush removes all entries
func (c *TTLCache[V]) Flush() {
	c.items.Flush()
	c.logger.Info("Cache cleared")
}
