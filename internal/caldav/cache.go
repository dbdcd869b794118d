package caldav

import (
	"sync"
	"time"
)

const defaultDiscoveryTTL = 12 * time.Hour

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// discoveryCache is a TTL map of discovered collection URLs.
// Stale entries are tolerated: a moved calendar self-heals on the next discovery.
type discoveryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

func newDiscoveryCache(ttl time.Duration) *discoveryCache {
	if ttl <= 0 {
		ttl = defaultDiscoveryTTL
	}
	return &discoveryCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *discoveryCache) Get(key string) (string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	if c.now().After(entry.expiresAt) {
		c.Delete(key)
		return "", false
	}
	return entry.value, true
}

func (c *discoveryCache) Set(key, value string) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *discoveryCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
