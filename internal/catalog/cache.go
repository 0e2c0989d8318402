package catalog

import (
	"sync"
	"time"
)

type cacheEntry struct {
	titles    []Title
	expiresAt time.Time
}

// listCache holds title list results keyed by query. Expiry is decided by
// the caller's clock.
type listCache struct {
	mu    sync.Mutex
	items map[string]cacheEntry
}

func newListCache() *listCache {
	return &listCache{items: make(map[string]cacheEntry)}
}

func (c *listCache) Get(key string, now time.Time) ([]Title, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if now.After(entry.expiresAt) {
		delete(c.items, key)
		return nil, false
	}
	out := make([]Title, len(entry.titles))
	copy(out, entry.titles)
	return out, true
}

func (c *listCache) Set(key string, titles []Title, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		return
	}
	out := make([]Title, len(titles))
	copy(out, titles)
	c.mu.Lock()
	c.items[key] = cacheEntry{titles: out, expiresAt: now.Add(ttl)}
	c.mu.Unlock()
}

func (c *listCache) Clear() {
	c.mu.Lock()
	c.items = make(map[string]cacheEntry)
	c.mu.Unlock()
}
