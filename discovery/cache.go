package discovery

import (
	"sync"
	"time"
)

type cacheEntry struct {
	instances []ServiceInstance
	fetchedAt time.Time
}

// instanceCache keeps the last successful discovery result per service.
// Entries are only replaced, never expired: a stale entry is the fallback
// when the registry cannot be reached.
type instanceCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

func newInstanceCache(ttl time.Duration, now func() time.Time) *instanceCache {
	if now == nil {
		now = time.Now
	}
	return &instanceCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     now,
	}
}

// get returns the entry for service and whether it is still fresh.
func (c *instanceCache) get(service string) (entry cacheEntry, ok, fresh bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok = c.entries[service]
	if !ok {
		return cacheEntry{}, false, false
	}
	return entry, true, c.now().Sub(entry.fetchedAt) < c.ttl
}

func (c *instanceCache) set(service string, instances []ServiceInstance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[service] = cacheEntry{instances: instances, fetchedAt: c.now()}
}

// age returns how old the entry for service is, or -1 when there is none.
func (c *instanceCache) age(service string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[service]
	if !ok {
		return -1
	}
	return c.now().Sub(entry.fetchedAt)
}

func (c *instanceCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
