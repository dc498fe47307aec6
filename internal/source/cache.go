package source

import (
	"sync"
	"time"
)

// cacheEntry holds a fetched bundle and its fetch time.
type cacheEntry struct {
	bundle    *Bundle
	fetchedAt time.Time
}

// bundleCache is a thread-safe in-memory bundle cache with lazy TTL expiry.
// Entries live for the process lifetime only; a refetch overwrites the entry
// wholesale.
type bundleCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

func newBundleCache(ttl time.Duration) *bundleCache {
	return &bundleCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// get returns the cached bundle for a patient. Expired entries are deleted
// and reported as a miss.
func (c *bundleCache) get(patientID string) (*Bundle, bool) {
	c.mu.RLock()
	entry, ok := c.entries[patientID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.fetchedAt) > c.ttl {
		c.mu.Lock()
		delete(c.entries, patientID)
		c.mu.Unlock()
		return nil, false
	}
	return entry.bundle, true
}

func (c *bundleCache) set(patientID string, b *Bundle) {
	c.mu.Lock()
	c.entries[patientID] = cacheEntry{bundle: b, fetchedAt: c.now()}
	c.mu.Unlock()
}

func (c *bundleCache) clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
