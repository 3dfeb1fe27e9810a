package apikey

import (
	"sync"
	"time"
)

type cacheEntry struct {
	key       Key
	expiresAt time.Time
}

// ttlCache is a small expiring map from plaintext keys to validated
// records. Entries expire lazily on read. Values are stored and returned
// by copy so cached records never alias the service's mutable state.
type ttlCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *ttlCache) Get(plaintext string) (*Key, bool) {
	c.mu.RLock()
	entry, ok := c.entries[plaintext]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, plaintext)
		c.mu.Unlock()
		return nil, false
	}
	k := entry.key
	return &k, true
}

func (c *ttlCache) Set(plaintext string, key *Key) {
	c.mu.Lock()
	c.entries[plaintext] = cacheEntry{
		key:       *key,
		expiresAt: c.now().Add(c.ttl),
	}
	c.mu.Unlock()
}

// DeleteByID drops every cached plaintext that resolved to the given key.
func (c *ttlCache) DeleteByID(id string) {
	c.mu.Lock()
	for plaintext, entry := range c.entries {
		if entry.key.ID.String() == id {
			delete(c.entries, plaintext)
		}
	}
	c.mu.Unlock()
}

func (c *ttlCache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
