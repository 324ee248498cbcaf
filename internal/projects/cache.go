package projects

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// keyCache is a short-TTL in-memory map from project key to project id.
// Only positive lookups are cached so a newly created project is usable at once.
type keyCache struct {
	mu      sync.RWMutex
	entries map[string]cachedProject
	ttl     time.Duration
	now     func() time.Time

	closeOnce sync.Once
	done      chan struct{}
}

type cachedProject struct {
	id        uuid.UUID
	expiresAt time.Time
}

func newKeyCache(ttl time.Duration, now func() time.Time) *keyCache {
	return &keyCache{
		entries: make(map[string]cachedProject),
		ttl:     ttl,
		now:     now,
		done:    make(chan struct{}),
	}
}

func (c *keyCache) get(key string) (uuid.UUID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || c.now().After(entry.expiresAt) {
		return uuid.Nil, false
	}
	return entry.id, true
}

func (c *keyCache) set(key string, id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cachedProject{id: id, expiresAt: c.now().Add(c.ttl)}
}

func (c *keyCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *keyCache) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// evictLoop removes expired entries every minute.
func (c *keyCache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *keyCache) evictExpired() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
