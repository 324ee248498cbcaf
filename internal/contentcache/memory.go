package contentcache

import (
	"context"
	"sync"
	"time"

	"github.com/ashita-ai/kiroku/internal/model"
)

// Memory is an in-process Cache. Each append refreshes the entry's expiry.
// Call Close to stop the background eviction goroutine.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	ttl     time.Duration
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

type memEntry struct {
	messages  []model.ChatMessage
	expiresAt time.Time
}

// NewMemory creates an in-memory cache with the given TTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Memory{
		entries: make(map[string]memEntry),
		ttl:     ttl,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Append adds msg to the span's entry.
func (c *Memory) Append(_ context.Context, spanID string, msg model.ChatMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry := c.entries[spanID]
	if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
		entry.messages = nil
	}
	entry.messages = append(entry.messages, msg)
	entry.expiresAt = now.Add(c.ttl)
	c.entries[spanID] = entry
	return nil
}

// Claim returns and removes the span's messages. Returns nil on miss or expiry.
func (c *Memory) Claim(_ context.Context, spanID string) ([]model.ChatMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[spanID]
	if !ok {
		return nil, nil
	}
	delete(c.entries, spanID)
	if c.now().After(entry.expiresAt) {
		return nil, nil
	}
	return entry.messages, nil
}

// Len returns the number of live and not-yet-evicted entries.
func (c *Memory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the background eviction goroutine.
func (c *Memory) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// evictLoop removes expired entries every minute.
func (c *Memory) evictLoop() {
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

func (c *Memory) evictExpired() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
