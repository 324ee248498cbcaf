package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(rps float64, burst int) (*MemoryLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newMemoryLimiter(rps, burst, clock.now), clock
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newTestLimiter(10, 3)
	ctx := context.Background()

	for i := range 3 {
		ok, err := m.Allow(ctx, "project-a")
		require.NoError(t, err)
		assert.True(t, ok, "request %d is within burst", i)
	}
	ok, err := m.Allow(ctx, "project-a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, clock := newTestLimiter(10, 1)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "k")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "k")
	require.False(t, ok)

	clock.advance(100 * time.Millisecond)
	ok, _ = m.Allow(ctx, "k")
	assert.True(t, ok)
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newTestLimiter(1, 1)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "a")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "a")
	require.False(t, ok)

	ok, _ = m.Allow(ctx, "b")
	assert.True(t, ok)
	assert.Equal(t, 2, m.Len())
}

func TestMemoryLimiterEvictsStaleKeys(t *testing.T) {
	m, clock := newTestLimiter(1, 1)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "old")
	clock.advance(staleThreshold + time.Second)
	_, _ = m.Allow(ctx, "fresh")

	m.evictStale()
	assert.Equal(t, 1, m.Len())

	ok, _ := m.Allow(ctx, "old")
	assert.True(t, ok, "an evicted key starts with a full bucket")
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newTestLimiter(1, 50)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				if ok, _ := m.Allow(ctx, "shared"); ok {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), allowed.Load(), "frozen clock admits exactly the burst")
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNewMemoryLimiterClampsBurst(t *testing.T) {
	m, _ := newTestLimiter(1, 0)
	ok, _ := m.Allow(context.Background(), "k")
	assert.True(t, ok)
}
