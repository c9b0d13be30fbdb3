package ratelimit_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/dispatcher/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCheck_Unlimited(t *testing.T) {
	l := ratelimit.New()

	for i := 0; i < 100; i++ {
		require.NoError(t, l.Check("p", 0))
		require.NoError(t, l.Check("p", -1))
	}
	assert.Equal(t, 0, l.Len(), "unlimited projects must not occupy the cache")
}

func TestCheck_QuotaAndRefill(t *testing.T) {
	clock := newFakeClock()
	l := ratelimit.New(ratelimit.WithClock(clock.Now))

	assert.NoError(t, l.Check("p", 2))
	assert.NoError(t, l.Check("p", 2))
	assert.ErrorIs(t, l.Check("p", 2), ratelimit.ErrRateLimited)

	clock.Advance(10 * time.Second)
	assert.ErrorIs(t, l.Check("p", 2), ratelimit.ErrRateLimited)

	// quota 2/min refills one token every 30s
	clock.Advance(20 * time.Second)
	assert.NoError(t, l.Check("p", 2))
	assert.ErrorIs(t, l.Check("p", 2), ratelimit.ErrRateLimited)
}

func TestCheck_QuotaChangeRecreatesBucket(t *testing.T) {
	clock := newFakeClock()
	l := ratelimit.New(ratelimit.WithClock(clock.Now))

	require.NoError(t, l.Check("p", 1))
	require.ErrorIs(t, l.Check("p", 1), ratelimit.ErrRateLimited)

	assert.NoError(t, l.Check("p", 5), "new quota must get a fresh bucket")
	assert.Equal(t, 1, l.Len())
}

func TestCheck_ProjectsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := ratelimit.New(ratelimit.WithClock(clock.Now))

	require.NoError(t, l.Check("a", 1))
	require.ErrorIs(t, l.Check("a", 1), ratelimit.ErrRateLimited)
	assert.NoError(t, l.Check("b", 1))
}

func TestEviction_LeastRecentlyUsed(t *testing.T) {
	clock := newFakeClock()
	l := ratelimit.New(ratelimit.WithClock(clock.Now), ratelimit.WithCapacity(1000))

	for i := 0; i < 1000; i++ {
		require.NoError(t, l.Check(fmt.Sprintf("tenant-%d", i), 1))
		clock.Advance(time.Millisecond)
	}
	require.Equal(t, 1000, l.Len())

	// touch tenant-0 so tenant-1 becomes the oldest
	require.ErrorIs(t, l.Check("tenant-0", 1), ratelimit.ErrRateLimited)
	clock.Advance(time.Millisecond)

	require.NoError(t, l.Check("tenant-1000", 1))

	assert.Equal(t, 1000, l.Len())
	assert.False(t, l.Contains("tenant-1"), "tenant-1 should have been evicted")
	assert.True(t, l.Contains("tenant-0"))
	assert.True(t, l.Contains("tenant-2"))
	assert.True(t, l.Contains("tenant-1000"))

	// tenant-1 had spent its token; a fresh limiter admits again
	assert.NoError(t, l.Check("tenant-1", 1))
	assert.False(t, l.Contains("tenant-2"), "re-inserting tenant-1 evicts the next oldest")
}

func TestEviction_TieBrokenByProjectID(t *testing.T) {
	clock := newFakeClock()
	l := ratelimit.New(ratelimit.WithClock(clock.Now), ratelimit.WithCapacity(2))

	require.NoError(t, l.Check("b", 10))
	require.NoError(t, l.Check("a", 10))
	require.NoError(t, l.Check("c", 10))

	assert.False(t, l.Contains("a"))
	assert.True(t, l.Contains("b"))
	assert.True(t, l.Contains("c"))
}

func TestRemove(t *testing.T) {
	l := ratelimit.New()

	require.NoError(t, l.Check("p", 3))
	require.True(t, l.Contains("p"))

	l.Remove("p")
	assert.False(t, l.Contains("p"))

	l.Remove("never-seen")
}

func TestCheck_Concurrent(t *testing.T) {
	l := ratelimit.New(ratelimit.WithCapacity(10))

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				err := l.Check(fmt.Sprintf("p-%d", (g+i)%25), 1000)
				if err != nil && !errors.Is(err, ratelimit.ErrRateLimited) {
					t.Errorf("Check() unexpected error = %v", err)
				}
				if err == nil {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Greater(t, admitted, 0)
	assert.LessOrEqual(t, l.Len(), 10+32)
}
