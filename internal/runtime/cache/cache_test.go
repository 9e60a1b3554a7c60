package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestPutGet(t *testing.T) {
	c := New()
	c.Put("k", "v", 0)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestExpiryIsLazy(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))

	c.Put("short", 1, time.Second)
	c.Put("forever", 2, 0)
	clock.Advance(999 * time.Millisecond)

	_, ok := c.Get("short")
	assert.True(t, ok)

	clock.Advance(time.Millisecond)
	assert.Equal(t, 2, c.Len(), "expired entries stay until read or evicted")

	_, ok = c.Get("short")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	v, ok := c.Get("forever")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestGetMissesAfterTTL(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))

	c.Put("k", "v", 100*time.Millisecond)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	clock.Advance(150 * time.Millisecond)
	v, ok = c.Get("k")
	assert.False(t, ok)
	assert.Nil(t, v)
}

func TestNegativeTTLNeverExpires(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))
	c.Put("k", "v", -time.Second)
	clock.Advance(24 * time.Hour)

	_, ok := c.Get("k")
	assert.True(t, ok)
}

func TestEvictExpired(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))
	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprintf("ttl-%d", i), i, time.Minute)
	}
	c.Put("keep", true, 0)

	assert.Equal(t, 0, c.EvictExpired())
	clock.Advance(time.Minute)
	assert.Equal(t, 5, c.EvictExpired())
	assert.Equal(t, 1, c.Len())
}

func TestRemoveAndClear(t *testing.T) {
	c := New()
	c.Put("a", 1, 0)
	c.Put("b", 2, 0)

	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestGetAs(t *testing.T) {
	c := New()
	c.Put("n", 42, 0)

	n, ok := GetAs[int](c, "n")
	assert.True(t, ok)
	assert.Equal(t, 42, n)

	_, ok = GetAs[string](c, "n")
	assert.False(t, ok)

	_, ok = GetAs[int](c, "missing")
	assert.False(t, ok)
}

func TestGetOrCompute(t *testing.T) {
	c := New()
	calls := 0
	supplier := func(context.Context) (any, error) {
		calls++
		return "computed", nil
	}

	v, err := c.GetOrCompute(context.Background(), "k", 0, supplier)
	require.NoError(t, err)
	assert.Equal(t, "computed", v)

	v, err = c.GetOrCompute(context.Background(), "k", 0, supplier)
	require.NoError(t, err)
	assert.Equal(t, "computed", v)
	assert.Equal(t, 1, calls)
}

func TestGetOrComputeErrorIsNotCached(t *testing.T) {
	c := New()
	boom := errors.New("boom")

	_, err := c.GetOrCompute(context.Background(), "k", 0, func(context.Context) (any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestGetOrComputeSharesConcurrentMisses(t *testing.T) {
	c := New()
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]any, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrCompute(context.Background(), "k", 0, func(context.Context) (any, error) {
				calls.Add(1)
				<-release
				return "once", nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(8))
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
	for _, v := range results {
		assert.Equal(t, "once", v)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k-%d", i%4)
			c.Put(key, i, time.Minute)
			c.Get(key)
			c.EvictExpired()
			c.Remove(key)
		}(i)
	}
	wg.Wait()
}
