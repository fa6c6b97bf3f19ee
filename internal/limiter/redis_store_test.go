package limiter_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gimel-Foundation/ratelimit-gateway/internal/limiter"
)

func newTestRedisStore(t *testing.T) (*limiter.RedisStore, func()) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	store := limiter.NewRedisStore(client)
	return store, func() {
		client.Close()
		s.Close()
	}
}

func TestRedisStoreSlidingWindow(t *testing.T) {
	store, cleanup := newTestRedisStore(t)
	defer cleanup()
	ctx := context.Background()
	rule := limiter.Rule{ID: "sliding", Window: time.Minute, MaxRequests: 3, Algorithm: limiter.Sliding}

	for i := 0; i < 3; i++ {
		entry, allowed, err := store.CheckAndIncrement(ctx, "client-a", rule)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, int64(i+1), entry.Count)
	}

	_, allowed, err := store.CheckAndIncrement(ctx, "client-a", rule)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestRedisStoreFixedWindow(t *testing.T) {
	store, cleanup := newTestRedisStore(t)
	defer cleanup()
	ctx := context.Background()
	rule := limiter.Rule{ID: "fixed", Window: time.Minute, MaxRequests: 2, Algorithm: limiter.Fixed}

	_, allowed, err := store.CheckAndIncrement(ctx, "client-b", rule)
	require.NoError(t, err)
	assert.True(t, allowed)

	_, allowed, err = store.CheckAndIncrement(ctx, "client-b", rule)
	require.NoError(t, err)
	assert.True(t, allowed)

	_, allowed, err = store.CheckAndIncrement(ctx, "client-b", rule)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestRedisStoreRevert(t *testing.T) {
	store, cleanup := newTestRedisStore(t)
	defer cleanup()
	ctx := context.Background()
	rule := limiter.Rule{ID: "revert", Window: time.Minute, MaxRequests: 5, Algorithm: limiter.Sliding}

	entry, allowed, err := store.CheckAndIncrement(ctx, "client-c", rule)
	require.NoError(t, err)
	require.True(t, allowed)
	assert.Equal(t, int64(1), entry.Count)

	require.NoError(t, store.Revert(ctx, "client-c", rule))

	current, _, err := store.Current(ctx, "client-c", rule)
	require.NoError(t, err)
	assert.Equal(t, int64(0), current.Count)
}

func TestRedisStoreResetAndCleanup(t *testing.T) {
	store, cleanup := newTestRedisStore(t)
	defer cleanup()
	ctx := context.Background()
	rule := limiter.Rule{ID: "reset", Window: time.Minute, MaxRequests: 5, Algorithm: limiter.Sliding}

	_, _, err := store.CheckAndIncrement(ctx, "client-d", rule)
	require.NoError(t, err)

	require.NoError(t, store.Reset(ctx, "client-d"))

	current, _, err := store.Current(ctx, "client-d", rule)
	require.NoError(t, err)
	assert.Equal(t, int64(0), current.Count)
}

func TestRedisStoreSlidingWindowConcurrentBurst(t *testing.T) {
	store, cleanup := newTestRedisStore(t)
	defer cleanup()
	rule := limiter.Rule{ID: "burst", Window: time.Second, MaxRequests: 50, Algorithm: limiter.Sliding}

	var wg sync.WaitGroup
	var admitted int64
	for i := 0; i < 110; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, allowed, err := store.CheckAndIncrement(context.Background(), "client-burst", rule)
			if err == nil && allowed {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), admitted)
}

func TestRedisStoreSlidingWindowRollover(t *testing.T) {
	store, cleanup := newTestRedisStore(t)
	defer cleanup()
	ctx := context.Background()
	rule := limiter.Rule{ID: "rollover", Window: 100 * time.Millisecond, MaxRequests: 2, Algorithm: limiter.Sliding}

	for i := 0; i < 2; i++ {
		_, allowed, err := store.CheckAndIncrement(ctx, "client-roll", rule)
		require.NoError(t, err)
		require.True(t, allowed)
	}
	_, allowed, err := store.CheckAndIncrement(ctx, "client-roll", rule)
	require.NoError(t, err)
	require.False(t, allowed)

	time.Sleep(150 * time.Millisecond)

	current, _, err := store.Current(ctx, "client-roll", rule)
	require.NoError(t, err)
	assert.Equal(t, int64(0), current.Count)

	for i := 0; i < 2; i++ {
		_, allowed, err := store.CheckAndIncrement(ctx, "client-roll", rule)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
}
