package limiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gimel-Foundation/ratelimit-gateway/internal/limiter"
)

func TestMemoryStoreCheckAndIncrement(t *testing.T) {
	store := limiter.NewMemoryStore(time.Minute)
	ctx := context.Background()
	rule := limiter.Rule{ID: "mem", Window: time.Minute, MaxRequests: 2}

	_, allowed, err := store.CheckAndIncrement(ctx, "k", rule)
	require.NoError(t, err)
	assert.True(t, allowed)

	_, allowed, err = store.CheckAndIncrement(ctx, "k", rule)
	require.NoError(t, err)
	assert.True(t, allowed)

	_, allowed, err = store.CheckAndIncrement(ctx, "k", rule)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestMemoryStoreRevertAndReset(t *testing.T) {
	store := limiter.NewMemoryStore(time.Minute)
	ctx := context.Background()
	rule := limiter.Rule{ID: "mem-revert", Window: time.Minute, MaxRequests: 1}

	_, allowed, err := store.CheckAndIncrement(ctx, "k", rule)
	require.NoError(t, err)
	require.True(t, allowed)

	require.NoError(t, store.Revert(ctx, "k", rule))
	entry, allowed, err := store.Current(ctx, "k", rule)
	require.NoError(t, err)
	assert.Equal(t, int64(0), entry.Count)
	assert.True(t, allowed)

	_, _, _ = store.CheckAndIncrement(ctx, "k", rule)
	require.NoError(t, store.Reset(ctx, "k"))
	assert.Equal(t, 0, store.Size())
}

func TestMemoryStoreSweeper(t *testing.T) {
	store := limiter.NewMemoryStore(20 * time.Millisecond)
	store.StartSweeper()
	defer store.Close()
	ctx := context.Background()
	rule := limiter.Rule{ID: "mem-sweep", Window: 10 * time.Millisecond, MaxRequests: 5}

	_, _, err := store.CheckAndIncrement(ctx, "k", rule)
	require.NoError(t, err)
	require.Equal(t, 1, store.Size())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, store.Size())
}
