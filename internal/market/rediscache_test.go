package market

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCachedRepo(t *testing.T) (*CachedRepository, *MemoryRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	inner := NewMemoryRepository()
	return NewCachedRepository(inner, client, time.Minute), inner, mr
}

func TestCachedUpsertRefreshesLatestTimestamp(t *testing.T) {
	cached, _, _ := setupCachedRepo(t)
	ctx := context.Background()

	_, err := cached.UpsertBars(ctx, []Bar{goodBar(1000), goodBar(3000)})
	require.NoError(t, err)

	ts, ok, err := cached.LatestTimestamp(ctx, "bitcoin")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3000), ts)
}

func TestCachedLatestTimestampFallsBackOnMiss(t *testing.T) {
	cached, inner, mr := setupCachedRepo(t)
	ctx := context.Background()

	// Write only to the inner repository so the cache starts cold.
	_, err := inner.UpsertBars(ctx, []Bar{goodBar(7000)})
	require.NoError(t, err)
	mr.FlushAll()

	ts, ok, err := cached.LatestTimestamp(ctx, "bitcoin")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(7000), ts)

	// The miss populated the cache.
	mr.CheckGet(t, "coinsentry:bars:latest:bitcoin", "7000")
}

func TestCachedLastBarRoundTrip(t *testing.T) {
	cached, _, _ := setupCachedRepo(t)
	ctx := context.Background()

	b := goodBar(42_000)
	require.NoError(t, cached.CacheLastBar(ctx, b))

	got, ok := cached.LastBar(ctx, "bitcoin")
	require.True(t, ok)
	assert.Equal(t, b, got)

	_, ok = cached.LastBar(ctx, "ethereum")
	assert.False(t, ok)
}

func TestCachedHealth(t *testing.T) {
	cached, _, mr := setupCachedRepo(t)
	require.NoError(t, cached.Health(context.Background()))

	mr.Close()
	assert.Error(t, cached.Health(context.Background()))
}
