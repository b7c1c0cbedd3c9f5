package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const cacheOpTimeout = 500 * time.Millisecond

// CachedRepository decorates a Repository with a Redis cache for the hot
// reads: the latest stored timestamp per asset and the latest bar. Writes go
// straight through and refresh the cache; a cache failure is never fatal,
// reads just fall back to the underlying repository.
type CachedRepository struct {
	Repository
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewCachedRepository wraps repo. A nil client returns repo's behavior
// unchanged through the decorator.
func NewCachedRepository(repo Repository, client *redis.Client, ttl time.Duration) *CachedRepository {
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	return &CachedRepository{
		Repository: repo,
		client:     client,
		ttl:        ttl,
		prefix:     "coinsentry:bars:",
	}
}

// UpsertBars writes through to the repository and refreshes the cached
// high-water mark for each touched asset.
func (c *CachedRepository) UpsertBars(ctx context.Context, bars []Bar) (int, error) {
	n, err := c.Repository.UpsertBars(ctx, bars)
	if err != nil {
		return n, err
	}

	if c.client == nil {
		return n, nil
	}

	latest := make(map[AssetID]int64)
	for _, b := range bars {
		if ts, ok := latest[b.Asset]; !ok || b.Timestamp > ts {
			latest[b.Asset] = b.Timestamp
		}
	}

	cacheCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	for asset, ts := range latest {
		if err := c.client.Set(cacheCtx, c.latestKey(asset), ts, c.ttl).Err(); err != nil {
			log.Debug().
				Err(err).
				Str("asset", string(asset)).
				Msg("Failed to refresh latest-timestamp cache")
		}
	}
	return n, nil
}

// LatestTimestamp serves from cache when possible.
func (c *CachedRepository) LatestTimestamp(ctx context.Context, asset AssetID) (int64, bool, error) {
	if c.client != nil {
		cacheCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
		ts, err := c.client.Get(cacheCtx, c.latestKey(asset)).Int64()
		cancel()
		if err == nil {
			return ts, true, nil
		}
		if err != redis.Nil {
			log.Debug().
				Err(err).
				Str("asset", string(asset)).
				Msg("Redis get error - treating as cache miss")
		}
	}

	ts, ok, err := c.Repository.LatestTimestamp(ctx, asset)
	if err != nil || !ok {
		return ts, ok, err
	}

	if c.client != nil {
		cacheCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
		if err := c.client.Set(cacheCtx, c.latestKey(asset), ts, c.ttl).Err(); err != nil {
			log.Debug().Err(err).Msg("Failed to populate latest-timestamp cache")
		}
		cancel()
	}
	return ts, true, nil
}

// CacheLastBar stores the most recent bar for fast alert/strategy lookups.
func (c *CachedRepository) CacheLastBar(ctx context.Context, b Bar) error {
	if c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal bar: %w", err)
	}

	cacheCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	return c.client.Set(cacheCtx, c.lastBarKey(b.Asset), data, c.ttl).Err()
}

// LastBar returns the cached most recent bar for an asset.
func (c *CachedRepository) LastBar(ctx context.Context, asset AssetID) (Bar, bool) {
	if c.client == nil {
		return Bar{}, false
	}

	cacheCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	raw, err := c.client.Get(cacheCtx, c.lastBarKey(asset)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("asset", string(asset)).Msg("Redis get error for last bar")
		}
		return Bar{}, false
	}

	var b Bar
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		log.Warn().Err(err).Str("asset", string(asset)).Msg("Failed to unmarshal cached bar")
		return Bar{}, false
	}
	return b, true
}

// Health pings Redis.
func (c *CachedRepository) Health(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.client.Ping(cacheCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

func (c *CachedRepository) latestKey(asset AssetID) string {
	return c.prefix + "latest:" + string(asset)
}

func (c *CachedRepository) lastBarKey(asset AssetID) string {
	return c.prefix + "lastbar:" + string(asset)
}
