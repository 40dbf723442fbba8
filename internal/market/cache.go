package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisCache mirrors market snapshots in Redis so restarts and sibling
// processes can warm up without hitting the venue.
type RedisCache struct {
	client   *redis.Client
	cacheTTL time.Duration
}

// NewRedisCache creates a snapshot cache over an existing client.
func NewRedisCache(client *redis.Client, cacheTTL time.Duration) *RedisCache {
	return &RedisCache{
		client:   client,
		cacheTTL: cacheTTL,
	}
}

func snapshotKey(symbol string) string {
	return fmt.Sprintf("market:snapshot:%s", symbol)
}

// GetSnapshot returns a cached snapshot, or false on miss.
func (c *RedisCache) GetSnapshot(ctx context.Context, symbol string) (*Snapshot, bool) {
	cacheKey := snapshotKey(symbol)

	cached, err := c.client.Get(ctx, cacheKey).Result()
	if err == nil {
		var snap Snapshot
		if err := json.Unmarshal([]byte(cached), &snap); err == nil {
			log.Debug().
				Str("symbol", symbol).
				Str("cache_key", cacheKey).
				Msg("Cache hit for market snapshot")
			return &snap, true
		}
		log.Warn().Err(err).Msg("Failed to unmarshal cached snapshot, fetching fresh")
	} else if err != redis.Nil {
		log.Warn().Err(err).Msg("Redis error during cache lookup")
	}
	return nil, false
}

// PutSnapshot stores a snapshot asynchronously; cache write failures
// never block the cycle.
func (c *RedisCache) PutSnapshot(snap *Snapshot) {
	go func() {
		cacheCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		data, err := json.Marshal(snap)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to marshal snapshot for cache")
			return
		}

		if err := c.client.Set(cacheCtx, snapshotKey(snap.Symbol), data, c.cacheTTL).Err(); err != nil {
			log.Warn().Err(err).Msg("Failed to cache market snapshot")
		}
	}()
}

// Health pings Redis.
func (c *RedisCache) Health(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unhealthy: %w", err)
	}
	return nil
}
