package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisCache is a Cache shared by every process pointing at the same Redis.
// Backend failures degrade to cache misses.
type redisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache returns a Cache backed by client. All keys are stored under prefix.
func NewRedisCache(client redis.UniversalClient, prefix string) Cache {
	return &redisCache{client: client, prefix: prefix}
}

// Set stores value under key for ttl.
func (r *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("error storing cache entry in redis")
	}
}

// Get retrieves a value by key.
func (r *redisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("error reading cache entry from redis")
		}

		return nil, false
	}

	return value, true
}

// Delete removes key from the cache.
func (r *redisCache) Delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("error deleting cache entry from redis")
	}
}
