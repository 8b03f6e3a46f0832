package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"

	"github.com/trellis-finance/trellis/config"
	redis_db "github.com/trellis-finance/trellis/internal/redis-db"
)

// Cache is the keyed TTL cache used for merged account snapshots. Entries are
// JSON blobs keyed per (operation, client[, page]); DeletePattern implements
// the client-scoped invalidation the allocation surface triggers.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, data interface{}) error
	Delete(ctx context.Context, key string) error
	DeletePattern(ctx context.Context, pattern string) (int, error)
}

func NewCache() (Cache, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	ca, err := newRedisCache([]string{fmt.Sprintf("redis://%s", cfg.Redis.Dns)})
	if err != nil {
		return nil, err
	}
	return ca, nil
}

type RedisCache struct {
	cache  *cache.Cache
	client redis.UniversalClient
}

func newRedisCache(addresses []string) (*RedisCache, error) {
	client, err := redis_db.NewRedisClient(addresses)
	if err != nil {
		return nil, err
	}
	return NewRedisCacheWithClient(client.Client()), nil
}

// NewRedisCacheWithClient builds a cache on an existing client. Tests pass a
// miniredis-backed client here. No local tier: pattern invalidation must be
// authoritative, and a process-local tier would survive a SCAN+DEL.
func NewRedisCacheWithClient(client redis.UniversalClient) *RedisCache {
	c := cache.New(&cache.Options{
		Redis: client,
	})
	return &RedisCache{cache: c, client: client}
}

func (r *RedisCache) Set(ctx context.Context, key string, data interface{}, ttl time.Duration) error {
	return r.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: data,
		TTL:   ttl,
	})
}

// Get decodes the entry at key into data. A cache miss is not an error; data
// is left untouched.
func (r *RedisCache) Get(ctx context.Context, key string, data interface{}) error {
	err := r.cache.Get(ctx, key, &data)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	if err != nil {
		return err
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	return r.cache.Delete(ctx, key)
}

// DeletePattern removes every key matching the glob pattern and reports how
// many were deleted. Used to drop all of a client's snapshot entries,
// paginated or not, in one call.
func (r *RedisCache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var deleted int
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, err
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, err
	}
	return deleted, nil
}
