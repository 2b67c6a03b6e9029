// Package fetcher downloads remote documents for the crawler, enforcing
// robots policies, per-host politeness and retry rules
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "wxpath:response:"

// RedisCache shares cached responses across processes through a redis
// server, with expiry delegated to redis TTLs.
type RedisCache struct {
	client *redis.Client
	expire time.Duration
}

// NewRedisCache connects to the redis server at addr (host:port).
// expire <= 0 stores entries without a TTL.
func NewRedisCache(addr string, expire time.Duration) (*RedisCache, error) {
	if expire < 0 {
		expire = 0
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connecting response cache %s: %w", addr, err)
	}
	return &RedisCache{client: client, expire: expire}, nil
}

// Get returns the cached entry for key if present.
func (c *RedisCache) Get(ctx context.Context, key string) (*Entry, bool, error) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, err
	}
	return &e, true, nil
}

// Set stores an entry under the cache TTL.
func (c *RedisCache) Set(ctx context.Context, key string, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, redisKeyPrefix+key, raw, c.expire).Err()
}

// Close shuts the client down.
func (c *RedisCache) Close() error { return c.client.Close() }
