package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// remoteStore is the distributed tier. Unlike domain.Cache it reports
// errors so the tiered cache can fail over.
type remoteStore interface {
	// get returns the value and its remaining time to live.
	get(ctx context.Context, key string) ([]byte, time.Duration, bool, error)
	set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}

// RedisCache is the distributed tier backed by Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a Redis client. The connection is established
// lazily; an unreachable server surfaces as errors on individual calls.
func NewRedisCache(addr, password string, db int) *RedisCache {
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisCache{client: client}
}

func (c *RedisCache) get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	k := c.makeKey(key)
	pipe := c.client.Pipeline()
	getCmd := pipe.Get(ctx, k)
	ttlCmd := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, false, nil
		}
		return nil, 0, false, err
	}
	val, err := getCmd.Bytes()
	if err != nil {
		return nil, 0, false, err
	}
	return val, ttlCmd.Val(), true, nil
}

func (c *RedisCache) set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.makeKey(key), value, ttl).Err()
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(key string) string {
	return "kestrel:cache:" + key
}
