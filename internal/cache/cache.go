package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// New creates a cache based on configuration.
// "memory" returns a process-local LRU cache; "redis" returns a TieredCache
// that serves from Redis and falls back to the local LRU when Redis fails.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory", "":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		remote := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := remote.Ping(ctx); err != nil {
			slog.Warn("redis unreachable at startup, serving from local tier until it recovers",
				"addr", cfg.RedisAddr, "error", err)
		}
		return NewTieredCache(remote, NewLRUCache(cfg.LocalMaxSize), cfg.RemoteTimeout), nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TieredCache serves reads from the local tier first, then the distributed
// tier, and writes through to both. Distributed-tier failures are logged and
// counted but never returned: the local tier carries on alone.
type TieredCache struct {
	local   *LRUCache
	remote  remoteStore
	timeout time.Duration
}

// NewTieredCache wraps a distributed tier with a local fallback tier.
func NewTieredCache(remote remoteStore, local *LRUCache, timeout time.Duration) *TieredCache {
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &TieredCache{local: local, remote: remote, timeout: timeout}
}

// Get checks the local tier, then the distributed tier. A distributed hit
// is copied into the local tier for the entry's remaining lifetime.
func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if val, ok := c.local.Get(ctx, key); ok {
		return val, true
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	val, ttl, ok, err := c.remote.get(rctx, key)
	if err != nil {
		c.failover("get", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	c.local.Set(ctx, key, val, ttl)
	return val, true
}

// Set writes to both tiers.
func (c *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	c.local.Set(ctx, key, value, ttl)

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.remote.set(rctx, key, value, ttl); err != nil {
		c.failover("set", err)
	}
}

// Ping reports the distributed tier's health. The cache keeps serving from
// the local tier when it fails.
func (c *TieredCache) Ping(ctx context.Context) error {
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("distributed tier: %w", err)
	}
	return nil
}

// Close closes both tiers.
func (c *TieredCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns local tier statistics.
func (c *TieredCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}

func (c *TieredCache) failover(op string, err error) {
	metrics.CacheFailovers.WithLabelValues(op).Inc()
	slog.Warn("distributed cache unavailable, using local tier", "op", op, "error", err)
}
