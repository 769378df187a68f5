package domain

import (
	"context"
	"time"
)

// Cache is the result cache contract. Entries are opportunistic: a miss is
// always safe and every value can be recomputed.
type Cache interface {
	// Get returns the value and true on a hit.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores a value with expiration. Failures are absorbed.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Cache stage tags.
const (
	StageExtract = "extract"
	StageScore   = "score"
)

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `yaml:"type"`

	// Local LRU settings; the local tier is also the fallback for redis.
	LocalMaxSize int `yaml:"localMaxSize"`

	// Redis settings
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`

	// Per-call timeout for the distributed tier.
	RemoteTimeout time.Duration `yaml:"remoteTimeout"`

	ExtractTTL time.Duration `yaml:"extractTTL"`
	ScoreTTL   time.Duration `yaml:"scoreTTL"`
}
