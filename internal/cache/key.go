package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Key derives a content-addressed cache key: a SHA-256 over the stage tag
// and the canonical input parts, prefixed with the stage for readability.
func Key(stage string, parts ...[]byte) string {
	h := sha256.New()
	h.Write([]byte(stage))
	for _, p := range parts {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write(p)
	}
	return stage + ":" + hex.EncodeToString(h.Sum(nil))
}

// Canonical encodes v as JSON. Map keys are sorted by encoding/json, so two
// equal field sets always encode to the same bytes.
func Canonical(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// GetOrCompute returns the cached value for key or computes, stores and
// returns it. A corrupt entry is treated as a miss. Compute errors are not
// cached. The boolean reports a cache hit.
func GetOrCompute[T any](ctx context.Context, c domain.Cache, stage, key string, ttl time.Duration, compute func() (T, error)) (T, bool, error) {
	if c != nil {
		if raw, ok := c.Get(ctx, key); ok {
			var v T
			if err := json.Unmarshal(raw, &v); err == nil {
				metrics.CacheLookups.WithLabelValues(stage, "hit").Inc()
				return v, true, nil
			}
			slog.Debug("discarding undecodable cache entry", "stage", stage, "key", key)
		}
		metrics.CacheLookups.WithLabelValues(stage, "miss").Inc()
	}

	v, err := compute()
	if err != nil {
		return v, false, err
	}
	if c != nil {
		if raw, err := json.Marshal(v); err == nil {
			c.Set(ctx, key, raw, ttl)
		}
	}
	return v, false, nil
}
