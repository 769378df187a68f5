package cache

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		cache.Set(ctx, "key1", []byte("value1"), time.Minute)

		val, ok := cache.Get(ctx, "key1")
		if !ok {
			t.Fatal("expected hit")
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		if val, ok := cache.Get(ctx, "nonexistent"); ok {
			t.Errorf("expected miss, got: %v", val)
		}
	})

	t.Run("ValueIsCopied", func(t *testing.T) {
		orig := []byte{1, 2, 3}
		cache.Set(ctx, "copy", orig, time.Minute)
		orig[0] = 9

		val, _ := cache.Get(ctx, "copy")
		if !bytes.Equal(val, []byte{1, 2, 3}) {
			t.Errorf("stored value aliased caller slice: %v", val)
		}
		val[1] = 9
		again, _ := cache.Get(ctx, "copy")
		if !bytes.Equal(again, []byte{1, 2, 3}) {
			t.Errorf("returned value aliased stored slice: %v", again)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		cache.Set(ctx, "key2", []byte("value2"), time.Minute)
		cache.Delete(ctx, "key2")
		if _, ok := cache.Get(ctx, "key2"); ok {
			t.Error("expected miss after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		now := time.Now()
		c := NewLRUCache(10)
		c.now = func() time.Time { return now }

		c.Set(ctx, "expiring", []byte("temp"), time.Minute)
		if _, ok := c.Get(ctx, "expiring"); !ok {
			t.Error("expected value before expiration")
		}

		now = now.Add(time.Minute)
		if _, ok := c.Get(ctx, "expiring"); ok {
			t.Error("expected miss after expiration")
		}
	})

	t.Run("NonPositiveTTLIgnored", func(t *testing.T) {
		cache.Set(ctx, "zero", []byte("x"), 0)
		if _, ok := cache.Get(ctx, "zero"); ok {
			t.Error("expected zero TTL entry to be skipped")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		small := NewLRUCache(3)
		small.Set(ctx, "a", []byte("1"), time.Minute)
		small.Set(ctx, "b", []byte("2"), time.Minute)
		small.Set(ctx, "c", []byte("3"), time.Minute)

		// Touch "a" so "b" becomes least recently used.
		small.Get(ctx, "a")
		small.Set(ctx, "d", []byte("4"), time.Minute)

		if _, ok := small.Get(ctx, "b"); ok {
			t.Error("expected 'b' to be evicted")
		}
		for _, k := range []string{"a", "c", "d"} {
			if _, ok := small.Get(ctx, k); !ok {
				t.Errorf("expected %q to survive eviction", k)
			}
		}
		if size, capacity := small.Stats(); size != 3 || capacity != 3 {
			t.Errorf("stats = %d/%d", size, capacity)
		}
	})
}

// fakeRemote is an in-memory distributed tier that can be switched off.
type fakeRemote struct {
	mu   sync.Mutex
	data map[string][]byte
	down bool
}

var errDown = errors.New("connection refused")

func newFakeRemote() *fakeRemote { return &fakeRemote{data: map[string][]byte{}} }

func (f *fakeRemote) get(_ context.Context, key string) ([]byte, time.Duration, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, 0, false, errDown
	}
	v, ok := f.data[key]
	return v, time.Minute, ok, nil
}

func (f *fakeRemote) set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errDown
	}
	f.data[key] = value
	return nil
}

func (f *fakeRemote) Ping(context.Context) error {
	if f.down {
		return errDown
	}
	return nil
}

func (f *fakeRemote) Close() error { return nil }

func TestTieredCache(t *testing.T) {
	ctx := context.Background()

	t.Run("WritesThroughBothTiers", func(t *testing.T) {
		remote := newFakeRemote()
		c := NewTieredCache(remote, NewLRUCache(10), 0)
		c.Set(ctx, "k", []byte("v"), time.Minute)

		if string(remote.data["k"]) != "v" {
			t.Error("expected value in distributed tier")
		}
		if v, ok := c.Get(ctx, "k"); !ok || string(v) != "v" {
			t.Errorf("Get = %q, %v", v, ok)
		}
	})

	t.Run("DistributedHitPopulatesLocal", func(t *testing.T) {
		remote := newFakeRemote()
		remote.data["shared"] = []byte("from another process")
		local := NewLRUCache(10)
		c := NewTieredCache(remote, local, 0)

		if v, ok := c.Get(ctx, "shared"); !ok || string(v) != "from another process" {
			t.Fatalf("Get = %q, %v", v, ok)
		}
		if _, ok := local.Get(ctx, "shared"); !ok {
			t.Error("expected local tier to be populated")
		}
	})

	t.Run("FallsBackWhenDistributedTierDown", func(t *testing.T) {
		remote := newFakeRemote()
		remote.down = true
		c := NewTieredCache(remote, NewLRUCache(10), 0)

		c.Set(ctx, "k", []byte("v"), time.Minute)
		if v, ok := c.Get(ctx, "k"); !ok || string(v) != "v" {
			t.Errorf("expected local tier to serve while distributed tier is down, got %q, %v", v, ok)
		}
		if _, ok := c.Get(ctx, "missing"); ok {
			t.Error("expected miss")
		}
		if err := c.Ping(ctx); !errors.Is(err, errDown) {
			t.Errorf("Ping = %v", err)
		}
	})
}

func TestKey(t *testing.T) {
	a := Key(domain.StageExtract, []byte("abc"))
	if a != Key(domain.StageExtract, []byte("abc")) {
		t.Error("key is not stable")
	}
	if a == Key(domain.StageScore, []byte("abc")) {
		t.Error("stage tag must change the key")
	}
	if Key(domain.StageScore, []byte("ab"), []byte("c")) == Key(domain.StageScore, []byte("a"), []byte("bc")) {
		t.Error("part boundaries must change the key")
	}

	x := Canonical(domain.Fields{"b": 1.0, "a": "x"})
	y := Canonical(domain.Fields{"a": "x", "b": 1.0})
	if !bytes.Equal(x, y) {
		t.Errorf("canonical encoding differs: %s vs %s", x, y)
	}
}

func TestGetOrCompute(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(10)
	calls := 0
	compute := func() (domain.RiskScore, error) {
		calls++
		return domain.RiskScore{Bagged: 0.1234567890123, Boosted: 0.3, Ensemble: 1.0 / 3}, nil
	}

	first, hit, err := GetOrCompute(ctx, c, domain.StageScore, "k", time.Minute, compute)
	if err != nil || hit {
		t.Fatalf("first call: hit=%v err=%v", hit, err)
	}
	second, hit, err := GetOrCompute(ctx, c, domain.StageScore, "k", time.Minute, compute)
	if err != nil || !hit {
		t.Fatalf("second call: hit=%v err=%v", hit, err)
	}
	if first != second {
		t.Errorf("cached value differs: %+v vs %+v", first, second)
	}
	if calls != 1 {
		t.Errorf("compute called %d times", calls)
	}

	c.Set(ctx, "corrupt", []byte("{not json"), time.Minute)
	if _, hit, _ := GetOrCompute(ctx, c, domain.StageScore, "corrupt", time.Minute, compute); hit {
		t.Error("corrupt entry must be a miss")
	}

	boom := errors.New("boom")
	_, _, err = GetOrCompute(ctx, c, domain.StageScore, "err", time.Minute, func() (int, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if _, ok := c.Get(ctx, "err"); ok {
		t.Error("errors must not be cached")
	}

	v, hit, err := GetOrCompute(ctx, nil, domain.StageScore, "k", time.Minute, func() (int, error) { return 7, nil })
	if v != 7 || hit || err != nil {
		t.Errorf("nil cache: %v %v %v", v, hit, err)
	}
}

func TestNewCache(t *testing.T) {
	c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 5})
	if err != nil {
		t.Fatalf("New memory: %v", err)
	}
	if _, ok := c.(*LRUCache); !ok {
		t.Errorf("expected *LRUCache, got %T", c)
	}

	if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
		t.Error("expected error for unsupported type")
	}
}
