package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestLocal(t *testing.T, config LocalConfig) *LocalTier[string] {
	t.Helper()
	l := NewLocalTier[string](config, nil)
	t.Cleanup(l.Close)
	return l
}

// TestNewLocalTier tests tier creation with various configurations
func TestNewLocalTier(t *testing.T) {
	tests := []struct {
		name   string
		config LocalConfig
		verify func(t *testing.T, l *LocalTier[string])
	}{
		{
			name:   "zero config uses defaults",
			config: LocalConfig{Enabled: true},
			verify: func(t *testing.T, l *LocalTier[string]) {
				if l.config.MaxEntries != 10000 {
					t.Errorf("expected default max entries 10000, got %d", l.config.MaxEntries)
				}
				if len(l.shards) != 16 {
					t.Errorf("expected 16 shards, got %d", len(l.shards))
				}
			},
		},
		{
			name:   "shards never exceed entries",
			config: LocalConfig{Enabled: true, MaxEntries: 4, Shards: 32},
			verify: func(t *testing.T, l *LocalTier[string]) {
				if len(l.shards) != 4 {
					t.Errorf("expected 4 shards, got %d", len(l.shards))
				}
				if l.shards[0].capacity != 1 {
					t.Errorf("expected per-shard capacity 1, got %d", l.shards[0].capacity)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.verify(t, newTestLocal(t, tt.config))
		})
	}
}

// TestLocalTier_PutGet tests basic Put and Get operations
func TestLocalTier_PutGet(t *testing.T) {
	l := newTestLocal(t, LocalConfig{Enabled: true, TTL: time.Hour, RecordStats: true})

	l.Put("media:m1", "first")
	got, ok := l.Get("media:m1")
	if !ok || got != "first" {
		t.Fatalf("Get = %q, %v; want first, true", got, ok)
	}

	l.Put("media:m1", "second")
	got, _ = l.Get("media:m1")
	if got != "second" {
		t.Errorf("expected overwrite, got %q", got)
	}
	if l.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", l.Len())
	}

	if _, ok := l.Get("media:missing"); ok {
		t.Error("expected miss for absent key")
	}

	stats := l.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("expected 2 hits / 1 miss, got %d / %d", stats.Hits, stats.Misses)
	}
}

// TestLocalTier_Disabled tests the feature flag
func TestLocalTier_Disabled(t *testing.T) {
	l := newTestLocal(t, LocalConfig{Enabled: false, TTL: time.Hour})

	l.Put("media:m1", "v")
	if _, ok := l.Get("media:m1"); ok {
		t.Error("disabled tier must always miss")
	}
	if l.Len() != 0 {
		t.Errorf("disabled tier must not store, has %d", l.Len())
	}
	l.Invalidate("media:m1")
}

// TestLocalTier_Eviction tests LRU eviction when a shard is full
func TestLocalTier_Eviction(t *testing.T) {
	l := newTestLocal(t, LocalConfig{Enabled: true, MaxEntries: 3, Shards: 1, TTL: time.Hour})

	l.Put("key1", "data1")
	l.Put("key2", "data2")
	l.Put("key3", "data3")

	// touch key1 so key2 becomes least recently used
	l.Get("key1")
	l.Put("key4", "data4")

	if l.Len() != 3 {
		t.Errorf("expected 3 items after eviction, got %d", l.Len())
	}
	if _, ok := l.Get("key2"); ok {
		t.Error("key2 should have been evicted")
	}
	for _, k := range []string{"key1", "key3", "key4"} {
		if _, ok := l.Get(k); !ok {
			t.Errorf("%s should still exist", k)
		}
	}
	if l.Stats().Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", l.Stats().Evictions)
	}
}

// TestLocalTier_TTLExpiration tests that entries expire regardless of access
func TestLocalTier_TTLExpiration(t *testing.T) {
	l := newTestLocal(t, LocalConfig{Enabled: true, TTL: 50 * time.Millisecond, RecordStats: true})

	l.Put("media:m1", "v")
	if _, ok := l.Get("media:m1"); !ok {
		t.Fatal("item should exist immediately after Put")
	}

	time.Sleep(80 * time.Millisecond)

	if _, ok := l.Get("media:m1"); ok {
		t.Error("item should have expired")
	}
	if l.Stats().Misses != 1 {
		t.Errorf("expected 1 miss from expired item, got %d", l.Stats().Misses)
	}
}

// TestLocalTier_CleanupSweep tests the background expiry sweep
func TestLocalTier_CleanupSweep(t *testing.T) {
	l := newTestLocal(t, LocalConfig{Enabled: true, TTL: 20 * time.Millisecond, CleanupInterval: 10 * time.Millisecond})

	for i := 0; i < 10; i++ {
		l.Put(fmt.Sprintf("media:m%d", i), "v")
	}

	assert.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 10, l.Stats().Evictions)
}

// TestLocalTier_Invalidate tests single and batch invalidation
func TestLocalTier_Invalidate(t *testing.T) {
	l := newTestLocal(t, LocalConfig{Enabled: true, TTL: time.Hour})

	l.Put("a", "1")
	l.Put("b", "2")
	l.Put("c", "3")

	l.Invalidate("a")
	l.Invalidate("never-cached")
	l.InvalidateAll([]string{"b", "also-never-cached"})

	if l.Len() != 1 {
		t.Errorf("expected 1 item left, got %d", l.Len())
	}
	if _, ok := l.Get("c"); !ok {
		t.Error("c should still exist")
	}
}

// TestLocalTier_InvalidateVariants tests eviction of every variant of one entity
func TestLocalTier_InvalidateVariants(t *testing.T) {
	l := newTestLocal(t, LocalConfig{Enabled: true, TTL: time.Hour})

	l.Put("media:m1", "base")
	l.Put("media:m1:webp", "webp")
	l.Put("media:m1:thumb:200", "thumb")
	l.Put("media:m10", "other")

	removed := l.InvalidateVariants("media:m1")
	if removed != 3 {
		t.Errorf("expected 3 removed, got %d", removed)
	}
	if _, ok := l.Get("media:m10"); !ok {
		t.Error("media:m10 only shares a string prefix and must survive")
	}
}

// TestLocalTier_Clear tests Clear operation
func TestLocalTier_Clear(t *testing.T) {
	l := newTestLocal(t, LocalConfig{Enabled: true, TTL: time.Hour})

	for i := 0; i < 10; i++ {
		l.Put(fmt.Sprintf("k%d", i), "v")
	}
	l.Clear()
	if l.Len() != 0 {
		t.Errorf("expected 0 items after clear, got %d", l.Len())
	}
}

// TestLocalTier_ConcurrentAccess tests thread-safety
func TestLocalTier_ConcurrentAccess(t *testing.T) {
	l := newTestLocal(t, LocalConfig{Enabled: true, MaxEntries: 1000, TTL: time.Hour, RecordStats: true})

	var wg sync.WaitGroup
	numGoroutines := 50
	numOps := 100

	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOps; j++ {
				key := fmt.Sprintf("k%d", (id*numOps+j)%2000)
				l.Put(key, "v")
				l.Get(key)
				if j%10 == 0 {
					l.InvalidateVariants(key)
				}
			}
		}(i)
	}
	wg.Wait()

	stats := l.Stats()
	if stats.Size > 1000+int64(len(l.shards)) {
		t.Errorf("size %d exceeds capacity", stats.Size)
	}
	if stats.Hits+stats.Misses != uint64(numGoroutines*numOps) {
		t.Errorf("expected %d lookups, got %d", numGoroutines*numOps, stats.Hits+stats.Misses)
	}
}

// TestLocalTier_Stats tests statistics tracking
func TestLocalTier_Stats(t *testing.T) {
	l := newTestLocal(t, LocalConfig{Enabled: true, MaxEntries: 10, Shards: 1, TTL: time.Hour, RecordStats: true})

	l.Get("nonexistent")
	l.Put("key1", "data")
	l.Get("key1")

	stats := l.Stats()
	if stats.HitRate != 0.5 {
		t.Errorf("expected hit rate 0.5, got %f", stats.HitRate)
	}
	if stats.Size != 1 {
		t.Errorf("expected size 1, got %d", stats.Size)
	}
	if stats.Capacity != 10 {
		t.Errorf("expected capacity 10, got %d", stats.Capacity)
	}
	if stats.Utilization != 0.1 {
		t.Errorf("expected utilization 0.1, got %f", stats.Utilization)
	}

	quiet := newTestLocal(t, LocalConfig{Enabled: true, TTL: time.Hour})
	quiet.Get("x")
	if s := quiet.Stats(); s.Hits != 0 || s.Misses != 0 {
		t.Error("stats must not be recorded when disabled")
	}
}
