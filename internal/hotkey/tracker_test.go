package hotkey

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/tiercache/internal/circuit"
	"github.com/objectfs/tiercache/internal/store"
	"github.com/objectfs/tiercache/pkg/types"
)

// renameFailingStore fails every Rename so the swap step can be exercised.
type renameFailingStore struct {
	*store.MemoryStore
}

func (renameFailingStore) Rename(context.Context, string, string) error {
	return errors.New("READONLY You can't write against a read only replica")
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.KeyPrefix = "hk:"
	return cfg
}

func TestTracker_ThresholdMakesKeyHot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr := NewTracker(testConfig(), store.NewMemoryStore(), nil, nil, nil, nil)

	for i := 0; i < 99; i++ {
		tr.RecordAccess(ctx, "media:m3")
	}
	assert.EqualValues(t, 99, tr.Count(ctx, "media:m3"))
	assert.False(t, tr.IsHotByCounter(ctx, "media:m3"))
	assert.Equal(t, 300*time.Second, tr.GetTTLForKey(ctx, "media:m3", 300*time.Second))

	tr.RecordAccess(ctx, "media:m3")
	assert.True(t, tr.IsHotByCounter(ctx, "media:m3"))
	assert.True(t, tr.IsHotKey(ctx, "media:m3"))
	assert.Equal(t, 900*time.Second, tr.GetTTLForKey(ctx, "media:m3", 300*time.Second))

	assert.False(t, tr.IsHotKey(ctx, "media:m4"), "counters are per key")
}

func TestTracker_CounterResetsWithWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig()
	cfg.Threshold = 2
	cfg.Window = 30 * time.Millisecond
	tr := NewTracker(cfg, store.NewMemoryStore(), nil, nil, nil, nil)

	tr.RecordAccess(ctx, "k")
	tr.RecordAccess(ctx, "k")
	require.True(t, tr.IsHotByCounter(ctx, "k"))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, tr.IsHotByCounter(ctx, "k"))
	assert.Zero(t, tr.Count(ctx, "k"))
}

func TestTracker_ClearCounter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig()
	cfg.Threshold = 1
	tr := NewTracker(cfg, store.NewMemoryStore(), nil, nil, nil, nil)

	tr.RecordAccess(ctx, "media:m1")
	require.True(t, tr.IsHotKey(ctx, "media:m1"))

	tr.ClearCounter(ctx, "media:m1")
	tr.ClearCounter(ctx, "media:never-seen")
	assert.False(t, tr.IsHotKey(ctx, "media:m1"))
}

func TestTracker_RecordAccessAsync(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr := NewTracker(testConfig(), store.NewMemoryStore(), nil, nil, nil, nil)

	for i := 0; i < 10; i++ {
		tr.RecordAccessAsync("media:m1")
	}
	assert.Eventually(t, func() bool { return tr.Count(ctx, "media:m1") == 10 }, time.Second, 5*time.Millisecond)
}

func TestTracker_RefreshKnownHotKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore()
	source := types.StaticRanking{
		types.HorizonToday:   {{ID: "m1", Count: 50}, {ID: "m2", Count: 20}},
		types.HorizonAllTime: {{ID: "m2", Count: 900}, {ID: "m9", Count: 800}, {ID: "", Count: 1}},
	}
	tr := NewTracker(testConfig(), s, nil, source, nil, nil)

	require.NoError(t, tr.RefreshKnownHotKeys(ctx))

	known := tr.GetKnownHotKeys(ctx)
	sort.Strings(known)
	assert.Equal(t, []string{"m1", "m2", "m9"}, known)
	assert.Equal(t, 3, tr.KnownHotSetSize())

	assert.True(t, tr.IsKnownHotKey(ctx, "media:m9"))
	assert.True(t, tr.IsKnownHotKey(ctx, "media:m9:webp"), "variants share their entity's hotness")
	assert.False(t, tr.IsKnownHotKey(ctx, "media:m3"))
	assert.Equal(t, 15*time.Minute, tr.GetTTLForKey(ctx, "media:m1", 5*time.Minute))

	_, found, err := s.Get(ctx, "hk:known")
	require.NoError(t, err)
	assert.False(t, found, "the set is not a plain value")
	assert.Zero(t, s.OpCount("delete"), "a successful swap leaves nothing to clean up")
}

func TestTracker_RefreshReplacesPreviousSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ranking := types.StaticRanking{types.HorizonToday: {{ID: "old"}}}
	var current atomic.Value
	current.Store(ranking)
	source := types.RankingSourceFunc(func(ctx context.Context, h types.Horizon, limit int) ([]types.RankedEntity, error) {
		return current.Load().(types.StaticRanking).TopEntities(ctx, h, limit)
	})
	tr := NewTracker(testConfig(), store.NewMemoryStore(), nil, source, nil, nil)

	require.NoError(t, tr.RefreshKnownHotKeys(ctx))
	current.Store(types.StaticRanking{types.HorizonAllTime: {{ID: "new"}}})
	require.NoError(t, tr.RefreshKnownHotKeys(ctx))

	assert.Equal(t, []string{"new"}, tr.GetKnownHotKeys(ctx))

	current.Store(types.StaticRanking{})
	require.NoError(t, tr.RefreshKnownHotKeys(ctx))
	assert.Empty(t, tr.GetKnownHotKeys(ctx))
	assert.Zero(t, tr.KnownHotSetSize())
}

func TestTracker_FailedSwapKeepsOldSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := store.NewMemoryStore()
	require.NoError(t, mem.SetAdd(ctx, "hk:known", 0, "m1"))

	source := types.StaticRanking{types.HorizonToday: {{ID: "m7"}}}
	tr := NewTracker(testConfig(), renameFailingStore{mem}, nil, source, nil, nil)

	err := tr.RefreshKnownHotKeys(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "swapping")

	assert.Equal(t, []string{"m1"}, tr.GetKnownHotKeys(ctx))
	removed, err := mem.DeleteByPrefix(ctx, "hk:known:tmp:")
	require.NoError(t, err)
	assert.Zero(t, removed, "the temporary set must be discarded")
}

func TestTracker_RankingFailureKeepsOldSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.SetAdd(ctx, "hk:known", 0, "m1"))

	source := types.RankingSourceFunc(func(_ context.Context, h types.Horizon, _ int) ([]types.RankedEntity, error) {
		if h == types.HorizonAllTime {
			return nil, errors.New("analytics timeout")
		}
		return []types.RankedEntity{{ID: "m5"}}, nil
	})
	tr := NewTracker(testConfig(), s, nil, source, nil, nil)

	err := tr.RefreshKnownHotKeys(ctx)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "all-time"))
	assert.Equal(t, []string{"m1"}, tr.GetKnownHotKeys(ctx))
	assert.Zero(t, s.OpCount("sadd")-1, "nothing written after a ranking failure")
}

func TestTracker_WarmupDisabled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.SetAdd(ctx, "hk:known", 0, "m1"))

	cfg := testConfig()
	cfg.WarmupEnabled = false
	cfg.Threshold = 1
	tr := NewTracker(cfg, s, nil, types.StaticRanking{types.HorizonToday: {{ID: "m2"}}}, nil, nil)

	require.NoError(t, tr.RefreshKnownHotKeys(ctx))
	assert.False(t, tr.IsKnownHotKey(ctx, "media:m1"))
	assert.Nil(t, tr.GetKnownHotKeys(ctx))

	tr.RecordAccess(ctx, "media:m1")
	assert.True(t, tr.IsHotKey(ctx, "media:m1"), "the counter signal is unaffected")
}

func TestTracker_StoreFailuresReadAsNotHot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore()
	tr := NewTracker(testConfig(), s, nil, types.StaticRanking{}, nil, nil)

	s.FailWith(errors.New("connection reset"))
	tr.RecordAccess(ctx, "k")
	tr.ClearCounter(ctx, "k")
	assert.Zero(t, tr.Count(ctx, "k"))
	assert.False(t, tr.IsHotKey(ctx, "k"))
	assert.Equal(t, time.Minute, tr.GetTTLForKey(ctx, "k", time.Minute))
	assert.Nil(t, tr.GetKnownHotKeys(ctx))
}

func TestTracker_StartRefreshesImmediatelyAndPeriodically(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	source := types.RankingSourceFunc(func(_ context.Context, h types.Horizon, _ int) ([]types.RankedEntity, error) {
		if h == types.HorizonToday {
			calls.Add(1)
		}
		return []types.RankedEntity{{ID: "m1"}}, nil
	})

	cfg := testConfig()
	cfg.RefreshInterval = 20 * time.Millisecond
	tr := NewTracker(cfg, store.NewMemoryStore(), nil, source, nil, nil)

	tr.Start(context.Background())
	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	tr.Stop()

	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "no refresh after Stop")
	assert.Equal(t, 1, tr.KnownHotSetSize())
}

func TestTracker_OpenBreakerSkipsStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore()
	breaker := circuit.NewCircuitBreaker("distributed", circuit.Config{})
	cfg := testConfig()
	cfg.Threshold = 1
	tr := NewTracker(cfg, s, breaker, types.StaticRanking{types.HorizonToday: {{ID: "m1"}}}, nil, nil)

	breaker.ForceOpen()
	tr.RecordAccess(ctx, "media:m1")
	tr.RecordAccessAsync("media:m1")
	tr.ClearCounter(ctx, "media:m1")
	assert.False(t, tr.IsHotKey(ctx, "media:m1"))
	assert.Equal(t, time.Minute, tr.GetTTLForKey(ctx, "media:m1", time.Minute))
	assert.Nil(t, tr.GetKnownHotKeys(ctx))
	assert.Error(t, tr.RefreshKnownHotKeys(ctx))

	for _, op := range []string{"incr", "getint", "delete", "sismember", "smembers", "sadd", "rename"} {
		assert.Zero(t, s.OpCount(op), "op %s reached the store", op)
	}
	assert.EqualValues(t, 1, tr.DroppedRecords())
	assert.NotZero(t, breaker.Fallbacks())

	breaker.ClearOverride()
	tr.RecordAccess(ctx, "media:m1")
	assert.True(t, tr.IsHotKey(ctx, "media:m1"))
}

// blockingStore holds every increment until release is closed.
type blockingStore struct {
	*store.MemoryStore
	release chan struct{}
}

func (b blockingStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return b.MemoryStore.IncrWithTTL(ctx, key, ttl)
}

func TestTracker_RecordAccessAsyncIsBounded(t *testing.T) {
	t.Parallel()

	s := blockingStore{MemoryStore: store.NewMemoryStore(), release: make(chan struct{})}
	tr := NewTracker(testConfig(), s, nil, nil, nil, nil)

	for i := 0; i < maxAsyncRecords+10; i++ {
		tr.RecordAccessAsync("media:m1")
	}
	assert.EqualValues(t, 10, tr.DroppedRecords())

	close(s.release)
	assert.Eventually(t, func() bool {
		return tr.Count(context.Background(), "media:m1") == maxAsyncRecords
	}, 2*time.Second, 5*time.Millisecond)
}
