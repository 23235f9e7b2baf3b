package tiercache

import (
	"context"
	"log/slog"
	"strings"
	"time"

	xsync "golang.org/x/sync/singleflight"

	"github.com/objectfs/tiercache/internal/cache"
	"github.com/objectfs/tiercache/internal/hotkey"
	"github.com/objectfs/tiercache/internal/invalidation"
	"github.com/objectfs/tiercache/internal/singleflight"
	cerrors "github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/types"
)

// computeTimeout bounds a shared GetOrCompute computation once it no longer
// follows any caller's context.
const computeTimeout = time.Minute

// Loader fetches a value from the source of truth. found=false means the
// value does not exist; that is not an error.
type Loader[T any] func(ctx context.Context) (value T, found bool, err error)

// Supplier computes a derived value that is cheap to recompute.
type Supplier[T any] func(ctx context.Context) (T, error)

// Components are the collaborators an Orchestrator composes. Service fills
// them from configuration; tests may assemble them directly.
type Components[T any] struct {
	Name        string
	Local       *cache.LocalTier[T]
	Distributed *cache.DistributedTier[T]
	Tracker     *hotkey.Tracker
	Coordinator *singleflight.Coordinator
	Publisher   *invalidation.Publisher
	Metrics     types.MetricsRecorder
	Logger      *slog.Logger
}

// Orchestrator is the public read and write contract over both tiers.
type Orchestrator[T any] struct {
	name    string
	local   *cache.LocalTier[T]
	dist    *cache.DistributedTier[T]
	tracker *hotkey.Tracker
	coord   *singleflight.Coordinator
	pub     *invalidation.Publisher
	metrics types.MetricsRecorder
	logger  *slog.Logger

	computes xsync.Group
}

// NewOrchestrator composes c into an orchestrator.
func NewOrchestrator[T any](c Components[T]) *Orchestrator[T] {
	if c.Metrics == nil {
		c.Metrics = types.NopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return &Orchestrator[T]{
		name:    c.Name,
		local:   c.Local,
		dist:    c.Distributed,
		tracker: c.Tracker,
		coord:   c.Coordinator,
		pub:     c.Publisher,
		metrics: c.Metrics,
		logger:  c.Logger.With("cache", c.Name),
	}
}

// Name returns the cache name given at construction.
func (o *Orchestrator[T]) Name() string {
	return o.name
}

func validateKey(op, key string) error {
	if strings.TrimSpace(key) == "" {
		return cerrors.NewError(cerrors.ErrCodeInvalidKey, "key is empty").
			WithComponent("orchestrator").
			WithOperation(op)
	}
	return nil
}

// Get returns the value for key, loading it with loader when both tiers
// miss. At most one loader runs fleet-wide per key; other callers wait for
// its result. A loader error is returned unmodified; a caller that waited
// too long for another instance gets a LOAD_TIMEOUT error.
func (o *Orchestrator[T]) Get(ctx context.Context, key string, loader Loader[T]) (value T, found bool, err error) {
	start := time.Now()
	defer func() { o.metrics.RecordOperation("get", time.Since(start), err) }()

	if err = validateKey("get", key); err != nil {
		return value, false, err
	}

	if v, ok := o.local.Get(key); ok {
		o.metrics.RecordTierHit("local")
		o.logger.Debug("Local hit", "key", key)
		return v, true, nil
	}
	o.metrics.RecordTierMiss("local")
	o.tracker.RecordAccessAsync(key)

	if v, ok := o.dist.Get(ctx, key); ok {
		o.metrics.RecordTierHit("distributed")
		o.logger.Debug("Distributed hit", "key", key)
		o.local.Put(key, v)
		return v, true, nil
	}
	o.metrics.RecordTierMiss("distributed")

	write := func(ctx context.Context, v T) { o.populate(ctx, key, v) }

	// without a shared tier a follower on another instance could never see
	// the leader's value
	if !o.dist.Enabled() {
		value, found, err = loader(ctx)
		if err == nil && found {
			write(ctx, value)
		}
		return value, found, err
	}

	return singleflight.Execute(ctx, o.coord, o.lockName(key),
		singleflight.Loader[T](loader),
		func(ctx context.Context) (T, bool) { return o.peek(ctx, key) },
		write)
}

// lockName scopes the fleet-wide load lock to this cache; caches of
// different names hold different values under the same key.
func (o *Orchestrator[T]) lockName(key string) string {
	if o.name == "" {
		return key
	}
	return o.name + ":" + key
}

// peek reads both tiers without touching the access counter.
func (o *Orchestrator[T]) peek(ctx context.Context, key string) (T, bool) {
	if v, ok := o.local.Get(key); ok {
		return v, true
	}
	v, ok := o.dist.Get(ctx, key)
	if ok {
		o.local.Put(key, v)
	}
	return v, ok
}

// populate writes a loaded value to both tiers. Hot keys get the extended
// distributed lifetime.
func (o *Orchestrator[T]) populate(ctx context.Context, key string, value T) {
	ttl := o.tracker.GetTTLForKey(ctx, key, o.dist.BaseTTL())
	o.dist.Put(ctx, key, value, ttl)
	o.local.Put(key, value)
}

// Put records that key was written to the source of truth with value. Every
// instance drops its stale copy, then both tiers are refilled with value.
func (o *Orchestrator[T]) Put(ctx context.Context, key string, value T) (err error) {
	start := time.Now()
	defer func() { o.metrics.RecordOperation("put", time.Since(start), err) }()

	if err = validateKey("put", key); err != nil {
		return err
	}
	o.invalidate(ctx, key)
	o.populate(ctx, key, value)
	return nil
}

// Invalidate removes key everywhere. Invalidating an absent key is a no-op.
func (o *Orchestrator[T]) Invalidate(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { o.metrics.RecordOperation("invalidate", time.Since(start), err) }()

	if err = validateKey("invalidate", key); err != nil {
		return err
	}
	o.invalidate(ctx, key)
	return nil
}

// InvalidateAll removes every key. Blank keys are skipped.
func (o *Orchestrator[T]) InvalidateAll(ctx context.Context, keys []string) {
	live := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			continue
		}
		live = append(live, k)
		if n := o.local.InvalidateVariants(cache.BaseOf(k)); n > 0 {
			o.metrics.RecordEviction("local", n)
		}
		o.pub.Publish(ctx, k)
	}
	o.dist.InvalidateAll(ctx, live)
	for _, k := range live {
		o.tracker.ClearCounter(ctx, k)
	}
}

// invalidate runs the write path: local eviction, broadcast, distributed
// eviction and counter clear, in that order. Each step swallows its own
// failures so the later steps always run.
func (o *Orchestrator[T]) invalidate(ctx context.Context, key string) {
	if n := o.local.InvalidateVariants(cache.BaseOf(key)); n > 0 {
		o.metrics.RecordEviction("local", n)
	}
	o.pub.Publish(ctx, key)
	o.dist.Invalidate(ctx, key)
	o.tracker.ClearCounter(ctx, key)
}

// GetOrCompute returns the cached value for key or computes it with
// supplier. Concurrent callers in this process share one computation; no
// fleet-wide lock is taken. ttl bounds the distributed lifetime; a
// non-positive ttl uses the base TTL.
func (o *Orchestrator[T]) GetOrCompute(ctx context.Context, key string, ttl time.Duration, supplier Supplier[T]) (value T, err error) {
	start := time.Now()
	defer func() { o.metrics.RecordOperation("get_or_compute", time.Since(start), err) }()

	if err = validateKey("get_or_compute", key); err != nil {
		return value, err
	}

	if v, ok := o.local.Get(key); ok {
		o.metrics.RecordTierHit("local")
		return v, nil
	}
	o.metrics.RecordTierMiss("local")

	if v, ok := o.dist.Get(ctx, key); ok {
		o.metrics.RecordTierHit("distributed")
		o.local.Put(key, v)
		return v, nil
	}
	o.metrics.RecordTierMiss("distributed")

	// the computation is shared, so no single caller's cancellation may end it
	ch := o.computes.DoChan(key, func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), computeTimeout)
		defer cancel()

		v, err := supplier(cctx)
		if err != nil {
			return v, err
		}
		o.dist.Put(cctx, key, v, ttl)
		o.local.Put(key, v)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return value, res.Err
		}
		value, _ = res.Val.(T)
		return value, nil
	case <-ctx.Done():
		return value, ctx.Err()
	}
}

// IsLoadInProgress reports whether some instance holds the load lock for
// key. Diagnostics only.
func (o *Orchestrator[T]) IsLoadInProgress(ctx context.Context, key string) bool {
	return o.coord.IsLoadInProgress(ctx, o.lockName(key))
}

// IsHotKey reports whether key currently gets the extended lifetime.
func (o *Orchestrator[T]) IsHotKey(ctx context.Context, key string) bool {
	return o.tracker.IsHotKey(ctx, key)
}

// GetKnownHotKeys returns the entity ids in the known-hot set.
func (o *Orchestrator[T]) GetKnownHotKeys(ctx context.Context) []string {
	return o.tracker.GetKnownHotKeys(ctx)
}

// Stats returns the counters of both tiers.
func (o *Orchestrator[T]) Stats() types.TierStatsSnapshot {
	return types.TierStatsSnapshot{
		Timestamp:   time.Now(),
		Local:       o.local.Stats(),
		LocalOn:     o.local.Enabled(),
		Distributed: o.dist.Stats(),
	}
}

// Diagnose reports the hotness and lock state of key without changing any
// cache state.
func (o *Orchestrator[T]) Diagnose(ctx context.Context, key string) types.KeyDiagnostics {
	return diagnose(ctx, o.tracker, key, o.IsLoadInProgress)
}

func diagnose(ctx context.Context, tracker *hotkey.Tracker, key string, loading func(context.Context, string) bool) types.KeyDiagnostics {
	byCounter := tracker.IsHotByCounter(ctx, key)
	known := tracker.IsKnownHotKey(ctx, key)
	return types.KeyDiagnostics{
		Key:            key,
		Hot:            byCounter || known,
		HotByCounter:   byCounter,
		KnownHot:       known,
		AccessCount:    tracker.Count(ctx, key),
		LoadInProgress: loading(ctx, key),
	}
}
