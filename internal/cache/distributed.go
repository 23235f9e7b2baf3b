package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/objectfs/tiercache/internal/circuit"
	"github.com/objectfs/tiercache/internal/store"
	"github.com/objectfs/tiercache/internal/ttl"
	"github.com/objectfs/tiercache/pkg/types"
)

// DistributedConfig represents distributed tier configuration
type DistributedConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BaseTTL       time.Duration `yaml:"base_ttl"`
	JitterPercent float64       `yaml:"jitter_percent"`
	Namespace     string        `yaml:"namespace"`
}

// DefaultDistributedConfig returns the settings used when none are supplied.
func DefaultDistributedConfig() DistributedConfig {
	return DistributedConfig{
		Enabled:       true,
		BaseTTL:       5 * time.Minute,
		JitterPercent: ttl.DefaultJitterPercent,
		Namespace:     "tiercache:",
	}
}

// DistributedTier is the shared L2 cache. Every call goes through the
// breaker; when the store is unreachable reads miss and writes are skipped,
// so callers never see a store failure.
type DistributedTier[T any] struct {
	config  DistributedConfig
	store   store.Store
	breaker *circuit.CircuitBreaker
	codec   Codec[T]
	jitter  *ttl.Jitterer
	logger  *slog.Logger

	hits    atomic.Uint64
	misses  atomic.Uint64
	skipped atomic.Uint64
}

// DistributedOption customizes a DistributedTier.
type DistributedOption[T any] func(*DistributedTier[T])

// WithCodec replaces the JSON codec.
func WithCodec[T any](codec Codec[T]) DistributedOption[T] {
	return func(d *DistributedTier[T]) { d.codec = codec }
}

// WithJitterer replaces the random source used for TTL jitter.
func WithJitterer[T any](j *ttl.Jitterer) DistributedOption[T] {
	return func(d *DistributedTier[T]) { d.jitter = j }
}

// NewDistributedTier creates the L2 tier over s guarded by breaker.
func NewDistributedTier[T any](config DistributedConfig, s store.Store, breaker *circuit.CircuitBreaker, logger *slog.Logger, opts ...DistributedOption[T]) *DistributedTier[T] {
	if config.BaseTTL <= 0 {
		config.BaseTTL = DefaultDistributedConfig().BaseTTL
	}
	if config.JitterPercent < 0 {
		config.JitterPercent = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &DistributedTier[T]{
		config:  config,
		store:   s,
		breaker: breaker,
		codec:   JSONCodec[T]{},
		jitter:  ttl.NewJitterer(),
		logger:  logger.With("tier", "distributed"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// BaseTTL returns the configured lifetime before hot-key extension and jitter.
func (d *DistributedTier[T]) BaseTTL() time.Duration {
	return d.config.BaseTTL
}

// Enabled reports whether the tier is in use.
func (d *DistributedTier[T]) Enabled() bool {
	return d.config.Enabled
}

func (d *DistributedTier[T]) storeKey(key string) string {
	return d.config.Namespace + key
}

// Get returns the cached value. Store failures, an open breaker and
// undecodable payloads are all reported as a miss.
func (d *DistributedTier[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T
	if !d.config.Enabled {
		return zero, false
	}

	type result struct {
		data  []byte
		found bool
	}
	res, _ := circuit.Call(d.breaker, func() (result, error) {
		data, found, err := d.store.Get(ctx, d.storeKey(key))
		return result{data, found}, err
	}, func(cause error) (result, error) {
		d.fallback("get", key, cause)
		return result{}, nil
	})
	if !res.found {
		d.misses.Add(1)
		return zero, false
	}

	value, err := d.codec.Decode(res.data)
	if err != nil {
		d.logger.Warn("Discarding undecodable entry", "key", key, "error", err)
		d.misses.Add(1)
		return zero, false
	}
	d.hits.Add(1)
	return value, true
}

// Put stores value with a TTL of ttl jittered by the configured percent.
// A non-positive ttl uses the base TTL.
func (d *DistributedTier[T]) Put(ctx context.Context, key string, value T, entryTTL time.Duration) {
	if !d.config.Enabled {
		return
	}
	if entryTTL <= 0 {
		entryTTL = d.config.BaseTTL
	}

	data, err := d.codec.Encode(value)
	if err != nil {
		d.logger.Warn("Skipping put of unencodable value", "key", key, "error", err)
		return
	}

	effective := d.jitter.WithJitter(entryTTL, d.config.JitterPercent)
	_ = d.breaker.ExecuteWithFallback(func() error {
		return d.store.Set(ctx, d.storeKey(key), data, effective)
	}, d.skip("put", key))
}

// Invalidate deletes key. Deleting an absent key is a no-op.
func (d *DistributedTier[T]) Invalidate(ctx context.Context, key string) {
	d.InvalidateAll(ctx, []string{key})
}

// InvalidateAll deletes every key in one round trip.
func (d *DistributedTier[T]) InvalidateAll(ctx context.Context, keys []string) {
	if !d.config.Enabled || len(keys) == 0 {
		return
	}

	storeKeys := make([]string, len(keys))
	for i, k := range keys {
		storeKeys[i] = d.storeKey(k)
	}
	_ = d.breaker.ExecuteWithFallback(func() error {
		return d.store.Delete(ctx, storeKeys...)
	}, d.skip("invalidate", keys[0]))
}

// ClearNamespace deletes every entry whose key starts with namespace, for
// example one entity type, and returns the number removed.
func (d *DistributedTier[T]) ClearNamespace(ctx context.Context, namespace string) int {
	if !d.config.Enabled {
		return 0
	}

	removed, err := circuit.Call(d.breaker, func() (int, error) {
		return d.store.DeleteByPrefix(ctx, d.storeKey(namespace))
	}, func(cause error) (int, error) {
		d.fallback("clear_namespace", namespace, cause)
		return 0, cause
	})
	if err != nil {
		return 0
	}
	d.logger.Info("Cleared namespace", "namespace", namespace, "removed", removed)
	return removed
}

// Stats returns hit and miss counts. Evictions counts operations skipped
// because the store was unavailable.
func (d *DistributedTier[T]) Stats() types.CacheStats {
	stats := types.CacheStats{
		Hits:      d.hits.Load(),
		Misses:    d.misses.Load(),
		Evictions: d.skipped.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

func (d *DistributedTier[T]) skip(op, key string) func(error) error {
	return func(cause error) error {
		d.fallback(op, key, cause)
		return nil
	}
}

func (d *DistributedTier[T]) fallback(op, key string, cause error) {
	d.skipped.Add(1)
	if circuit.IsRejection(cause) {
		d.logger.Warn("Distributed tier unavailable, skipping", "op", op, "key", key, "breaker", d.breaker.GetState().String())
		return
	}
	d.logger.Warn("Distributed tier call failed, skipping", "op", op, "key", key, "error", cause)
}
