// Package hotkey decides which keys deserve an extended distributed-tier
// lifetime. A key is hot when its access counter reached the threshold in the
// current window or when its entity is in the known-hot set built from the
// ranking source.
package hotkey

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/objectfs/tiercache/internal/cache"
	"github.com/objectfs/tiercache/internal/circuit"
	"github.com/objectfs/tiercache/internal/store"
	"github.com/objectfs/tiercache/internal/ttl"
	"github.com/objectfs/tiercache/pkg/types"
)

// Config represents hotkey tracking configuration
type Config struct {
	Threshold       int64           `yaml:"threshold"`
	Window          time.Duration   `yaml:"window"`
	Multiplier      float64         `yaml:"multiplier"`
	WarmupEnabled   bool            `yaml:"warmup_enabled"`
	RefreshInterval time.Duration   `yaml:"refresh_interval"`
	TopN            int             `yaml:"top_n"`
	Horizons        []types.Horizon `yaml:"horizons"`
	KeyPrefix       string          `yaml:"key_prefix"`
}

// DefaultConfig returns the settings used when none are supplied.
func DefaultConfig() Config {
	return Config{
		Threshold:       100,
		Window:          60 * time.Second,
		Multiplier:      3,
		WarmupEnabled:   true,
		RefreshInterval: 5 * time.Minute,
		TopN:            100,
		Horizons:        []types.Horizon{types.HorizonToday, types.HorizonAllTime},
		KeyPrefix:       "tiercache:hotkey:",
	}
}

const (
	// asyncRecordTimeout bounds a fire-and-forget counter increment.
	asyncRecordTimeout = time.Second

	// maxAsyncRecords caps concurrent fire-and-forget increments; further
	// accesses are not counted until one finishes.
	maxAsyncRecords = 256
)

// Tracker combines the real-time counter with the known-hot set. Every
// method is best-effort: store failures and an open breaker are logged and
// read as "not hot".
type Tracker struct {
	config  Config
	store   store.Store
	breaker *circuit.CircuitBreaker
	source  types.RankingSource
	logger  *slog.Logger
	metrics types.MetricsRecorder

	recording chan struct{}
	dropped   atomic.Uint64

	knownSize  atomic.Int64
	refreshing sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTracker creates a tracker whose store calls go through breaker; a nil
// breaker gets a private one. source may be nil when warm-up is disabled.
func NewTracker(config Config, s store.Store, breaker *circuit.CircuitBreaker, source types.RankingSource, logger *slog.Logger, metrics types.MetricsRecorder) *Tracker {
	defaults := DefaultConfig()
	if config.Threshold <= 0 {
		config.Threshold = defaults.Threshold
	}
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = defaults.RefreshInterval
	}
	if config.TopN <= 0 {
		config.TopN = defaults.TopN
	}
	if len(config.Horizons) == 0 {
		config.Horizons = defaults.Horizons
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if source == nil {
		config.WarmupEnabled = false
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	if breaker == nil {
		breaker = circuit.NewCircuitBreaker("hotkey", circuit.Config{})
	}

	return &Tracker{
		config:    config,
		store:     s,
		breaker:   breaker,
		source:    source,
		logger:    logger.With("component", "hotkey"),
		metrics:   metrics,
		recording: make(chan struct{}, maxAsyncRecords),
		stopCh:    make(chan struct{}),
	}
}

// notHot is the fallback of every read: a failed or rejected lookup counts
// as cold.
func notHot[V any](cause error) (V, error) {
	var zero V
	return zero, cause
}

func (t *Tracker) counterKey(key string) string { return t.config.KeyPrefix + "count:" + key }
func (t *Tracker) knownKey() string             { return t.config.KeyPrefix + "known" }

// RecordAccess increments the access counter of key. The counter expires
// one window after its first increment.
func (t *Tracker) RecordAccess(ctx context.Context, key string) {
	n, err := circuit.Call(t.breaker, func() (int64, error) {
		return t.store.IncrWithTTL(ctx, t.counterKey(key), t.config.Window)
	}, notHot[int64])
	if err != nil {
		t.logger.Debug("Failed to record access", "key", key, "error", err)
		return
	}
	if n == t.config.Threshold {
		t.metrics.RecordHotKeyPromotion()
		t.logger.Debug("Key became hot", "key", key, "count", n, "window", t.config.Window)
	}
}

// RecordAccessAsync records an access without making the caller wait. The
// access is not counted while the breaker is open or when too many records
// are already in flight.
func (t *Tracker) RecordAccessAsync(key string) {
	if t.breaker.GetState() == circuit.StateOpen {
		t.dropped.Add(1)
		return
	}
	select {
	case t.recording <- struct{}{}:
	default:
		t.dropped.Add(1)
		return
	}
	go func() {
		defer func() { <-t.recording }()
		ctx, cancel := context.WithTimeout(context.Background(), asyncRecordTimeout)
		defer cancel()
		t.RecordAccess(ctx, key)
	}()
}

// DroppedRecords returns how many async accesses were not counted.
func (t *Tracker) DroppedRecords() uint64 {
	return t.dropped.Load()
}

// Count returns the accesses recorded for key in the current window.
func (t *Tracker) Count(ctx context.Context, key string) int64 {
	n, err := circuit.Call(t.breaker, func() (int64, error) {
		return t.store.GetInt(ctx, t.counterKey(key))
	}, notHot[int64])
	if err != nil {
		t.logger.Debug("Failed to read access counter", "key", key, "error", err)
		return 0
	}
	return n
}

// IsHotByCounter reports whether key reached the threshold in this window.
func (t *Tracker) IsHotByCounter(ctx context.Context, key string) bool {
	return t.Count(ctx, key) >= t.config.Threshold
}

// IsKnownHotKey reports whether the entity behind key is in the known-hot
// set. Always false when warm-up is disabled.
func (t *Tracker) IsKnownHotKey(ctx context.Context, key string) bool {
	if !t.config.WarmupEnabled {
		return false
	}

	member := key
	if k, err := cache.ParseKey(key); err == nil {
		member = k.ID
	}
	ok, err := circuit.Call(t.breaker, func() (bool, error) {
		return t.store.SetIsMember(ctx, t.knownKey(), member)
	}, notHot[bool])
	if err != nil {
		t.logger.Debug("Failed to check known-hot set", "key", key, "error", err)
		return false
	}
	return ok
}

// IsHotKey reports whether either signal marks key as hot.
func (t *Tracker) IsHotKey(ctx context.Context, key string) bool {
	return t.IsHotByCounter(ctx, key) || t.IsKnownHotKey(ctx, key)
}

// GetTTLForKey extends baseTTL by the multiplier when key is hot. Jitter is
// left to the distributed tier.
func (t *Tracker) GetTTLForKey(ctx context.Context, key string, baseTTL time.Duration) time.Duration {
	if t.IsHotKey(ctx, key) {
		return ttl.ExtendForHotKey(baseTTL, t.config.Multiplier)
	}
	return baseTTL
}

// ClearCounter drops the access counter of key.
func (t *Tracker) ClearCounter(ctx context.Context, key string) {
	err := t.breaker.ExecuteWithFallback(func() error {
		return t.store.Delete(ctx, t.counterKey(key))
	}, func(cause error) error { return cause })
	if err != nil {
		t.logger.Debug("Failed to clear access counter", "key", key, "error", err)
	}
}

// GetKnownHotKeys returns the ids currently in the known-hot set.
func (t *Tracker) GetKnownHotKeys(ctx context.Context) []string {
	if !t.config.WarmupEnabled {
		return nil
	}
	members, err := circuit.Call(t.breaker, func() ([]string, error) {
		return t.store.SetMembers(ctx, t.knownKey())
	}, notHot[[]string])
	if err != nil {
		t.logger.Warn("Failed to read known-hot set", "error", err)
		return nil
	}
	return members
}

// RefreshKnownHotKeys rebuilds the known-hot set from the ranking source.
// The new set is written under a temporary name and renamed over the
// current one; when anything fails the temporary set is dropped and the
// current set stays authoritative.
func (t *Tracker) RefreshKnownHotKeys(ctx context.Context) error {
	if !t.config.WarmupEnabled {
		return nil
	}
	t.refreshing.Lock()
	defer t.refreshing.Unlock()

	ranked := make([][]types.RankedEntity, len(t.config.Horizons))
	g, gctx := errgroup.WithContext(ctx)
	for i, horizon := range t.config.Horizons {
		g.Go(func() error {
			rows, err := t.source.TopEntities(gctx, horizon, t.config.TopN)
			if err != nil {
				return fmt.Errorf("ranking %s: %w", horizon, err)
			}
			ranked[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	seen := make(map[string]struct{})
	ids := make([]string, 0, t.config.TopN*len(ranked))
	for _, rows := range ranked {
		for _, row := range rows {
			if row.ID == "" {
				continue
			}
			if _, dup := seen[row.ID]; !dup {
				seen[row.ID] = struct{}{}
				ids = append(ids, row.ID)
			}
		}
	}

	if len(ids) == 0 {
		if err := t.breaker.Execute(func() error { return t.store.Delete(ctx, t.knownKey()) }); err != nil {
			return fmt.Errorf("clearing known-hot set: %w", err)
		}
		t.publishSize(0)
		return nil
	}

	// the set outlives a few missed refreshes, then lapses instead of
	// pinning a stale ranking forever
	lifetime := 3 * t.config.RefreshInterval
	tmp := fmt.Sprintf("%sknown:tmp:%d", t.config.KeyPrefix, time.Now().UnixNano())
	if err := t.breaker.Execute(func() error { return t.store.SetAdd(ctx, tmp, lifetime, ids...) }); err != nil {
		t.discard(tmp)
		return fmt.Errorf("writing known-hot set: %w", err)
	}
	if err := t.breaker.Execute(func() error { return t.store.Rename(ctx, tmp, t.knownKey()) }); err != nil {
		t.discard(tmp)
		return fmt.Errorf("swapping known-hot set: %w", err)
	}

	t.publishSize(len(ids))
	t.logger.Info("Refreshed known-hot set", "size", len(ids), "horizons", len(t.config.Horizons))
	return nil
}

// KnownHotSetSize returns the size of the last successfully swapped set.
func (t *Tracker) KnownHotSetSize() int {
	return int(t.knownSize.Load())
}

func (t *Tracker) publishSize(n int) {
	t.knownSize.Store(int64(n))
	t.metrics.SetKnownHotSetSize(n)
}

func (t *Tracker) discard(tmp string) {
	ctx, cancel := context.WithTimeout(context.Background(), asyncRecordTimeout)
	defer cancel()
	if err := t.breaker.Execute(func() error { return t.store.Delete(ctx, tmp) }); err != nil {
		t.logger.Warn("Failed to discard temporary known-hot set", "key", tmp, "error", err)
	}
}

// Start refreshes the known-hot set once and then on every refresh
// interval until Stop is called or ctx is done. It is a no-op when warm-up
// is disabled.
func (t *Tracker) Start(ctx context.Context) {
	if !t.config.WarmupEnabled {
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		t.refreshLogged(ctx)

		ticker := time.NewTicker(t.config.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopCh:
				return
			case <-ticker.C:
				t.refreshLogged(ctx)
			}
		}
	}()
}

func (t *Tracker) refreshLogged(ctx context.Context) {
	if err := t.RefreshKnownHotKeys(ctx); err != nil {
		t.logger.Error("Known-hot refresh failed, keeping previous set", "error", err)
	}
}

// Stop ends the refresh loop and waits for it to exit.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}
