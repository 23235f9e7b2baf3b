package tiercache

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/objectfs/tiercache/internal/cache"
	"github.com/objectfs/tiercache/internal/circuit"
	"github.com/objectfs/tiercache/internal/config"
	"github.com/objectfs/tiercache/internal/hotkey"
	"github.com/objectfs/tiercache/internal/invalidation"
	"github.com/objectfs/tiercache/internal/metrics"
	"github.com/objectfs/tiercache/internal/singleflight"
	"github.com/objectfs/tiercache/internal/store"
	cerrors "github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/types"
)

// Breaker names, one per guarded resource.
const (
	BreakerDistributed  = "distributed"
	BreakerLock         = "lock"
	BreakerInvalidation = "invalidation"
)

// Service owns the infrastructure shared by every cache of one process: the
// store connection, breakers, hot-key tracker, load coordinator, the
// invalidation bus and the metrics collector.
type Service struct {
	config *config.Configuration
	store  store.Store
	logger *slog.Logger

	breakers    *circuit.Manager
	collector   *metrics.Collector
	tracker     *hotkey.Tracker
	coordinator *singleflight.Coordinator
	publisher   *invalidation.Publisher
	subscriber  *invalidation.Subscriber

	mu     sync.Mutex
	caches map[string]registeredCache
}

type registeredCache struct {
	stats   func() types.TierStatsSnapshot
	loading func(ctx context.Context, key string) bool
	close   func()
}

// NewService validates cfg and builds the shared components over s. source
// feeds the known-hot set; nil disables warm-up. s stays owned by the
// caller.
func NewService(cfg *config.Configuration, s store.Store, source types.RankingSource, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, cerrors.NewError(cerrors.ErrCodeInvalidConfig, "invalid configuration").
			WithComponent("service").
			WithCause(err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	collector, err := metrics.NewCollector(&cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("creating metrics collector: %w", err)
	}

	svc := &Service{
		config:    cfg,
		store:     s,
		logger:    logger,
		collector: collector,
		caches:    make(map[string]registeredCache),
	}

	breakerCfg := cfg.CircuitBreaker
	breakerCfg.OnStateChange = func(name string, from, to circuit.State) {
		collector.RecordBreakerTransition(name, from.String(), to.String())
		logger.Warn("Circuit breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
	}
	breakerCfg.OnFallback = func(name string, _ error) {
		collector.RecordBreakerFallback(name)
	}
	svc.breakers = circuit.NewManager(breakerCfg)

	svc.tracker = hotkey.NewTracker(cfg.HotKey, s,
		svc.breakers.GetBreaker(BreakerDistributed), source, logger, collector)
	svc.coordinator = singleflight.NewCoordinator(cfg.SingleFlight, s,
		svc.breakers.GetBreaker(BreakerLock), cfg.Global.InstanceID, logger, collector)
	svc.publisher = invalidation.NewPublisher(cfg.Invalidation, s,
		svc.breakers.GetBreaker(BreakerInvalidation), logger, collector)
	svc.subscriber = invalidation.NewSubscriber(cfg.Invalidation, s, logger, collector)

	return svc, nil
}

// CacheOption customizes one cache built by NewCache.
type CacheOption[T any] func(*cacheOptions[T])

type cacheOptions[T any] struct {
	local       cache.LocalConfig
	distributed []cache.DistributedOption[T]
}

// WithCodec sets how values are encoded in the distributed tier.
func WithCodec[T any](codec cache.Codec[T]) CacheOption[T] {
	return func(o *cacheOptions[T]) {
		o.distributed = append(o.distributed, cache.WithCodec[T](codec))
	}
}

// WithLocalConfig overrides the local tier settings for this cache.
func WithLocalConfig[T any](local cache.LocalConfig) CacheOption[T] {
	return func(o *cacheOptions[T]) { o.local = local }
}

// NewCache builds an orchestrator for values of type T on svc. Each cache
// has its own tiers under a distinct name; invalidations reach all of them.
func NewCache[T any](svc *Service, name string, opts ...CacheOption[T]) (*Orchestrator[T], error) {
	if name == "" {
		return nil, cerrors.NewError(cerrors.ErrCodeInvalidConfig, "cache name is empty").WithComponent("service")
	}

	o := cacheOptions[T]{local: svc.config.Local}
	for _, opt := range opts {
		opt(&o)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if _, dup := svc.caches[name]; dup {
		return nil, cerrors.NewError(cerrors.ErrCodeInvalidConfig,
			fmt.Sprintf("cache %q already exists", name)).WithComponent("service")
	}

	distCfg := svc.config.Distributed
	distCfg.Namespace += name + ":"

	local := cache.NewLocalTier[T](o.local, svc.collector)
	dist := cache.NewDistributedTier[T](distCfg, svc.store,
		svc.breakers.GetBreaker(BreakerDistributed), svc.logger, o.distributed...)

	orch := NewOrchestrator(Components[T]{
		Name:        name,
		Local:       local,
		Distributed: dist,
		Tracker:     svc.tracker,
		Coordinator: svc.coordinator,
		Publisher:   svc.publisher,
		Metrics:     svc.collector,
		Logger:      svc.logger,
	})

	svc.subscriber.AddEvictor(local)
	svc.caches[name] = registeredCache{stats: orch.Stats, loading: orch.IsLoadInProgress, close: local.Close}
	svc.logger.Info("Cache registered", "cache", name,
		"local_enabled", local.Enabled(), "distributed_enabled", dist.Enabled())
	return orch, nil
}

// Start subscribes to invalidations and starts the known-hot refresh loop.
func (s *Service) Start(ctx context.Context) error {
	if err := s.subscriber.Start(ctx); err != nil {
		return err
	}
	s.tracker.Start(ctx)
	return nil
}

// Close stops background work and releases the local tiers. The store is
// left open.
func (s *Service) Close() error {
	s.tracker.Stop()
	err := s.subscriber.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.caches {
		c.close()
	}
	return err
}

// Health pings the store and reports every open breaker.
func (s *Service) Health(ctx context.Context) error {
	var errs error
	if err := s.store.Ping(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("store: %w", err))
	}
	return multierr.Append(errs, s.breakers.HealthCheck())
}

// Stats returns tier statistics per cache name.
func (s *Service) Stats() map[string]types.TierStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]types.TierStatsSnapshot, len(s.caches))
	for name, c := range s.caches {
		out[name] = c.stats()
	}
	return out
}

// CacheNames lists the registered caches in order.
func (s *Service) CacheNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Diagnose reports the hotness of key and whether any cache is loading it.
func (s *Service) Diagnose(ctx context.Context, key string) types.KeyDiagnostics {
	s.mu.Lock()
	loaders := make([]func(context.Context, string) bool, 0, len(s.caches))
	for _, c := range s.caches {
		loaders = append(loaders, c.loading)
	}
	s.mu.Unlock()

	return diagnose(ctx, s.tracker, key, func(ctx context.Context, key string) bool {
		for _, loading := range loaders {
			if loading(ctx, key) {
				return true
			}
		}
		return false
	})
}

// KnownHotKeys returns the entity ids in the known-hot set.
func (s *Service) KnownHotKeys(ctx context.Context) []string {
	return s.tracker.GetKnownHotKeys(ctx)
}

// RefreshKnownHotKeys rebuilds the known-hot set now.
func (s *Service) RefreshKnownHotKeys(ctx context.Context) error {
	return s.tracker.RefreshKnownHotKeys(ctx)
}

// BreakerStats returns the state of every breaker.
func (s *Service) BreakerStats() map[string]circuit.CircuitBreakerStats {
	return s.breakers.GetStats()
}

// Breaker returns the named breaker.
func (s *Service) Breaker(name string) *circuit.CircuitBreaker {
	return s.breakers.GetBreaker(name)
}

// MetricsHandler serves the Prometheus registry.
func (s *Service) MetricsHandler() http.Handler {
	return s.collector.Handler()
}

// Metrics returns the collector every component reports to.
func (s *Service) Metrics() *metrics.Collector {
	return s.collector
}
