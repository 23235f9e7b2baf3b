// Package invalidation broadcasts written keys to every instance so each
// one evicts its local tier. Delivery is best-effort; the local tier TTL
// bounds staleness when a message is lost.
package invalidation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"

	"github.com/objectfs/tiercache/internal/cache"
	"github.com/objectfs/tiercache/internal/circuit"
	"github.com/objectfs/tiercache/internal/store"
	"github.com/objectfs/tiercache/pkg/types"
)

// Config represents invalidation bus configuration
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Channel string `yaml:"channel"`
}

// DefaultConfig returns the settings used when none are supplied.
func DefaultConfig() Config {
	return Config{Enabled: true, Channel: "tiercache:invalidations"}
}

// Evictor is a local structure that may hold entries of an entity.
type Evictor interface {
	InvalidateVariants(base string) int
}

// Publisher sends invalidation messages.
type Publisher struct {
	config  Config
	store   store.Store
	breaker *circuit.CircuitBreaker
	logger  *slog.Logger
	metrics types.MetricsRecorder
}

// NewPublisher creates a publisher on s guarded by breaker.
func NewPublisher(config Config, s store.Store, breaker *circuit.CircuitBreaker, logger *slog.Logger, metrics types.MetricsRecorder) *Publisher {
	if config.Channel == "" {
		config.Channel = DefaultConfig().Channel
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	return &Publisher{
		config:  config,
		store:   s,
		breaker: breaker,
		logger:  logger.With("component", "invalidation"),
		metrics: metrics,
	}
}

// Publish broadcasts key. Blank keys are ignored. Failures are logged and
// never returned.
func (p *Publisher) Publish(ctx context.Context, key string) {
	if !p.config.Enabled || strings.TrimSpace(key) == "" {
		return
	}

	err := p.breaker.ExecuteWithFallback(func() error {
		return p.store.Publish(ctx, p.config.Channel, key)
	}, func(cause error) error {
		p.logger.Warn("Invalidation broadcast dropped", "key", key, "error", cause)
		return cause
	})
	if err == nil {
		p.metrics.RecordInvalidation("published")
	}
}

// Subscriber applies invalidation messages to local evictors.
type Subscriber struct {
	config   Config
	store    store.Store
	evictors []Evictor
	logger   *slog.Logger
	metrics  types.MetricsRecorder

	mu   sync.Mutex
	sub  store.Subscription
	done chan struct{}

	dropped atomic.Uint64
}

// AddEvictor registers another local structure to evict from.
func (s *Subscriber) AddEvictor(e Evictor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictors = append(s.evictors, e)
}

// NewSubscriber creates a subscriber that evicts from every evictor.
func NewSubscriber(config Config, s store.Store, logger *slog.Logger, metrics types.MetricsRecorder, evictors ...Evictor) *Subscriber {
	if config.Channel == "" {
		config.Channel = DefaultConfig().Channel
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	return &Subscriber{
		config:   config,
		store:    s,
		evictors: evictors,
		logger:   logger.With("component", "invalidation"),
		metrics:  metrics,
	}
}

// Start subscribes to the channel and handles messages until Stop. It is a
// no-op when the bus is disabled.
func (s *Subscriber) Start(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil
	}

	sub, err := s.store.Subscribe(ctx, s.config.Channel)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.config.Channel, err)
	}
	s.sub = sub
	s.done = make(chan struct{})

	go s.loop(sub, s.done)
	s.logger.Info("Listening for invalidations", "channel", s.config.Channel)
	return nil
}

func (s *Subscriber) loop(sub store.Subscription, done chan struct{}) {
	defer close(done)
	var seen uint64
	for payload := range sub.Messages() {
		s.OnMessage(payload)
		seen = s.noteDropped(sub, seen)
	}
}

// noteDropped reports payloads the subscription discarded since seen. The
// affected entries stay cached locally until their TTL runs out.
func (s *Subscriber) noteDropped(sub store.Subscription, seen uint64) uint64 {
	total := sub.Dropped()
	if total <= seen {
		return seen
	}
	delta := total - seen
	s.dropped.Add(delta)
	for range delta {
		s.metrics.RecordInvalidation("dropped")
	}
	s.logger.Warn("Invalidation messages dropped, local entries fall back to TTL", "dropped", delta, "total", total)
	return total
}

// Dropped returns how many invalidations this subscriber never received
// because its buffer was full.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// OnMessage evicts every variant of the entity named by payload from each
// evictor. A panicking evictor is logged and does not stop the others.
func (s *Subscriber) OnMessage(payload string) {
	key := strings.TrimSpace(payload)
	if key == "" {
		return
	}
	s.metrics.RecordInvalidation("received")

	s.mu.Lock()
	evictors := s.evictors
	s.mu.Unlock()

	base := cache.BaseOf(key)
	var wg conc.WaitGroup
	for _, e := range evictors {
		wg.Go(func() {
			if n := e.InvalidateVariants(base); n > 0 {
				s.metrics.RecordEviction("local", n)
			}
		})
	}
	if r := wg.WaitAndRecover(); r != nil {
		s.logger.Error("Local eviction failed", "key", key, "panic", r.Value)
	}
}

// Stop unsubscribes and waits for the handler to drain.
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	sub, done := s.sub, s.done
	s.sub, s.done = nil, nil
	s.mu.Unlock()

	if sub == nil {
		return nil
	}
	err := sub.Close()
	<-done
	return err
}
