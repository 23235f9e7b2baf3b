package metrics

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	cerrors "github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/types"
)

// Collector records cache events as Prometheus metrics on a private registry
// and keeps a small per-operation summary for the diagnostics endpoints.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	tierRequests       *prometheus.CounterVec
	evictions          *prometheus.CounterVec
	breakerFallbacks   *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	singleFlight       *prometheus.CounterVec
	invalidations      *prometheus.CounterVec
	hotKeyPromotions   prometheus.Counter
	knownHotSetSize    prometheus.Gauge
	operationCounter   *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	errorCounter       *prometheus.CounterVec

	operations map[string]*OperationMetrics
	lastReset  time.Time
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
	Labels    map[string]string `yaml:"labels"`
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastOperation time.Time     `json:"last_operation"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Namespace: "tiercache",
			Labels:    make(map[string]string),
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	c := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, err
	}
	return c, nil
}

// Registry returns the private registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordTierHit records a hit in tier ("local" or "distributed").
func (c *Collector) RecordTierHit(tier string) {
	if !c.config.Enabled {
		return
	}
	c.tierRequests.WithLabelValues(tier, "hit").Inc()
}

// RecordTierMiss records a miss in tier.
func (c *Collector) RecordTierMiss(tier string) {
	if !c.config.Enabled {
		return
	}
	c.tierRequests.WithLabelValues(tier, "miss").Inc()
}

// RecordEviction records n entries removed from tier.
func (c *Collector) RecordEviction(tier string, n int) {
	if !c.config.Enabled || n <= 0 {
		return
	}
	c.evictions.WithLabelValues(tier).Add(float64(n))
}

// RecordBreakerFallback records a call answered by a breaker fallback.
func (c *Collector) RecordBreakerFallback(breaker string) {
	if !c.config.Enabled {
		return
	}
	c.breakerFallbacks.WithLabelValues(breaker).Inc()
}

// RecordBreakerTransition records a breaker state change.
func (c *Collector) RecordBreakerTransition(breaker, from, to string) {
	if !c.config.Enabled {
		return
	}
	c.breakerTransitions.WithLabelValues(breaker, from, to).Inc()
}

// RecordSingleFlight records how a coordinated load was resolved.
func (c *Collector) RecordSingleFlight(outcome string) {
	if !c.config.Enabled {
		return
	}
	c.singleFlight.WithLabelValues(outcome).Inc()
}

// RecordInvalidation records a published or received invalidation.
func (c *Collector) RecordInvalidation(direction string) {
	if !c.config.Enabled {
		return
	}
	c.invalidations.WithLabelValues(direction).Inc()
}

// RecordHotKeyPromotion records a key crossing the hot threshold.
func (c *Collector) RecordHotKeyPromotion() {
	if !c.config.Enabled {
		return
	}
	c.hotKeyPromotions.Inc()
}

// SetKnownHotSetSize publishes the size of the known-hot set.
func (c *Collector) SetKnownHotSetSize(n int) {
	if !c.config.Enabled {
		return
	}
	c.knownHotSetSize.Set(float64(n))
}

// RecordOperation records an operation with its metrics
func (c *Collector) RecordOperation(operation string, duration time.Duration, err error) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	m, ok := c.operations[operation]
	if !ok {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.LastOperation = time.Now()
	if err != nil {
		m.Errors++
	}
	c.mu.Unlock()

	status := "success"
	if err != nil {
		status = "error"
		c.errorCounter.WithLabelValues(operation, classifyError(err)).Inc()
	}
	c.operationCounter.WithLabelValues(operation, status).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// GetMetrics returns a copy of the per-operation summary.
func (c *Collector) GetMetrics() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// Uptime returns the time since the summary was last reset.
func (c *Collector) Uptime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastReset)
}

// ResetMetrics resets the per-operation summary. Prometheus counters are
// monotonic and are left alone.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: c.config.Labels,
	}, labels)
}

func (c *Collector) initMetrics() {
	c.tierRequests = c.counterVec("tier_requests_total", "Cache lookups by tier and result", "tier", "result")
	c.evictions = c.counterVec("evictions_total", "Entries removed from a tier", "tier")
	c.breakerFallbacks = c.counterVec("breaker_fallbacks_total", "Calls answered by a circuit breaker fallback", "breaker")
	c.breakerTransitions = c.counterVec("breaker_transitions_total", "Circuit breaker state changes", "breaker", "from", "to")
	c.singleFlight = c.counterVec("singleflight_total", "Coordinated loads by outcome", "outcome")
	c.invalidations = c.counterVec("invalidations_total", "Invalidation messages by direction", "direction")
	c.operationCounter = c.counterVec("operations_total", "Total number of operations", "operation", "status")
	c.errorCounter = c.counterVec("errors_total", "Total number of errors", "operation", "type")

	c.hotKeyPromotions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        "hotkey_promotions_total",
		Help:        "Keys that reached the hot threshold",
		ConstLabels: c.config.Labels,
	})
	c.knownHotSetSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        "known_hot_set_size",
		Help:        "Entities in the known-hot set",
		ConstLabels: c.config.Labels,
	})
	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        "operation_duration_seconds",
		Help:        "Duration of operations in seconds",
		ConstLabels: c.config.Labels,
		Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 16), // 100us to ~3s
	}, []string{"operation"})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.tierRequests,
		c.evictions,
		c.breakerFallbacks,
		c.breakerTransitions,
		c.singleFlight,
		c.invalidations,
		c.hotKeyPromotions,
		c.knownHotSetSize,
		c.operationCounter,
		c.operationDuration,
		c.errorCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func classifyError(err error) string {
	var ce *cerrors.CacheError
	if errors.As(err, &ce) {
		return strings.ToLower(string(ce.Code))
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return "timeout"
	case strings.Contains(msg, "connection"):
		return "connection"
	case strings.Contains(msg, "circuit breaker"):
		return "breaker"
	default:
		return "other"
	}
}

var _ types.MetricsRecorder = (*Collector)(nil)
