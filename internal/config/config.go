package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/tiercache/internal/cache"
	"github.com/objectfs/tiercache/internal/circuit"
	"github.com/objectfs/tiercache/internal/hotkey"
	"github.com/objectfs/tiercache/internal/invalidation"
	"github.com/objectfs/tiercache/internal/metrics"
	"github.com/objectfs/tiercache/internal/singleflight"
	"github.com/objectfs/tiercache/internal/storage/s3"
	"github.com/objectfs/tiercache/internal/store"
	"github.com/objectfs/tiercache/pkg/retry"
	"github.com/objectfs/tiercache/pkg/types"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TIERCACHE_"

// Configuration represents the complete application configuration
type Configuration struct {
	Global         GlobalConfig            `yaml:"global"`
	Redis          store.RedisOptions      `yaml:"redis"`
	Local          cache.LocalConfig       `yaml:"local"`
	Distributed    cache.DistributedConfig `yaml:"distributed"`
	HotKey         hotkey.Config           `yaml:"hotkey"`
	SingleFlight   singleflight.Config     `yaml:"single_flight"`
	Invalidation   invalidation.Config     `yaml:"invalidation"`
	CircuitBreaker circuit.Config          `yaml:"circuit_breaker"`
	Signing        s3.Config               `yaml:"signing"`
	Metrics        metrics.Config          `yaml:"metrics"`
	ConnectRetry   retry.Config            `yaml:"connect_retry"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	InstanceID      string `yaml:"instance_id"`
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`
	DiagnosticsAddr string `yaml:"diagnostics_addr"`
}

var (
	validLogLevels  = []string{"DEBUG", "INFO", "WARN", "ERROR"}
	validLogFormats = []string{"json", "text"}
)

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:        "INFO",
			LogFormat:       "json",
			DiagnosticsAddr: ":8081",
		},
		Redis: store.RedisOptions{
			Addr:         "localhost:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			PoolSize:     32,
		},
		Local:        cache.DefaultLocalConfig(),
		Distributed:  cache.DefaultDistributedConfig(),
		HotKey:       hotkey.DefaultConfig(),
		SingleFlight: singleflight.DefaultConfig(),
		Invalidation: invalidation.DefaultConfig(),
		CircuitBreaker: circuit.Config{
			MaxRequests:  1,
			Interval:     60 * time.Second,
			Timeout:      30 * time.Second,
			MinRequests:  20,
			FailureRatio: 0.5,
		},
		Signing: *s3.NewDefaultConfig(),
		Metrics: metrics.Config{
			Enabled:   true,
			Namespace: "tiercache",
		},
		ConnectRetry: retry.DefaultConfig(),
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv applies TIERCACHE_* environment overrides. Every malformed
// value is reported; well-formed ones are still applied.
func (c *Configuration) LoadFromEnv() error {
	var errs error
	str := func(name string, dst *string) {
		if val, ok := lookup(name); ok {
			*dst = val
		}
	}
	integer := func(name string, dst *int) {
		if val, ok := lookup(name); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	integer64 := func(name string, dst *int64) {
		if val, ok := lookup(name); ok {
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if val, ok := lookup(name); ok {
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(name string, dst *bool) {
		if val, ok := lookup(name); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if val, ok := lookup(name); ok {
			d, err := time.ParseDuration(val)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	// Global settings
	str("INSTANCE_ID", &c.Global.InstanceID)
	str("LOG_LEVEL", &c.Global.LogLevel)
	str("LOG_FORMAT", &c.Global.LogFormat)
	str("DIAGNOSTICS_ADDR", &c.Global.DiagnosticsAddr)

	// Redis
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	integer("REDIS_DB", &c.Redis.DB)
	integer("REDIS_POOL_SIZE", &c.Redis.PoolSize)
	integer("CONNECT_MAX_ATTEMPTS", &c.ConnectRetry.MaxAttempts)

	// Tiers
	boolean("LOCAL_ENABLED", &c.Local.Enabled)
	integer("LOCAL_MAX_ENTRIES", &c.Local.MaxEntries)
	duration("LOCAL_TTL", &c.Local.TTL)
	boolean("DISTRIBUTED_ENABLED", &c.Distributed.Enabled)
	duration("DISTRIBUTED_BASE_TTL", &c.Distributed.BaseTTL)
	float("DISTRIBUTED_JITTER_PERCENT", &c.Distributed.JitterPercent)

	// Hot keys
	integer64("HOTKEY_THRESHOLD", &c.HotKey.Threshold)
	duration("HOTKEY_WINDOW", &c.HotKey.Window)
	float("HOTKEY_MULTIPLIER", &c.HotKey.Multiplier)
	boolean("HOTKEY_WARMUP_ENABLED", &c.HotKey.WarmupEnabled)
	duration("HOTKEY_REFRESH_INTERVAL", &c.HotKey.RefreshInterval)

	// Coordination
	boolean("SINGLE_FLIGHT_ENABLED", &c.SingleFlight.Enabled)
	duration("SINGLE_FLIGHT_LOCK_TTL", &c.SingleFlight.LockTTL)
	boolean("INVALIDATION_ENABLED", &c.Invalidation.Enabled)
	str("INVALIDATION_CHANNEL", &c.Invalidation.Channel)

	// Signing
	str("SIGNING_BUCKET", &c.Signing.Bucket)
	str("SIGNING_REGION", &c.Signing.Region)
	str("SIGNING_ENDPOINT", &c.Signing.Endpoint)
	duration("SIGNING_URL_TTL", &c.Signing.URLTTL)

	boolean("METRICS_ENABLED", &c.Metrics.Enabled)

	return errs
}

func lookup(name string) (string, bool) {
	val, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || strings.TrimSpace(val) == "" {
		return "", false
	}
	return strings.TrimSpace(val), true
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks every section and reports all problems at once.
func (c *Configuration) Validate() error {
	var errs error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf(format, args...))
		}
	}

	check(contains(validLogLevels, strings.ToUpper(c.Global.LogLevel)),
		"invalid log_level: %s (must be one of: %s)", c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	check(contains(validLogFormats, strings.ToLower(c.Global.LogFormat)),
		"invalid log_format: %s (must be one of: %s)", c.Global.LogFormat, strings.Join(validLogFormats, ", "))

	if c.Distributed.Enabled || c.SingleFlight.Enabled || c.Invalidation.Enabled {
		check(c.Redis.Addr != "", "redis.addr is required")
	}

	if c.Local.Enabled {
		check(c.Local.MaxEntries > 0, "local.max_entries must be greater than 0")
		check(c.Local.TTL > 0, "local.ttl must be greater than 0")
	}

	check(c.Distributed.BaseTTL > 0, "distributed.base_ttl must be greater than 0")
	check(c.Distributed.JitterPercent >= 0 && c.Distributed.JitterPercent < 1,
		"distributed.jitter_percent must be in [0, 1)")

	check(c.HotKey.Threshold > 0, "hotkey.threshold must be greater than 0")
	check(c.HotKey.Window > 0, "hotkey.window must be greater than 0")
	check(c.HotKey.Multiplier >= 1, "hotkey.multiplier must be at least 1")
	if c.HotKey.WarmupEnabled {
		check(c.HotKey.RefreshInterval > 0, "hotkey.refresh_interval must be greater than 0")
		check(c.HotKey.TopN > 0, "hotkey.top_n must be greater than 0")
		for _, h := range c.HotKey.Horizons {
			check(h == types.HorizonToday || h == types.HorizonAllTime, "hotkey.horizons: unknown horizon %q", h)
		}
	}

	if c.SingleFlight.Enabled {
		check(c.SingleFlight.LockTTL > 0, "single_flight.lock_ttl must be greater than 0")
		check(c.SingleFlight.PollInterval > 0, "single_flight.poll_interval must be greater than 0")
		check(c.SingleFlight.MaxRetries > 0, "single_flight.max_retries must be greater than 0")
	}

	if c.Invalidation.Enabled {
		check(c.Invalidation.Channel != "", "invalidation.channel is required")
	}

	check(c.CircuitBreaker.FailureRatio > 0 && c.CircuitBreaker.FailureRatio <= 1,
		"circuit_breaker.failure_ratio must be in (0, 1]")
	check(c.CircuitBreaker.Timeout > 0, "circuit_breaker.timeout must be greater than 0")

	check(c.Signing.URLTTL > 0, "signing.url_ttl must be greater than 0")

	return errs
}

// NewLogger builds the process logger described by the global section.
func (g GlobalConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: g.Level()}
	var h slog.Handler
	if strings.EqualFold(g.LogFormat, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(h)
	if g.InstanceID != "" {
		logger = logger.With("instance", g.InstanceID)
	}
	return logger
}

// Level maps LogLevel to a slog level, defaulting to info.
func (g GlobalConfig) Level() slog.Level {
	switch strings.ToUpper(g.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
