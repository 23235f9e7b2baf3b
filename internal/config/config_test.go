package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/multierr"

	"github.com/objectfs/tiercache/pkg/types"
)

// Test Constants
const (
	TestDebugLevel = "DEBUG"
	TestRedisAddr  = "redis.internal:6380"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Local.TTL != 30*time.Second {
		t.Errorf("Expected local TTL to be 30s, got %v", cfg.Local.TTL)
	}
	if cfg.Distributed.JitterPercent != 0.10 {
		t.Errorf("Expected jitter percent 0.10, got %v", cfg.Distributed.JitterPercent)
	}
	if cfg.HotKey.Threshold != 100 || cfg.HotKey.Window != 60*time.Second || cfg.HotKey.Multiplier != 3 {
		t.Errorf("Unexpected hotkey defaults: %+v", cfg.HotKey)
	}
	if cfg.HotKey.RefreshInterval != 5*time.Minute {
		t.Errorf("Expected refresh interval 5m, got %v", cfg.HotKey.RefreshInterval)
	}
	if !cfg.SingleFlight.Enabled || !cfg.Invalidation.Enabled {
		t.Error("Expected single-flight and invalidation to be enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default configuration must validate, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Configuration)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			mutate:  func(*Configuration) {},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Configuration) { c.Global.LogLevel = "INVALID" },
			wantErr: true,
			errMsg:  "invalid log_level",
		},
		{
			name:    "lowercase log level is accepted",
			mutate:  func(c *Configuration) { c.Global.LogLevel = "debug" },
			wantErr: false,
		},
		{
			name:    "missing redis address",
			mutate:  func(c *Configuration) { c.Redis.Addr = "" },
			wantErr: true,
			errMsg:  "redis.addr is required",
		},
		{
			name: "redis not needed when every shared feature is off",
			mutate: func(c *Configuration) {
				c.Redis.Addr = ""
				c.Distributed.Enabled = false
				c.SingleFlight.Enabled = false
				c.Invalidation.Enabled = false
			},
			wantErr: false,
		},
		{
			name:    "jitter out of range",
			mutate:  func(c *Configuration) { c.Distributed.JitterPercent = 1.5 },
			wantErr: true,
			errMsg:  "jitter_percent",
		},
		{
			name:    "multiplier below one",
			mutate:  func(c *Configuration) { c.HotKey.Multiplier = 0.5 },
			wantErr: true,
			errMsg:  "hotkey.multiplier",
		},
		{
			name:    "unknown horizon",
			mutate:  func(c *Configuration) { c.HotKey.Horizons = []types.Horizon{"yesterday"} },
			wantErr: true,
			errMsg:  `unknown horizon "yesterday"`,
		},
		{
			name:    "zero poll interval",
			mutate:  func(c *Configuration) { c.SingleFlight.PollInterval = 0 },
			wantErr: true,
			errMsg:  "single_flight.poll_interval",
		},
		{
			name: "disabled single flight skips its checks",
			mutate: func(c *Configuration) {
				c.SingleFlight.Enabled = false
				c.SingleFlight.PollInterval = 0
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, want error containing %v", err, tt.errMsg)
			}
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := NewDefault()
	cfg.Global.LogFormat = "xml"
	cfg.Local.MaxEntries = 0
	cfg.HotKey.Threshold = 0

	err := cfg.Validate()
	if got := len(multierr.Errors(err)); got != 3 {
		t.Fatalf("Expected 3 problems, got %d: %v", got, err)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
global:
  log_level: DEBUG
  instance_id: api-7

redis:
  addr: redis.internal:6380
  db: 2

local:
  ttl: 10s

hotkey:
  threshold: 50
  window: 2m
  horizons: [today]

single_flight:
  poll_interval: 25ms
`

	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Global.LogLevel != TestDebugLevel {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Redis.Addr != TestRedisAddr || cfg.Redis.DB != 2 {
		t.Errorf("Unexpected redis section: %+v", cfg.Redis)
	}
	if cfg.Local.TTL != 10*time.Second {
		t.Errorf("Expected local TTL 10s, got %v", cfg.Local.TTL)
	}
	if cfg.Local.MaxEntries != 10000 {
		t.Errorf("Unset fields keep their defaults, got max_entries %d", cfg.Local.MaxEntries)
	}
	if cfg.HotKey.Threshold != 50 || cfg.HotKey.Window != 2*time.Minute {
		t.Errorf("Unexpected hotkey section: %+v", cfg.HotKey)
	}
	if len(cfg.HotKey.Horizons) != 1 || cfg.HotKey.Horizons[0] != types.HorizonToday {
		t.Errorf("Expected horizons [today], got %v", cfg.HotKey.Horizons)
	}
	if cfg.SingleFlight.PollInterval != 25*time.Millisecond {
		t.Errorf("Expected poll interval 25ms, got %v", cfg.SingleFlight.PollInterval)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected error when loading non-existent config file")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("local: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := cfg.LoadFromFile(bad); err == nil || !strings.Contains(err.Error(), "failed to parse") {
		t.Errorf("Expected parse error, got %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	testEnvVars := map[string]string{
		"TIERCACHE_LOG_LEVEL":             "ERROR",
		"TIERCACHE_REDIS_ADDR":            TestRedisAddr,
		"TIERCACHE_REDIS_DB":              "3",
		"TIERCACHE_LOCAL_TTL":             "45s",
		"TIERCACHE_HOTKEY_THRESHOLD":      "250",
		"TIERCACHE_HOTKEY_WARMUP_ENABLED": "false",
		"TIERCACHE_DISTRIBUTED_BASE_TTL":  " 10m ",
		"TIERCACHE_SIGNING_BUCKET":        "media",
		"TIERCACHE_INVALIDATION_CHANNEL":  "",
	}
	for key, value := range testEnvVars {
		t.Setenv(key, value)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Global.LogLevel != "ERROR" {
		t.Errorf("Expected LogLevel to be ERROR, got %s", cfg.Global.LogLevel)
	}
	if cfg.Redis.Addr != TestRedisAddr || cfg.Redis.DB != 3 {
		t.Errorf("Unexpected redis section: %+v", cfg.Redis)
	}
	if cfg.Local.TTL != 45*time.Second {
		t.Errorf("Expected local TTL 45s, got %v", cfg.Local.TTL)
	}
	if cfg.HotKey.Threshold != 250 || cfg.HotKey.WarmupEnabled {
		t.Errorf("Unexpected hotkey section: %+v", cfg.HotKey)
	}
	if cfg.Distributed.BaseTTL != 10*time.Minute {
		t.Errorf("Expected base TTL 10m, got %v", cfg.Distributed.BaseTTL)
	}
	if cfg.Signing.Bucket != "media" {
		t.Errorf("Expected signing bucket media, got %s", cfg.Signing.Bucket)
	}
	if cfg.Invalidation.Channel != "tiercache:invalidations" {
		t.Errorf("Empty variables must not override, got channel %q", cfg.Invalidation.Channel)
	}
}

func TestLoadFromEnvMalformed(t *testing.T) {
	t.Setenv("TIERCACHE_REDIS_DB", "two")
	t.Setenv("TIERCACHE_LOCAL_TTL", "soon")
	t.Setenv("TIERCACHE_LOG_LEVEL", "WARN")

	cfg := NewDefault()
	err := cfg.LoadFromEnv()
	if got := len(multierr.Errors(err)); got != 2 {
		t.Fatalf("Expected 2 errors, got %d: %v", got, err)
	}
	if !strings.Contains(err.Error(), "TIERCACHE_REDIS_DB") {
		t.Errorf("Error should name the variable, got %v", err)
	}
	if cfg.Global.LogLevel != "WARN" {
		t.Error("Well-formed variables must still apply")
	}
	if cfg.Local.TTL != 30*time.Second {
		t.Errorf("Malformed variables must leave the default, got %v", cfg.Local.TTL)
	}
}

func TestSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "nested", "config.yaml")

	cfg := NewDefault()
	cfg.Global.InstanceID = "api-3"
	cfg.HotKey.Window = 90 * time.Second

	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if loaded.Global.InstanceID != "api-3" {
		t.Errorf("Expected instance id api-3, got %s", loaded.Global.InstanceID)
	}
	if loaded.HotKey.Window != 90*time.Second {
		t.Errorf("Expected window 90s, got %v", loaded.HotKey.Window)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := GlobalConfig{LogLevel: "WARN", LogFormat: "json", InstanceID: "api-1"}.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "key", "media:m1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("Info must be filtered at WARN level")
	}
	if !strings.Contains(out, `"instance":"api-1"`) || !strings.Contains(out, `"key":"media:m1"`) {
		t.Errorf("Unexpected log output: %s", out)
	}

	buf.Reset()
	GlobalConfig{LogFormat: "text"}.NewLogger(&buf).Info("plain")
	if !strings.Contains(buf.String(), "msg=plain") {
		t.Errorf("Expected text output, got %s", buf.String())
	}
	if (GlobalConfig{LogLevel: "debug"}).Level() != slog.LevelDebug {
		t.Error("Level should be case-insensitive")
	}
}
