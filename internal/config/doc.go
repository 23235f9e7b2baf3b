/*
Package config loads the cache service configuration.

Sources are applied in increasing precedence: compiled-in defaults from
NewDefault, a YAML file via LoadFromFile, then TIERCACHE_* environment
variables via LoadFromEnv. Validate reports every problem at once.

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/tiercache/config.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

Example file:

	global:
	  instance_id: api-1
	  log_level: INFO
	  log_format: json
	  diagnostics_addr: ":8081"
	redis:
	  addr: redis:6379
	local:
	  enabled: true
	  max_entries: 10000
	  ttl: 30s
	distributed:
	  enabled: true
	  base_ttl: 5m
	  jitter_percent: 0.1
	hotkey:
	  threshold: 100
	  window: 60s
	  multiplier: 3
	  warmup_enabled: true
	  refresh_interval: 5m
	  top_n: 100
	  horizons: [today, all-time]
	single_flight:
	  enabled: true
	  lock_ttl: 10s
	  poll_interval: 50ms
	  max_retries: 100
	  failure_ttl: 500ms
	invalidation:
	  enabled: true
	  channel: tiercache:invalidations
	signing:
	  bucket: media
	  region: us-east-1
	  url_ttl: 15m
	connect_retry:
	  max_attempts: 5
	  initial_delay: 100ms

Environment variables (subset):

	TIERCACHE_LOG_LEVEL, TIERCACHE_LOG_FORMAT, TIERCACHE_INSTANCE_ID
	TIERCACHE_REDIS_ADDR, TIERCACHE_REDIS_PASSWORD, TIERCACHE_REDIS_DB
	TIERCACHE_CONNECT_MAX_ATTEMPTS
	TIERCACHE_LOCAL_TTL, TIERCACHE_DISTRIBUTED_BASE_TTL
	TIERCACHE_HOTKEY_THRESHOLD, TIERCACHE_HOTKEY_WARMUP_ENABLED
	TIERCACHE_SINGLE_FLIGHT_ENABLED, TIERCACHE_INVALIDATION_CHANNEL
	TIERCACHE_SIGNING_BUCKET, TIERCACHE_SIGNING_URL_TTL
*/
package config
