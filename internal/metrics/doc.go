/*
Package metrics exports cache events to Prometheus.

Collector implements types.MetricsRecorder. Each instance owns a private
registry so several caches can live in one process without colliding, and
Handler serves that registry for the diagnostics server.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Namespace: "tiercache",
	})
	if err != nil {
		return err
	}
	mux.Handle("/metrics", collector.Handler())

Exported series:

	tiercache_tier_requests_total{tier,result}
	tiercache_evictions_total{tier}
	tiercache_breaker_fallbacks_total{breaker}
	tiercache_breaker_transitions_total{breaker,from,to}
	tiercache_singleflight_total{outcome}
	tiercache_invalidations_total{direction}
	tiercache_hotkey_promotions_total
	tiercache_known_hot_set_size
	tiercache_operations_total{operation,status}
	tiercache_operation_duration_seconds{operation}
	tiercache_errors_total{operation,type}

A disabled collector accepts every call and records nothing.
*/
package metrics
