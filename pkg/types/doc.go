/*
Package types holds the data structures and small interfaces shared between
the cache tiers, the coordination components and the diagnostics surface.

# Core Interfaces

RankingSource is the external analytics feed the hotkey tracker queries when
it rebuilds the known-hot set. RankingSourceFunc and StaticRanking adapt a
function or a fixed table to it.

MetricsRecorder receives tier hits and misses, breaker fallbacks,
single-flight outcomes and invalidation traffic. internal/metrics provides
the Prometheus implementation and NopMetrics discards everything.

# Data Structures

CacheStats is reported by every tier. KeyDiagnostics and TierStatsSnapshot
are the read-only views returned by the diagnostics API.
*/
package types
