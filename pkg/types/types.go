package types

import "time"

// CacheStats reports the effectiveness of one cache tier.
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// Horizon names a time range the ranking source aggregates over.
type Horizon string

const (
	HorizonToday   Horizon = "today"
	HorizonAllTime Horizon = "all-time"
)

// RankedEntity is one row of a ranking source result.
type RankedEntity struct {
	ID    string `json:"id"`
	Count int64  `json:"count"`
}

// TierStatsSnapshot is the diagnostics view of both tiers at one instant.
type TierStatsSnapshot struct {
	Timestamp   time.Time  `json:"timestamp"`
	Local       CacheStats `json:"local"`
	LocalOn     bool       `json:"local_enabled"`
	Distributed CacheStats `json:"distributed"`
}

// KeyDiagnostics describes the coordination state of a single cache key.
type KeyDiagnostics struct {
	Key            string `json:"key"`
	Hot            bool   `json:"hot"`
	HotByCounter   bool   `json:"hot_by_counter"`
	KnownHot       bool   `json:"known_hot"`
	AccessCount    int64  `json:"access_count"`
	LoadInProgress bool   `json:"load_in_progress"`
}

// HealthStatus represents the health status of a component.
type HealthStatus struct {
	Status    string            `json:"status"`
	LastCheck time.Time         `json:"last_check"`
	Response  time.Duration     `json:"response_time"`
	Message   string            `json:"message,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}
