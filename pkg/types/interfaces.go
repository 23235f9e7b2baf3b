package types

import (
	"context"
	"time"
)

// RankingSource returns the most requested entities over a horizon, ordered
// by descending count.
type RankingSource interface {
	TopEntities(ctx context.Context, horizon Horizon, limit int) ([]RankedEntity, error)
}

// RankingSourceFunc adapts a function to RankingSource.
type RankingSourceFunc func(ctx context.Context, horizon Horizon, limit int) ([]RankedEntity, error)

// TopEntities implements RankingSource.
func (f RankingSourceFunc) TopEntities(ctx context.Context, horizon Horizon, limit int) ([]RankedEntity, error) {
	return f(ctx, horizon, limit)
}

// StaticRanking is a RankingSource backed by fixed per-horizon lists.
type StaticRanking map[Horizon][]RankedEntity

// TopEntities implements RankingSource.
func (s StaticRanking) TopEntities(_ context.Context, horizon Horizon, limit int) ([]RankedEntity, error) {
	rows := s[horizon]
	if limit >= 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]RankedEntity, len(rows))
	copy(out, rows)
	return out, nil
}

// StatsProvider is implemented by every cache tier.
type StatsProvider interface {
	Stats() CacheStats
}

// MetricsRecorder receives cache events. Implementations must be safe for
// concurrent use and must never block.
type MetricsRecorder interface {
	RecordTierHit(tier string)
	RecordTierMiss(tier string)
	RecordEviction(tier string, n int)
	RecordBreakerFallback(breaker string)
	RecordBreakerTransition(breaker, from, to string)
	RecordSingleFlight(outcome string)
	RecordInvalidation(direction string)
	RecordHotKeyPromotion()
	SetKnownHotSetSize(n int)
	RecordOperation(operation string, duration time.Duration, err error)
}

// NopMetrics discards every event.
type NopMetrics struct{}

func (NopMetrics) RecordTierHit(string)                           {}
func (NopMetrics) RecordTierMiss(string)                          {}
func (NopMetrics) RecordEviction(string, int)                     {}
func (NopMetrics) RecordBreakerFallback(string)                   {}
func (NopMetrics) RecordBreakerTransition(string, string, string) {}
func (NopMetrics) RecordSingleFlight(string)                      {}
func (NopMetrics) RecordInvalidation(string)                      {}
func (NopMetrics) RecordHotKeyPromotion()                         {}
func (NopMetrics) SetKnownHotSetSize(int)                         {}
func (NopMetrics) RecordOperation(string, time.Duration, error)   {}
