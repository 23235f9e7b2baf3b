package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/objectfs/tiercache/pkg/types"
)

// LocalConfig represents local tier configuration
type LocalConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MaxEntries      int           `yaml:"max_entries"`
	TTL             time.Duration `yaml:"ttl"`
	Shards          int           `yaml:"shards"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	RecordStats     bool          `yaml:"record_stats"`
}

// DefaultLocalConfig returns the settings used when none are supplied.
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		Enabled:         true,
		MaxEntries:      10000,
		TTL:             30 * time.Second,
		Shards:          16,
		CleanupInterval: 10 * time.Second,
		RecordStats:     true,
	}
}

// LocalTier is the in-process L1 cache. Keys are spread over independently
// locked LRU shards; every entry also expires after TTL regardless of access.
type LocalTier[T any] struct {
	config  LocalConfig
	shards  []*lruShard[T]
	metrics types.MetricsRecorder

	hits   atomic.Uint64
	misses atomic.Uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// lruShard is one LRU list with its index.
type lruShard[T any] struct {
	mu        sync.Mutex
	items     map[string]*list.Element
	evictList *list.List
	capacity  int
	evictions uint64
}

// localItem represents an item in a shard
type localItem[T any] struct {
	key     string
	value   T
	expires time.Time
}

// NewLocalTier creates a local tier and starts its expiry sweep.
func NewLocalTier[T any](config LocalConfig, metrics types.MetricsRecorder) *LocalTier[T] {
	defaults := DefaultLocalConfig()
	if config.MaxEntries <= 0 {
		config.MaxEntries = defaults.MaxEntries
	}
	if config.Shards <= 0 {
		config.Shards = defaults.Shards
	}
	if config.Shards > config.MaxEntries {
		config.Shards = config.MaxEntries
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}

	perShard := (config.MaxEntries + config.Shards - 1) / config.Shards
	l := &LocalTier[T]{
		config:  config,
		shards:  make([]*lruShard[T], config.Shards),
		metrics: metrics,
		stopCh:  make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &lruShard[T]{
			items:     make(map[string]*list.Element),
			evictList: list.New(),
			capacity:  perShard,
		}
	}

	if config.Enabled && config.TTL > 0 {
		l.wg.Add(1)
		go l.cleanupExpired()
	}
	return l
}

// Enabled reports whether the tier stores anything.
func (l *LocalTier[T]) Enabled() bool {
	return l.config.Enabled
}

// TTL returns the lifetime of a local entry.
func (l *LocalTier[T]) TTL() time.Duration {
	return l.config.TTL
}

func (l *LocalTier[T]) shardFor(key string) *lruShard[T] {
	return l.shards[xxhash.Sum64String(key)%uint64(len(l.shards))]
}

// Get retrieves a value. A disabled tier always misses.
func (l *LocalTier[T]) Get(key string) (T, bool) {
	var zero T
	if !l.config.Enabled {
		return zero, false
	}

	value, ok, expired := l.shardFor(key).get(key, time.Now())
	if expired {
		l.metrics.RecordEviction("local", 1)
	}
	if l.config.RecordStats {
		if ok {
			l.hits.Add(1)
		} else {
			l.misses.Add(1)
		}
	}
	if !ok {
		return zero, false
	}
	return value, true
}

// Put stores a value. A disabled tier ignores it.
func (l *LocalTier[T]) Put(key string, value T) {
	if !l.config.Enabled {
		return
	}

	var expires time.Time
	if l.config.TTL > 0 {
		expires = time.Now().Add(l.config.TTL)
	}
	if evicted := l.shardFor(key).put(key, value, expires); evicted > 0 {
		l.metrics.RecordEviction("local", evicted)
	}
}

// Invalidate removes key. Removing an absent key is a no-op.
func (l *LocalTier[T]) Invalidate(key string) {
	l.shardFor(key).remove(key)
}

// InvalidateAll removes every key in keys.
func (l *LocalTier[T]) InvalidateAll(keys []string) {
	for _, key := range keys {
		l.Invalidate(key)
	}
}

// InvalidateVariants removes base and every variant rendered under it
// (base:variant) from all shards, returning the number of entries removed.
// Keys such as base0 that only share a string prefix are kept.
func (l *LocalTier[T]) InvalidateVariants(base string) int {
	removed := 0
	for _, s := range l.shards {
		removed += s.removeMatching(func(key string) bool { return belongsTo(key, base) })
	}
	return removed
}

// Clear drops every entry.
func (l *LocalTier[T]) Clear() {
	for _, s := range l.shards {
		s.mu.Lock()
		s.items = make(map[string]*list.Element)
		s.evictList.Init()
		s.mu.Unlock()
	}
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (l *LocalTier[T]) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

// Stats returns cache statistics
func (l *LocalTier[T]) Stats() types.CacheStats {
	stats := types.CacheStats{
		Hits:     l.hits.Load(),
		Misses:   l.misses.Load(),
		Capacity: int64(l.config.MaxEntries),
	}
	for _, s := range l.shards {
		s.mu.Lock()
		stats.Size += int64(len(s.items))
		stats.Evictions += s.evictions
		s.mu.Unlock()
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if stats.Capacity > 0 {
		stats.Utilization = float64(stats.Size) / float64(stats.Capacity)
	}
	return stats
}

// Close stops the expiry sweep.
func (l *LocalTier[T]) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

func (l *LocalTier[T]) cleanupExpired() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case now := <-ticker.C:
			swept := 0
			for _, s := range l.shards {
				swept += s.removeExpired(now)
			}
			if swept > 0 {
				l.metrics.RecordEviction("local", swept)
			}
		}
	}
}

// Shard helpers. Callers never hold s.mu.

func (s *lruShard[T]) get(key string, now time.Time) (value T, ok bool, expired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	element, exists := s.items[key]
	if !exists {
		return value, false, false
	}
	item := element.Value.(*localItem[T])
	if !item.expires.IsZero() && !now.Before(item.expires) {
		s.removeElement(element)
		s.evictions++
		return value, false, true
	}

	s.evictList.MoveToFront(element)
	return item.value, true, false
}

func (s *lruShard[T]) put(key string, value T, expires time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if element, exists := s.items[key]; exists {
		item := element.Value.(*localItem[T])
		item.value = value
		item.expires = expires
		s.evictList.MoveToFront(element)
		return 0
	}

	s.items[key] = s.evictList.PushFront(&localItem[T]{key: key, value: value, expires: expires})

	evicted := 0
	for len(s.items) > s.capacity {
		oldest := s.evictList.Back()
		if oldest == nil {
			break
		}
		s.removeElement(oldest)
		s.evictions++
		evicted++
	}
	return evicted
}

func (s *lruShard[T]) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if element, exists := s.items[key]; exists {
		s.removeElement(element)
	}
}

func (s *lruShard[T]) removeMatching(match func(string) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, element := range s.items {
		if match(key) {
			s.removeElement(element)
			removed++
		}
	}
	return removed
}

func (s *lruShard[T]) removeExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, element := range s.items {
		item := element.Value.(*localItem[T])
		if !item.expires.IsZero() && !now.Before(item.expires) {
			s.removeElement(element)
			s.evictions++
			removed++
		}
	}
	return removed
}

func (s *lruShard[T]) removeElement(element *list.Element) {
	item := s.evictList.Remove(element).(*localItem[T])
	delete(s.items, item.key)
}
