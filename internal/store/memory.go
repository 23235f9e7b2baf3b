package store

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const subscriptionBuffer = 256

type memEntry struct {
	value   []byte
	set     map[string]struct{}
	expires time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// MemoryStore is an in-process Store. Several cache instances sharing one
// MemoryStore behave like a fleet sharing one Redis, which is how the
// coordination protocol is exercised without a network.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	subs    map[string]map[*memorySubscription]struct{}
	closed  bool

	failure atomic.Pointer[error]
	ops     sync.Map // op name -> *atomic.Int64
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		subs:    make(map[string]map[*memorySubscription]struct{}),
	}
}

// FailWith makes every subsequent operation return err. Passing nil restores
// normal behaviour.
func (m *MemoryStore) FailWith(err error) {
	if err == nil {
		m.failure.Store(nil)
		return
	}
	m.failure.Store(&err)
}

// OpCount returns how many times the named operation ("get", "set",
// "setnx", ...) has been invoked.
func (m *MemoryStore) OpCount(op string) int64 {
	if c, ok := m.ops.Load(op); ok {
		return c.(*atomic.Int64).Load()
	}
	return 0
}

func (m *MemoryStore) begin(op string) error {
	c, _ := m.ops.LoadOrStore(op, new(atomic.Int64))
	c.(*atomic.Int64).Add(1)
	if errp := m.failure.Load(); errp != nil {
		return *errp
	}
	return nil
}

// lookup returns the live entry for key, dropping it when expired. Caller holds mu.
func (m *MemoryStore) lookup(key string, now time.Time) (*memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(now) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

func expiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (m *MemoryStore) locked(op string, fn func(now time.Time) error) error {
	if err := m.begin(op); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return fn(time.Now())
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		out   []byte
		found bool
	)
	err := m.locked("get", func(now time.Time) error {
		e, ok := m.lookup(key, now)
		if !ok || e.set != nil {
			return nil
		}
		out = bytes.Clone(e.value)
		found = true
		return nil
	})
	return out, found, err
}

// Set implements Store.
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.locked("set", func(now time.Time) error {
		m.entries[key] = &memEntry{value: bytes.Clone(value), expires: expiryFor(now, ttl)}
		return nil
	})
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	return m.locked("delete", func(time.Time) error {
		for _, key := range keys {
			delete(m.entries, key)
		}
		return nil
	})
}

// Exists implements Store.
func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	var found bool
	err := m.locked("exists", func(now time.Time) error {
		_, found = m.lookup(key, now)
		return nil
	})
	return found, err
}

// SetNX implements Store.
func (m *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var created bool
	err := m.locked("setnx", func(now time.Time) error {
		if _, ok := m.lookup(key, now); ok {
			return nil
		}
		m.entries[key] = &memEntry{value: bytes.Clone(value), expires: expiryFor(now, ttl)}
		created = true
		return nil
	})
	return created, err
}

// CompareAndDelete implements Store.
func (m *MemoryStore) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	var deleted bool
	err := m.locked("cad", func(now time.Time) error {
		e, ok := m.lookup(key, now)
		if !ok || !bytes.Equal(e.value, value) {
			return nil
		}
		delete(m.entries, key)
		deleted = true
		return nil
	})
	return deleted, err
}

// IncrWithTTL implements Store.
func (m *MemoryStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var n int64
	err := m.locked("incr", func(now time.Time) error {
		e, ok := m.lookup(key, now)
		if !ok {
			m.entries[key] = &memEntry{value: []byte("1"), expires: expiryFor(now, ttl)}
			n = 1
			return nil
		}
		cur, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return fmt.Errorf("store: value at %s is not an integer", key)
		}
		n = cur + 1
		e.value = []byte(strconv.FormatInt(n, 10))
		return nil
	})
	return n, err
}

// GetInt implements Store.
func (m *MemoryStore) GetInt(ctx context.Context, key string) (int64, error) {
	var n int64
	err := m.locked("getint", func(now time.Time) error {
		e, ok := m.lookup(key, now)
		if !ok {
			return nil
		}
		v, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return fmt.Errorf("store: value at %s is not an integer", key)
		}
		n = v
		return nil
	})
	return n, err
}

// DeleteByPrefix implements Store.
func (m *MemoryStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	var removed int
	err := m.locked("delprefix", func(time.Time) error {
		for key := range m.entries {
			if strings.HasPrefix(key, prefix) {
				delete(m.entries, key)
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// SetAdd implements Store.
func (m *MemoryStore) SetAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	return m.locked("sadd", func(now time.Time) error {
		if len(members) == 0 {
			return nil
		}
		e, ok := m.lookup(key, now)
		if !ok {
			e = &memEntry{set: make(map[string]struct{}), expires: expiryFor(now, ttl)}
			m.entries[key] = e
		}
		if e.set == nil {
			return fmt.Errorf("store: value at %s is not a set", key)
		}
		for _, member := range members {
			e.set[member] = struct{}{}
		}
		return nil
	})
}

// SetIsMember implements Store.
func (m *MemoryStore) SetIsMember(ctx context.Context, key, member string) (bool, error) {
	var found bool
	err := m.locked("sismember", func(now time.Time) error {
		if e, ok := m.lookup(key, now); ok && e.set != nil {
			_, found = e.set[member]
		}
		return nil
	})
	return found, err
}

// SetMembers implements Store.
func (m *MemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := m.locked("smembers", func(now time.Time) error {
		e, ok := m.lookup(key, now)
		if !ok || e.set == nil {
			return nil
		}
		members = make([]string, 0, len(e.set))
		for member := range e.set {
			members = append(members, member)
		}
		return nil
	})
	return members, err
}

// Rename implements Store.
func (m *MemoryStore) Rename(ctx context.Context, from, to string) error {
	return m.locked("rename", func(now time.Time) error {
		e, ok := m.lookup(from, now)
		if !ok {
			return ErrNoSuchKey
		}
		delete(m.entries, from)
		m.entries[to] = e
		return nil
	})
}

// Publish implements Store. Delivery never blocks: a subscriber whose buffer
// is full misses the message.
func (m *MemoryStore) Publish(ctx context.Context, channel, payload string) error {
	return m.locked("publish", func(time.Time) error {
		for sub := range m.subs[channel] {
			select {
			case sub.ch <- payload:
			default:
				sub.dropped.Add(1)
			}
		}
		return nil
	})
}

// Subscribe implements Store.
func (m *MemoryStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := &memorySubscription{store: m, channel: channel, ch: make(chan string, subscriptionBuffer)}
	err := m.locked("subscribe", func(time.Time) error {
		if m.subs[channel] == nil {
			m.subs[channel] = make(map[*memorySubscription]struct{})
		}
		m.subs[channel][sub] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return m.locked("ping", func(time.Time) error { return nil })
}

// Close implements Store. Open subscriptions are closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subs {
		for sub := range subs {
			sub.closeLocked()
		}
	}
	m.subs = nil
	return nil
}

type memorySubscription struct {
	store   *MemoryStore
	channel string
	ch      chan string
	dropped atomic.Uint64
	once    sync.Once
}

func (s *memorySubscription) Messages() <-chan string {
	return s.ch
}

func (s *memorySubscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *memorySubscription) Close() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if subs := s.store.subs[s.channel]; subs != nil {
		delete(subs, s)
	}
	s.closeLocked()
	return nil
}

func (s *memorySubscription) closeLocked() {
	s.once.Do(func() { close(s.ch) })
}

var _ Store = (*MemoryStore)(nil)
