// Package store defines the shared key/value and pub/sub substrate that the
// distributed tier, the single-flight lock, the hotkey counters and the
// invalidation channel run on.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// ErrNoSuchKey is returned by Rename when the source key does not exist.
var ErrNoSuchKey = errors.New("store: no such key")

// Store is the contract every shared-store implementation satisfies. All
// methods are safe for concurrent use. A missing key is never an error: Get
// reports it through the found flag and GetInt returns zero.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// SetNX atomically creates key with value and ttl if it is absent and
	// reports whether this call created it.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)

	// IncrWithTTL increments an integer counter. The ttl is applied only when
	// the increment creates the counter, so the window is fixed from the
	// first hit.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	GetInt(ctx context.Context, key string) (int64, error)

	// DeleteByPrefix removes every key starting with prefix and returns how
	// many were removed.
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)

	// SetAdd adds members to the set at key. As with IncrWithTTL the ttl only
	// applies when this call creates the set.
	SetAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error
	SetIsMember(ctx context.Context, key, member string) (bool, error)
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Rename atomically moves from over to, replacing any previous value.
	Rename(ctx context.Context, from, to string) error

	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// Subscription delivers payloads published on one channel. The Messages
// channel is closed after Close returns.
type Subscription interface {
	Messages() <-chan string
	Close() error

	// Dropped counts payloads discarded because the buffer was full.
	Dropped() uint64
}
