// Package singleflight ensures that when both cache tiers miss, one loader
// execution per key runs across the whole fleet while every other requester
// waits for its result.
//
// The leader is whoever creates the lock key with SETNX. Followers poll the
// cache on a timer until the value appears, the lock disappears or the retry
// budget runs out. Polls are scheduled with time.AfterFunc so a waiting
// follower holds no goroutine between polls.
//
// A leader whose loader fails leaves a short-lived failure marker before
// releasing the lock, so its followers report LOAD_TIMEOUT instead of
// treating the empty cache as a confirmed absence.
package singleflight

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/tiercache/internal/circuit"
	"github.com/objectfs/tiercache/internal/store"
	cerrors "github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/types"
)

// Config represents single-flight configuration
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	LockTTL       time.Duration `yaml:"lock_ttl"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	TimeoutBuffer time.Duration `yaml:"timeout_buffer"`
	FailureTTL    time.Duration `yaml:"failure_ttl"`
	KeyPrefix     string        `yaml:"key_prefix"`
}

// DefaultConfig returns the settings used when none are supplied.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		LockTTL:       10 * time.Second,
		PollInterval:  50 * time.Millisecond,
		MaxRetries:    100,
		TimeoutBuffer: time.Second,
		FailureTTL:    500 * time.Millisecond,
		KeyPrefix:     "tiercache:lock:",
	}
}

// Outcomes reported to the metrics recorder.
const (
	OutcomeLeader   = "leader"
	OutcomeFollower = "follower"
	OutcomeEmpty    = "follower_empty"
	OutcomeTimeout  = "timeout"
	OutcomeFailed   = "leader_failed"
	OutcomeFailOpen = "fail_open"
	OutcomeDisabled = "disabled"
)

const releaseTimeout = 2 * time.Second

// Loader fetches a value from the source of truth. found=false means the
// value does not exist.
type Loader[T any] func(ctx context.Context) (value T, found bool, err error)

// Reader looks a value up in the cache tiers.
type Reader[T any] func(ctx context.Context) (value T, found bool)

// Writer stores a freshly loaded value in the cache tiers.
type Writer[T any] func(ctx context.Context, value T)

// Coordinator holds the lock substrate shared by every Execute call.
type Coordinator struct {
	config  Config
	store   store.Store
	breaker *circuit.CircuitBreaker
	logger  *slog.Logger
	metrics types.MetricsRecorder

	owner string
	seq   atomic.Uint64
}

// NewCoordinator creates a coordinator. owner identifies this instance in
// lock values; an empty owner uses hostname and pid.
func NewCoordinator(config Config, s store.Store, breaker *circuit.CircuitBreaker, owner string, logger *slog.Logger, metrics types.MetricsRecorder) *Coordinator {
	defaults := DefaultConfig()
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.TimeoutBuffer < 0 {
		config.TimeoutBuffer = 0
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	// followers must be able to poll at least a few times before it lapses
	if floor := 3 * config.PollInterval; config.FailureTTL < floor {
		config.FailureTTL = floor
	}
	if owner == "" {
		host, _ := os.Hostname()
		owner = host + "-" + strconv.Itoa(os.Getpid())
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}

	return &Coordinator{
		config:  config,
		store:   s,
		breaker: breaker,
		logger:  logger.With("component", "singleflight"),
		metrics: metrics,
		owner:   owner,
	}
}

// WaitBudget is the longest a follower blocks before giving up.
func (c *Coordinator) WaitBudget() time.Duration {
	return time.Duration(c.config.MaxRetries)*c.config.PollInterval + c.config.TimeoutBuffer
}

func (c *Coordinator) lockKey(key string) string {
	return c.config.KeyPrefix + key
}

func (c *Coordinator) failureKey(key string) string {
	return c.config.KeyPrefix + "failed:" + key
}

func (c *Coordinator) newToken() []byte {
	return []byte(c.owner + "/" + strconv.FormatUint(c.seq.Add(1), 10))
}

// IsLoadInProgress reports whether some instance currently holds the lock
// for key. The answer is a point-in-time hint for diagnostics only.
func (c *Coordinator) IsLoadInProgress(ctx context.Context, key string) bool {
	exists, err := circuit.Call(c.breaker, func() (bool, error) {
		return c.store.Exists(ctx, c.lockKey(key))
	}, nil)
	return err == nil && exists
}

// Execute runs loader at most once fleet-wide for key. Whoever runs the
// loader also calls write with a found value, including the uncoordinated
// paths.
//
// The leader's loader error is returned unmodified to the leader's caller
// only. Followers that exhaust their polling budget, or whose ctx ends while
// waiting, get a LOAD_TIMEOUT error. When the lock substrate is unavailable
// the loader runs directly.
func Execute[T any](ctx context.Context, c *Coordinator, key string, loader Loader[T], read Reader[T], write Writer[T]) (T, bool, error) {
	if !c.config.Enabled {
		c.metrics.RecordSingleFlight(OutcomeDisabled)
		return loadDirect(ctx, loader, write)
	}

	lockKey := c.lockKey(key)
	token := c.newToken()
	acquired, err := circuit.Call(c.breaker, func() (bool, error) {
		return c.store.SetNX(ctx, lockKey, token, c.config.LockTTL)
	}, func(cause error) (bool, error) {
		return false, cause
	})
	if err != nil {
		c.metrics.RecordSingleFlight(OutcomeFailOpen)
		c.logger.Warn("Lock substrate unavailable, loading without coordination", "key", key, "error", err)
		return loadDirect(ctx, loader, write)
	}

	if acquired {
		c.metrics.RecordSingleFlight(OutcomeLeader)
		return lead(ctx, c, key, token, loader, write)
	}

	c.metrics.RecordSingleFlight(OutcomeFollower)
	return follow(ctx, c, key, loader, read, write)
}

func loadDirect[T any](ctx context.Context, loader Loader[T], write Writer[T]) (T, bool, error) {
	value, found, err := loader(ctx)
	if err == nil && found {
		write(ctx, value)
	}
	return value, found, err
}

func lead[T any](ctx context.Context, c *Coordinator, key string, token []byte, loader Loader[T], write Writer[T]) (value T, found bool, err error) {
	returned := false
	defer func() {
		if !returned || err != nil {
			c.markFailed(ctx, key)
		}
		c.release(ctx, key, token)
	}()

	value, found, err = loader(ctx)
	returned = true
	if err != nil || !found {
		return value, found, err
	}
	write(ctx, value)
	return value, true, nil
}

// release deletes the lock if this leader still owns it. It runs even when
// the caller's context is already cancelled.
func (c *Coordinator) release(ctx context.Context, key string, token []byte) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	released, err := circuit.Call(c.breaker, func() (bool, error) {
		return c.store.CompareAndDelete(rctx, c.lockKey(key), token)
	}, nil)
	switch {
	case err != nil:
		c.logger.Warn("Failed to release lock, it will expire", "key", key, "ttl", c.config.LockTTL, "error", err)
	case !released:
		c.logger.Warn("Lock expired before the loader finished", "key", key, "ttl", c.config.LockTTL)
	}
}

// markFailed leaves the failure marker for followers of key. It must land
// before the lock is released.
func (c *Coordinator) markFailed(ctx context.Context, key string) {
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	err := c.breaker.Execute(func() error {
		return c.store.Set(mctx, c.failureKey(key), []byte(c.owner), c.config.FailureTTL)
	})
	if err != nil {
		c.logger.Warn("Failed to mark failed load, followers will report absence", "key", key, "error", err)
	}
}

type pollResult[T any] struct {
	value        T
	found        bool
	err          error
	failOpen     bool
	leaderFailed bool
}

// poller drives one follower's polling on timers.
type poller[T any] struct {
	ctx      context.Context
	c        *Coordinator
	key      string
	read     Reader[T]
	attempts int

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	done    chan pollResult[T]
}

func follow[T any](ctx context.Context, c *Coordinator, key string, loader Loader[T], read Reader[T], write Writer[T]) (T, bool, error) {
	p := &poller[T]{
		ctx:  ctx,
		c:    c,
		key:  key,
		read: read,
		done: make(chan pollResult[T], 1),
	}
	p.schedule()

	budget := c.WaitBudget()
	deadline := time.NewTimer(budget)
	defer deadline.Stop()

	var zero T
	select {
	case res := <-p.done:
		switch {
		case res.failOpen:
			c.metrics.RecordSingleFlight(OutcomeFailOpen)
			c.logger.Warn("Lock substrate failed while waiting, loading without coordination", "key", key)
			return loadDirect(ctx, loader, write)
		case res.leaderFailed:
			c.metrics.RecordSingleFlight(OutcomeFailed)
			return zero, false, res.err
		case res.err != nil:
			c.metrics.RecordSingleFlight(OutcomeTimeout)
			return zero, false, res.err
		case !res.found:
			c.metrics.RecordSingleFlight(OutcomeEmpty)
		}
		return res.value, res.found, nil

	case <-deadline.C:
		p.stop()
		c.metrics.RecordSingleFlight(OutcomeTimeout)
		return zero, false, c.timeoutError(key, p.attemptCount(), budget, nil)

	case <-ctx.Done():
		p.stop()
		c.metrics.RecordSingleFlight(OutcomeTimeout)
		return zero, false, c.timeoutError(key, p.attemptCount(), budget, ctx.Err())
	}
}

func (c *Coordinator) timeoutError(key string, attempts int, budget time.Duration, cause error) error {
	err := cerrors.NewError(cerrors.ErrCodeLoadTimeout,
		fmt.Sprintf("gave up waiting for the leader after %d polls", attempts)).
		WithComponent("singleflight").
		WithOperation("execute").
		WithKey(key).
		WithDetail("attempts", attempts).
		WithDetail("budget", budget.String())
	if cause != nil {
		err = err.WithCause(cause)
	}
	return err
}

func (c *Coordinator) leaderFailedError(key string) error {
	return cerrors.NewError(cerrors.ErrCodeLoadTimeout, "the leader's load failed").
		WithComponent("singleflight").
		WithOperation("execute").
		WithKey(key).
		WithDetail("leader_failed", true)
}

func (p *poller[T]) schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.timer = time.AfterFunc(p.c.config.PollInterval, p.poll)
}

func (p *poller[T]) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
}

func (p *poller[T]) attemptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func (p *poller[T]) finish(res pollResult[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	p.done <- res
}

func (p *poller[T]) poll() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.attempts++
	attempt := p.attempts
	p.mu.Unlock()

	if value, ok := p.read(p.ctx); ok {
		p.finish(pollResult[T]{value: value, found: true})
		return
	}

	held, err := circuit.Call(p.c.breaker, func() (bool, error) {
		return p.c.store.Exists(p.ctx, p.c.lockKey(p.key))
	}, nil)
	switch {
	case err != nil && circuit.IsRejection(err):
		p.finish(pollResult[T]{failOpen: true})
		return
	case err == nil && !held:
		// the leader finished; one more read closes the race with its write
		if value, ok := p.read(p.ctx); ok {
			p.finish(pollResult[T]{value: value, found: true})
			return
		}
		failed, ferr := circuit.Call(p.c.breaker, func() (bool, error) {
			return p.c.store.Exists(p.ctx, p.c.failureKey(p.key))
		}, nil)
		if ferr == nil && failed {
			p.finish(pollResult[T]{err: p.c.leaderFailedError(p.key), leaderFailed: true})
			return
		}
		p.finish(pollResult[T]{})
		return
	}

	if attempt >= p.c.config.MaxRetries {
		p.finish(pollResult[T]{err: p.c.timeoutError(p.key, attempt, p.c.WaitBudget(), nil)})
		return
	}
	p.schedule()
}
