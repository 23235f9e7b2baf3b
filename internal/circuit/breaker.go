// Package circuit provides the circuit breaker that guards every call against
// the shared store and the invalidation channel.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

var (
	// ErrOpenState is returned when the circuit breaker is open
	ErrOpenState = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned when the half-open request budget is used up
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config contains circuit breaker configuration
type Config struct {
	// MaxRequests is the request budget while half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval is how long closed-state counts accumulate before resetting
	Interval time.Duration `yaml:"interval"`

	// Timeout is how long the breaker stays open before probing
	Timeout time.Duration `yaml:"timeout"`

	// MinRequests and FailureRatio drive the default trip decision
	MinRequests  uint32  `yaml:"min_requests"`
	FailureRatio float64 `yaml:"failure_ratio"`

	ReadyToTrip   func(counts Counts) bool                `yaml:"-"`
	IsSuccessful  func(err error) bool                    `yaml:"-"`
	OnStateChange func(name string, from State, to State) `yaml:"-"`
	OnFallback    func(name string, cause error)          `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}
	if c.MinRequests == 0 {
		c.MinRequests = 20
	}
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		c.FailureRatio = 0.5
	}
	if c.ReadyToTrip == nil {
		minRequests, ratio := c.MinRequests, c.FailureRatio
		c.ReadyToTrip = func(counts Counts) bool {
			return counts.failureRatioAtLeast(minRequests, ratio)
		}
	}
	if c.IsSuccessful == nil {
		c.IsSuccessful = succeededOrCanceled
	}
	return c
}

// succeededOrCanceled counts a caller abort as a success; it says nothing
// about the guarded resource.
func succeededOrCanceled(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

// Counts holds the request outcomes of the current window
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

func (c Counts) failureRatioAtLeast(minRequests uint32, ratio float64) bool {
	return c.Requests >= minRequests &&
		float64(c.TotalFailures)/float64(c.Requests) >= ratio
}

func (c *Counts) record(ok bool) {
	if ok {
		c.TotalSuccesses++
		c.ConsecutiveSuccesses++
		c.ConsecutiveFailures = 0
		return
	}
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

type transition struct{ from, to State }

// CircuitBreaker implements the circuit breaker pattern. Every state change
// starts a new generation; outcomes of calls admitted in an older
// generation are dropped.
type CircuitBreaker struct {
	name   string
	config Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	deadline   time.Time // closed: window end, open: when to try half-open
	forced     bool
	fallbacks  uint64
}

// NewCircuitBreaker creates a new circuit breaker instance
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	config = config.withDefaults()
	return &CircuitBreaker{
		name:     name,
		config:   config,
		deadline: time.Now().Add(config.Interval),
	}
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn if the breaker admits it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	gen, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(gen, cb.config.IsSuccessful(err))
	return err
}

// ExecuteWithFallback runs fn; on rejection or failure fallback receives the
// cause and its result is returned instead.
func (cb *CircuitBreaker) ExecuteWithFallback(fn func() error, fallback func(cause error) error) error {
	err := cb.Execute(fn)
	if err == nil || fallback == nil {
		return err
	}
	cb.noteFallback(err)
	return fallback(err)
}

// Call runs fn through cb and returns its value. On rejection or failure the
// fallback supplies the value instead.
func Call[T any](cb *CircuitBreaker, fn func() (T, error), fallback func(cause error) (T, error)) (T, error) {
	var out T
	err := cb.Execute(func() error {
		v, err := fn()
		if err == nil {
			out = v
		}
		return err
	})
	if err == nil || fallback == nil {
		return out, err
	}
	cb.noteFallback(err)
	return fallback(err)
}

// IsRejection reports whether err came from the breaker itself rather than
// from the guarded call.
func IsRejection(err error) bool {
	return errors.Is(err, ErrOpenState) || errors.Is(err, ErrTooManyRequests)
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	if cb.forced {
		cb.mu.Unlock()
		return 0, ErrOpenState
	}
	changes := cb.advance(time.Now())

	var err error
	switch {
	case cb.state == StateOpen:
		err = ErrOpenState
	case cb.state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxRequests:
		err = ErrTooManyRequests
	default:
		cb.counts.Requests++
		cb.counts.LastActivity = time.Now()
	}
	gen := cb.generation
	cb.mu.Unlock()

	cb.notify(changes)
	return gen, err
}

func (cb *CircuitBreaker) settle(gen uint64, ok bool) {
	cb.mu.Lock()
	now := time.Now()
	changes := cb.advance(now)
	if gen == cb.generation {
		cb.counts.record(ok)
		switch {
		case cb.state == StateHalfOpen && ok:
			changes = append(changes, cb.moveTo(StateClosed, now))
		case cb.state == StateHalfOpen:
			changes = append(changes, cb.moveTo(StateOpen, now))
		case cb.state == StateClosed && !ok && cb.config.ReadyToTrip(cb.counts):
			changes = append(changes, cb.moveTo(StateOpen, now))
		}
	}
	cb.mu.Unlock()

	cb.notify(changes)
}

// advance applies time-driven changes: a closed window rolls over and an
// open breaker starts probing. Caller holds mu.
func (cb *CircuitBreaker) advance(now time.Time) []transition {
	switch cb.state {
	case StateClosed:
		if now.After(cb.deadline) {
			cb.generation++
			cb.counts = Counts{}
			cb.deadline = now.Add(cb.config.Interval)
		}
	case StateOpen:
		if now.After(cb.deadline) {
			return []transition{cb.moveTo(StateHalfOpen, now)}
		}
	}
	return nil
}

// moveTo switches state and opens a new generation. Caller holds mu.
func (cb *CircuitBreaker) moveTo(to State, now time.Time) transition {
	t := transition{from: cb.state, to: to}
	cb.state = to
	cb.generation++
	cb.counts = Counts{}
	switch to {
	case StateClosed:
		cb.deadline = now.Add(cb.config.Interval)
	case StateOpen:
		cb.deadline = now.Add(cb.config.Timeout)
	default:
		cb.deadline = time.Time{}
	}
	return t
}

// notify runs the state hook outside mu so it may call back into cb.
func (cb *CircuitBreaker) notify(changes []transition) {
	if cb.config.OnStateChange == nil {
		return
	}
	for _, t := range changes {
		if t.from != t.to {
			cb.config.OnStateChange(cb.name, t.from, t.to)
		}
	}
}

func (cb *CircuitBreaker) noteFallback(cause error) {
	cb.mu.Lock()
	cb.fallbacks++
	cb.mu.Unlock()

	if cb.config.OnFallback != nil {
		cb.config.OnFallback(cb.name, cause)
	}
}

// ForceOpen pins the breaker open until ClearOverride is called, taking the
// guarded resource out of the request path.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	cb.forced = true
	cb.mu.Unlock()
}

// ClearOverride releases a ForceOpen pin.
func (cb *CircuitBreaker) ClearOverride() {
	cb.mu.Lock()
	cb.forced = false
	cb.mu.Unlock()
}

// GetState returns the current state; a forced breaker reports open.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	if cb.forced {
		cb.mu.Unlock()
		return StateOpen
	}
	changes := cb.advance(time.Now())
	state := cb.state
	cb.mu.Unlock()

	cb.notify(changes)
	return state
}

// GetCounts returns a copy of the current window's counts
func (cb *CircuitBreaker) GetCounts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Fallbacks returns how many times a fallback replaced the guarded call
func (cb *CircuitBreaker) Fallbacks() uint64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.fallbacks
}

// Reset closes the breaker and clears any override and counts.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.forced = false
	var changes []transition
	if cb.state != StateClosed {
		changes = append(changes, cb.moveTo(StateClosed, time.Now()))
	} else {
		cb.generation++
		cb.counts = Counts{}
	}
	cb.mu.Unlock()

	cb.notify(changes)
}
