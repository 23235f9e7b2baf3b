// Package retry re-runs operations that fail with a retryable cache error,
// waiting an exponentially growing delay between attempts.
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/objectfs/tiercache/pkg/errors"
)

// Config sets the attempt budget and the backoff curve.
type Config struct {
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`

	// Jitter spreads each delay by up to 20% either way
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors are retried even when the error is not flagged
	// retryable itself
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig retries unreachable tiers and load timeouts five times,
// starting at 100ms.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		Multiplier:      2,
		Jitter:          true,
		RetryableErrors: []errors.ErrorCode{errors.ErrCodeTierUnavailable, errors.ErrCodeLoadTimeout},
	}
}

// Retryer applies one Config.
type Retryer struct {
	config Config
}

// New fills zero fields of config from DefaultConfig.
func New(config Config) *Retryer {
	d := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = d.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = d.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = d.MaxDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = d.Multiplier
	}
	return &Retryer{config: config}
}

// WithMaxAttempts returns a copy with a different attempt budget.
func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	c := r.config
	c.MaxAttempts = attempts
	return New(c)
}

// WithOnRetry returns a copy that calls callback before every wait.
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	c := r.config
	c.OnRetry = callback
	return New(c)
}

// Retryable reports whether err is a CacheError flagged retryable or
// carrying one of codes.
func Retryable(err error, codes []errors.ErrorCode) bool {
	var ce *errors.CacheError
	if !stderr.As(err, &ce) {
		return false
	}
	return ce.Retryable || slices.Contains(codes, ce.Code)
}

// Backoff is the wait after the given failed attempt (1-based).
func (r *Retryer) Backoff(attempt int) time.Duration {
	d := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	d = math.Min(d, float64(r.config.MaxDelay))
	if r.config.Jitter {
		d *= 1 + 0.2*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

// Do is DoWithContext without a deadline.
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(context.Context) error { return fn() })
}

// DoWithContext runs fn until it succeeds or returns a non-retryable error,
// the budget is spent, or ctx is done. A non-retryable error is returned
// as is; exhaustion wraps the last error.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("operation canceled: %w", cerr)
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if !Retryable(err, r.config.RetryableErrors) {
			return err
		}
		if attempt >= r.config.MaxAttempts {
			return fmt.Errorf("max retry attempts (%d) exceeded: %w", r.config.MaxAttempts, err)
		}

		delay := r.Backoff(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}
		if werr := wait(ctx, delay); werr != nil {
			return fmt.Errorf("operation canceled after %d attempts: %w", attempt, werr)
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
