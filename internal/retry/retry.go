// Package retry implements the bounded retry policy shared by batch delivery
// and webhook actions. Retries are bounded by attempt count, not wall-clock
// time.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/syntrixbase/beacon/internal/config"
)

const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = time.Second
)

// ErrExhausted wraps the last error once every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// FatalError represents an error that should not be retried.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal marks err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal checks if an error is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Policy defines how failed attempts are retried. With the default
// Multiplier of 1 the delay between attempts is fixed.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultPolicy is three attempts one second apart.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		Multiplier:     1,
	}
}

// FromConfig converts the configuration section into a Policy.
func FromConfig(c config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff.Std(),
		MaxBackoff:     c.MaxBackoff.Std(),
		Multiplier:     c.Multiplier,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialBackoff < 0 {
		p.InitialBackoff = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

// Backoff returns the delay after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if p.MaxBackoff > 0 && d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	backoff := time.Duration(d)
	if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	return backoff
}

// Func is one attempt. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// Observer is notified before each retry delay.
type Observer func(attempt int, err error, delay time.Duration)

// Retrier runs a Func under a Policy.
type Retrier struct {
	policy  Policy
	clock   clock.Clock
	observe Observer
}

// New creates a Retrier. A nil clk uses the wall clock.
func New(policy Policy, clk clock.Clock) *Retrier {
	if clk == nil {
		clk = clock.New()
	}
	return &Retrier{policy: policy.normalized(), clock: clk}
}

// OnRetry registers an observer for retries.
func (r *Retrier) OnRetry(fn Observer) *Retrier {
	r.observe = fn
	return r
}

// Policy returns the effective policy.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do calls fn until it succeeds, returns a fatal error, the context is done
// or MaxAttempts is reached. It returns the number of attempts made. After
// exhaustion the error wraps both ErrExhausted and the last failure.
func (r *Retrier) Do(ctx context.Context, fn Func) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if IsFatal(lastErr) {
			return attempt, lastErr
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.policy.Backoff(attempt)
		if r.observe != nil {
			r.observe(attempt, lastErr, delay)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}
	return r.policy.MaxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, r.policy.MaxAttempts, lastErr)
}

func (r *Retrier) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := r.clock.Timer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
