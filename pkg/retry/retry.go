// Package retry runs an attempt function under a bounded retry policy with an
// optional per-attempt timeout.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes how many times an operation is attempted and how long to
// wait between attempts. The zero value is None.
type Policy struct {
	// Attempts is the total number of attempts. Values below 1 mean a single attempt.
	Attempts int `json:"attempts" yaml:"attempts"`

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff caps the exponential delay.
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// Multiplier grows the delay after each failure. Defaults to 2.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
}

// None attempts exactly once.
func None() Policy {
	return Policy{Attempts: 1}
}

// Bounded attempts up to n times with exponential backoff starting at initial.
func Bounded(n int, initial time.Duration) Policy {
	return Policy{
		Attempts:       n,
		InitialBackoff: initial,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
	}
}

// MaxAttempts returns the effective attempt count.
func (p Policy) MaxAttempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// IsNone reports whether the policy allows a single attempt only.
func (p Policy) IsNone() bool {
	return p.MaxAttempts() == 1
}

// String renders the policy for logs.
func (p Policy) String() string {
	if p.IsNone() {
		return "none"
	}
	return fmt.Sprintf("bounded(%d, %s)", p.MaxAttempts(), p.InitialBackoff)
}

func (p Policy) backOff() backoff.BackOff {
	if p.InitialBackoff <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	if p.Multiplier > 1 {
		b.Multiplier = p.Multiplier
	}
	b.MaxInterval = p.MaxBackoff
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Reset()
	return b
}

// Attempt is called once per try. attempt starts at 1.
type Attempt[T any] func(ctx context.Context, attempt int) (T, error)

// Notify is called after every failed attempt that will be retried.
type Notify func(attempt int, err error, wait time.Duration)

// Options tweak Do.
type Options struct {
	// Timeout bounds each attempt. Zero means no per-attempt limit.
	Timeout time.Duration

	// Notify observes failed attempts.
	Notify Notify
}

// Do calls fn until it succeeds, the policy is exhausted, fn returns a
// permanent error, or ctx is done. A per-attempt timeout counts as an
// ordinary failed attempt. On exhaustion the last attempt's error is returned.
func Do[T any](ctx context.Context, policy Policy, opts Options, fn Attempt[T]) (T, error) {
	attempt := 0
	op := func() (T, error) {
		attempt++
		actx := ctx
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}

		v, err := fn(actx, attempt)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		if errors.Is(err, context.DeadlineExceeded) && actx.Err() != nil {
			err = &TimeoutError{Attempt: attempt, Timeout: opts.Timeout, Err: err}
		}
		return v, err
	}

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(uint(policy.MaxAttempts())),
		backoff.WithMaxElapsedTime(0),
	}
	if opts.Notify != nil {
		retryOpts = append(retryOpts, backoff.WithNotify(func(err error, wait time.Duration) {
			opts.Notify(attempt, err, wait)
		}))
	}

	v, err := backoff.Retry(ctx, op, retryOpts...)
	if perm, ok := err.(*backoff.PermanentError); ok {
		err = perm.Unwrap()
	}
	return v, err
}

// Permanent marks err so that Do stops retrying immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// TimeoutError reports an attempt that exceeded its per-attempt timeout.
type TimeoutError struct {
	Attempt int
	Timeout time.Duration
	Err     error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("attempt %d timed out after %s: %v", e.Attempt, e.Timeout, e.Err)
}

// Unwrap returns the underlying error.
func (e *TimeoutError) Unwrap() error {
	return e.Err
}
