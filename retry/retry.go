// Package retry provides exponential backoff retries for operations whose
// errors can be classified as recoverable.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy controls how an operation is retried.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	BaseWait    time.Duration
	MaxWait     time.Duration
	BackoffRate float64

	// RetryAll retries every error instead of only recoverable ones.
	RetryAll bool
}

// DefaultPolicy is used by Do when no options are given.
var DefaultPolicy = Policy{
	MaxRetries:  3,
	BaseWait:    100 * time.Millisecond,
	MaxWait:     5 * time.Second,
	BackoffRate: 2.0,
}

// Option adjusts a Policy.
type Option func(*Policy)

func WithMaxRetries(n int) Option {
	return func(p *Policy) { p.MaxRetries = n }
}

func WithBaseWait(d time.Duration) Option {
	return func(p *Policy) { p.BaseWait = d }
}

func WithMaxWait(d time.Duration) Option {
	return func(p *Policy) { p.MaxWait = d }
}

func WithBackoffRate(rate float64) Option {
	return func(p *Policy) { p.BackoffRate = rate }
}

// WithRetryAll retries errors regardless of IsRecoverable.
func WithRetryAll() Option {
	return func(p *Policy) { p.RetryAll = true }
}

// BackOff returns a backoff.BackOff implementing the policy, bound to ctx.
func (p Policy) BackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.BaseWait > 0 {
		b.InitialInterval = p.BaseWait
	}
	if p.MaxWait > 0 {
		b.MaxInterval = p.MaxWait
	}
	if p.BackoffRate >= 1 {
		b.Multiplier = p.BackoffRate
	}
	b.MaxElapsedTime = 0
	b.Reset()
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Do calls fn until it succeeds, returns a non-recoverable error, the retry
// budget is spent, or ctx is done. The last error from fn is returned.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	p := DefaultPolicy
	for _, opt := range opts {
		opt(&p)
	}
	return p.Do(ctx, fn)
}

// Do runs fn under the policy.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !p.RetryAll && !IsRecoverable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, p.BackOff(ctx))
}
