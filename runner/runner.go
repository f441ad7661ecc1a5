// Package runner retries an operation while a peer is coming up.
//
// Delays come from a cenkalti/backoff policy; the number of attempts, the
// set of retryable errors and the way the retrier waits are options.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/goliatone/go-runcontrol/logging"
)

type Option func(*Retrier)

// Attempts caps how often Run calls the operation. Values below one are
// ignored.
func Attempts(n int) Option {
	return func(r *Retrier) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// Constant waits d between attempts.
func Constant(d time.Duration) Option {
	return func(r *Retrier) {
		r.policy = func() backoff.BackOff { return backoff.NewConstantBackOff(d) }
	}
}

// Exponential doubles the wait from initial up to max, without jitter.
func Exponential(initial, max time.Duration) Option {
	return func(r *Retrier) {
		r.policy = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxInterval = max
			b.Multiplier = 2
			b.RandomizationFactor = 0
			b.MaxElapsedTime = 0
			return b
		}
	}
}

// RetryOn limits retries to errors accepted by match. Anything else is
// returned at once.
func RetryOn(match func(error) bool) Option {
	return func(r *Retrier) {
		r.retryable = match
	}
}

// WithTimeout bounds the whole Run, waits included.
func WithTimeout(d time.Duration) Option {
	return func(r *Retrier) {
		r.timeout = d
	}
}

// OnRetry is told about every failure that will be retried.
func OnRetry(fn func(err error, attempt int, next time.Duration)) Option {
	return func(r *Retrier) {
		r.notify = fn
	}
}

// WithSleep replaces the wait between attempts.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(r *Retrier) {
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(r *Retrier) {
		if l != nil {
			r.logger = l
		}
	}
}

type Retrier struct {
	attempts  int
	timeout   time.Duration
	policy    func() backoff.BackOff
	retryable func(error) bool
	notify    func(error, int, time.Duration)
	sleep     func(context.Context, time.Duration) error
	logger    logging.Logger
}

// New returns a retrier that makes a single attempt unless told otherwise.
func New(opts ...Option) *Retrier {
	r := &Retrier{
		attempts: 1,
		policy:   func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		sleep:    sleepContext,
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Retrier) Attempts() int { return r.attempts }

// Run calls fn until it succeeds, returns a non retryable error, the
// attempts run out or ctx ends. The last error from fn is returned; an
// interrupted wait wraps it. backoff.Permanent errors are never retried.
func (r *Retrier) Run(ctx context.Context, fn func(context.Context) error) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	policy := r.policy()
	policy.Reset()
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return permanent.Err
		}
		if attempt >= r.attempts || (r.retryable != nil && !r.retryable(err)) {
			return err
		}
		next := policy.NextBackOff()
		if next == backoff.Stop {
			return err
		}

		r.logger.Debug("attempt %d of %d failed, next in %s: %v", attempt, r.attempts, next, err)
		if r.notify != nil {
			r.notify(err, attempt, next)
		}
		if serr := r.sleep(ctx, next); serr != nil {
			return fmt.Errorf("gave up after attempt %d: %w", attempt, err)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
