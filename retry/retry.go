// Package retry provides the retry-with-backoff primitive used by the sync
// coordinator and available to any other network operation.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultMaxAttempts is the default number of attempts before giving up.
	DefaultMaxAttempts = 3

	// DefaultInitialInterval is the delay before the first retry.
	DefaultInitialInterval = 1 * time.Second

	// DefaultMaxInterval caps the delay between attempts.
	DefaultMaxInterval = 10 * time.Second
)

// SleepFunc pauses for the given duration or until the context is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type options struct {
	maxAttempts     int
	initialInterval time.Duration
	maxInterval     time.Duration
	sleep           SleepFunc
	logger          *slog.Logger
}

// Option configures a Do call.
type Option func(*options)

// WithMaxAttempts sets the total attempt budget (including the first call).
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithInitialInterval sets the delay before the first retry.
func WithInitialInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.initialInterval = d
		}
	}
}

// WithMaxInterval caps the delay between attempts.
func WithMaxInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxInterval = d
		}
	}
}

// WithSleep sets the sleep function, for deterministic tests.
func WithSleep(sleep SleepFunc) Option {
	return func(o *options) {
		o.sleep = sleep
	}
}

// WithLogger sets the logger for retry attempts.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Do runs op until it succeeds or the attempt budget is exhausted, sleeping
// between attempts on a doubling schedule (1s, 2s, ... capped at 10s by
// default, no jitter). On exhaustion the last observed error is returned
// unchanged so callers decide whether exhaustion is fatal. If the context
// is cancelled during a sleep, the context error is returned.
func Do(ctx context.Context, op func(ctx context.Context) error, opts ...Option) error {
	o := &options{
		maxAttempts:     DefaultMaxAttempts,
		initialInterval: DefaultInitialInterval,
		maxInterval:     DefaultMaxInterval,
		sleep:           sleepContext,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.initialInterval
	policy.MaxInterval = o.maxInterval
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.Reset()

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt >= o.maxAttempts {
			return lastErr
		}

		delay := policy.NextBackOff()
		o.logger.Debug("operation failed, retrying",
			"attempt", attempt,
			"max_attempts", o.maxAttempts,
			"delay", delay,
			"error", lastErr)

		if err := o.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// sleepContext sleeps for d or returns the context error if cancelled first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
