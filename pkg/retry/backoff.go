// Package retry runs ledger operations with capped exponential backoff and
// jitter. Only transient failures are retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/pkg/logger"
)

// jitterFactor spreads delays over ±15% of the nominal interval.
const jitterFactor = 0.15

// Config defines retry behavior.
type Config struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterEnabled bool
}

// DefaultConfig returns the settings used for ledger reads.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    4,
		InitialDelay:  250 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		Multiplier:    2.0,
		JitterEnabled: true,
	}
}

// NewBackOff builds the exponential policy described by cfg.
func (c Config) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.InitialDelay > 0 {
		b.InitialInterval = c.InitialDelay
	}
	if c.MaxDelay > 0 {
		b.MaxInterval = c.MaxDelay
	}
	if c.Multiplier >= 1 {
		b.Multiplier = c.Multiplier
	}
	b.RandomizationFactor = 0
	if c.JitterEnabled {
		b.RandomizationFactor = jitterFactor
	}
	b.Reset()
	return b
}

// Do calls fn until it succeeds, returns a non-transient error, the context
// ends or MaxRetries attempts were made.
func Do[T any](ctx context.Context, cfg Config, log logger.Logger, operation string, fn func(context.Context) (T, error)) (T, error) {
	attempts := 0
	op := func() (T, error) {
		attempts++
		v, err := fn(ctx)
		if err != nil && !failure.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, next time.Duration) {
		if log == nil {
			return
		}
		log.Warn(ctx, "operation failed, retrying",
			logger.String("operation", operation),
			logger.Int("attempt", attempts),
			logger.Int("max_retries", cfg.MaxRetries),
			logger.Duration("retry_in", next),
			logger.Error(err),
		)
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(cfg.NewBackOff()),
		backoff.WithNotify(notify),
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(cfg.MaxRetries)))
	}

	v, err := backoff.Retry(ctx, op, opts...)
	if err == nil {
		if attempts > 1 && log != nil {
			log.Info(ctx, "operation succeeded after retries",
				logger.String("operation", operation),
				logger.Int("attempts", attempts),
			)
		}
		return v, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return v, fmt.Errorf("%s cancelled: %w", operation, ctxErr)
	}
	if failure.IsTransient(err) {
		return v, fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, err)
	}
	return v, err
}
