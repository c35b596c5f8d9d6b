package resolver

import (
	"time"

	"github.com/okian/mentorsync/pkg/logger"
	"github.com/okian/mentorsync/pkg/retry"
)

const (
	defaultConcurrency = 5
	defaultReadTimeout = time.Minute
)

// Option applies a configuration option to the Resolver.
type Option func(*Resolver)

// WithConcurrency bounds the number of concurrent alias reads.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithRetry sets the retry policy for transient read failures.
func WithRetry(cfg retry.Config) Option {
	return func(r *Resolver) {
		r.retry = cfg
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.log = l
		}
	}
}

// WithReadTimeout bounds one shared alias read, retries included.
func WithReadTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.readTimeout = d
		}
	}
}
