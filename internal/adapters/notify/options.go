package notify

import (
	"time"

	"github.com/okian/mentorsync/pkg/logger"
)

const (
	defaultDialTimeout    = 5 * time.Second
	defaultPublishTimeout = 2 * time.Second
)

// Option configures a Redis notifier.
type Option func(*Redis)

// WithChannel sets the Pub/Sub channel.
func WithChannel(channel string) Option {
	return func(r *Redis) {
		if channel != "" {
			r.channel = channel
		}
	}
}

// WithAuth sets the password and database number.
func WithAuth(password string, db int) Option {
	return func(r *Redis) {
		r.password = password
		r.db = db
	}
}

// WithPublishTimeout bounds a single publish.
func WithPublishTimeout(d time.Duration) Option {
	return func(r *Redis) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock replaces the message timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Redis) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Redis) {
		if l != nil {
			r.log = l
		}
	}
}
