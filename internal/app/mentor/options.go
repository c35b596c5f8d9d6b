package mentor

import (
	"github.com/okian/mentorsync/pkg/logger"
	"github.com/okian/mentorsync/pkg/retry"
)

// Option applies a configuration option to the Manager.
type Option func(*Manager)

// WithRefresher sets the post-write refresh target.
func WithRefresher(r Refresher) Option {
	return func(m *Manager) {
		m.refresher = r
	}
}

// WithRetry sets the retry policy for transient write failures.
func WithRetry(cfg retry.Config) Option {
	return func(m *Manager) {
		m.retry = cfg
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}
