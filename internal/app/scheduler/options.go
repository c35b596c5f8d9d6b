package scheduler

import (
	"time"

	"github.com/okian/mentorsync/pkg/logger"
	"github.com/okian/mentorsync/pkg/retry"
)

func defaultBackoff() retry.Config {
	return retry.Config{
		InitialDelay:  5 * time.Second,
		MaxDelay:      5 * time.Minute,
		Multiplier:    2.0,
		JitterEnabled: true,
	}
}

// Option applies a configuration option to the Scheduler.
type Option func(*Scheduler)

// WithPeriodic refreshes every mentor returned by mentors on the cron spec.
// Specs accept an optional seconds field and descriptors such as "@every 1m".
func WithPeriodic(spec string, mentors func() []string) Option {
	return func(s *Scheduler) {
		s.spec = spec
		s.mentors = mentors
	}
}

// WithBackoff sets the per-mentor backoff after a failed cycle.
func WithBackoff(cfg retry.Config) Option {
	return func(s *Scheduler) {
		s.backoff = cfg
	}
}

// WithMarkerStore persists sync markers.
func WithMarkerStore(store MarkerStore) Option {
	return func(s *Scheduler) {
		s.store = store
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}
