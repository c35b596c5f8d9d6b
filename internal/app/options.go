package service

import (
	"github.com/okian/mentorsync/internal/adapters/ledger"
	"github.com/okian/mentorsync/internal/adapters/notify"
	"github.com/okian/mentorsync/internal/domain/identity"
	"github.com/okian/mentorsync/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLedger uses client instead of dialing the configured ledger. The
// service closes it on Stop.
func WithLedger(client ledger.Client) Option {
	return func(s *Service) {
		s.client = client
	}
}

// WithRegistry uses ids instead of loading the configured registry.
func WithRegistry(ids *identity.Registry) Option {
	return func(s *Service) {
		s.ids = ids
	}
}

// WithNotifier publishes projection changes to n.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}
