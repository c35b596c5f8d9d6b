package projection

import (
	"github.com/okian/mentorsync/internal/domain/classify"
	"github.com/okian/mentorsync/pkg/logger"
)

// Option configures a Projector.
type Option func(*Projector)

// WithClassifier sets how raw ledger type strings are normalized.
func WithClassifier(c classify.Classifier) Option {
	return func(p *Projector) {
		if c != nil {
			p.classifier = c
		}
	}
}

// WithCanonicalizer sets the alias lookup used by Collapse.
func WithCanonicalizer(c Canonicalizer) Option {
	return func(p *Projector) {
		if c != nil {
			p.ids = c
		}
	}
}

// WithStore persists every change through s.
func WithStore(s Store) Option {
	return func(p *Projector) {
		if s != nil {
			p.store = s
		}
	}
}

// WithNotifier publishes every change through n.
func WithNotifier(n Notifier) Option {
	return func(p *Projector) {
		if n != nil {
			p.notifier = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Projector) {
		if l != nil {
			p.log = l
		}
	}
}
