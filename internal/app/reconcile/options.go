package reconcile

import (
	"github.com/okian/mentorsync/internal/domain/audit"
	"github.com/okian/mentorsync/pkg/logger"
)

// Option applies a configuration option to the Reconciler.
type Option func(*Reconciler)

// WithHead reads the ledger head for cycles that resolve no startup.
func WithHead(h Head) Option {
	return func(r *Reconciler) {
		r.head = h
	}
}

// WithJournal keeps every cycle's audit trail.
func WithJournal(j *audit.Journal) Option {
	return func(r *Reconciler) {
		r.journal = j
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}
