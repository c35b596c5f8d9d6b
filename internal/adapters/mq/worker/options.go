package worker

import (
	"github.com/okian/mentorsync/internal/domain/audit"
	"github.com/okian/mentorsync/pkg/logger"
)

// Option applies a configuration option to the InMemoryWorker.
type Option func(*InMemoryWorker)

// WithName sets the worker name for identification and logging.
func WithName(name string) Option {
	return func(w *InMemoryWorker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithLogger sets a custom logger for the worker.
func WithLogger(l logger.Logger) Option {
	return func(w *InMemoryWorker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithAfterApply registers a hook run after every changing observation.
func WithAfterApply(fn AfterApply) Option {
	return func(w *InMemoryWorker) {
		w.after = fn
	}
}

// WithJournal keeps the trails of observations that were absorbed or failed.
func WithJournal(j *audit.Journal) Option {
	return func(w *InMemoryWorker) {
		w.journal = j
	}
}
