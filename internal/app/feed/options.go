package feed

import "github.com/okian/mentorsync/pkg/logger"

const (
	defaultCursorName = "events"
	defaultSpan       = 2000
)

// Option applies a configuration option to the Feed.
type Option func(*Feed)

// WithPoll sets the cron spec of periodic polls.
func WithPoll(spec string) Option {
	return func(f *Feed) {
		f.spec = spec
	}
}

// WithCursorStore persists the cursor under name.
func WithCursorStore(s CursorStore, name string) Option {
	return func(f *Feed) {
		f.store = s
		if name != "" {
			f.name = name
		}
	}
}

// WithStartBlock sets the first block read when no cursor exists.
func WithStartBlock(block uint64) Option {
	return func(f *Feed) {
		f.start = block
	}
}

// WithMaxSpan bounds the blocks read per event query.
func WithMaxSpan(span uint64) Option {
	return func(f *Feed) {
		if span > 0 {
			f.span = span
		}
	}
}

// WithConfirmations keeps the feed that many blocks behind the head.
func WithConfirmations(n uint64) Option {
	return func(f *Feed) {
		f.confirmations = n
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(f *Feed) {
		if l != nil {
			f.log = l
		}
	}
}
