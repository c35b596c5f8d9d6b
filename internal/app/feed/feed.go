// Package feed polls the ledger for contract events and hands them to the
// observation queue. Only blocks at least the configured number of
// confirmations deep are read, and the last scanned block is persisted so a
// restart resumes where it stopped.
package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/okian/mentorsync/internal/adapters/ledger"
	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/internal/domain/model"
	"github.com/okian/mentorsync/pkg/logger"
	"github.com/okian/mentorsync/pkg/metrics"
)

// Reader is the ledger surface the feed reads.
type Reader interface {
	Head(ctx context.Context) (uint64, error)
	Events(ctx context.Context, from, to uint64) (ledger.Batch, error)
}

// Aliases lists the string ids whose topics can be mapped back.
type Aliases interface {
	StringAliases() []string
}

// Queue accepts observations for the workers.
type Queue interface {
	Enqueue(ctx context.Context, o model.Observation) bool
}

// CursorStore persists the last scanned block.
type CursorStore interface {
	Cursor(ctx context.Context, name string) (uint64, bool, error)
	SaveCursor(ctx context.Context, name string, block uint64) error
}

// Feed is the event poller.
type Feed struct {
	reader Reader
	ids    Aliases
	queue  Queue
	store  CursorStore
	log    logger.Logger

	name          string
	start         uint64
	span          uint64
	confirmations uint64
	spec          string
	cron          *cron.Cron

	mu     sync.Mutex
	cursor uint64
	loaded bool
}

// New creates a feed.
func New(reader Reader, ids Aliases, q Queue, opts ...Option) *Feed {
	f := &Feed{
		reader: reader,
		ids:    ids,
		queue:  q,
		log:    logger.NewNop(),
		name:   defaultCursorName,
		span:   defaultSpan,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start polls on the configured cron spec until Stop.
func (f *Feed) Start(ctx context.Context) error {
	if f.spec == "" {
		return nil
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	f.cron = cron.New(cron.WithParser(parser), cron.WithChain(
		cron.SkipIfStillRunning(logger.Cron(f.log)),
		cron.Recover(logger.Cron(f.log)),
	))
	if _, err := f.cron.AddFunc(f.spec, func() {
		if _, err := f.Poll(ctx); err != nil {
			f.log.Warn(ctx, "event poll failed", logger.Error(err))
		}
	}); err != nil {
		return failure.Wrap(failure.KindConfig, "feed.start", fmt.Errorf("poll spec %q: %w", f.spec, err))
	}
	f.cron.Start()
	f.log.Info(ctx, "event feed started", logger.String("spec", f.spec), logger.Uint64("confirmations", f.confirmations))
	return nil
}

// Stop stops polling and waits for a running poll.
func (f *Feed) Stop() {
	if f.cron != nil {
		<-f.cron.Stop().Done()
	}
}

// Cursor returns the last scanned block.
func (f *Feed) Cursor() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}

// Poll scans every confirmed block after the cursor and returns how many
// observations were enqueued. The cursor advances one span at a time, so a
// failure part way keeps the spans already handed over.
func (f *Feed) Poll(ctx context.Context) (int, error) {
	const op = "feed.poll"
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.loadCursor(ctx); err != nil {
		return 0, err
	}
	head, err := f.reader.Head(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: read head: %w", op, err)
	}
	if head < f.confirmations {
		return 0, nil
	}
	safe := head - f.confirmations

	from := f.cursor + 1
	if f.cursor == 0 && f.start > 0 {
		from = f.start
	}
	if from > safe {
		return 0, nil
	}

	topics := f.topics()
	total := 0
	for from <= safe {
		to := min(from+f.span-1, safe)
		batch, err := f.reader.Events(ctx, from, to)
		if err != nil {
			return total, fmt.Errorf("%s: events %d-%d: %w", op, from, to, err)
		}
		for _, derr := range batch.DecodeErrors {
			metrics.RecordDecodeError()
			f.log.Warn(ctx, "undecodable event skipped", logger.Error(derr))
		}
		for _, e := range batch.Events {
			obs, ok := observation(e, topics)
			if !ok {
				metrics.RecordUnknownAlias()
				f.log.Debug(ctx, "event for unmapped topic skipped", logger.String("topic", e.Topic), logger.String("key", e.Key))
				continue
			}
			if !f.queue.Enqueue(ctx, obs) {
				return total, fmt.Errorf("%s: %w at block %d", op, ErrQueueRejected, e.Sequence)
			}
			total++
		}
		if err := f.advance(ctx, to); err != nil {
			return total, err
		}
		from = to + 1
	}
	if total > 0 {
		f.log.Debug(ctx, "events enqueued", logger.Int("count", total), logger.Uint64("cursor", f.cursor))
	}
	return total, nil
}

func (f *Feed) loadCursor(ctx context.Context) error {
	if f.loaded || f.store == nil {
		f.loaded = true
		return nil
	}
	block, ok, err := f.store.Cursor(ctx, f.name)
	if err != nil {
		return fmt.Errorf("load feed cursor: %w", err)
	}
	if ok {
		f.cursor = block
		metrics.UpdateFeedCursor(block)
	}
	f.loaded = true
	return nil
}

func (f *Feed) advance(ctx context.Context, block uint64) error {
	f.cursor = block
	metrics.UpdateFeedCursor(block)
	if f.store == nil {
		return nil
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := f.store.SaveCursor(saveCtx, f.name, block); err != nil {
		return fmt.Errorf("save feed cursor: %w", err)
	}
	return nil
}

// topics maps the keccak topic of every known string alias back to it.
func (f *Feed) topics() map[string]string {
	out := make(map[string]string)
	if f.ids == nil {
		return out
	}
	for _, a := range f.ids.StringAliases() {
		out[ledger.TopicOf(a)] = a
	}
	return out
}

// observation turns an event into an observation addressed by alias.
func observation(e ledger.Event, topics map[string]string) (model.Observation, bool) {
	obs := model.Observation{
		Kind:     e.Kind,
		Source:   model.SourceEvent,
		Index:    e.Index,
		Mentor:   e.Mentor,
		Sequence: e.Sequence,
		Key:      e.Key,
	}
	if e.Kind == model.ObservedMentorAdded {
		return obs, true
	}
	id := e.StartupID
	if id == "" {
		id = topics[e.Topic]
	}
	if id == "" {
		return obs, false
	}
	obs.Alias = model.IDAlias(id)
	return obs, true
}
