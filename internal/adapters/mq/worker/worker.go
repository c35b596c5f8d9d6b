// Package worker applies queued ledger observations to the projection.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/okian/mentorsync/internal/adapters/mq/queue"
	"github.com/okian/mentorsync/internal/domain/audit"
	"github.com/okian/mentorsync/internal/domain/dedupe"
	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/internal/domain/model"
	"github.com/okian/mentorsync/internal/domain/projection"
	"github.com/okian/mentorsync/pkg/logger"
	"github.com/okian/mentorsync/pkg/metrics"
)

const (
	defaultWorkerCount  = 4
	poolShutdownTimeout = 30 * time.Second
)

// Applier merges a canonical observation into the projection.
type Applier interface {
	Apply(ctx context.Context, trail *audit.Trail, obs model.Observation) (projection.Outcome, error)
}

// Identities canonicalizes the alias an observation was read under.
type Identities interface {
	Ensure(alias model.Alias) (string, error)
}

// Queue defines how workers receive observations.
type Queue interface {
	Dequeue(ctx context.Context) <-chan queue.Observation
}

// AfterApply runs after an observation changed the projection.
type AfterApply func(ctx context.Context, obs model.Observation, outcome projection.Outcome)

// Worker processes observations until stopped.
type Worker interface {
	// Run starts the worker loop until ctx is canceled.
	Run(ctx context.Context)

	// Shutdown stops the worker and waits for the loop to exit.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker.
type InMemoryWorker struct {
	queue   Queue
	applier Applier
	ids     Identities
	dedupe  dedupe.Deduper
	after   AfterApply
	journal *audit.Journal
	name    string

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a worker. A nil deduper disables dedupe.
func NewInMemoryWorker(q Queue, applier Applier, ids Identities, d dedupe.Deduper, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:    q,
		applier:  applier,
		ids:      ids,
		dedupe:   d,
		name:     "worker",
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named(w.name)
	return w
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	items := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case obs, ok := <-items:
			if !ok {
				return
			}
			if err := w.Process(ctx, obs); err != nil {
				w.logger.Error(ctx, "error processing observation", logger.Error(err))
			}
		}
	}
}

// Shutdown stops the worker.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() { close(w.shutdown) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Process handles one observation: dedupe by event key, canonicalize the
// alias and apply. Absorbed failures are logged and dropped.
func (w *InMemoryWorker) Process(ctx context.Context, obs model.Observation) error { //nolint:gocritic // hugeParam: matches the queue element type
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Milliseconds()))
	}()

	if obs.Key != "" && w.dedupe != nil && w.dedupe.SeenAndRecord(ctx, obs.Key) {
		metrics.RecordEventDuplicate()
		w.logger.Debug(ctx, "duplicate event dropped", logger.String("key", obs.Key))
		return nil
	}

	trail := audit.New("event." + obs.Kind.String())
	defer w.keep(trail)

	if obs.Kind != model.ObservedMentorAdded && obs.StartupID == "" {
		id, err := w.ids.Ensure(obs.Alias)
		if err != nil {
			metrics.RecordUnknownAlias()
			trail.Warn("event for unmapped alias dropped", err, "alias", obs.Alias.String(), "key", obs.Key)
			w.logger.Warn(ctx, "event for unmapped alias dropped",
				logger.String("alias", obs.Alias.String()),
				logger.String("key", obs.Key),
				logger.Error(err),
			)
			return nil
		}
		obs.StartupID = id
	}

	outcome, err := w.applier.Apply(ctx, trail, obs)
	if err != nil {
		if failure.Absorbed(err) {
			return nil
		}
		if obs.Key != "" && w.dedupe != nil {
			w.dedupe.Unrecord(ctx, obs.Key)
		}
		metrics.RecordWorkerError()
		metrics.RecordErrorByComponent("worker", failure.Category(err))
		trail.Fail("apply failed", err, "subject", obs.Subject())
		return fmt.Errorf("apply %s %s: %w", obs.Kind, obs.Subject(), err)
	}

	if outcome.Changed() && w.after != nil {
		w.after(ctx, obs, outcome)
	}
	return nil
}

func (w *InMemoryWorker) keep(trail *audit.Trail) {
	trail.Finish()
	if w.journal == nil {
		return
	}
	if trail.Count(audit.LevelWarn)+trail.Count(audit.LevelError) > 0 {
		w.journal.Keep(trail)
	}
}

// Pool runs several workers over one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue
	logger  logger.Logger
}

// NewPool creates workerCount workers sharing the queue, projection,
// identities and deduper. opts apply to every worker.
func NewPool(workerCount int, q Queue, applier Applier, ids Identities, d dedupe.Deduper, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = defaultWorkerCount
	}
	p := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
		logger:  logger.NewNop(),
	}
	for i := range p.workers {
		wopts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		p.workers[i] = NewInMemoryWorker(q, applier, ids, d, wopts...)
	}
	if len(p.workers) > 0 {
		p.logger = p.workers[0].logger
	}
	metrics.UpdateWorkerCount(workerCount)
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start starts all workers.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
}

// Shutdown closes the queue and waits for the workers to drain it.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	var errs []error
	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
			errs = append(errs, fmt.Errorf("worker %d: %w", i, shutdownCtx.Err()))
		}
	}
	metrics.UpdateWorkerCount(0)
	return errors.Join(errs...)
}
