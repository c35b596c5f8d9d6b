// Package reconcile implements one reconciliation cycle: it re-reads the
// ledger for every startup a mentor is responsible for and merges the
// results into the projection.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/okian/mentorsync/internal/app/resolver"
	"github.com/okian/mentorsync/internal/domain/audit"
	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/internal/domain/model"
	"github.com/okian/mentorsync/internal/domain/projection"
	"github.com/okian/mentorsync/pkg/logger"
	"github.com/okian/mentorsync/pkg/metrics"
)

// Resolver reads a startup under all of its aliases.
type Resolver interface {
	Resolve(ctx context.Context, trail *audit.Trail, id string) (resolver.Result, error)
}

// Projection is the part of the projector a cycle writes to.
type Projection interface {
	Apply(ctx context.Context, trail *audit.Trail, obs model.Observation) (projection.Outcome, error)
	Collapse(ctx context.Context, trail *audit.Trail) int
	StartupsFor(mentor string) []string
}

// Registry lists every known startup.
type Registry interface {
	Canonicals() []string
}

// Head reports the current ledger sequence.
type Head func(ctx context.Context) (uint64, error)

// Reconciler runs cycles. It is safe for concurrent use by different
// mentors.
type Reconciler struct {
	resolver Resolver
	proj     Projection
	ids      Registry
	head     Head
	journal  *audit.Journal
	log      logger.Logger

	warm *xsync.Map[string, struct{}]
}

// New creates a reconciler.
func New(res Resolver, proj Projection, ids Registry, opts ...Option) *Reconciler {
	r := &Reconciler{
		resolver: res,
		proj:     proj,
		ids:      ids,
		log:      logger.NewNop(),
		warm:     xsync.NewMap[string, struct{}](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Cycle reconciles mentor and returns the lowest sequence every startup was
// read at. Results read after ctx was cancelled are discarded unapplied.
// Startups that failed to read keep their previous projection rows and make
// the cycle fail; the others are still applied.
func (r *Reconciler) Cycle(ctx context.Context, mentor string) (uint64, error) {
	const op = "reconcile.cycle"
	start := time.Now()
	trail := audit.New("reconcile")
	defer r.keep(trail)

	mentor = model.NormalizeAddress(mentor)
	startups := r.Startups(mentor)
	trail.Info("cycle started", "mentor", mentor, "startups", len(startups))

	var (
		results []resolver.Result
		errs    []error
	)
	for _, id := range startups {
		if err := ctx.Err(); err != nil {
			trail.Warn("cycle cancelled before read", err, "mentor", mentor)
			return 0, err
		}
		res, err := r.resolver.Resolve(ctx, trail, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("startup %s: %w", id, err))
		}
		if res.Sequence > 0 {
			results = append(results, res)
		}
	}
	if err := ctx.Err(); err != nil {
		trail.Warn("cycle cancelled, results discarded", err, "mentor", mentor, "resolved", len(results))
		return 0, err
	}

	var seq uint64
	for _, res := range results {
		if seq == 0 || res.Sequence < seq {
			seq = res.Sequence
		}
		for _, obs := range res.Observations {
			if _, err := r.proj.Apply(ctx, trail, obs); err != nil && !failure.Absorbed(err) {
				errs = append(errs, fmt.Errorf("apply %s: %w", obs.Subject(), err))
			}
		}
	}
	if moved := r.proj.Collapse(ctx, trail); moved > 0 {
		trail.Info("aliased rows collapsed", "moved", moved)
	}

	if seq == 0 && r.head != nil && len(errs) == 0 {
		h, err := r.head(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("read head: %w", err))
		}
		seq = h
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		trail.Fail("cycle failed", err, "mentor", mentor)
		metrics.RecordErrorByComponent("reconcile", failure.Category(err))
		return 0, fmt.Errorf("%s %s: %w", op, mentor, err)
	}

	r.warm.Store(mentor, struct{}{})
	r.log.Debug(ctx, "cycle applied",
		logger.String("mentor", mentor),
		logger.Int("startups", len(startups)),
		logger.Uint64("sequence", seq),
		logger.Duration("elapsed", time.Since(start)),
	)
	return seq, nil
}

// Startups lists the startups a cycle for mentor reads: every effective
// assignment and every milestone recorded with the mentor. Until the
// mentor's first successful cycle the whole registry is read as well, since
// the projection cannot yet know what the mentor owns.
func (r *Reconciler) Startups(mentor string) []string {
	mentor = model.NormalizeAddress(mentor)
	set := make(map[string]struct{})
	for _, id := range r.proj.StartupsFor(mentor) {
		set[id] = struct{}{}
	}
	if _, ok := r.warm.Load(mentor); !ok && r.ids != nil {
		for _, id := range r.ids.Canonicals() {
			set[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Reconciler) keep(t *audit.Trail) {
	if r.journal != nil {
		r.journal.Keep(t)
		return
	}
	t.Finish()
}
