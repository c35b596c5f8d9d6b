// Package resolver reads every alias of a startup from the ledger and merges
// the results into one set of canonical observations.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/alitto/pond/v2"
	"golang.org/x/sync/singleflight"

	"github.com/okian/mentorsync/internal/adapters/ledger"
	"github.com/okian/mentorsync/internal/domain/audit"
	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/internal/domain/model"
	"github.com/okian/mentorsync/pkg/logger"
	"github.com/okian/mentorsync/pkg/metrics"
	"github.com/okian/mentorsync/pkg/retry"
)

// Registry is the identity lookup the resolver needs.
type Registry interface {
	Canonical(id string) string
	Aliases(id string) []model.Alias
}

// AliasResult is what one alias spelling returned.
type AliasResult struct {
	Alias      string `json:"alias"`
	Slot       bool   `json:"slot"`
	Milestones int    `json:"milestones"`
	Unknown    bool   `json:"unknown"`
	Error      string `json:"error,omitempty"`

	records []model.MilestoneRecord
	err     error
}

// Result is the merged view of one startup at one ledger sequence.
type Result struct {
	StartupID    string                   `json:"startup_id"`
	Sequence     uint64                   `json:"sequence"`
	Aliases      []AliasResult            `json:"aliases"`
	Observations []model.Observation      `json:"-"`
	Conflicts    []*failure.ConflictError `json:"-"`
}

// Resolver fans alias reads out over a bounded pool.
type Resolver struct {
	reader ledger.Reader
	ids    Registry
	pool   pond.Pool
	reads  singleflight.Group
	retry  retry.Config
	log    logger.Logger

	concurrency int
	readTimeout time.Duration
}

// New creates a resolver. Close releases its pool.
func New(reader ledger.Reader, ids Registry, opts ...Option) *Resolver {
	r := &Resolver{
		reader:      reader,
		ids:         ids,
		retry:       retry.DefaultConfig(),
		log:         logger.NewNop(),
		concurrency: defaultConcurrency,
		readTimeout: defaultReadTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.pool = pond.NewPool(r.concurrency)
	return r
}

// Close waits for queued reads and stops the pool.
func (r *Resolver) Close() {
	r.pool.StopAndWait()
}

// Resolve reads id under every known alias at a single pinned sequence and
// merges the results by milestone index. Aliases that hold no data are
// recorded as unknown. Resolver conflicts are flagged on the observation
// and reported in Result.Conflicts. A non-nil error means at least one alias
// could not be read; the observations from the others are still returned.
func (r *Resolver) Resolve(ctx context.Context, trail *audit.Trail, id string) (Result, error) {
	const op = "resolver.resolve"
	canonical := r.ids.Canonical(id)
	res := Result{StartupID: canonical}

	aliases := r.ids.Aliases(canonical)
	if len(aliases) == 0 {
		aliases = []model.Alias{model.IDAlias(canonical)}
	}

	head, err := retry.Do(ctx, r.retry, r.log, "ledger.head", r.reader.Head)
	if err != nil {
		return res, fmt.Errorf("%s %s: %w", op, canonical, err)
	}
	res.Sequence = head

	res.Aliases = make([]AliasResult, len(aliases))
	group := r.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i, alias := range aliases {
		res.Aliases[i] = AliasResult{Alias: alias.String(), Slot: alias.Kind == model.AliasSlot}
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				res.Aliases[i].err = err
				return
			}
			res.Aliases[i].records, res.Aliases[i].err = r.read(groupCtx, alias, head)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		r.log.Warn(ctx, "alias fan-out encountered error", logger.String("startup_id", canonical), logger.Error(err))
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	var errs []error
	for i := range res.Aliases {
		ar := &res.Aliases[i]
		switch {
		case ar.err == nil && len(ar.records) == 0:
			ar.Unknown = true
		case ar.err == nil:
			ar.Milestones = len(ar.records)
		case failure.KindOf(ar.err) == failure.KindUnknownIdentifier || failure.KindOf(ar.err) == failure.KindNotFound:
			ar.Unknown = true
			ar.Error = ar.err.Error()
		default:
			ar.Error = ar.err.Error()
			errs = append(errs, fmt.Errorf("alias %s: %w", ar.Alias, ar.err))
			trail.Fail("alias read failed", ar.err, "startup_id", canonical, "alias", ar.Alias)
			continue
		}
		if ar.Unknown {
			metrics.RecordUnknownAlias()
			trail.Info("alias holds no data", "startup_id", canonical, "alias", ar.Alias)
		}
	}

	r.merge(ctx, trail, &res)

	if len(errs) > 0 {
		return res, errors.Join(errs...)
	}
	return res, nil
}

// read loads every milestone stored under alias. Concurrent identical reads
// at the same sequence share one ledger round trip. The shared read is
// detached from any one caller's cancellation; each caller stops waiting
// when its own ctx is done.
func (r *Resolver) read(ctx context.Context, alias model.Alias, at uint64) ([]model.MilestoneRecord, error) {
	key := alias.String() + "@" + strconv.FormatUint(at, 10)
	ch := r.reads.DoChan(key, func() (any, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.readTimeout)
		defer cancel()
		if alias.Kind == model.AliasSlot {
			return r.readSlot(readCtx, alias.Slot, at)
		}
		return retry.Do(readCtx, r.retry, r.log, "ledger.milestones_by_id",
			func(ctx context.Context) ([]model.MilestoneRecord, error) {
				return r.reader.MilestonesByID(ctx, alias.ID, at)
			})
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]model.MilestoneRecord), nil
	}
}

func (r *Resolver) readSlot(ctx context.Context, slot, at uint64) ([]model.MilestoneRecord, error) {
	if !r.reader.Capability().Slots {
		return nil, failure.Wrap(failure.KindUnknownIdentifier, "resolver.read_slot", ledger.ErrSlotsUnsupported)
	}
	n, err := retry.Do(ctx, r.retry, r.log, "ledger.milestone_count",
		func(ctx context.Context) (uint64, error) {
			return r.reader.MilestoneCount(ctx, slot, at)
		})
	if err != nil {
		return nil, err
	}
	out := make([]model.MilestoneRecord, 0, n)
	for i := uint64(0); i < n; i++ {
		rec, err := retry.Do(ctx, r.retry, r.log, "ledger.milestone_by_slot",
			func(ctx context.Context) (model.MilestoneRecord, error) {
				return r.reader.MilestoneBySlot(ctx, slot, i, at)
			})
		if err != nil {
			return nil, fmt.Errorf("slot %d index %d: %w", slot, i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// merge folds the per-alias records into one observation per index. Aliases
// are visited in registration order, so the first registered alias holding
// an index supplies its immutable fields.
func (r *Resolver) merge(ctx context.Context, trail *audit.Trail, res *Result) {
	type slot struct {
		rec     model.MilestoneRecord
		alias   model.Alias
		sources []string
		suspect bool
	}
	byIndex := make(map[uint64]*slot)

	for _, ar := range res.Aliases {
		if len(ar.records) == 0 {
			continue
		}
		alias, _ := model.ParseAlias(ar.Alias)
		for idx, rec := range ar.records {
			i := uint64(idx) //nolint:gosec // slice index
			cur, ok := byIndex[i]
			if !ok {
				byIndex[i] = &slot{rec: rec, alias: alias, sources: []string{ar.Alias}}
				continue
			}
			cur.sources = append(cur.sources, ar.Alias)
			if c := compareRecords(res.StartupID, i, cur.rec, rec, cur.sources); c != nil && !cur.suspect {
				cur.suspect = true
				res.Conflicts = append(res.Conflicts, c)
				metrics.RecordResolverConflict()
				trail.Warn("aliases disagree on an immutable field", c,
					"startup_id", res.StartupID, "index", i, "field", c.Field)
				r.log.Warn(ctx, "resolver conflict",
					logger.String("startup_id", res.StartupID),
					logger.Uint64("index", i),
					logger.String("field", c.Field),
					logger.String("kept", c.Kept),
					logger.String("rejected", c.Rejected),
				)
			}
			cur.rec.Verified = cur.rec.Verified || rec.Verified
			if cur.rec.Timestamp == 0 {
				cur.rec.Timestamp = rec.Timestamp
			}
		}
	}

	indexes := make([]uint64, 0, len(byIndex))
	for i := range byIndex {
		indexes = append(indexes, i)
	}
	sort.Slice(indexes, func(a, b int) bool { return indexes[a] < indexes[b] })

	res.Observations = make([]model.Observation, 0, len(indexes))
	for _, i := range indexes {
		s := byIndex[i]
		rec := s.rec
		res.Observations = append(res.Observations, model.Observation{
			Kind:      model.ObservedRecord,
			Source:    model.SourceRead,
			Alias:     s.alias,
			StartupID: res.StartupID,
			Index:     i,
			Record:    &rec,
			Sequence:  res.Sequence,
			Suspect:   s.suspect,
		})
	}
}

// compareRecords returns the first immutable field on which b disagrees with a.
func compareRecords(id string, index uint64, a, b model.MilestoneRecord, sources []string) *failure.ConflictError {
	conflict := func(field, kept, rejected string) *failure.ConflictError {
		return &failure.ConflictError{
			StartupID: id,
			Index:     index,
			Field:     field,
			Kept:      kept,
			Rejected:  rejected,
			Sources:   append([]string(nil), sources...),
		}
	}
	switch {
	case a.Value != b.Value:
		return conflict("value", strconv.FormatUint(a.Value, 10), strconv.FormatUint(b.Value, 10))
	case a.Description != b.Description:
		return conflict("description", a.Description, b.Description)
	case a.MilestoneType != b.MilestoneType:
		return conflict("type", a.MilestoneType, b.MilestoneType)
	case a.ProofHash != b.ProofHash:
		return conflict("proof_reference", a.ProofHash, b.ProofHash)
	case !model.SameAddress(a.MentorAddress, b.MentorAddress):
		return conflict("mentor_address", a.MentorAddress, b.MentorAddress)
	}
	return nil
}
