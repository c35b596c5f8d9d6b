// Package projection holds the deduplicated milestone view merged from
// ledger reads, decoded events and confirmed local writes.
//
// Entries live in a concurrent map keyed by (startupId, index). Every
// mutation runs inside a per-key Compute and replaces the stored pointer
// with a fresh copy, so readers never observe a half-merged entry and
// refreshes for unrelated startups never contend on a shared lock.
package projection

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/okian/mentorsync/internal/domain/audit"
	"github.com/okian/mentorsync/internal/domain/classify"
	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/internal/domain/model"
	"github.com/okian/mentorsync/pkg/logger"
	"github.com/okian/mentorsync/pkg/metrics"
)

// Key addresses one milestone.
type Key struct {
	StartupID string
	Index     uint64
}

func (k Key) String() string { return fmt.Sprintf("%s#%d", k.StartupID, k.Index) }

// Outcome describes what an application did to the projection.
type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeCreated
	OutcomeUpdated
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeConflict:
		return "conflict"
	default:
		return "unchanged"
	}
}

// Changed reports whether the projection moved.
func (o Outcome) Changed() bool { return o != OutcomeUnchanged }

// Canonicalizer maps any id spelling to its canonical id.
type Canonicalizer interface {
	Canonical(id string) string
}

// Store persists projection rows so a restart does not start cold.
type Store interface {
	SaveMilestone(ctx context.Context, m model.Milestone) error
	DeleteMilestone(ctx context.Context, startupID string, index uint64) error
	SaveAssignment(ctx context.Context, a model.MentorAssignment) error
	DeleteAssignment(ctx context.Context, startupID string) error
	LoadMilestones(ctx context.Context) ([]model.Milestone, error)
	LoadAssignments(ctx context.Context) ([]model.MentorAssignment, error)
}

// Change is published after every visible mutation.
type Change struct {
	Kind       string                  `json:"kind"`
	Outcome    string                  `json:"outcome"`
	Milestone  *model.Milestone        `json:"milestone,omitempty"`
	Assignment *model.MentorAssignment `json:"assignment,omitempty"`
}

// Change kinds.
const (
	ChangeMilestone  = "milestone"
	ChangeAssignment = "assignment"
)

// Notifier receives changes. Delivery is best effort.
type Notifier interface {
	Publish(ctx context.Context, c Change) error
}

// Stats summarizes the projection.
type Stats struct {
	Entries     int `json:"entries"`
	Hidden      int `json:"hidden"`
	Suspect     int `json:"suspect"`
	Rejected    int `json:"rejected"`
	Verified    int `json:"verified"`
	Assignments int `json:"assignments"`
	Mentors     int `json:"mentors"`
}

// Projector merges observations into the projection.
type Projector struct {
	entries     *xsync.Map[Key, *model.Milestone]
	assignments *xsync.Map[string, model.MentorAssignment]
	mentors     *xsync.Map[string, struct{}]

	classifier classify.Classifier
	ids        Canonicalizer
	store      Store
	notifier   Notifier
	log        logger.Logger
}

// New returns an empty projector.
func New(opts ...Option) *Projector {
	p := &Projector{
		entries:     xsync.NewMap[Key, *model.Milestone](),
		assignments: xsync.NewMap[string, model.MentorAssignment](),
		mentors:     xsync.NewMap[string, struct{}](),
		classifier:  classify.NewTableClassifier(),
		log:         logger.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply merges one canonical observation. A resolver conflict is returned as
// a *failure.ConflictError after it has been logged, audited and counted;
// the rest of the observation is still applied.
func (p *Projector) Apply(ctx context.Context, trail *audit.Trail, obs model.Observation) (Outcome, error) {
	const op = "projection.apply"
	kind := obs.Kind.String()

	if obs.Kind == model.ObservedMentorAdded {
		return p.addMentor(obs.Mentor), nil
	}
	if obs.StartupID == "" {
		return OutcomeUnchanged, failure.Wrap(failure.KindInvalid, op, fmt.Errorf("%w: %s", ErrMissingStartup, obs.Subject()))
	}

	var in *model.Milestone
	switch obs.Kind {
	case model.ObservedRecord:
		if obs.Record == nil {
			return OutcomeUnchanged, failure.Wrap(failure.KindInvalid, op, fmt.Errorf("%w: %s", ErrMissingRecord, obs.Subject()))
		}
		in = p.fromRecord(obs)
	case model.ObservedSubmitted:
		in = &model.Milestone{StartupID: obs.StartupID, Index: obs.Index, SubmittedAtSequence: obs.Sequence}
	case model.ObservedVerified:
		in = &model.Milestone{
			StartupID:  obs.StartupID,
			Index:      obs.Index,
			Verified:   true,
			VerifiedBy: model.NormalizeAddress(obs.Mentor),
		}
		if obs.Sequence > 0 {
			seq := obs.Sequence
			in.VerifiedAtSequence = &seq
		}
	case model.ObservedAssigned:
		return p.Assign(ctx, trail, model.MentorAssignment{
			StartupID:          obs.StartupID,
			MentorAddress:      obs.Mentor,
			AssignedAtSequence: obs.Sequence,
		})
	default:
		return OutcomeUnchanged, failure.New(failure.KindInvalid, op, "unsupported observation kind "+kind)
	}

	sources := []string{string(obs.Source)}
	if a := obs.Alias.String(); a != "" {
		sources = append(sources, a)
	}
	return p.upsert(ctx, trail, Key{StartupID: obs.StartupID, Index: obs.Index}, in, sources, kind)
}

func (p *Projector) fromRecord(obs model.Observation) *model.Milestone {
	rec := obs.Record
	m := &model.Milestone{
		StartupID:           obs.StartupID,
		Index:               obs.Index,
		Type:                p.classifier.Classify(rec.MilestoneType),
		RawType:             rec.MilestoneType,
		Value:               rec.Value,
		Description:         rec.Description,
		ProofReference:      rec.ProofHash,
		SubmittedAtSequence: obs.Sequence,
		MentorAddress:       model.NormalizeAddress(rec.MentorAddress),
		Verified:            rec.Verified,
		Suspect:             obs.Suspect,
		Recorded:            true,
	}
	if rec.Timestamp > 0 {
		m.SubmittedAt = time.Unix(int64(rec.Timestamp), 0).UTC() //nolint:gosec // ledger timestamps fit in int64
	}
	if rec.Verified && obs.Sequence > 0 {
		seq := obs.Sequence
		m.VerifiedAtSequence = &seq
	}
	if m.MentorAddress != "" {
		p.mentors.Store(m.MentorAddress, struct{}{})
	}
	return m
}

func (p *Projector) upsert(ctx context.Context, trail *audit.Trail, key Key, in *model.Milestone, sources []string, kind string) (Outcome, error) {
	var (
		outcome  Outcome
		conflict *failure.ConflictError
		saved    model.Milestone
	)
	p.entries.Compute(key, func(cur *model.Milestone, loaded bool) (*model.Milestone, xsync.ComputeOp) {
		conflict = nil
		if !loaded {
			outcome = OutcomeCreated
			saved = *in
			return in, xsync.UpdateOp
		}
		next := *cur
		changed, c := fold(&next, in, sources)
		conflict = c
		if !changed {
			outcome = OutcomeUnchanged
			return cur, xsync.CancelOp
		}
		outcome = OutcomeUpdated
		saved = next
		return &next, xsync.UpdateOp
	})

	if conflict != nil {
		metrics.RecordResolverConflict()
		p.log.Warn(ctx, "resolver conflict, keeping first-observed value",
			logger.String("milestone", key.String()),
			logger.String("field", conflict.Field),
			logger.String("kept", conflict.Kept),
			logger.String("rejected", conflict.Rejected),
			logger.Any("sources", conflict.Sources),
		)
		trail.Warn("resolver conflict", conflict,
			"milestone", key.String(), "field", conflict.Field, "kept", conflict.Kept, "rejected", conflict.Rejected)
	}

	if outcome.Changed() {
		p.persistMilestone(ctx, saved)
		if saved.Recorded {
			m := saved
			p.publish(ctx, Change{Kind: ChangeMilestone, Outcome: outcome.String(), Milestone: &m})
		}
		p.log.Debug(ctx, "milestone merged",
			logger.String("milestone", key.String()),
			logger.String("kind", kind),
			logger.String("outcome", outcome.String()),
			logger.Bool("verified", saved.Verified),
		)
	}

	if conflict != nil {
		metrics.RecordObservationApplied(kind, OutcomeConflict.String())
		return OutcomeConflict, conflict
	}
	metrics.RecordObservationApplied(kind, outcome.String())
	return outcome, nil
}

// Assign records a mentor assignment. The highest sequence per startup is
// effective; assigning the current mentor again changes nothing.
func (p *Projector) Assign(ctx context.Context, trail *audit.Trail, a model.MentorAssignment) (Outcome, error) {
	if a.StartupID == "" {
		return OutcomeUnchanged, failure.Wrap(failure.KindInvalid, "projection.assign", ErrMissingStartup)
	}
	a.MentorAddress = model.NormalizeAddress(a.MentorAddress)

	var outcome Outcome
	p.assignments.Compute(a.StartupID, func(cur model.MentorAssignment, loaded bool) (model.MentorAssignment, xsync.ComputeOp) {
		outcome = OutcomeUnchanged
		if loaded {
			if cur.MentorAddress == a.MentorAddress || a.AssignedAtSequence <= cur.AssignedAtSequence {
				return cur, xsync.CancelOp
			}
			outcome = OutcomeUpdated
			return a, xsync.UpdateOp
		}
		if a.MentorAddress == "" {
			return cur, xsync.CancelOp
		}
		outcome = OutcomeCreated
		return a, xsync.UpdateOp
	})

	if a.MentorAddress != "" {
		p.mentors.Store(a.MentorAddress, struct{}{})
	}
	metrics.RecordObservationApplied(model.ObservedAssigned.String(), outcome.String())
	if !outcome.Changed() {
		return outcome, nil
	}

	trail.Info("mentor assignment effective",
		"startup_id", a.StartupID, "mentor", a.MentorAddress, "sequence", a.AssignedAtSequence)
	p.persistAssignment(ctx, a)
	p.publish(ctx, Change{Kind: ChangeAssignment, Outcome: outcome.String(), Assignment: &a})
	return outcome, nil
}

func (p *Projector) addMentor(addr string) Outcome {
	addr = model.NormalizeAddress(addr)
	if addr == "" {
		return OutcomeUnchanged
	}
	if _, loaded := p.mentors.LoadOrStore(addr, struct{}{}); loaded {
		return OutcomeUnchanged
	}
	return OutcomeCreated
}

// Reject sets the local rejection flag. It is idempotent and never touches a
// milestone the ledger has verified.
func (p *Projector) Reject(ctx context.Context, trail *audit.Trail, startupID string, index uint64) (model.Milestone, Outcome, error) {
	const op = "projection.reject"
	key := Key{StartupID: startupID, Index: index}

	var (
		outcome Outcome
		saved   model.Milestone
		err     error
	)
	p.entries.Compute(key, func(cur *model.Milestone, loaded bool) (*model.Milestone, xsync.ComputeOp) {
		outcome, err = OutcomeUnchanged, nil
		switch {
		case !loaded || !cur.Recorded:
			err = failure.New(failure.KindNotFound, op, "milestone "+key.String()+" not found")
			return cur, xsync.CancelOp
		case cur.Verified:
			saved = *cur
			err = failure.Wrap(failure.KindInvalid, op, fmt.Errorf("%w: %s", ErrVerifiedFinal, key))
			return cur, xsync.CancelOp
		case cur.LocalRejected:
			saved = *cur
			return cur, xsync.CancelOp
		}
		next := *cur
		next.LocalRejected = true
		saved = next
		outcome = OutcomeUpdated
		return &next, xsync.UpdateOp
	})
	if err != nil {
		trail.Warn("local rejection refused", err, "milestone", key.String())
		return saved, outcome, err
	}
	if outcome.Changed() {
		trail.Info("milestone rejected locally", "milestone", key.String())
		p.persistMilestone(ctx, saved)
		m := saved
		p.publish(ctx, Change{Kind: ChangeMilestone, Outcome: outcome.String(), Milestone: &m})
	}
	return saved, outcome, nil
}

// Collapse folds entries and assignments stored under a non-canonical id
// into their canonical key and returns how many rows moved.
func (p *Projector) Collapse(ctx context.Context, trail *audit.Trail) int {
	if p.ids == nil {
		return 0
	}
	var keys []Key
	p.entries.Range(func(k Key, _ *model.Milestone) bool {
		if c := p.ids.Canonical(k.StartupID); c != "" && c != k.StartupID {
			keys = append(keys, k)
		}
		return true
	})

	moved := 0
	for _, from := range keys {
		var taken *model.Milestone
		p.entries.Compute(from, func(cur *model.Milestone, loaded bool) (*model.Milestone, xsync.ComputeOp) {
			if !loaded {
				return cur, xsync.CancelOp
			}
			taken = cur
			return cur, xsync.DeleteOp
		})
		if taken == nil {
			continue
		}
		canonical := p.ids.Canonical(from.StartupID)
		in := *taken
		in.StartupID = canonical
		_, _ = p.upsert(ctx, trail, Key{StartupID: canonical, Index: from.Index}, &in, []string{"collapse", from.StartupID}, "collapse")
		p.deleteMilestone(ctx, from)
		trail.Info("collapsed aliased entry", "from", from.String(), "to", canonical)
		moved++
	}

	var aliased []string
	p.assignments.Range(func(id string, _ model.MentorAssignment) bool {
		if c := p.ids.Canonical(id); c != "" && c != id {
			aliased = append(aliased, id)
		}
		return true
	})
	for _, id := range aliased {
		a, ok := p.assignments.LoadAndDelete(id)
		if !ok {
			continue
		}
		a.StartupID = p.ids.Canonical(id)
		_, _ = p.Assign(ctx, trail, a)
		p.deleteAssignment(ctx, id)
		moved++
	}

	if moved > 0 {
		p.log.Info(ctx, "collapsed aliased projection rows", logger.Int("moved", moved))
	}
	st := p.Stats()
	metrics.UpdateProjectionSize(st.Entries, st.Suspect)
	return moved
}

// Get returns a recorded milestone.
func (p *Projector) Get(startupID string, index uint64) (model.Milestone, bool) {
	m, ok := p.entries.Load(Key{StartupID: startupID, Index: index})
	if !ok || !m.Recorded {
		return model.Milestone{}, false
	}
	return *m, true
}

// Snapshot returns every recorded milestone sorted by (startupId, index).
// Entries known only from events stay hidden until their record is read.
func (p *Projector) Snapshot() []model.Milestone {
	out := make([]model.Milestone, 0, p.entries.Size())
	p.entries.Range(func(_ Key, m *model.Milestone) bool {
		if m.Recorded {
			out = append(out, *m)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartupID != out[j].StartupID {
			return out[i].StartupID < out[j].StartupID
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// Assignment returns the effective assignment of a startup.
func (p *Projector) Assignment(startupID string) (model.MentorAssignment, bool) {
	return p.assignments.Load(startupID)
}

// Assignments returns every effective assignment sorted by startup.
func (p *Projector) Assignments() []model.MentorAssignment {
	out := make([]model.MentorAssignment, 0, p.assignments.Size())
	p.assignments.Range(func(_ string, a model.MentorAssignment) bool {
		out = append(out, a)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartupID < out[j].StartupID })
	return out
}

// Mentors returns every mentor address seen so far, sorted.
func (p *Projector) Mentors() []string {
	out := make([]string, 0, p.mentors.Size())
	p.mentors.Range(func(addr string, _ struct{}) bool {
		out = append(out, addr)
		return true
	})
	sort.Strings(out)
	return out
}

// Owns reports whether m is on mentor's dashboard: the mentor recorded at
// submission time, or the effective mentor when none was recorded.
func (p *Projector) Owns(m model.Milestone, mentor string) bool {
	mentor = model.NormalizeAddress(mentor)
	if mentor == "" {
		return false
	}
	if m.MentorAddress != "" {
		return m.MentorAddress == mentor
	}
	a, ok := p.Assignment(m.StartupID)
	return ok && a.MentorAddress == mentor
}

// StartupsFor lists the startups a mentor is, or was at submission time,
// responsible for.
func (p *Projector) StartupsFor(mentor string) []string {
	mentor = model.NormalizeAddress(mentor)
	set := make(map[string]struct{})
	p.assignments.Range(func(id string, a model.MentorAssignment) bool {
		if a.MentorAddress == mentor {
			set[id] = struct{}{}
		}
		return true
	})
	p.entries.Range(func(k Key, m *model.Milestone) bool {
		if m.MentorAddress == mentor {
			set[k.StartupID] = struct{}{}
		}
		return true
	})
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Stats counts projection rows.
func (p *Projector) Stats() Stats {
	var s Stats
	p.entries.Range(func(_ Key, m *model.Milestone) bool {
		if !m.Recorded {
			s.Hidden++
			return true
		}
		s.Entries++
		if m.Suspect {
			s.Suspect++
		}
		if m.Verified {
			s.Verified++
		} else if m.LocalRejected {
			s.Rejected++
		}
		return true
	})
	s.Assignments = p.assignments.Size()
	s.Mentors = p.mentors.Size()
	return s
}

// Restore loads persisted rows. It is meant to run once before any
// observation is applied.
func (p *Projector) Restore(ctx context.Context) (int, error) {
	if p.store == nil {
		return 0, nil
	}
	ms, err := p.store.LoadMilestones(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore milestones: %w", err)
	}
	as, err := p.store.LoadAssignments(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore assignments: %w", err)
	}
	for i := range ms {
		m := ms[i]
		p.entries.Store(Key{StartupID: m.StartupID, Index: m.Index}, &m)
		if m.MentorAddress != "" {
			p.mentors.Store(m.MentorAddress, struct{}{})
		}
	}
	for _, a := range as {
		p.assignments.Store(a.StartupID, a)
		if a.MentorAddress != "" {
			p.mentors.Store(a.MentorAddress, struct{}{})
		}
	}
	st := p.Stats()
	metrics.UpdateProjectionSize(st.Entries, st.Suspect)
	p.log.Info(ctx, "projection restored",
		logger.Int("milestones", len(ms)),
		logger.Int("assignments", len(as)),
	)
	return len(ms) + len(as), nil
}

func (p *Projector) persistMilestone(ctx context.Context, m model.Milestone) {
	if p.store == nil {
		return
	}
	if err := p.store.SaveMilestone(ctx, m); err != nil {
		metrics.RecordErrorByComponent("projection", "store_error")
		p.log.Error(ctx, "persist milestone failed",
			logger.String("milestone", Key{StartupID: m.StartupID, Index: m.Index}.String()),
			logger.Error(err),
		)
	}
}

func (p *Projector) deleteMilestone(ctx context.Context, k Key) {
	if p.store == nil {
		return
	}
	if err := p.store.DeleteMilestone(ctx, k.StartupID, k.Index); err != nil {
		metrics.RecordErrorByComponent("projection", "store_error")
		p.log.Error(ctx, "delete aliased milestone failed", logger.String("milestone", k.String()), logger.Error(err))
	}
}

func (p *Projector) persistAssignment(ctx context.Context, a model.MentorAssignment) {
	if p.store == nil {
		return
	}
	if err := p.store.SaveAssignment(ctx, a); err != nil {
		metrics.RecordErrorByComponent("projection", "store_error")
		p.log.Error(ctx, "persist assignment failed", logger.String("startup_id", a.StartupID), logger.Error(err))
	}
}

func (p *Projector) deleteAssignment(ctx context.Context, startupID string) {
	if p.store == nil {
		return
	}
	if err := p.store.DeleteAssignment(ctx, startupID); err != nil {
		metrics.RecordErrorByComponent("projection", "store_error")
		p.log.Error(ctx, "delete aliased assignment failed", logger.String("startup_id", startupID), logger.Error(err))
	}
}

func (p *Projector) publish(ctx context.Context, c Change) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Publish(ctx, c); err != nil {
		p.log.Warn(ctx, "publish change failed", logger.String("kind", c.Kind), logger.Error(err))
	}
}
