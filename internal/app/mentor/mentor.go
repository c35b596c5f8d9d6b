// Package mentor registers mentors and assigns them to startups on the
// ledger, confirming every write before the projection reflects it.
package mentor

import (
	"context"
	"fmt"

	"github.com/okian/mentorsync/internal/adapters/ledger"
	"github.com/okian/mentorsync/internal/domain/audit"
	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/internal/domain/model"
	"github.com/okian/mentorsync/internal/domain/projection"
	"github.com/okian/mentorsync/internal/domain/types"
	"github.com/okian/mentorsync/pkg/logger"
	"github.com/okian/mentorsync/pkg/retry"
)

// Projection is the part of the projector the manager updates.
type Projection interface {
	Apply(ctx context.Context, trail *audit.Trail, obs model.Observation) (projection.Outcome, error)
	Assignment(startupID string) (model.MentorAssignment, bool)
}

// Refresher is told which mentors should be reconciled after a write.
type Refresher interface {
	Trigger(mentor string)
}

// Manager implements mentor registration and assignment.
type Manager struct {
	writer    ledger.Writer
	proj      Projection
	refresher Refresher
	retry     retry.Config
	log       logger.Logger
}

// New creates a Manager.
func New(writer ledger.Writer, proj Projection, opts ...Option) *Manager {
	m := &Manager{
		writer: writer,
		proj:   proj,
		retry:  retry.DefaultConfig(),
		log:    logger.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureMentor grants address the mentor role. A mentor that already holds
// the role is reported as already applied, not as a failure.
func (m *Manager) EnsureMentor(ctx context.Context, trail *audit.Trail, address string) (types.WriteResult, error) {
	const op = "mentor.ensure"
	addr, err := validAddress(op, address)
	if err != nil {
		return types.WriteResult{}, err
	}

	rcpt, err := ledger.Confirm(ctx, m.retry, m.log, "ledger.add_mentor", func(ctx context.Context) (ledger.Pending, error) {
		return m.writer.AddMentor(ctx, addr)
	})
	res, err := m.settle(ctx, trail, op, rcpt, err, "mentor", addr)
	if err != nil {
		return res, err
	}

	m.apply(ctx, trail, model.Observation{
		Kind:     model.ObservedMentorAdded,
		Source:   model.SourceLocal,
		Mentor:   addr,
		Sequence: rcpt.Sequence,
	})
	return res, nil
}

// Assign makes address the effective mentor of startupID. Reassigning the
// current mentor is a no-op for the projection.
func (m *Manager) Assign(ctx context.Context, trail *audit.Trail, startupID, address string) (types.WriteResult, error) {
	const op = "mentor.assign"
	if startupID == "" {
		return types.WriteResult{}, failure.New(failure.KindInvalid, op, "startup id is required")
	}
	addr, err := validAddress(op, address)
	if err != nil {
		return types.WriteResult{}, err
	}
	previous, _ := m.proj.Assignment(startupID)

	rcpt, err := ledger.Confirm(ctx, m.retry, m.log, "ledger.assign_mentor", func(ctx context.Context) (ledger.Pending, error) {
		return m.writer.AssignMentor(ctx, startupID, addr)
	})
	res, err := m.settle(ctx, trail, op, rcpt, err, "startup_id", startupID, "mentor", addr)
	if err != nil {
		return res, err
	}

	if res.Status == types.StatusOK {
		m.apply(ctx, trail, model.Observation{
			Kind:      model.ObservedAssigned,
			Source:    model.SourceLocal,
			Alias:     model.IDAlias(startupID),
			StartupID: startupID,
			Mentor:    addr,
			Sequence:  rcpt.Sequence,
		})
	}

	m.trigger(addr)
	if previous.MentorAddress != "" && previous.MentorAddress != addr {
		m.trigger(previous.MentorAddress)
	}
	return res, nil
}

// settle turns a confirmed write or its failure into a WriteResult. An
// already-applied failure is a success.
func (m *Manager) settle(ctx context.Context, trail *audit.Trail, op string, rcpt ledger.Receipt, err error, kv ...any) (types.WriteResult, error) {
	switch {
	case err == nil:
		trail.Info("write confirmed", append(kv, "tx", rcpt.TxHash, "sequence", rcpt.Sequence)...)
		m.log.Info(ctx, "write confirmed",
			logger.String("operation", op),
			logger.String("tx", rcpt.TxHash),
			logger.Uint64("sequence", rcpt.Sequence),
		)
		return types.WriteResult{Status: types.StatusOK, TxHash: rcpt.TxHash, Sequence: rcpt.Sequence}, nil
	case failure.IsAlreadyApplied(err):
		trail.Warn("write already applied", err, kv...)
		m.log.Info(ctx, "write already applied", logger.String("operation", op), logger.Error(err))
		return types.WriteResult{
			Status:   types.StatusAlreadyApplied,
			Category: failure.Category(err),
			Message:  err.Error(),
		}, nil
	default:
		trail.Fail("write failed", err, kv...)
		m.log.Error(ctx, "write failed",
			logger.String("operation", op),
			logger.String("category", failure.Category(err)),
			logger.Error(err),
		)
		return types.WriteResult{Category: failure.Category(err), Message: err.Error()}, fmt.Errorf("%s: %w", op, err)
	}
}

func (m *Manager) apply(ctx context.Context, trail *audit.Trail, obs model.Observation) {
	if _, err := m.proj.Apply(ctx, trail, obs); err != nil && !failure.Absorbed(err) {
		m.log.Error(ctx, "apply confirmed write failed", logger.String("kind", obs.Kind.String()), logger.Error(err))
	}
}

func (m *Manager) trigger(mentor string) {
	if m.refresher != nil {
		m.refresher.Trigger(mentor)
	}
}

func validAddress(op, address string) (string, error) {
	addr, ok := model.ParseAddress(address)
	if !ok {
		return "", failure.Wrap(failure.KindInvalid, op, fmt.Errorf("%w: %q", ledger.ErrInvalidAddress, address))
	}
	return addr, nil
}
