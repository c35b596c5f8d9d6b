package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/internal/domain/model"
)

// DefaultMemoryOwner deploys the in-memory contract when no owner is set.
const DefaultMemoryOwner = "0x1000000000000000000000000000000000000001"

// Memory is an in-process ledger with the deployed contract's rules: only
// the owner adds and assigns mentors, anyone submits, only the milestone's
// mentor verifies. Every write mines its own block. Views created with As
// share state and differ only in the sending address.
type Memory struct {
	st     *memState
	sender string
}

type book struct {
	records []model.MilestoneRecord
}

type memState struct {
	mu       sync.Mutex
	owner    string
	mentors  map[string]bool
	assigned map[string]string
	byID     map[string]*book
	bySlot   map[uint64]*book
	events   []Event
	head     uint64
	capab    Capability
	now      func() time.Time
	latency  time.Duration
	faults   map[string][]error
	calls    map[string]int
	gates    map[string]chan struct{}
}

// MemoryOption configures a Memory ledger.
type MemoryOption func(*memState)

// WithOwner sets the contract owner, which is also the default sender.
func WithOwner(addr string) MemoryOption {
	return func(s *memState) {
		if a := model.NormalizeAddress(addr); a != "" {
			s.owner = a
		}
	}
}

// WithCapability makes the ledger expose an older interface version.
func WithCapability(version string) MemoryOption {
	return func(s *memState) {
		if c, err := Lookup(version); err == nil {
			s.capab = c
		}
	}
}

// WithClock sets the source of submission timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *memState) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLatency delays every call.
func WithLatency(d time.Duration) MemoryOption {
	return func(s *memState) { s.latency = d }
}

// NewMemory creates an empty ledger whose sender is the owner.
func NewMemory(opts ...MemoryOption) *Memory {
	st := &memState{
		owner:    DefaultMemoryOwner,
		mentors:  make(map[string]bool),
		assigned: make(map[string]string),
		byID:     make(map[string]*book),
		bySlot:   make(map[uint64]*book),
		capab:    Latest(),
		now:      time.Now,
		faults:   make(map[string][]error),
		calls:    make(map[string]int),
		gates:    make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(st)
	}
	return &Memory{st: st, sender: st.owner}
}

// As returns a view sending from addr.
func (m *Memory) As(addr string) *Memory {
	return &Memory{st: m.st, sender: model.NormalizeAddress(addr)}
}

// Owner returns the contract owner.
func (m *Memory) Owner() string { return m.st.owner }

// Signer returns the sending address.
func (m *Memory) Signer() string { return m.sender }

// Capability returns the exposed interface version.
func (m *Memory) Capability() Capability { return m.st.capab }

// Close is a no-op.
func (m *Memory) Close() {}

// BindSlot exposes the milestones of startupID under a numeric slot.
func (m *Memory) BindSlot(slot uint64, startupID string) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	m.st.bySlot[slot] = m.st.bookLocked(startupID)
}

// SeedSlot stores records under a slot only, as legacy writes did.
func (m *Memory) SeedSlot(slot uint64, recs ...model.MilestoneRecord) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	b, ok := m.st.bySlot[slot]
	if !ok {
		b = &book{}
		m.st.bySlot[slot] = b
	}
	b.records = append(b.records, recs...)
}

// FailNext makes the next len(errs) calls of method fail with errs in order.
// Method names are the contract names plus "head" and "events".
func (m *Memory) FailNext(method string, errs ...error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	m.st.faults[method] = append(m.st.faults[method], errs...)
}

// Calls returns how many times method was invoked.
func (m *Memory) Calls(method string) int {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	return m.st.calls[method]
}

// Block holds every call of method until the returned release is called.
func (m *Memory) Block(method string) (release func()) {
	gate := make(chan struct{})
	m.st.mu.Lock()
	m.st.gates[method] = gate
	m.st.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.st.mu.Lock()
			if m.st.gates[method] == gate {
				delete(m.st.gates, method)
			}
			m.st.mu.Unlock()
			close(gate)
		})
	}
}

func (s *memState) bookLocked(id string) *book {
	b, ok := s.byID[id]
	if !ok {
		b = &book{}
		s.byID[id] = b
	}
	return b
}

// enter applies gates, latency and injected faults for one call.
func (m *Memory) enter(ctx context.Context, method string) error {
	m.st.mu.Lock()
	m.st.calls[method]++
	gate := m.st.gates[method]
	var fault error
	if q := m.st.faults[method]; len(q) > 0 {
		fault, m.st.faults[method] = q[0], q[1:]
	}
	latency := m.st.latency
	m.st.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fault
}

func (m *Memory) call(ctx context.Context, method string, fn func() error) error {
	start := time.Now()
	err := m.enter(ctx, method)
	if err == nil {
		err = fn()
	}
	err = classify("ledger."+method, err)
	observe(method, start, err)
	return err
}

// Head returns the latest mined block.
func (m *Memory) Head(ctx context.Context) (uint64, error) {
	var head uint64
	err := m.call(ctx, "head", func() error {
		m.st.mu.Lock()
		defer m.st.mu.Unlock()
		head = m.st.head
		return nil
	})
	return head, err
}

// MilestonesByID returns every milestone stored under startupID.
func (m *Memory) MilestonesByID(ctx context.Context, startupID string, _ uint64) ([]model.MilestoneRecord, error) {
	var out []model.MilestoneRecord
	err := m.call(ctx, methodByID, func() error {
		m.st.mu.Lock()
		defer m.st.mu.Unlock()
		if b, ok := m.st.byID[startupID]; ok {
			out = append(out, b.records...)
		}
		return nil
	})
	return out, err
}

// MilestoneCount returns how many milestones a slot holds.
func (m *Memory) MilestoneCount(ctx context.Context, slot, _ uint64) (uint64, error) {
	var n uint64
	err := m.call(ctx, methodSlotCount, func() error {
		if !m.st.capab.Slots {
			return failure.Wrap(failure.KindUnknownIdentifier, "ledger."+methodSlotCount, ErrSlotsUnsupported)
		}
		m.st.mu.Lock()
		defer m.st.mu.Unlock()
		if b, ok := m.st.bySlot[slot]; ok {
			n = uint64(len(b.records))
		}
		return nil
	})
	return n, err
}

// MilestoneBySlot returns one milestone of a slot.
func (m *Memory) MilestoneBySlot(ctx context.Context, slot, index, _ uint64) (model.MilestoneRecord, error) {
	var rec model.MilestoneRecord
	err := m.call(ctx, methodBySlot, func() error {
		if !m.st.capab.Slots {
			return failure.Wrap(failure.KindUnknownIdentifier, "ledger."+methodBySlot, ErrSlotsUnsupported)
		}
		m.st.mu.Lock()
		defer m.st.mu.Unlock()
		b, ok := m.st.bySlot[slot]
		if !ok || index >= uint64(len(b.records)) {
			return revert("invalid milestone index")
		}
		rec = b.records[index]
		return nil
	})
	return rec, err
}

// Events returns the events mined in [from, to]. A zero to means the head.
func (m *Memory) Events(ctx context.Context, from, to uint64) (Batch, error) {
	batch := Batch{From: from, To: to}
	err := m.call(ctx, "events", func() error {
		m.st.mu.Lock()
		defer m.st.mu.Unlock()
		if batch.To == 0 || batch.To > m.st.head {
			batch.To = m.st.head
		}
		for _, e := range m.st.events {
			if e.Sequence >= from && e.Sequence <= batch.To {
				batch.Events = append(batch.Events, e)
			}
		}
		return nil
	})
	return batch, err
}

// AddMentor grants the mentor role. Owner only.
func (m *Memory) AddMentor(ctx context.Context, address string) (Pending, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	return m.write(ctx, methodAddMentor, func(s *memState) ([]Event, error) {
		if m.sender != s.owner {
			return nil, revert("only owner")
		}
		if s.mentors[addr] {
			return nil, revert("already a mentor")
		}
		s.mentors[addr] = true
		return []Event{{Kind: model.ObservedMentorAdded, Mentor: addr}}, nil
	})
}

// AssignMentor sets the mentor of a startup. Owner only; the address must
// hold the mentor role.
func (m *Memory) AssignMentor(ctx context.Context, startupID, address string) (Pending, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	return m.write(ctx, methodAssign, func(s *memState) ([]Event, error) {
		if m.sender != s.owner {
			return nil, revert("only owner")
		}
		if !s.mentors[addr] {
			return nil, revert("address is not a mentor")
		}
		s.assigned[startupID] = addr
		return []Event{{Kind: model.ObservedAssigned, Topic: TopicOf(startupID), StartupID: startupID, Mentor: addr}}, nil
	})
}

// SubmitMilestone appends a milestone recording the startup's current mentor.
func (m *Memory) SubmitMilestone(ctx context.Context, req SubmitRequest) (Pending, error) {
	return m.write(ctx, methodSubmit, func(s *memState) ([]Event, error) {
		if strings.TrimSpace(req.StartupID) == "" {
			return nil, revert("empty startup id")
		}
		b := s.bookLocked(req.StartupID)
		idx := uint64(len(b.records))
		b.records = append(b.records, model.MilestoneRecord{
			StartupID:     req.StartupID,
			MilestoneType: req.Type,
			Value:         req.Value,
			Description:   req.Description,
			MentorAddress: s.assigned[req.StartupID],
			ProofHash:     req.ProofRef,
			Timestamp:     uint64(s.now().Unix()), //nolint:gosec // wall clock is positive
		})
		return []Event{{Kind: model.ObservedSubmitted, Topic: TopicOf(req.StartupID), StartupID: req.StartupID, Index: idx}}, nil
	})
}

// VerifyMilestone marks a milestone verified. Only the mentor recorded on
// the milestone, or the startup's current mentor when none was recorded,
// may verify.
func (m *Memory) VerifyMilestone(ctx context.Context, startupID string, index uint64) (Pending, error) {
	return m.write(ctx, methodVerify, func(s *memState) ([]Event, error) {
		b, ok := s.byID[startupID]
		if !ok || index >= uint64(len(b.records)) {
			return nil, revert("invalid milestone index")
		}
		rec := &b.records[index]
		if rec.Verified {
			return nil, revert("already verified")
		}
		mentor := rec.MentorAddress
		if mentor == "" {
			mentor = s.assigned[startupID]
		}
		if mentor == "" || m.sender != mentor {
			return nil, revert("not the assigned mentor")
		}
		rec.Verified = true
		return []Event{{Kind: model.ObservedVerified, Topic: TopicOf(startupID), StartupID: startupID, Index: index, Mentor: m.sender}}, nil
	})
}

// write mines fn's effects into a new block when fn succeeds.
func (m *Memory) write(ctx context.Context, method string, fn func(*memState) ([]Event, error)) (Pending, error) {
	var p *memPending
	err := m.call(ctx, method, func() error {
		m.st.mu.Lock()
		defer m.st.mu.Unlock()
		events, err := fn(m.st)
		if err != nil {
			return err
		}
		m.st.head++
		hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("%s:%d", method, m.st.head))).Hex()
		for i := range events {
			events[i].Sequence = m.st.head
			events[i].Key = fmt.Sprintf("%s:%d", hash, i)
		}
		m.st.events = append(m.st.events, events...)
		p = &memPending{receipt: Receipt{TxHash: hash, Sequence: m.st.head, Events: events}}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

type memPending struct {
	receipt Receipt
}

func (p *memPending) TxHash() string { return p.receipt.TxHash }

func (p *memPending) Wait(ctx context.Context) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	return p.receipt, nil
}

func parseAddress(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", failure.Wrap(failure.KindInvalid, "ledger.address", fmt.Errorf("%w: %q", ErrInvalidAddress, addr))
	}
	a := model.NormalizeAddress(addr)
	if a == "" {
		return "", failure.Wrap(failure.KindInvalid, "ledger.address", fmt.Errorf("%w: zero address", ErrInvalidAddress))
	}
	return a, nil
}
