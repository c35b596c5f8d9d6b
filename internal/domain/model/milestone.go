package model

import (
	"fmt"
	"strings"
	"time"
)

// MilestoneType is the normalized milestone category.
type MilestoneType string

const (
	TypeFunding       MilestoneType = "funding"
	TypeRevenue       MilestoneType = "revenue"
	TypeUsers         MilestoneType = "users"
	TypeProductLaunch MilestoneType = "product_launch"
	TypeOther         MilestoneType = "other"
)

// ParseMilestoneType accepts the canonical names only.
func ParseMilestoneType(s string) (MilestoneType, error) {
	switch t := MilestoneType(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeFunding, TypeRevenue, TypeUsers, TypeProductLaunch, TypeOther:
		return t, nil
	default:
		return "", fmt.Errorf("unknown milestone type %q", s)
	}
}

// MilestoneRecord is a milestone exactly as the ledger returns it.
type MilestoneRecord struct {
	StartupID     string
	MilestoneType string
	Value         uint64
	Description   string
	MentorAddress string
	ProofHash     string
	Timestamp     uint64
	Verified      bool
}

// Milestone is the projected milestone keyed by (StartupID, Index).
//
// Value, Description, Type, ProofReference and MentorAddress are
// write-once. Verified only moves false->true. LocalRejected is set only by
// a local rejection and never cleared by the ledger.
type Milestone struct {
	StartupID           string        `json:"startup_id"`
	Index               uint64        `json:"index"`
	Type                MilestoneType `json:"type"`
	RawType             string        `json:"raw_type,omitempty"`
	Value               uint64        `json:"value"`
	Description         string        `json:"description"`
	ProofReference      string        `json:"proof_reference"`
	SubmittedAtSequence uint64        `json:"submitted_at_sequence"`
	SubmittedAt         time.Time     `json:"submitted_at,omitzero"`
	MentorAddress       string        `json:"mentor_address,omitempty"`
	Verified            bool          `json:"verified"`
	VerifiedAtSequence  *uint64       `json:"verified_at_sequence,omitempty"`
	VerifiedBy          string        `json:"verified_by,omitempty"`
	LocalRejected       bool          `json:"local_rejected"`
	Suspect             bool          `json:"suspect"`

	// Recorded is set once a full ledger record has been merged. Entries
	// created by an early verification event stay hidden until then.
	Recorded bool `json:"-"`
}

// MilestoneState is the lifecycle state derived from the flags.
type MilestoneState string

const (
	StateSubmitted       MilestoneState = "submitted"
	StateVerified        MilestoneState = "verified"
	StateLocallyRejected MilestoneState = "locally_rejected"
)

// State derives the lifecycle state. Verified always wins over a local rejection.
func (m Milestone) State() MilestoneState {
	switch {
	case m.Verified:
		return StateVerified
	case m.LocalRejected:
		return StateLocallyRejected
	default:
		return StateSubmitted
	}
}

// Pending reports a milestone still awaiting a decision.
func (m Milestone) Pending() bool { return !m.Verified && !m.LocalRejected }

// MentorAssignment is the startup->mentor assignment observed at a ledger
// sequence. The highest sequence per startup is effective; an empty
// MentorAddress means the startup is unassigned.
type MentorAssignment struct {
	StartupID          string `json:"startup_id"`
	MentorAddress      string `json:"mentor_address"`
	AssignedAtSequence uint64 `json:"assigned_at_sequence"`
}

// ProjectionEntry joins a milestone with its startup and effective mentor.
// It is computed on read and never stored.
type ProjectionEntry struct {
	Milestone
	State       MilestoneState    `json:"state"`
	DisplayName string            `json:"display_name,omitempty"`
	Aliases     []string          `json:"aliases,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Mentor      *MentorAssignment `json:"mentor,omitempty"`
}

// Filter selects dashboard rows.
type Filter string

const (
	FilterAll      Filter = "all"
	FilterPending  Filter = "pending"
	FilterVerified Filter = "verified"
	FilterRejected Filter = "rejected"
)

// ParseFilter maps "" to FilterAll.
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterPending, FilterVerified, FilterRejected:
		return f, nil
	default:
		return "", fmt.Errorf("unknown filter %q", s)
	}
}

// Match reports whether m belongs to the filter.
func (f Filter) Match(m Milestone) bool {
	switch f {
	case FilterPending:
		return m.Pending()
	case FilterVerified:
		return m.Verified
	case FilterRejected:
		return m.LocalRejected && !m.Verified
	default:
		return true
	}
}
