package model

import "fmt"

// ObservationKind tells the projector how to merge an observation.
type ObservationKind int

const (
	// ObservedRecord carries a full milestone read from the ledger.
	ObservedRecord ObservationKind = iota
	// ObservedSubmitted is a MilestoneSubmitted event.
	ObservedSubmitted
	// ObservedVerified is a MilestoneVerified event or a confirmed local verify.
	ObservedVerified
	// ObservedAssigned is a MentorAssigned event or a confirmed assignment.
	ObservedAssigned
	// ObservedMentorAdded is a MentorAdded event.
	ObservedMentorAdded
)

var observationKindNames = [...]string{"record", "submitted", "verified", "assigned", "mentor_added"}

func (k ObservationKind) String() string {
	if int(k) < len(observationKindNames) {
		return observationKindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Source is where an observation came from.
type Source string

const (
	SourceRead  Source = "read"
	SourceEvent Source = "event"
	SourceLocal Source = "local"
)

// Observation is one fact about the ledger, addressed by the alias it was
// read under. StartupID is empty until the resolver canonicalizes it.
type Observation struct {
	Kind      ObservationKind
	Source    Source
	Alias     Alias
	StartupID string
	Index     uint64
	Record    *MilestoneRecord
	Mentor    string
	Sequence  uint64

	// Key identifies a ledger event (tx hash and log index) for dedupe.
	Key string

	// Suspect marks a record the resolver already found conflicting
	// between aliases.
	Suspect bool
}

// Subject names the projection row an observation targets.
func (o Observation) Subject() string {
	id := o.StartupID
	if id == "" {
		id = o.Alias.String()
	}
	return fmt.Sprintf("%s#%d", id, o.Index)
}
