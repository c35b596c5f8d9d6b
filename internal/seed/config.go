// Package seed replays the startup onboarding flow against a running
// mentorsync service over its HTTP API.
package seed

import (
	"time"

	"github.com/okian/mentorsync/pkg/retry"
)

// Config holds configuration for a seed run.
type Config struct {
	BaseURL     string        // Base URL of the service
	Mentor      string        // Address made mentor of every startup
	Startups    []Startup     // Startups to onboard
	Concurrency int           // Startups onboarded in parallel
	Timeout     time.Duration // HTTP request timeout
	Retry       retry.Config  // Retry policy for unavailable responses
	Verbose     bool          // Log every write
}

// Startup is one startup to onboard. FundingMilli is the raise in
// thousandths of the ledger's value unit.
type Startup struct {
	ID           string
	Name         string
	FundingMilli uint64
}

// Milestone is one starter milestone submitted for a startup.
type Milestone struct {
	Type        string `json:"type"`
	Value       uint64 `json:"value"`
	Description string `json:"description"`
	ProofRef    string `json:"proof_reference"`
}

// Stats holds run statistics.
type Stats struct {
	Startups            int
	Assigned            int
	MilestonesSubmitted int
	AlreadyApplied      int
	Failed              int
	Listed              int
	Sequence            uint64
	StartTime           time.Time
	EndTime             time.Time
	Duration            time.Duration
}
