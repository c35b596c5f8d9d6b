// Package ledger is the narrow read/write interface to the milestone
// contract. Two implementations exist: Ethereum talks JSON-RPC to a deployed
// contract, Memory keeps the same rules in process for tests and local runs.
package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/okian/mentorsync/internal/domain/model"
)

// Reader reads ledger state. at pins the read to a sequence (block height);
// zero reads the latest state. An unknown startup id reads as an empty list.
type Reader interface {
	Head(ctx context.Context) (uint64, error)
	MilestonesByID(ctx context.Context, startupID string, at uint64) ([]model.MilestoneRecord, error)
	MilestoneCount(ctx context.Context, slot, at uint64) (uint64, error)
	MilestoneBySlot(ctx context.Context, slot, index, at uint64) (model.MilestoneRecord, error)
	Events(ctx context.Context, from, to uint64) (Batch, error)
	Capability() Capability
}

// Writer sends transactions from a single signing identity. Every call
// returns once the transaction is accepted; the write is durable only after
// Pending.Wait returns.
type Writer interface {
	SubmitMilestone(ctx context.Context, req SubmitRequest) (Pending, error)
	VerifyMilestone(ctx context.Context, startupID string, index uint64) (Pending, error)
	AddMentor(ctx context.Context, address string) (Pending, error)
	AssignMentor(ctx context.Context, startupID, address string) (Pending, error)
	Signer() string
}

// Client is a full ledger connection.
type Client interface {
	Reader
	Writer
	Close()
}

// SubmitRequest is the payload of submitMilestone.
type SubmitRequest struct {
	StartupID   string `json:"startup_id"`
	Type        string `json:"type"`
	Value       uint64 `json:"value"`
	Description string `json:"description"`
	ProofRef    string `json:"proof_reference"`
}

// Pending is an accepted, not yet final, transaction.
type Pending interface {
	TxHash() string
	Wait(ctx context.Context) (Receipt, error)
}

// Receipt is a final transaction with the events it emitted.
type Receipt struct {
	TxHash   string
	Sequence uint64
	Events   []Event
}

// SubmittedIndex returns the index assigned by a submitMilestone receipt.
func (r Receipt) SubmittedIndex() (uint64, bool) {
	for _, e := range r.Events {
		if e.Kind == model.ObservedSubmitted {
			return e.Index, true
		}
	}
	return 0, false
}

// Event is a decoded contract event. Indexed string ids are only available
// as their keccak hash in Topic; StartupID is filled when the emitter knows
// the plain id.
type Event struct {
	Kind      model.ObservationKind
	Topic     string
	StartupID string
	Index     uint64
	Mentor    string
	Sequence  uint64
	Key       string
}

// Batch is the result of an event range read. Logs that could not be
// decoded are skipped and reported in DecodeErrors.
type Batch struct {
	From         uint64
	To           uint64
	Events       []Event
	DecodeErrors []error
}

// TopicOf returns the topic under which an indexed string id is logged.
func TopicOf(id string) string {
	return crypto.Keccak256Hash([]byte(id)).Hex()
}

var (
	_ Client = (*Ethereum)(nil)
	_ Client = (*Memory)(nil)
)
