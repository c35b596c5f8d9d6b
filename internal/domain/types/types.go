// Package types contains the read and write shapes returned to API callers.
package types

import (
	"time"

	"github.com/okian/mentorsync/internal/domain/model"
)

// SyncMarker tells a dashboard how fresh the projection is for a mentor.
type SyncMarker struct {
	Mentor    string    `json:"mentor"`
	Sequence  uint64    `json:"sequence"`
	SyncedAt  time.Time `json:"synced_at,omitzero"`
	State     string    `json:"state"`
	Stale     bool      `json:"stale"`
	LastError string    `json:"last_error,omitempty"`
}

// Page is one page of dashboard rows.
type Page struct {
	Entries  []model.ProjectionEntry `json:"entries"`
	Filter   model.Filter            `json:"filter"`
	Page     int                     `json:"page"`
	PageSize int                     `json:"page_size"`
	Total    int                     `json:"total"`
	Sync     SyncMarker              `json:"sync"`
}

// Write result statuses.
const (
	StatusOK             = "ok"
	StatusAlreadyApplied = "already_applied"
)

// WriteResult reports a confirmed ledger write or a local annotation.
type WriteResult struct {
	Status   string  `json:"status"`
	Category string  `json:"category,omitempty"`
	Message  string  `json:"message,omitempty"`
	TxHash   string  `json:"tx_hash,omitempty"`
	Sequence uint64  `json:"sequence,omitempty"`
	Index    *uint64 `json:"index,omitempty"`
}
