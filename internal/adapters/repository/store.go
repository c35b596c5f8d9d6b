// Package repository persists the projection, sync markers and the event
// feed cursor in SQLite so a restarted engine serves its last view at once.
// The ledger stays the source of truth; every row here can be rebuilt by a
// full reconciliation.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/okian/mentorsync/internal/domain/model"
	"github.com/okian/mentorsync/internal/domain/types"
	"github.com/okian/mentorsync/pkg/logger"
	"github.com/okian/mentorsync/pkg/metrics"
)

// Store is the SQLite-backed projection store.
type Store struct {
	db  *sql.DB
	log logger.Logger
}

// Open opens (creating when needed) the database at path and applies
// pending migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrPathRequired
	}
	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{db: db, log: logger.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.log.Info(ctx, "projection store opened", logger.String("path", path))
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func observe(op string, start time.Time) {
	metrics.RecordStoreLatency(op, float64(time.Since(start).Milliseconds()))
}

// SaveMilestone inserts or replaces one milestone row.
func (s *Store) SaveMilestone(ctx context.Context, m model.Milestone) error {
	defer observe("save_milestone", time.Now())
	var verifiedAt sql.NullInt64
	if m.VerifiedAtSequence != nil {
		verifiedAt = sql.NullInt64{Int64: int64(*m.VerifiedAtSequence), Valid: true} //nolint:gosec // block heights fit in int64
	}
	var submittedAt int64
	if !m.SubmittedAt.IsZero() {
		submittedAt = m.SubmittedAt.UTC().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO milestones (
	startup_id, idx, type, raw_type, value, description, proof_reference,
	submitted_at_sequence, submitted_at, mentor_address, verified,
	verified_at_sequence, verified_by, local_rejected, suspect, recorded, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (startup_id, idx) DO UPDATE SET
	type = excluded.type,
	raw_type = excluded.raw_type,
	value = excluded.value,
	description = excluded.description,
	proof_reference = excluded.proof_reference,
	submitted_at_sequence = excluded.submitted_at_sequence,
	submitted_at = excluded.submitted_at,
	mentor_address = excluded.mentor_address,
	verified = excluded.verified,
	verified_at_sequence = excluded.verified_at_sequence,
	verified_by = excluded.verified_by,
	local_rejected = excluded.local_rejected,
	suspect = excluded.suspect,
	recorded = excluded.recorded,
	updated_at = excluded.updated_at
`,
		m.StartupID,
		int64(m.Index), //nolint:gosec // ledger indexes fit in int64
		string(m.Type),
		m.RawType,
		strconv.FormatUint(m.Value, 10),
		m.Description,
		m.ProofReference,
		int64(m.SubmittedAtSequence), //nolint:gosec // block heights fit in int64
		submittedAt,
		m.MentorAddress,
		m.Verified,
		verifiedAt,
		m.VerifiedBy,
		m.LocalRejected,
		m.Suspect,
		m.Recorded,
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save milestone %s#%d: %w", m.StartupID, m.Index, err)
	}
	return nil
}

// DeleteMilestone removes one milestone row.
func (s *Store) DeleteMilestone(ctx context.Context, startupID string, index uint64) error {
	defer observe("delete_milestone", time.Now())
	_, err := s.db.ExecContext(ctx, `DELETE FROM milestones WHERE startup_id = ? AND idx = ?`,
		startupID, int64(index)) //nolint:gosec // ledger indexes fit in int64
	if err != nil {
		return fmt.Errorf("delete milestone %s#%d: %w", startupID, index, err)
	}
	return nil
}

// LoadMilestones returns every stored milestone ordered by (startupId, index).
func (s *Store) LoadMilestones(ctx context.Context) ([]model.Milestone, error) {
	defer observe("load_milestones", time.Now())
	rows, err := s.db.QueryContext(ctx, `
SELECT
	startup_id, idx, type, raw_type, value, description, proof_reference,
	submitted_at_sequence, submitted_at, mentor_address, verified,
	verified_at_sequence, verified_by, local_rejected, suspect, recorded
FROM milestones
ORDER BY startup_id, idx
`)
	if err != nil {
		return nil, fmt.Errorf("load milestones: %w", err)
	}
	defer rows.Close()

	var out []model.Milestone
	for rows.Next() {
		var (
			m           model.Milestone
			idx         int64
			typ         string
			value       string
			submittedSq int64
			submittedAt int64
			verifiedAt  sql.NullInt64
		)
		if err := rows.Scan(
			&m.StartupID, &idx, &typ, &m.RawType, &value, &m.Description, &m.ProofReference,
			&submittedSq, &submittedAt, &m.MentorAddress, &m.Verified,
			&verifiedAt, &m.VerifiedBy, &m.LocalRejected, &m.Suspect, &m.Recorded,
		); err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("milestone %s#%d value %q: %w", m.StartupID, idx, value, err)
		}
		m.Index = uint64(idx) //nolint:gosec // stored from a uint64
		m.Type = model.MilestoneType(typ)
		m.Value = v
		m.SubmittedAtSequence = uint64(submittedSq) //nolint:gosec // stored from a uint64
		if submittedAt > 0 {
			m.SubmittedAt = time.UnixMilli(submittedAt).UTC()
		}
		if verifiedAt.Valid {
			seq := uint64(verifiedAt.Int64) //nolint:gosec // stored from a uint64
			m.VerifiedAtSequence = &seq
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate milestones: %w", err)
	}
	return out, nil
}

// SaveAssignment inserts or replaces the effective assignment of a startup.
func (s *Store) SaveAssignment(ctx context.Context, a model.MentorAssignment) error {
	defer observe("save_assignment", time.Now())
	_, err := s.db.ExecContext(ctx, `
INSERT INTO assignments (startup_id, mentor_address, assigned_at_sequence, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (startup_id) DO UPDATE SET
	mentor_address = excluded.mentor_address,
	assigned_at_sequence = excluded.assigned_at_sequence,
	updated_at = excluded.updated_at
`,
		a.StartupID,
		a.MentorAddress,
		int64(a.AssignedAtSequence), //nolint:gosec // block heights fit in int64
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save assignment %s: %w", a.StartupID, err)
	}
	return nil
}

// DeleteAssignment removes the assignment row of a startup.
func (s *Store) DeleteAssignment(ctx context.Context, startupID string) error {
	defer observe("delete_assignment", time.Now())
	if _, err := s.db.ExecContext(ctx, `DELETE FROM assignments WHERE startup_id = ?`, startupID); err != nil {
		return fmt.Errorf("delete assignment %s: %w", startupID, err)
	}
	return nil
}

// LoadAssignments returns every stored assignment ordered by startup.
func (s *Store) LoadAssignments(ctx context.Context) ([]model.MentorAssignment, error) {
	defer observe("load_assignments", time.Now())
	rows, err := s.db.QueryContext(ctx, `
SELECT startup_id, mentor_address, assigned_at_sequence
FROM assignments
ORDER BY startup_id
`)
	if err != nil {
		return nil, fmt.Errorf("load assignments: %w", err)
	}
	defer rows.Close()

	var out []model.MentorAssignment
	for rows.Next() {
		var (
			a   model.MentorAssignment
			seq int64
		)
		if err := rows.Scan(&a.StartupID, &a.MentorAddress, &seq); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.AssignedAtSequence = uint64(seq) //nolint:gosec // stored from a uint64
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return out, nil
}

// SaveMarker stores the sync marker of a mentor.
func (s *Store) SaveMarker(ctx context.Context, m types.SyncMarker) error {
	defer observe("save_marker", time.Now())
	var syncedAt int64
	if !m.SyncedAt.IsZero() {
		syncedAt = m.SyncedAt.UTC().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_markers (mentor, sequence, synced_at, state, stale, last_error)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (mentor) DO UPDATE SET
	sequence = excluded.sequence,
	synced_at = excluded.synced_at,
	state = excluded.state,
	stale = excluded.stale,
	last_error = excluded.last_error
`,
		m.Mentor,
		int64(m.Sequence), //nolint:gosec // block heights fit in int64
		syncedAt,
		m.State,
		m.Stale,
		m.LastError,
	)
	if err != nil {
		return fmt.Errorf("save marker %s: %w", m.Mentor, err)
	}
	return nil
}

// LoadMarkers returns every stored sync marker.
func (s *Store) LoadMarkers(ctx context.Context) ([]types.SyncMarker, error) {
	defer observe("load_markers", time.Now())
	rows, err := s.db.QueryContext(ctx, `
SELECT mentor, sequence, synced_at, state, stale, last_error
FROM sync_markers
ORDER BY mentor
`)
	if err != nil {
		return nil, fmt.Errorf("load markers: %w", err)
	}
	defer rows.Close()

	var out []types.SyncMarker
	for rows.Next() {
		var (
			m        types.SyncMarker
			seq      int64
			syncedAt int64
		)
		if err := rows.Scan(&m.Mentor, &seq, &syncedAt, &m.State, &m.Stale, &m.LastError); err != nil {
			return nil, fmt.Errorf("scan marker: %w", err)
		}
		m.Sequence = uint64(seq) //nolint:gosec // stored from a uint64
		if syncedAt > 0 {
			m.SyncedAt = time.UnixMilli(syncedAt).UTC()
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate markers: %w", err)
	}
	return out, nil
}

// Cursor returns the last block the named feed consumed.
func (s *Store) Cursor(ctx context.Context, name string) (uint64, bool, error) {
	defer observe("load_cursor", time.Now())
	var block int64
	err := s.db.QueryRowContext(ctx, `SELECT block FROM feed_cursors WHERE name = ?`, name).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load cursor %s: %w", name, err)
	}
	return uint64(block), true, nil //nolint:gosec // stored from a uint64
}

// SaveCursor stores the last block the named feed consumed.
func (s *Store) SaveCursor(ctx context.Context, name string, block uint64) error {
	defer observe("save_cursor", time.Now())
	_, err := s.db.ExecContext(ctx, `
INSERT INTO feed_cursors (name, block, updated_at) VALUES (?, ?, ?)
ON CONFLICT (name) DO UPDATE SET block = excluded.block, updated_at = excluded.updated_at
`,
		name,
		int64(block), //nolint:gosec // block heights fit in int64
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", name, err)
	}
	return nil
}
