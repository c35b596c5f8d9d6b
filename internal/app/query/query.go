// Package query serves the mentor dashboard from the projection. It never
// reads the ledger; freshness is reported through the mentor's sync marker.
package query

import (
	"context"

	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/internal/domain/model"
	"github.com/okian/mentorsync/internal/domain/types"
)

// Projection is the read side of the projector.
type Projection interface {
	Snapshot() []model.Milestone
	Owns(m model.Milestone, mentor string) bool
	Assignment(startupID string) (model.MentorAssignment, bool)
}

// Registry provides display data for canonical ids.
type Registry interface {
	Identity(id string) (model.StartupIdentity, bool)
}

// Markers reports how fresh a mentor's projection is.
type Markers interface {
	Marker(mentor string) types.SyncMarker
}

// Service answers dashboard queries.
type Service struct {
	proj    Projection
	ids     Registry
	markers Markers

	defaultPageSize int
	maxPageSize     int
}

// New creates a query service.
func New(proj Projection, ids Registry, markers Markers, opts ...Option) *Service {
	s := &Service{
		proj:            proj,
		ids:             ids,
		markers:         markers,
		defaultPageSize: defaultPageSize,
		maxPageSize:     maxPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.defaultPageSize > s.maxPageSize {
		s.defaultPageSize = s.maxPageSize
	}
	return s
}

// List returns one page of the milestones on mentor's dashboard, ordered by
// (startupId, index). page is 1-based; out of range pages are empty. A
// non-positive pageSize uses the default and larger sizes are clamped.
func (s *Service) List(_ context.Context, mentor string, filter model.Filter, page, pageSize int) (types.Page, error) {
	const op = "query.list"
	mentor, ok := model.ParseAddress(mentor)
	if !ok {
		return types.Page{}, failure.New(failure.KindInvalid, op, "mentor address must be a 20-byte hex address")
	}
	if filter == "" {
		filter = model.FilterAll
	}
	if page < 1 {
		page = 1
	}
	switch {
	case pageSize <= 0:
		pageSize = s.defaultPageSize
	case pageSize > s.maxPageSize:
		pageSize = s.maxPageSize
	}

	var rows []model.Milestone
	for _, m := range s.proj.Snapshot() {
		if s.proj.Owns(m, mentor) && filter.Match(m) {
			rows = append(rows, m)
		}
	}

	out := types.Page{
		Entries:  []model.ProjectionEntry{},
		Filter:   filter,
		Page:     page,
		PageSize: pageSize,
		Total:    len(rows),
	}
	if s.markers != nil {
		out.Sync = s.markers.Marker(mentor)
	} else {
		out.Sync = types.SyncMarker{Mentor: mentor}
	}

	start := (page - 1) * pageSize
	if start >= len(rows) {
		return out, nil
	}
	end := min(start+pageSize, len(rows))
	for _, m := range rows[start:end] {
		out.Entries = append(out.Entries, s.entry(m))
	}
	return out, nil
}

func (s *Service) entry(m model.Milestone) model.ProjectionEntry {
	e := model.ProjectionEntry{Milestone: m, State: m.State()}
	if s.ids != nil {
		if id, ok := s.ids.Identity(m.StartupID); ok {
			e.DisplayName = id.DisplayName
			e.Aliases = id.AliasStrings()
			e.Metadata = id.Metadata
		}
	}
	if a, ok := s.proj.Assignment(m.StartupID); ok {
		e.Mentor = &a
	}
	return e
}
