package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/okian/mentorsync/internal/domain/model"
	"github.com/okian/mentorsync/internal/domain/types"
)

// MentorDependencies defines the mentor dashboard operations.
type MentorDependencies interface {
	ListMilestones(ctx context.Context, mentor string, filter model.Filter, page, pageSize int) (types.Page, error)
	Refresh(ctx context.Context, mentor string) (types.SyncMarker, error)
	EnsureMentor(ctx context.Context, address string) (types.WriteResult, error)
}

// MentorHandler handles mentor requests.
type MentorHandler struct {
	deps MentorDependencies
}

// NewMentorHandler creates a new mentor handler.
func NewMentorHandler(deps MentorDependencies) *MentorHandler {
	return &MentorHandler{deps: deps}
}

type addressRequest struct {
	Address string `json:"address"`
}

// HandleList handles GET /mentors/{address}/milestones?filter=&page=&page_size=.
func (h *MentorHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_milestones"
	q := r.URL.Query()
	filter, err := model.ParseFilter(q.Get("filter"))
	if err != nil {
		writeFailure(w, badRequest(op, err))
		return
	}
	page, err := intParam(q.Get("page"))
	if err != nil {
		writeFailure(w, badRequest(op, err))
		return
	}
	pageSize, err := intParam(q.Get("page_size"))
	if err != nil {
		writeFailure(w, badRequest(op, err))
		return
	}

	res, err := h.deps.ListMilestones(r.Context(), chi.URLParam(r, "address"), filter, page, pageSize)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleRefresh handles POST /mentors/{address}/refresh. It waits for the
// cycle and returns the resulting sync marker. A failed cycle answers with
// its error and the mentor's last marker.
func (h *MentorHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	marker, err := h.deps.Refresh(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		status, code := statusFor(err)
		resp := errorResponse{Code: code, Message: err.Error()}
		if marker.Mentor != "" {
			resp.Sync = &marker
		}
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, marker)
}

// HandleEnsure handles POST /mentors.
func (h *MentorHandler) HandleEnsure(w http.ResponseWriter, r *http.Request) {
	const op = "api.ensure_mentor"
	var req addressRequest
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, badRequest(op, err))
		return
	}
	res, err := h.deps.EnsureMentor(r.Context(), req.Address)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// intParam parses an optional integer query parameter; empty is zero.
func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("expected an integer, got " + strconv.Quote(s))
	}
	return n, nil
}
