package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/okian/mentorsync/internal/adapters/ledger"
	"github.com/okian/mentorsync/internal/app/resolver"
	"github.com/okian/mentorsync/internal/domain/types"
)

// StartupDependencies defines the per-startup write and debug operations.
type StartupDependencies interface {
	AssignMentor(ctx context.Context, startupID, address string) (types.WriteResult, error)
	SubmitMilestone(ctx context.Context, req ledger.SubmitRequest) (types.WriteResult, error)
	Verify(ctx context.Context, startupID string, index uint64) (types.WriteResult, error)
	Reject(ctx context.Context, startupID string, index uint64) (types.WriteResult, error)
	AliasReport(ctx context.Context, startupID string) (resolver.Report, error)
}

// StartupHandler handles startup requests.
type StartupHandler struct {
	deps StartupDependencies
}

// NewStartupHandler creates a new startup handler.
func NewStartupHandler(deps StartupDependencies) *StartupHandler {
	return &StartupHandler{deps: deps}
}

type submitRequest struct {
	Type           string `json:"type"`
	Value          uint64 `json:"value"`
	Description    string `json:"description"`
	ProofReference string `json:"proof_reference"`
}

// HandleAssign handles POST /startups/{startupID}/mentor.
func (h *StartupHandler) HandleAssign(w http.ResponseWriter, r *http.Request) {
	const op = "api.assign_mentor"
	var req addressRequest
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, badRequest(op, err))
		return
	}
	res, err := h.deps.AssignMentor(r.Context(), chi.URLParam(r, "startupID"), req.Address)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleSubmit handles POST /startups/{startupID}/milestones.
func (h *StartupHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	const op = "api.submit_milestone"
	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, badRequest(op, err))
		return
	}
	res, err := h.deps.SubmitMilestone(r.Context(), ledger.SubmitRequest{
		StartupID:   chi.URLParam(r, "startupID"),
		Type:        req.Type,
		Value:       req.Value,
		Description: req.Description,
		ProofRef:    req.ProofReference,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleVerify handles POST /startups/{startupID}/milestones/{index}/verify.
func (h *StartupHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "api.verify", h.deps.Verify)
}

// HandleReject handles POST /startups/{startupID}/milestones/{index}/reject.
func (h *StartupHandler) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "api.reject", h.deps.Reject)
}

func (h *StartupHandler) transition(w http.ResponseWriter, r *http.Request, op string,
	fn func(context.Context, string, uint64) (types.WriteResult, error),
) {
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 64)
	if err != nil {
		writeFailure(w, badRequest(op, fmt.Errorf("milestone index: %w", err)))
		return
	}
	res, err := fn(r.Context(), chi.URLParam(r, "startupID"), index)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleAliases handles GET /startups/{startupID}/aliases.
func (h *StartupHandler) HandleAliases(w http.ResponseWriter, r *http.Request) {
	rep, err := h.deps.AliasReport(r.Context(), chi.URLParam(r, "startupID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
