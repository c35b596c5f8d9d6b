package api

import (
	"net/http"

	"github.com/okian/mentorsync/internal/domain/audit"
)

const defaultAuditLimit = 50

// AuditDependencies exposes recently finished audit trails.
type AuditDependencies interface {
	RecentAudits(limit int) []audit.Summary
}

// AuditHandler handles audit requests.
type AuditHandler struct {
	deps AuditDependencies
}

// NewAuditHandler creates a new audit handler.
func NewAuditHandler(deps AuditDependencies) *AuditHandler {
	return &AuditHandler{deps: deps}
}

// HandleRecent handles GET /audit?limit=.
func (h *AuditHandler) HandleRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeFailure(w, badRequest("api.audit", err))
		return
	}
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	writeJSON(w, http.StatusOK, h.deps.RecentAudits(limit))
}
