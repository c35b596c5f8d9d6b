// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/okian/mentorsync/internal/domain/types"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	MentorDependencies
	StartupDependencies
	AuditDependencies
	HealthDependencies
	StatsProvider
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler  *HealthHandler
	statsHandler   *StatsHandler
	mentorHandler  *MentorHandler
	startupHandler *StartupHandler
	auditHandler   *AuditHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies) *Server {
	return &Server{
		healthHandler:  NewHealthHandler(deps),
		statsHandler:   NewStatsHandler(deps),
		mentorHandler:  NewMentorHandler(deps),
		startupHandler: NewStartupHandler(deps),
		auditHandler:   NewAuditHandler(deps),
	}
}

// Router returns a chi router with the common middleware stack and all
// routes registered.
func (s *Server) Router(ctx context.Context) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, MetricsMiddleware)
	s.Register(ctx, r)
	return r
}

// Register attaches all HTTP routes to r.
func (s *Server) Register(_ context.Context, r chi.Router) {
	r.Get("/healthz", s.healthHandler.HandleHealth)
	r.Get("/metrics", s.healthHandler.HandleMetrics)
	r.Get("/stats", s.statsHandler.HandleStats)
	r.Get("/audit", s.auditHandler.HandleRecent)

	r.Route("/mentors", func(r chi.Router) {
		r.Post("/", s.mentorHandler.HandleEnsure)
		r.Get("/{address}/milestones", s.mentorHandler.HandleList)
		r.Post("/{address}/refresh", s.mentorHandler.HandleRefresh)
	})

	r.Route("/startups/{startupID}", func(r chi.Router) {
		r.Post("/mentor", s.startupHandler.HandleAssign)
		r.Get("/aliases", s.startupHandler.HandleAliases)
		r.Post("/milestones", s.startupHandler.HandleSubmit)
		r.Post("/milestones/{index}/verify", s.startupHandler.HandleVerify)
		r.Post("/milestones/{index}/reject", s.startupHandler.HandleReject)
	})
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// Sync carries the last successful sync marker of a failed refresh.
	Sync *types.SyncMarker `json:"sync,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeFailure answers with the status and category err maps to.
func writeFailure(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	writeError(w, status, code, err)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
