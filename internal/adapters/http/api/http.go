// Package api serves the local status API: health, metrics, projections,
// sync status and the manual refresh action.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	service "github.com/okian/flagboard/internal/app"
)

// Dependencies required by HTTP handlers.
type Dependencies interface {
	Leaderboard(ctx context.Context, tier string) (service.LeaderboardView, error)
	Status(ctx context.Context) service.Status
	Refresh(ctx context.Context, tier string) error
	RefreshAll(ctx context.Context) error
}

// Server wires HTTP routes for the status API.
type Server struct {
	healthHandler      *HealthHandler
	leaderboardHandler *LeaderboardHandler
	statusHandler      *StatusHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies) *Server {
	return &Server{
		healthHandler:      NewHealthHandler(deps),
		leaderboardHandler: NewLeaderboardHandler(deps),
		statusHandler:      NewStatusHandler(deps),
	}
}

// Register attaches all routes to r.
func (s *Server) Register(r chi.Router) {
	r.Use(MetricsMiddleware)
	r.Get("/healthz", s.healthHandler.HandleHealth)
	r.Get("/metrics", s.healthHandler.HandleMetrics)
	r.Get("/leaderboard", s.leaderboardHandler.HandleGetLeaderboard)
	r.Get("/status", s.statusHandler.HandleStatus)
	r.Post("/refresh", s.statusHandler.HandleRefresh)
}

// Handler returns a router with every route registered.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	s.Register(r)
	return r
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
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
