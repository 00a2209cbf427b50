package api

import (
	"errors"
	"net/http"

	service "github.com/okian/flagboard/internal/app"
)

// LeaderboardHandler serves projections.
type LeaderboardHandler struct {
	deps Dependencies
}

// NewLeaderboardHandler creates a new leaderboard handler
func NewLeaderboardHandler(deps Dependencies) *LeaderboardHandler {
	return &LeaderboardHandler{deps: deps}
}

// HandleGetLeaderboard handles GET /leaderboard?difficulty=<tier>. Without a
// difficulty the default tier is served.
func (h *LeaderboardHandler) HandleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	view, err := h.deps.Leaderboard(r.Context(), r.URL.Query().Get("difficulty"))
	if err != nil {
		if errors.Is(err, service.ErrUnknownTier) {
			writeError(w, http.StatusNotFound, "unknown_tier", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
