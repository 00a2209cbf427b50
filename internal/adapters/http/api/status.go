package api

import (
	"errors"
	"fmt"
	"net/http"

	service "github.com/okian/flagboard/internal/app"
)

// StatusHandler serves sync status and the manual refresh action.
type StatusHandler struct {
	deps Dependencies
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(deps Dependencies) *StatusHandler {
	return &StatusHandler{deps: deps}
}

// HandleStatus handles GET /status.
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Status(r.Context()))
}

// HandleRefresh handles POST /refresh?difficulty=<tier>; without a
// difficulty every configured tier is refreshed. An untracked tier answers
// 404; a failed fetch answers 502 and leaves the previous projection in place.
func (h *StatusHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	tier := r.URL.Query().Get("difficulty")
	var err error
	if tier == "" {
		err = h.deps.RefreshAll(r.Context())
	} else {
		err = h.deps.Refresh(r.Context(), tier)
	}
	if errors.Is(err, service.ErrUnknownTier) {
		writeError(w, http.StatusNotFound, "unknown_tier", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, "refresh_failed", fmt.Errorf("%w: %w", ErrRefreshFailed, err))
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Status(r.Context()))
}
