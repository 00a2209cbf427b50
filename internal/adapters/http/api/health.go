package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/okian/flagboard/pkg/metrics"
)

// HealthHandler serves liveness and metrics.
type HealthHandler struct {
	deps    Dependencies
	metrics http.Handler
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(deps Dependencies) *HealthHandler {
	return &HealthHandler{
		deps:    deps,
		metrics: promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}),
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Channel string `json:"channel"`
}

// HandleHealth handles GET /healthz. The process is healthy while it runs;
// a down push channel is reported, not failed, since polling covers it.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.deps.Status(r.Context())
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Channel: st.Channel.String()})
}

// HandleMetrics handles GET /metrics from the client's own registry.
func (h *HealthHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.ServeHTTP(w, r)
}
