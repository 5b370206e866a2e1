package handlers

import (
	"context"
	"net/http"
)

// HealthChecker reports backend reachability.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// HealthHandler serves the liveness endpoint. The service stays up when the
// cache backend is down, so the endpoint reports degradation instead of
// failing.
type HealthHandler struct {
	sessions HealthChecker
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(sessions HealthChecker) *HealthHandler {
	return &HealthHandler{sessions: sessions}
}

type healthResponse struct {
	Status       string `json:"status"`
	CacheBackend string `json:"cache_backend"`
}

// Handle processes GET /healthz.
func (h *HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", CacheBackend: "up"}
	if h.sessions == nil || !h.sessions.Healthy(r.Context()) {
		resp.CacheBackend = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}
