package handler

import (
	"context"
	"net/http"
	"time"
)

// HealthChecker is any backing client that can report liveness.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler reports the state of every backing store.
type HealthHandler struct {
	checks map[string]HealthChecker
}

func NewHealthHandler(checks map[string]HealthChecker) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Health handles GET /health. Degraded dependencies are reported but the
// endpoint stays 200 as long as the process is serving.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := make(map[string]string, len(h.checks))
	healthy := true
	for name, check := range h.checks {
		if check == nil {
			status[name] = "disabled"
			continue
		}
		if err := check.HealthCheck(ctx); err != nil {
			status[name] = "unhealthy"
			healthy = false
			continue
		}
		status[name] = "healthy"
	}

	// Degraded still answers 200; orchestrators only restart on dead.
	writeJSON(w, http.StatusOK, Response{Success: healthy, Data: status})
}
