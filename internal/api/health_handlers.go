package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker defines the interface for components that can be health checked.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NamedChecker pairs a dependency name with its checker.
type NamedChecker struct {
	Name    string
	Checker HealthChecker
}

// HealthHandlers provides health and readiness check endpoints for Kubernetes.
type HealthHandlers struct {
	checkers []NamedChecker
	timeout  time.Duration
	now      func() time.Time
}

// HealthHandlersConfig configures the health check handlers.
type HealthHandlersConfig struct {
	// Checkers are run by Ready in order. A nil Checker is reported as
	// "not_configured" and does not fail readiness.
	Checkers []NamedChecker
	// Timeout bounds a whole readiness pass. Defaults to 5s.
	Timeout time.Duration
}

// NewHealthHandlers creates a new health check handler.
func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &HealthHandlers{
		checkers: config.Checkers,
		timeout:  config.Timeout,
		now:      time.Now,
	}
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health (liveness).
// If we can respond, we're alive.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r.Context(), http.StatusOK, HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": "ok"},
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready (readiness).
// Returns 503 if any configured dependency fails its check.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := make(map[string]string, len(h.checkers))
	healthy := true
	for _, nc := range h.checkers {
		if nc.Checker == nil {
			checks[nc.Name] = "not_configured"
			continue
		}
		if err := nc.Checker.HealthCheck(ctx); err != nil {
			checks[nc.Name] = "error"
			healthy = false
			slog.WarnContext(ctx, "health check failed", "dependency", nc.Name, "error", err)
			continue
		}
		checks[nc.Name] = "ok"
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, r.Context(), statusCode, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}
