package api

import (
	"net/http"
	"sort"
	"strings"
	"time"
)

// ReadinessCheck reports whether one dependency is usable. It must not
// block on hardware.
type ReadinessCheck func() bool

// HealthHandler handles health check endpoints
type HealthHandler struct {
	checks map[string]ReadinessCheck
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(checks map[string]ReadinessCheck) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Health handles GET /health (liveness probe)
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
	})
}

// Ready handles GET /ready (readiness probe)
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	response := ReadinessResponse{
		Status:    "ready",
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(names)),
	}
	var failed []string
	for _, name := range names {
		if h.checks[name]() {
			response.Checks[name] = "ok"
			continue
		}
		response.Checks[name] = "disconnected"
		failed = append(failed, name)
	}

	status := http.StatusOK
	if len(failed) > 0 {
		status = http.StatusServiceUnavailable
		response.Status = "not_ready"
		response.Error = "unavailable: " + strings.Join(failed, ", ")
	}
	sendJSON(w, status, response)
}
