package api

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Check is a named startup dependency check.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// ServiceInfo is served on GET /.
type ServiceInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Environment string `json:"environment"`
}

// HealthResponse is the body of the health endpoints.
type HealthResponse struct {
	Status        string            `json:"status"`
	Checks        map[string]string `json:"checks,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
}

// Health tracks readiness. The service is ready once every startup check
// passed; until then /health and /health/ready answer 503.
type Health struct {
	checks  []Check
	started time.Time
	info    ServiceInfo

	mu      sync.RWMutex
	ready   bool
	results map[string]string
}

// NewHealth creates a Health over checks.
func NewHealth(info ServiceInfo, checks ...Check) *Health {
	return &Health{checks: checks, started: time.Now(), info: info, results: map[string]string{}}
}

// RunChecks runs every check once and records the outcome. It returns the
// first failure.
func (h *Health) RunChecks(ctx context.Context) error {
	results := make(map[string]string, len(h.checks))
	var firstErr error
	for _, c := range h.checks {
		if err := c.Run(ctx); err != nil {
			results[c.Name] = "error: " + err.Error()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results[c.Name] = "ok"
	}

	h.mu.Lock()
	h.results = results
	h.ready = firstErr == nil
	h.mu.Unlock()
	return firstErr
}

// Ready reports whether the last check run succeeded.
func (h *Health) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

func (h *Health) snapshot() HealthResponse {
	h.mu.RLock()
	defer h.mu.RUnlock()
	checks := make(map[string]string, len(h.results))
	for k, v := range h.results {
		checks[k] = v
	}
	status := "starting"
	if h.ready {
		status = "ok"
	} else if len(checks) > 0 {
		status = "unavailable"
	}
	return HealthResponse{
		Status:        status,
		Checks:        checks,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
}

// ServeReady handles GET /health and GET /health/ready.
func (h *Health) ServeReady(w http.ResponseWriter, _ *http.Request) {
	snap := h.snapshot()
	status := http.StatusOK
	if snap.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}

// ServeLive handles GET /health/live.
func (h *Health) ServeLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "alive",
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	})
}

// ServeInfo handles GET /.
func (h *Health) ServeInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.info)
}
