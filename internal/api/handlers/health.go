package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/radbridge/go-mwl/pkg/circuitbreaker"
)

// Probe is one readiness dependency
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthHandler serves liveness and readiness
type HealthHandler struct {
	service  string
	probes   []Probe
	breakers *circuitbreaker.Manager
}

// NewHealthHandler creates the handler. breakers may be nil.
func NewHealthHandler(service string, breakers *circuitbreaker.Manager, probes ...Probe) *HealthHandler {
	return &HealthHandler{service: service, probes: probes, breakers: breakers}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": h.service})
}

// Ready handles GET /ready. An open worklist breaker is reported but does not fail
// readiness, since orders are still saved while the worklist is down.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.probes))
	for _, p := range h.probes {
		if err := p.Check(ctx); err != nil {
			checks[p.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[p.Name] = "ok"
	}

	resp := map[string]interface{}{
		"service": h.service,
		"ready":   status == http.StatusOK,
		"checks":  checks,
	}
	if h.breakers != nil {
		resp["circuit_breakers"] = h.breakers.Health()
	}
	writeJSON(w, status, resp)
}
