// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/okian/strata/internal/store"
	"github.com/okian/strata/pkg/metrics"
)

// Health status values.
const (
	healthOK          = "ok"
	healthDegraded    = "degraded"
	healthUnavailable = "unavailable"
)

// HealthChecker reports backend health.
type HealthChecker interface {
	Health(ctx context.Context) store.Health
}

// HealthHandler handles health and metrics requests.
type HealthHandler struct {
	deps HealthChecker
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(deps HealthChecker) *HealthHandler {
	return &HealthHandler{deps: deps}
}

type tierHealth struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type healthResponse struct {
	Status  string     `json:"status"`
	Cache   tierHealth `json:"cache"`
	Durable tierHealth `json:"durable"`
}

// HandleHealth handles GET /healthz requests. It answers 200 while the
// durable tier is reachable (status "degraded" when only the cache is down)
// and 503 otherwise.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	hs := h.deps.Health(r.Context())
	resp := healthResponse{
		Status:  healthOK,
		Cache:   tierHealth{Healthy: hs.CacheHealthy, Error: hs.CacheError},
		Durable: tierHealth{Healthy: hs.DurableHealthy, Error: hs.DurableError},
	}
	status := http.StatusOK
	switch {
	case !hs.Ready():
		resp.Status = healthUnavailable
		status = http.StatusServiceUnavailable
	case !hs.CacheHealthy:
		resp.Status = healthDegraded
	}
	writeJSON(w, status, resp)
}

// HandleMetrics serves the Prometheus registry.
func (h *HealthHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
