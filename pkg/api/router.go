// Package api serves the operational HTTP surface of the conductor: probes,
// status, build version and Prometheus metrics.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/goclaw/conductor/config"
	"github.com/goclaw/conductor/pkg/api/handlers"
	"github.com/goclaw/conductor/pkg/api/middleware"
	"github.com/goclaw/conductor/pkg/api/response"
	"github.com/goclaw/conductor/pkg/logger"
	"github.com/goclaw/conductor/pkg/metrics"
)

// Probe paths.
const (
	HealthPath  = "/healthz"
	ReadyPath   = "/readyz"
	StatusPath  = "/status"
	VersionPath = "/version"
)

// Handlers holds the handlers mounted on the ops router.
type Handlers struct {
	// Health serves the probe, status and version endpoints.
	Health *handlers.HealthHandler

	// Metrics records HTTP metrics and serves the scrape endpoint when enabled.
	Metrics *metrics.Manager
}

// NewRouter creates the chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	if log == nil {
		log = logger.Global()
	}
	m := h.Metrics
	if m == nil {
		m = metrics.NoOpManager()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log, HealthPath, ReadyPath, cfg.Metrics.Path))
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	r.Use(m.Middleware)
	r.Use(middleware.Timeout(cfg.Ops.WriteTimeout))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "no route for "+req.URL.Path, middleware.GetRequestID(req.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, response.ErrCodeMethodNotAllowed, req.Method+" not allowed", middleware.GetRequestID(req.Context()))
	})

	RegisterRoutes(r, cfg, h.Health, m)
	return r
}

// RegisterRoutes mounts the ops endpoints.
func RegisterRoutes(r chi.Router, cfg *config.Config, health *handlers.HealthHandler, m *metrics.Manager) {
	if health != nil {
		r.Get(HealthPath, health.Health)
		r.Get(ReadyPath, health.Ready)
		r.Get(StatusPath, health.Status)
		r.Get(VersionPath, health.Version)
	}
	if m != nil && m.Enabled() && cfg.Metrics.Enabled {
		r.Method(http.MethodGet, cfg.Metrics.Path, m.Handler())
	}
}
