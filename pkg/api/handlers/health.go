// Package handlers provides the ops HTTP handlers.
package handlers

import (
	"net/http"

	"github.com/goclaw/conductor/pkg/api/response"
	"github.com/goclaw/conductor/pkg/engine"
	"github.com/goclaw/conductor/pkg/version"
)

// Prober is the view of the engine the probes need.
type Prober interface {
	IsHealthy() bool
	IsReady() bool
	GetStatus() *engine.Status
}

// HealthHandler serves the liveness, readiness, status and version endpoints.
type HealthHandler struct {
	prober Prober
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(p Prober) *HealthHandler {
	return &HealthHandler{prober: p}
}

// Health handles the liveness probe.
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	if h.prober.IsHealthy() {
		response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	response.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
}

// Ready handles the readiness probe.
func (h *HealthHandler) Ready(w http.ResponseWriter, _ *http.Request) {
	if h.prober.IsReady() {
		response.JSON(w, http.StatusOK, map[string]bool{"ready": true})
		return
	}
	response.JSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
}

// Status reports the detailed engine status.
func (h *HealthHandler) Status(w http.ResponseWriter, _ *http.Request) {
	response.JSON(w, http.StatusOK, h.prober.GetStatus())
}

// Version reports the build of the running binary.
func (h *HealthHandler) Version(w http.ResponseWriter, _ *http.Request) {
	response.JSON(w, http.StatusOK, version.Info())
}
