package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/capitalize-ai/live-support/internal/store"
)

// readyTimeout bounds the store check behind /ready.
const readyTimeout = 2 * time.Second

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	store   store.Pinger
	backend string
}

// NewHealthHandler creates a new health handler. backend names the store in
// readiness failures.
func NewHealthHandler(pinger store.Pinger, backend string) *HealthHandler {
	return &HealthHandler{
		store:   pinger,
		backend: backend,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "no store configured",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": h.backend + ": " + err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
