package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	defaultStatsWindow = 24 * time.Hour
	maxStatsWindow     = 30 * 24 * time.Hour
	healthCheckTimeout = 5 * time.Second
)

// BackendProbe reports the completion backend's connection state. The gRPC
// uplink implements it; the direct Gemini backend has nothing to probe.
type BackendProbe interface {
	State() string
}

// SiteHandler serves widget settings and turn statistics.
type SiteHandler struct {
	*Handler
	persona string
}

// NewSiteHandler creates a site handler.
func NewSiteHandler(base *Handler, personaName string) *SiteHandler {
	return &SiteHandler{Handler: base, persona: personaName}
}

// RegisterRoutes registers site routes.
func (h *SiteHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.Get("/stats", h.GetStats)
	})
}

// GetConfig returns the settings the widget renders from. The credential
// itself never leaves the server.
func (h *SiteHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	if h.cfg == nil {
		Error(w, http.StatusServiceUnavailable, "configuration unavailable")
		return
	}
	c := h.cfg.Chat
	JSON(w, http.StatusOK, map[string]interface{}{
		"persona":               h.persona,
		"backend":               c.Backend,
		"model":                 h.cfg.Gemini.Model,
		"streaming":             c.Streaming,
		"credential_configured": h.cfg.Gemini.APIKey != "",
		"credential_prefix":     c.CredentialPrefix,
		"failure_threshold":     c.FailureThreshold,
		"cooldown_seconds":      int64(c.Cooldown.Seconds()),
	})
}

// GetStats returns turn outcome counts. The window query parameter accepts
// a Go duration and defaults to 24h.
func (h *SiteHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	window := defaultStatsWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 || parsed > maxStatsWindow {
			Error(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = parsed
	}

	stats, err := h.repo.TurnStats(r.Context(), time.Now().Add(-window))
	if err != nil {
		slog.Error("Failed to load turn stats", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load stats")
		return
	}

	active := 0
	if h.registry != nil {
		active = h.registry.Len()
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"window":         window.String(),
		"since":          stats.Since,
		"total":          stats.Total,
		"counts":         stats.Counts,
		"active_widgets": active,
	})
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	*Handler
	backend BackendProbe
}

// NewHealthHandler creates a new health handler. backend may be nil.
func NewHealthHandler(base *Handler, backend BackendProbe) *HealthHandler {
	return &HealthHandler{Handler: base, backend: backend}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.backend != nil {
		state := h.backend.State()
		checks["uplink"] = state
		// An idle or connecting channel recovers on the next turn.
		if state == "TRANSIENT_FAILURE" || state == "SHUTDOWN" {
			statusCode = http.StatusServiceUnavailable
		}
	}

	status := "healthy"
	if statusCode != http.StatusOK {
		status = "degraded"
	}
	JSON(w, statusCode, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
