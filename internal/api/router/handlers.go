package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/rental-concierge/internal/assistant"
	"github.com/wolfman30/rental-concierge/internal/cache"
	"github.com/wolfman30/rental-concierge/internal/persistence"
	"github.com/wolfman30/rental-concierge/internal/worker/housekeeping"
	"github.com/wolfman30/rental-concierge/pkg/logging"
)

type handlers struct {
	cfg    *Config
	logger *logging.Logger
}

type healthResponse struct {
	Status      string                        `json:"status"`
	Persistence *persistence.ConnectionStatus `json:"persistence,omitempty"`
	Assistant   *assistant.Health             `json:"assistant,omitempty"`
}

// health reports ok, degraded (persistence in fallback) or unhealthy
// (assistant provider unreachable, answered with 503).
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	code := http.StatusOK

	if h.cfg.Gateway != nil {
		status := h.cfg.Gateway.ConnectionStatus()
		resp.Persistence = &status
		if !status.Connected {
			resp.Status = "degraded"
		}
	}
	if h.cfg.Assistant != nil {
		ctx, cancel := context.WithTimeout(r.Context(), h.cfg.HealthTimeout)
		defer cancel()
		health := h.cfg.Assistant.Health(ctx)
		resp.Assistant = &health
		if health.Status != "healthy" {
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	h.writeJSON(w, code, resp)
}

type statsResponse struct {
	Caches        map[string]cache.Stats `json:"caches"`
	Persistence   *persistence.Stats     `json:"persistence,omitempty"`
	Conversations int                    `json:"conversations"`
	InFlight      int64                  `json:"inFlight"`
	MaxConcurrent int64                  `json:"maxConcurrent"`
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Caches: make(map[string]cache.Stats, len(h.cfg.Caches))}
	for _, c := range h.cfg.Caches {
		resp.Caches[c.Name()] = c.Stats()
	}
	if h.cfg.Gateway != nil {
		stats := h.cfg.Gateway.Stats(r.Context())
		resp.Persistence = &stats
	}
	if h.cfg.Sessions != nil {
		resp.Conversations = h.cfg.Sessions.Len()
	}
	if h.cfg.Assistant != nil {
		resp.InFlight = h.cfg.Assistant.InFlight()
		resp.MaxConcurrent = h.cfg.Assistant.MaxConcurrent()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) clearThread(w http.ResponseWriter, r *http.Request) {
	userID := persistence.NormalizePhone(chi.URLParam(r, "userID"))
	if userID == "" {
		http.Error(w, "user id required", http.StatusBadRequest)
		return
	}
	cleared, err := h.cfg.Assistant.ClearThread(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to clear thread", "error", err, "user_id", userID)
		http.Error(w, "Failed to clear thread", http.StatusInternalServerError)
		return
	}
	h.logger.Info("thread cleared by operator", "user_id", userID, "cleared", cleared)
	h.writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "cleared": cleared})
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": h.cfg.Housekeeping.Jobs()})
}

func (h *handlers) runJob(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "job"))
	count, err := h.cfg.Housekeeping.RunNow(r.Context(), name)
	switch {
	case errors.Is(err, housekeeping.ErrUnknownJob):
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error("manual housekeeping run failed", "error", err, "job", name)
		http.Error(w, "Job failed", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"job": name, "affected": count})
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to write JSON response", "error", err)
	}
}
