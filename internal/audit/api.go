package audit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Handler handles HTTP requests for audit endpoints
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a new audit API handler
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers all audit API routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/audit", func(r chi.Router) {
		r.Get("/events", h.SearchEvents)
		r.Get("/events/{id}", h.GetEvent)
		r.Get("/runs/{runID}/timeline", h.GetRunTimeline)
		r.Get("/stats/overview", h.GetOverviewStats)
	})
}

// SearchEvents searches audit events with filters
func (h *Handler) SearchEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := &Filter{
		Type:     EventType(query.Get("type")),
		RunID:    query.Get("run_id"),
		Severity: Severity(query.Get("severity")),
	}

	if since := query.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, err)
			return
		}
		filter.Since = t
	}
	if until := query.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, err)
			return
		}
		filter.Until = t
	}
	filter.Limit, _ = strconv.Atoi(query.Get("limit"))
	filter.Offset, _ = strconv.Atoi(query.Get("offset"))

	events, err := h.service.Search(r.Context(), filter)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// GetEvent retrieves a single audit event by ID
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	event, err := h.service.GetEventByID(r.Context(), id)
	if err != nil {
		h.respondError(w, http.StatusNotFound, err)
		return
	}

	h.respondJSON(w, http.StatusOK, event)
}

// GetRunTimeline returns the full event timeline for one recovery run
func (h *Handler) GetRunTimeline(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	events, err := h.service.RunTimeline(r.Context(), runID)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"run_id": runID,
		"events": events,
		"count":  len(events),
	})
}

// GetOverviewStats returns audit activity counts for a window
func (h *Handler) GetOverviewStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, err)
			return
		}
		window = parsed
	}

	stats, err := h.service.Overview(r.Context(), time.Now().Add(-window))
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}

	h.respondJSON(w, http.StatusOK, stats)
}

// Helper methods

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, err error) {
	h.logger.Error("API error", zap.Error(err), zap.Int("status", status))
	h.respondJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}
