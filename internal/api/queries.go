package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/linklock/internal/domain"
)

// ListDevices handles GET /actors/{actorID}/devices.
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")

	devices, err := h.tracker.QueryRecentDevices(r.Context(), actorID)
	if err != nil {
		writeTrackerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"actorId": actorID,
		"devices": devices,
		"count":   len(devices),
	})
}

// GetStats handles GET /actors/{actorID}/stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.tracker.QueryStats(r.Context(), chi.URLParam(r, "actorID"))
	if err != nil {
		writeTrackerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListSuspicious handles GET /actors/{actorID}/suspicious?days=N.
func (h *Handler) ListSuspicious(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")

	days, ok := queryInt(r, "days", 0, 365)
	if !ok {
		writeError(w, http.StatusBadRequest, "days must be a positive integer")
		return
	}

	events, err := h.tracker.QuerySuspicious(r.Context(), actorID, days)
	if err != nil {
		writeTrackerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"actorId": actorID,
		"events":  events,
		"count":   len(events),
	})
}

// ListRecent handles GET /actors/{actorID}/recent?kind=login.
func (h *Handler) ListRecent(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")

	kind := domain.EventKind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = domain.KindLogin
	}
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "kind must be login or transaction")
		return
	}

	events, err := h.tracker.QueryRecent(r.Context(), actorID, kind)
	if err != nil {
		writeTrackerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"actorId": actorID,
		"kind":    kind,
		"events":  events,
	})
}

// TopAnomalies handles GET /anomalies/top?limit=N.
func (h *Handler) TopAnomalies(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 10, 100)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	top, err := h.tracker.QueryTopAnomalies(r.Context(), limit)
	if err != nil {
		writeTrackerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"anomalies": top,
		"count":     len(top),
	})
}

// ListAnomalies handles GET /anomalies?limit=N.
func (h *Handler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 50, 500)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	records, err := h.tracker.QueryAnomalies(r.Context(), limit)
	if err != nil {
		writeTrackerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"anomalies": records,
		"count":     len(records),
	})
}

// GetAnomaly handles GET /anomalies/{id}.
func (h *Handler) GetAnomaly(w http.ResponseWriter, r *http.Request) {
	rec, err := h.tracker.QueryAnomaly(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeTrackerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
