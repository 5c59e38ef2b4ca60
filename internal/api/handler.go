package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/linklock/internal/domain"
	"github.com/opensource-finance/linklock/internal/repository"
	"github.com/opensource-finance/linklock/internal/rules"
	"github.com/opensource-finance/linklock/internal/tracker"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	tracker *tracker.Service
	repo    domain.EventStore
	engine  *rules.Engine
	version string
}

// NewHandler creates a new API handler.
func NewHandler(svc *tracker.Service, repo domain.EventStore, engine *rules.Engine, version string) *Handler {
	return &Handler{
		tracker: svc,
		repo:    repo,
		engine:  engine,
		version: version,
	}
}

// LoginRequest is the request body for POST /logins.
// The actor, when known, arrives in the X-Actor-ID header.
type LoginRequest struct {
	Email   string              `json:"email" validate:"omitempty,email,max=254"`
	Outcome string              `json:"outcome" validate:"omitempty,oneof=success failed blocked"`
	Device  domain.DeviceTraits `json:"device"`
}

// TransactionRequest is the request body for POST /transactions.
type TransactionRequest struct {
	Amount      float64             `json:"amount" validate:"required,gt=0"`
	Category    string              `json:"category" validate:"max=64"`
	Description string              `json:"description" validate:"max=500"`
	Device      domain.DeviceTraits `json:"device"`
}

// EventResponse wraps a recorded event.
type EventResponse struct {
	Event    *domain.Event `json:"event"`
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// HandleLogin handles POST /logins.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req LoginRequest
	if !decode(w, r, &req) {
		return
	}

	ev, err := h.tracker.HandleLoginEvent(r.Context(), domain.LoginEvent{
		ActorID:   strings.TrimSpace(r.Header.Get(ActorIDHeader)),
		Email:     req.Email,
		IPAddress: ClientIP(r),
		Traits:    req.Device,
		Outcome:   domain.EventStatus(req.Outcome),
	})
	if err != nil {
		writeTrackerError(w, err)
		return
	}

	h.writeEvent(w, r, ev, start)
}

// HandleTransaction handles POST /transactions.
func (h *Handler) HandleTransaction(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	actorID := strings.TrimSpace(r.Header.Get(ActorIDHeader))
	if actorID == "" {
		writeError(w, http.StatusUnauthorized, ActorIDHeader+" header is required")
		return
	}

	var req TransactionRequest
	if !decode(w, r, &req) {
		return
	}

	ev, err := h.tracker.HandleTransactionEvent(r.Context(), domain.TransactionEvent{
		ActorID:     actorID,
		IPAddress:   ClientIP(r),
		Traits:      req.Device,
		Amount:      req.Amount,
		Category:    req.Category,
		Description: req.Description,
	})
	if err != nil {
		writeTrackerError(w, err)
		return
	}

	h.writeEvent(w, r, ev, start)
}

func (h *Handler) writeEvent(w http.ResponseWriter, r *http.Request, ev *domain.Event, start time.Time) {
	var resp EventResponse
	resp.Event = ev
	resp.Metadata.TraceID = GetTraceID(r.Context())
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version
	writeJSON(w, http.StatusCreated, resp)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	checks := h.tracker.Ping(r.Context())

	status := "healthy"
	for _, v := range checks {
		if v != "ok" {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server can record events.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// decode reads and validates a JSON body, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	if err := validateRequest(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// writeTrackerError maps tracker errors to status codes.
func writeTrackerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracker.ErrActorRequired),
		errors.Is(err, tracker.ErrInvalidAmount),
		errors.Is(err, tracker.ErrInvalidOutcome):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tracker.ErrEventNotRecorded):
		writeError(w, http.StatusServiceUnavailable, "event could not be recorded")
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, repository.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// queryInt parses an optional positive integer query parameter.
func queryInt(r *http.Request, name string, def, maxVal int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return min(n, maxVal), true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
