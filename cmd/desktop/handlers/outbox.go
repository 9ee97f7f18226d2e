// Package handlers provides REST API handlers for the offline outbox.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/kimhsiao/payrollsync/internal/errors"
	"github.com/kimhsiao/payrollsync/internal/logging"
	"github.com/kimhsiao/payrollsync/internal/models"
	syncpkg "github.com/kimhsiao/payrollsync/internal/sync"
	"github.com/kimhsiao/payrollsync/internal/sync/scheduler"
)

// Driver is the part of the flush driver the API needs.
type Driver interface {
	FlushNow(ctx context.Context, max int) (models.SyncResult, error)
	Status() scheduler.Status
}

// OutboxHandler handles outbox inspection and operations.
type OutboxHandler struct {
	outbox *syncpkg.Outbox
	driver Driver
}

// NewOutboxHandler creates a new OutboxHandler.
func NewOutboxHandler(outbox *syncpkg.Outbox, driver Driver) *OutboxHandler {
	return &OutboxHandler{outbox: outbox, driver: driver}
}

// RegisterRoutes mounts the outbox API on r.
func (h *OutboxHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/health", h.Health)
	r.Get("/api/outbox", h.List)
	r.Post("/api/outbox", h.Enqueue)
	r.Post("/api/outbox/flush", h.Flush)
	r.Get("/api/outbox/stats", h.Stats)
	r.Get("/api/outbox/dead-letters", h.ListDeadLetters)
	r.Post("/api/outbox/dead-letters/{id}/requeue", h.RequeueDeadLetter)
	r.Delete("/api/outbox/{id}", h.Discard)
}

// errorBody is the JSON error shape of every endpoint.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrInvalid, apperrors.ErrUnsupportedBodyKind:
		status = http.StatusBadRequest
	case apperrors.ErrSyncInProgress:
		status = http.StatusConflict
	case "":
		code = apperrors.ErrInternal
	}
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("Outbox API request failed", string(code), err)
	}
	writeJSON(w, status, map[string]errorBody{"error": {Code: string(code), Message: err.Error()}})
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.New(apperrors.ErrInvalid, "id must be a positive integer")
	}
	return id, nil
}

// Health handles GET /api/health
func (h *OutboxHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "payrollsync"})
}

// List handles GET /api/outbox
// Returns pending records oldest first.
func (h *OutboxHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.outbox.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*models.QueueRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records})
}

// Enqueue handles POST /api/outbox
func (h *OutboxHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req syncpkg.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}

	id, err := h.outbox.Enqueue(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       id,
		"queue_id": models.LocalRef(id),
	})
}

// Discard handles DELETE /api/outbox/{id}
func (h *OutboxHandler) Discard(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.outbox.Discard(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Flush handles POST /api/outbox/flush?max=N
// Runs a pass now and returns its result. A pass already in flight yields 409.
func (h *OutboxHandler) Flush(w http.ResponseWriter, r *http.Request) {
	max := 0
	if raw := r.URL.Query().Get("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, apperrors.New(apperrors.ErrInvalid, "max must be a positive integer"))
			return
		}
		max = n
	}

	result, err := h.driver.FlushNow(r.Context(), max)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Stats handles GET /api/outbox/stats
func (h *OutboxHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.outbox.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outbox": stats,
		"driver": h.driver.Status(),
	})
}

// ListDeadLetters handles GET /api/outbox/dead-letters
func (h *OutboxHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	dls, err := h.outbox.DeadLetters(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if dls == nil {
		dls = []*models.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": dls})
}

// RequeueDeadLetter handles POST /api/outbox/dead-letters/{id}/requeue
func (h *OutboxHandler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	newID, err := h.outbox.RequeueDeadLetter(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       newID,
		"queue_id": models.LocalRef(newID),
	})
}
