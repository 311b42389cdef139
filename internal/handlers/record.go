package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"pairsync/internal/events"
	"pairsync/internal/localstore"
	"pairsync/internal/middleware"
	"pairsync/internal/models"
	"pairsync/internal/syncer"
	"pairsync/internal/syncerr"
)

// RecordHandler is the capture intake and record state surface for the
// UI layer.
type RecordHandler struct {
	local   *localstore.Store
	manager *syncer.Manager
	bus     *events.Bus
}

// NewRecordHandler creates a new record handler
func NewRecordHandler(local *localstore.Store, manager *syncer.Manager, bus *events.Bus) *RecordHandler {
	return &RecordHandler{local: local, manager: manager, bus: bus}
}

// coordinator resolves the sync worker for the authed identity's room, if
// one is paired and running.
func (h *RecordHandler) coordinator(r *http.Request) (*syncer.Coordinator, bool) {
	ident, err := h.local.IdentityByID(r.Context(), middleware.GetIdentityID(r.Context()))
	if err != nil || ident.RoomCode == nil {
		return nil, false
	}
	return h.manager.ByCode(*ident.RoomCode)
}

// CaptureRequest is the intake body for a newly captured file
type CaptureRequest struct {
	Kind            models.RecordKind `json:"kind"`
	LocalPath       string            `json:"local_path"`
	CapturedAt      time.Time         `json:"captured_at"`
	GestationalWeek *int              `json:"gestational_week,omitempty"`
}

// Capture handles POST /api/v1/records. Before a room exists the record
// stays LocalOnly; the first sync cycle after pairing picks it up.
func (h *RecordHandler) Capture(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.LocalPath == "" {
		respondError(w, "local_path is required", http.StatusBadRequest)
		return
	}
	if req.Kind != models.KindAudio && req.Kind != models.KindPhoto {
		respondError(w, "kind must be audio or photo", http.StatusBadRequest)
		return
	}
	if req.CapturedAt.IsZero() {
		req.CapturedAt = time.Now()
	}

	if coord, ok := h.coordinator(r); ok {
		rec, err := coord.CaptureRecord(ctx, req.Kind, req.LocalPath, req.CapturedAt, req.GestationalWeek)
		if err != nil {
			log.Error().Err(err).Msg("Failed to capture record")
			respondError(w, "failed to capture record", http.StatusInternalServerError)
			return
		}
		coord.TriggerSync()
		respondJSON(w, rec, http.StatusCreated)
		return
	}

	now := time.Now().UTC()
	rec := &models.MediaRecord{
		ID:              uuid.New().String(),
		Kind:            req.Kind,
		LocalPath:       req.LocalPath,
		CapturedAt:      req.CapturedAt.UTC(),
		GestationalWeek: req.GestationalWeek,
		Visibility:      models.VisibilityShared,
		SyncState:       models.StateLocalOnly,
		LocalUpdatedAt:  now,
		CreatedAt:       now,
	}
	if err := h.local.InsertRecord(ctx, rec); err != nil {
		log.Error().Err(err).Msg("Failed to capture record")
		respondError(w, "failed to capture record", http.StatusInternalServerError)
		return
	}
	h.bus.RecordState(rec.ID, models.StateLocalOnly, "")
	respondJSON(w, rec, http.StatusCreated)
}

// StateResponse reports a record's sync state for UI display
type StateResponse struct {
	ID         string           `json:"id"`
	SyncState  models.SyncState `json:"sync_state"`
	InFlight   bool             `json:"in_flight"`
	FailKind   *string          `json:"fail_kind,omitempty"`
	FailReason *string          `json:"fail_reason,omitempty"`
}

// State handles GET /api/v1/records/{id}/state
func (h *RecordHandler) State(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.local.RecordByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, syncerr.ErrRecordNotFound) {
			respondError(w, "record not found", http.StatusNotFound)
			return
		}
		respondError(w, "failed to get record", http.StatusInternalServerError)
		return
	}

	respondJSON(w, StateResponse{
		ID:         rec.ID,
		SyncState:  rec.SyncState,
		InFlight:   rec.SyncState.InFlight(),
		FailKind:   rec.FailKind,
		FailReason: rec.FailReason,
	}, http.StatusOK)
}

// Retry handles POST /api/v1/records/{id}/retry. It requeues a Failed
// record no matter the failure kind, which is how paused quota and conflict
// failures get back into rotation.
func (h *RecordHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	coord, ok := h.coordinator(r)
	if !ok {
		respondError(w, "not paired into a room", http.StatusConflict)
		return
	}

	if err := coord.Retry(r.Context(), id); err != nil {
		if errors.Is(err, syncerr.ErrRecordNotFound) {
			respondError(w, "record not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("record_id", id).Msg("Failed to retry record")
		respondError(w, "failed to retry record", http.StatusInternalServerError)
		return
	}
	coord.TriggerSync()
	w.WriteHeader(http.StatusAccepted)
}

// ListResponse is a snapshot page of records
type ListResponse struct {
	Records []*models.MediaRecord `json:"records"`
	Total   int                   `json:"total"`
}

// List handles GET /api/v1/records
func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 50)
	offset := parseIntParam(r, "offset", 0)
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	recs, total, err := h.local.ListRecords(r.Context(), limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list records")
		respondError(w, "failed to list records", http.StatusInternalServerError)
		return
	}
	respondJSON(w, ListResponse{Records: recs, Total: total}, http.StatusOK)
}

// UpdateMetaRequest edits the shared metadata fields of a record
type UpdateMetaRequest struct {
	Visibility      models.Visibility `json:"visibility"`
	GestationalWeek *int              `json:"gestational_week,omitempty"`
}

// UpdateMeta handles PATCH /api/v1/records/{id}
func (h *RecordHandler) UpdateMeta(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req UpdateMetaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Visibility != models.VisibilityPrivate && req.Visibility != models.VisibilityShared {
		respondError(w, "visibility must be private or shared", http.StatusBadRequest)
		return
	}

	if err := h.local.UpdateSharedMeta(ctx, id, req.Visibility, req.GestationalWeek); err != nil {
		if errors.Is(err, syncerr.ErrRecordNotFound) {
			respondError(w, "record not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("record_id", id).Msg("Failed to update record metadata")
		respondError(w, "failed to update record", http.StatusInternalServerError)
		return
	}

	if coord, ok := h.coordinator(r); ok {
		coord.TriggerSync()
	}
	w.WriteHeader(http.StatusNoContent)
}

// TriggerSync handles POST /api/v1/sync/trigger, the manual/foreground hook.
func (h *RecordHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	coord, ok := h.coordinator(r)
	if !ok {
		respondError(w, "not paired into a room", http.StatusConflict)
		return
	}
	coord.TriggerSync()
	w.WriteHeader(http.StatusAccepted)
}

func parseIntParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
