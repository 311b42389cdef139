package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"pairsync/internal/localstore"
	"pairsync/internal/middleware"
	"pairsync/internal/pairing"
	"pairsync/internal/syncer"
	"pairsync/internal/syncerr"
)

// RoomHandler handles room creation and claiming
type RoomHandler struct {
	pairing *pairing.Service
	local   *localstore.Store
	manager *syncer.Manager
	// appCtx outlives requests; sync workers started here must not die
	// with the HTTP request that created them
	appCtx context.Context
}

// NewRoomHandler creates a new room handler
func NewRoomHandler(appCtx context.Context, pairingSvc *pairing.Service, local *localstore.Store, manager *syncer.Manager) *RoomHandler {
	return &RoomHandler{pairing: pairingSvc, local: local, manager: manager, appCtx: appCtx}
}

// CreateRoom handles POST /api/v1/rooms
func (h *RoomHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identityID := middleware.GetIdentityID(ctx)

	ident, err := h.local.IdentityByID(ctx, identityID)
	if err != nil {
		respondError(w, "identity not found", http.StatusUnauthorized)
		return
	}

	room, err := h.pairing.CreateRoom(ctx, ident)
	if err != nil {
		log.Error().Err(err).Str("identity_id", identityID).Msg("Failed to create room")
		status := http.StatusInternalServerError
		if errors.Is(err, syncerr.ErrCodeSpaceExhausted) {
			status = http.StatusServiceUnavailable
		}
		respondError(w, err.Error(), status)
		return
	}

	// the worker starts now so records captured before pairing begin syncing
	if _, err := h.manager.Start(h.appCtx, room); err != nil {
		log.Error().Err(err).Str("room_id", room.ID).Msg("Failed to start sync worker")
	}

	respondJSON(w, room, http.StatusCreated)
}

// ClaimRoomRequest is the request body for claiming a room
type ClaimRoomRequest struct {
	Code string `json:"code"`
}

// ClaimRoom handles POST /api/v1/rooms/claim
func (h *RoomHandler) ClaimRoom(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identityID := middleware.GetIdentityID(ctx)

	var req ClaimRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		respondError(w, "code is required", http.StatusBadRequest)
		return
	}

	ident, err := h.local.IdentityByID(ctx, identityID)
	if err != nil {
		respondError(w, "identity not found", http.StatusUnauthorized)
		return
	}

	room, err := h.pairing.ClaimRoom(ctx, req.Code, ident)
	if err != nil {
		log.Warn().Err(err).Str("code", req.Code).Str("identity_id", identityID).Msg("Room claim failed")

		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, syncerr.ErrRoomNotFound):
			status = http.StatusNotFound
		case errors.Is(err, syncerr.ErrRoomAlreadyClaimed):
			status = http.StatusConflict
		}
		respondError(w, err.Error(), status)
		return
	}

	if _, err := h.manager.Start(h.appCtx, room); err != nil {
		log.Error().Err(err).Str("room_id", room.ID).Msg("Failed to start sync worker")
	}

	respondJSON(w, room, http.StatusOK)
}
