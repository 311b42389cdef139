package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"pairsync/internal/localstore"
	"pairsync/internal/middleware"
	"pairsync/internal/models"
	"pairsync/internal/pairing"
	"pairsync/internal/remote"
)

// IdentityHandler handles identity bootstrap and push token registration
type IdentityHandler struct {
	local   *localstore.Store
	tokens  *middleware.Tokens
	pairing *pairing.Service
	docs    remote.DocumentStore
}

// NewIdentityHandler creates a new identity handler
func NewIdentityHandler(local *localstore.Store, tokens *middleware.Tokens, pairingSvc *pairing.Service, docs remote.DocumentStore) *IdentityHandler {
	return &IdentityHandler{local: local, tokens: tokens, pairing: pairingSvc, docs: docs}
}

// CreateIdentityRequest is the request body for identity bootstrap
type CreateIdentityRequest struct {
	DisplayName string      `json:"display_name"`
	Role        models.Role `json:"role"`
}

// CreateIdentityResponse carries the new identity and its bearer token
type CreateIdentityResponse struct {
	Identity *models.Identity `json:"identity"`
	Token    string           `json:"token"`
}

// CreateIdentity handles POST /api/v1/identities
func (h *IdentityHandler) CreateIdentity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateIdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Role == "" {
		req.Role = models.RolePrimary
	}
	if req.Role != models.RolePrimary && req.Role != models.RoleLinked {
		respondError(w, "role must be primary or linked", http.StatusBadRequest)
		return
	}

	ident := &models.Identity{
		ID:          uuid.New().String(),
		DisplayName: req.DisplayName,
		Role:        req.Role,
		IsGuest:     true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.local.CreateIdentity(ctx, ident); err != nil {
		log.Error().Err(err).Msg("Failed to create identity")
		respondError(w, "failed to create identity", http.StatusInternalServerError)
		return
	}

	token, err := h.tokens.Generate(ident.ID)
	if err != nil {
		log.Error().Err(err).Str("identity_id", ident.ID).Msg("Failed to generate token")
		respondError(w, "failed to generate token", http.StatusInternalServerError)
		return
	}

	log.Info().Str("identity_id", ident.ID).Str("role", string(ident.Role)).Msg("Identity created")
	respondJSON(w, CreateIdentityResponse{Identity: ident, Token: token}, http.StatusCreated)
}

// UpdatePushTokenRequest is the request body for push token registration
type UpdatePushTokenRequest struct {
	PushToken string `json:"push_token"`
}

// UpdatePushToken handles PATCH /api/v1/identities/push-token. The token is
// stored locally and, when the identity is in a room, on the room document
// so the partner's engine can reach this device.
func (h *IdentityHandler) UpdatePushToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identityID := middleware.GetIdentityID(ctx)

	var req UpdatePushTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.PushToken == "" {
		respondError(w, "push_token is required", http.StatusBadRequest)
		return
	}

	if err := h.local.SetIdentityPushToken(ctx, identityID, &req.PushToken); err != nil {
		log.Error().Err(err).Str("identity_id", identityID).Msg("Failed to store push token")
		respondError(w, "failed to store push token", http.StatusInternalServerError)
		return
	}

	ident, err := h.local.IdentityByID(ctx, identityID)
	if err == nil && ident.RoomCode != nil {
		room, err := h.pairing.RoomByCode(ctx, *ident.RoomCode)
		if err == nil {
			if err := h.docs.SetPushToken(ctx, room.ID, identityID, req.PushToken); err != nil {
				log.Error().Err(err).Str("room_id", room.ID).Msg("Failed to register push token remotely")
			}
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
