// Package pairing issues and claims room codes, linking exactly two
// identities into a shared room.
package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"pairsync/internal/events"
	"pairsync/internal/localstore"
	"pairsync/internal/models"
	"pairsync/internal/remote"
	"pairsync/internal/syncerr"
)

const (
	codeLength = 6
	// ambiguous glyphs I, L, O, 0, 1 excluded
	codeChars       = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	maxCodeAttempts = 10
)

// Service creates and claims rooms.
type Service struct {
	docs  remote.DocumentStore
	local *localstore.Store
	bus   *events.Bus
}

// NewService creates a pairing service.
func NewService(docs remote.DocumentStore, local *localstore.Store, bus *events.Bus) *Service {
	return &Service{docs: docs, local: local, bus: bus}
}

// CreateRoom generates a unique code and persists a new room owned by the
// given identity. Returns syncerr.ErrCodeSpaceExhausted if every generated
// code collides, which the charset size makes practically unreachable but
// never assumed impossible.
func (s *Service) CreateRoom(ctx context.Context, owner *models.Identity) (*models.Room, error) {
	code, err := s.generateUniqueCode(ctx)
	if err != nil {
		return nil, err
	}

	room := &models.Room{
		ID:            uuid.New().String(),
		Code:          code,
		PrimaryUserID: owner.ID,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.docs.CreateRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	if err := s.local.SetIdentityRoomCode(ctx, owner.ID, code); err != nil {
		return nil, fmt.Errorf("failed to store room code locally: %w", err)
	}

	log.Info().
		Str("room_id", room.ID).
		Str("code", code).
		Str("owner_id", owner.ID).
		Msg("Room created")

	return room, nil
}

// ClaimRoom links the claimant into the room identified by code. The claim
// is a compare-and-set against the remote document, so of any number of
// concurrent claimants exactly one succeeds; the rest get
// syncerr.ErrRoomAlreadyClaimed. Re-claiming with the same identity is an
// idempotent success. Pairing is a one-shot user action and is never
// silently retried.
func (s *Service) ClaimRoom(ctx context.Context, code string, claimant *models.Identity) (*models.Room, error) {
	if len(code) != codeLength {
		s.bus.RoomClaimFailed(code, syncerr.ErrRoomNotFound.Error())
		return nil, fmt.Errorf("code %q: %w", code, syncerr.ErrRoomNotFound)
	}

	room, err := s.docs.RoomByCode(ctx, code)
	if err != nil {
		s.bus.RoomClaimFailed(code, claimFailureReason(err))
		return nil, err
	}

	if room.PrimaryUserID == claimant.ID {
		s.bus.RoomClaimFailed(code, "cannot claim own room")
		return nil, fmt.Errorf("cannot claim own room: %w", syncerr.ErrRoomAlreadyClaimed)
	}

	won, err := s.docs.ClaimRoom(ctx, code, claimant.ID)
	if err != nil {
		s.bus.RoomClaimFailed(code, "claim write failed")
		return nil, fmt.Errorf("failed to claim room: %w", err)
	}
	if !won {
		// Lost the CAS. Re-read to distinguish a repeat claim by the same
		// identity (idempotent success) from a room owned by someone else.
		room, err = s.docs.RoomByCode(ctx, code)
		if err != nil {
			s.bus.RoomClaimFailed(code, claimFailureReason(err))
			return nil, err
		}
		if !room.Claimed() || *room.LinkedUserID != claimant.ID {
			log.Warn().
				Str("code", code).
				Str("claimant_id", claimant.ID).
				Msg("Room claim lost to another device")
			s.bus.RoomClaimFailed(code, syncerr.ErrRoomAlreadyClaimed.Error())
			return nil, fmt.Errorf("code %q: %w", code, syncerr.ErrRoomAlreadyClaimed)
		}
	} else {
		room.LinkedUserID = &claimant.ID
	}

	if err := s.local.SetIdentityRoomCode(ctx, claimant.ID, code); err != nil {
		return nil, fmt.Errorf("failed to store room code locally: %w", err)
	}

	log.Info().
		Str("room_id", room.ID).
		Str("code", code).
		Str("claimant_id", claimant.ID).
		Msg("Room claimed")
	s.bus.RoomLinked(code)

	return room, nil
}

// claimFailureReason maps a room lookup error to the event reason shown to
// the user. Only a genuine missing room reads as "room not found"; transport
// trouble must not tell the user their partner's code is wrong.
func claimFailureReason(err error) string {
	if errors.Is(err, syncerr.ErrRoomNotFound) {
		return syncerr.ErrRoomNotFound.Error()
	}
	return "room lookup failed"
}

// RoomByCode fetches the room for a known code.
func (s *Service) RoomByCode(ctx context.Context, code string) (*models.Room, error) {
	return s.docs.RoomByCode(ctx, code)
}

// generateUniqueCode samples codes until one is free or the attempt cap is
// reached.
func (s *Service) generateUniqueCode(ctx context.Context) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code := generateCode()
		exists, err := s.docs.CodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("failed to check code existence: %w", err)
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("after %d attempts: %w", maxCodeAttempts, syncerr.ErrCodeSpaceExhausted)
}

// generateCode samples a random code from the restricted charset
func generateCode() string {
	code := make([]byte, codeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
