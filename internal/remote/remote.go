// Package remote abstracts the shared cloud-backed store: a document store
// for structured room/record metadata and a blob store for file bytes.
// The document store is the single point where concurrent writes from the
// two paired devices are serialized.
package remote

import (
	"context"
	"io"
	"time"

	"pairsync/internal/models"
)

// DocumentStore holds the rooms and records collections.
type DocumentStore interface {
	// CreateRoom persists a new room with a nil linked user.
	CreateRoom(ctx context.Context, room *models.Room) error
	// RoomByCode looks a room up by its pairing code. Returns
	// syncerr.ErrRoomNotFound (wrapped) when the code is unknown.
	RoomByCode(ctx context.Context, code string) (*models.Room, error)
	// CodeExists reports whether a pairing code is already taken.
	CodeExists(ctx context.Context, code string) (bool, error)
	// ClaimRoom sets linked_user_id only if it is currently null: the
	// compare-and-set that makes concurrent claims safe. Returns true if
	// this call won the claim.
	ClaimRoom(ctx context.Context, code, claimantID string) (bool, error)
	// SetPushToken stores a member's push token on the room document.
	SetPushToken(ctx context.Context, roomID, userID, token string) error
	// PartnerPushToken returns the push token of the room member other
	// than userID, or "" when the partner has none registered.
	PartnerPushToken(ctx context.Context, roomID, userID string) (string, error)

	// PutRecord upserts a record document and returns the server-assigned
	// updated_at timestamp.
	PutRecord(ctx context.Context, rec *models.RemoteRecord) (time.Time, error)
	// RecordByID fetches one record document; (nil, nil) when absent.
	RecordByID(ctx context.Context, roomID, id string) (*models.RemoteRecord, error)
	// RecordByHash finds an existing record in the room with the same
	// content hash; (nil, nil) when absent. Drives dedup.
	RecordByHash(ctx context.Context, roomID, contentHash string) (*models.RemoteRecord, error)
	// RecordsUpdatedAfter lists record documents whose updated_at is
	// strictly after since, ordered by updated_at ascending.
	RecordsUpdatedAfter(ctx context.Context, roomID string, since time.Time) ([]*models.RemoteRecord, error)
}

// BlobStore holds file bytes addressed by {roomID}/{contentHash}.
// Objects are write-once: a key is never overwritten after a successful
// upload, which side-steps write/write races on content.
type BlobStore interface {
	// Upload stores the blob if the key does not already exist and
	// returns the public URL for the key either way.
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	// Download streams the blob at key into w.
	Download(ctx context.Context, key string, w io.Writer) error
	// Exists reports whether the key already holds a blob.
	Exists(ctx context.Context, key string) (bool, error)
	// URL returns the public URL for a key without touching the store.
	URL(key string) string
}

// BlobKey is the content-addressed blob path for a record.
func BlobKey(roomID, contentHash string) string {
	return roomID + "/" + contentHash
}
