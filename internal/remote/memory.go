package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"pairsync/internal/models"
	"pairsync/internal/syncerr"
)

// MemoryDocuments is an in-memory DocumentStore used in tests and by
// development setups without a Postgres instance. Its mutex plays the role
// the database's conditional write plays in production.
type MemoryDocuments struct {
	mu         sync.Mutex
	rooms      map[string]*models.Room // by code
	pushTokens map[string]string       // roomID+userID
	records    map[string]*models.RemoteRecord
	clock      func() time.Time

	// PutCount counts record document writes; tests use it to prove a
	// repeated pass performs no duplicate remote writes.
	PutCount int
}

// NewMemoryDocuments creates an empty in-memory document store.
func NewMemoryDocuments() *MemoryDocuments {
	return &MemoryDocuments{
		rooms:      make(map[string]*models.Room),
		pushTokens: make(map[string]string),
		records:    make(map[string]*models.RemoteRecord),
		clock:      time.Now,
	}
}

// SetClock overrides the timestamp source for deterministic tests.
func (m *MemoryDocuments) SetClock(clock func() time.Time) {
	m.clock = clock
}

func recordKey(roomID, id string) string {
	return roomID + "/" + id
}

// CreateRoom persists a new room
func (m *MemoryDocuments) CreateRoom(_ context.Context, room *models.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[room.Code]; ok {
		return fmt.Errorf("room code %s already exists", room.Code)
	}
	cp := *room
	m.rooms[room.Code] = &cp
	return nil
}

// RoomByCode looks a room up by its pairing code
func (m *MemoryDocuments) RoomByCode(_ context.Context, code string) (*models.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[code]
	if !ok {
		return nil, fmt.Errorf("code %s: %w", code, syncerr.ErrRoomNotFound)
	}
	cp := *room
	return &cp, nil
}

// CodeExists reports whether a pairing code is taken
func (m *MemoryDocuments) CodeExists(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[code]
	return ok, nil
}

// ClaimRoom performs the compare-and-set claim under the store mutex
func (m *MemoryDocuments) ClaimRoom(_ context.Context, code, claimantID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[code]
	if !ok {
		return false, nil
	}
	if room.LinkedUserID != nil {
		return false, nil
	}
	room.LinkedUserID = &claimantID
	return true, nil
}

// SetPushToken stores a member's push token
func (m *MemoryDocuments) SetPushToken(_ context.Context, roomID, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushTokens[roomID+"/"+userID] = token
	return nil
}

// PartnerPushToken returns the other member's push token
func (m *MemoryDocuments) PartnerPushToken(_ context.Context, roomID, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.pushTokens {
		if k != roomID+"/"+userID && strings.HasPrefix(k, roomID+"/") {
			return v, nil
		}
	}
	return "", nil
}

// PutRecord upserts a record document with a store-assigned timestamp
func (m *MemoryDocuments) PutRecord(_ context.Context, rec *models.RemoteRecord) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutCount++

	now := m.clock().UTC()
	key := recordKey(rec.RoomID, rec.ID)
	if existing, ok := m.records[key]; ok {
		// content fields are immutable; only shared metadata moves
		existing.Visibility = rec.Visibility
		existing.GestationalWeek = rec.GestationalWeek
		existing.UpdatedAt = now
		return now, nil
	}
	cp := *rec
	cp.UpdatedAt = now
	m.records[key] = &cp
	return now, nil
}

// RecordByID fetches one record document; (nil, nil) when absent
func (m *MemoryDocuments) RecordByID(_ context.Context, roomID, id string) (*models.RemoteRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordKey(roomID, id)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// RecordByHash finds a record in the room with the same content hash
func (m *MemoryDocuments) RecordByHash(_ context.Context, roomID, contentHash string) (*models.RemoteRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.RoomID == roomID && rec.ContentHash == contentHash {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

// RecordsUpdatedAfter lists record documents past the watermark
func (m *MemoryDocuments) RecordsUpdatedAfter(_ context.Context, roomID string, since time.Time) ([]*models.RemoteRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.RemoteRecord
	for _, rec := range m.records {
		if rec.RoomID == roomID && rec.UpdatedAt.After(since) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	// updated_at ascending, as the production store guarantees
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].UpdatedAt.Before(out[j-1].UpdatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// MemoryBlobs is an in-memory BlobStore counterpart to MemoryDocuments.
type MemoryBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte

	// UploadCount counts actual byte uploads (dedup hits excluded).
	UploadCount int
	// FailNext makes the next n operations fail with the given error.
	FailNext int
	FailWith error
}

// NewMemoryBlobs creates an empty in-memory blob store.
func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{blobs: make(map[string][]byte)}
}

func (m *MemoryBlobs) failure() error {
	if m.FailNext > 0 {
		m.FailNext--
		return m.FailWith
	}
	return nil
}

// Upload stores the blob unless the key already exists
func (m *MemoryBlobs) Upload(_ context.Context, key string, body io.Reader, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(); err != nil {
		return "", err
	}
	if _, ok := m.blobs[key]; ok {
		return m.URL(key), nil
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	m.blobs[key] = data
	m.UploadCount++
	return m.URL(key), nil
}

// Download streams the blob at key into w
func (m *MemoryBlobs) Download(_ context.Context, key string, w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(); err != nil {
		return err
	}
	data, ok := m.blobs[key]
	if !ok {
		return fmt.Errorf("blob %s: %w", key, syncerr.ErrRecordNotFound)
	}
	_, err := io.Copy(w, bytes.NewReader(data))
	return err
}

// Exists reports whether the key holds a blob
func (m *MemoryBlobs) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[key]
	return ok, nil
}

// URL returns a synthetic URL for a key
func (m *MemoryBlobs) URL(key string) string {
	return "memory://" + key
}

// Len reports how many distinct blobs the store holds.
func (m *MemoryBlobs) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}
