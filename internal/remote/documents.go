package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pairsync/internal/models"
	"pairsync/internal/syncerr"
)

// PostgresDocuments implements DocumentStore on a Postgres pool.
type PostgresDocuments struct {
	db *pgxpool.Pool
}

// NewPostgresDocuments creates a document store backed by the given pool.
func NewPostgresDocuments(db *pgxpool.Pool) *PostgresDocuments {
	return &PostgresDocuments{db: db}
}

// CreateRoom persists a new room
func (s *PostgresDocuments) CreateRoom(ctx context.Context, room *models.Room) error {
	query := `
		INSERT INTO rooms (id, code, primary_user_id, linked_user_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.Exec(ctx, query,
		room.ID, room.Code, room.PrimaryUserID, room.LinkedUserID, room.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}
	return nil
}

// RoomByCode retrieves a room by its pairing code
func (s *PostgresDocuments) RoomByCode(ctx context.Context, code string) (*models.Room, error) {
	query := `
		SELECT id, code, primary_user_id, linked_user_id, created_at
		FROM rooms
		WHERE code = $1
	`
	var room models.Room
	err := s.db.QueryRow(ctx, query, code).Scan(
		&room.ID, &room.Code, &room.PrimaryUserID, &room.LinkedUserID, &room.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("code %s: %w", code, syncerr.ErrRoomNotFound)
		}
		return nil, fmt.Errorf("failed to get room by code: %w", err)
	}
	return &room, nil
}

// CodeExists checks if a pairing code is already taken
func (s *PostgresDocuments) CodeExists(ctx context.Context, code string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM rooms WHERE code = $1)`
	var exists bool
	if err := s.db.QueryRow(ctx, query, code).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check code existence: %w", err)
	}
	return exists, nil
}

// ClaimRoom performs the conditional claim. The WHERE clause is the
// compare-and-set: of any number of concurrent claimants exactly one
// UPDATE matches the null row.
func (s *PostgresDocuments) ClaimRoom(ctx context.Context, code, claimantID string) (bool, error) {
	query := `
		UPDATE rooms
		SET linked_user_id = $1
		WHERE code = $2 AND linked_user_id IS NULL
	`
	tag, err := s.db.Exec(ctx, query, claimantID, code)
	if err != nil {
		return false, fmt.Errorf("failed to claim room: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetPushToken stores a member's push token on its side of the room row
func (s *PostgresDocuments) SetPushToken(ctx context.Context, roomID, userID, token string) error {
	query := `
		UPDATE rooms
		SET primary_push_token = CASE WHEN primary_user_id = $2 THEN $3 ELSE primary_push_token END,
		    linked_push_token  = CASE WHEN linked_user_id  = $2 THEN $3 ELSE linked_push_token END
		WHERE id = $1
	`
	if _, err := s.db.Exec(ctx, query, roomID, userID, token); err != nil {
		return fmt.Errorf("failed to set push token: %w", err)
	}
	return nil
}

// PartnerPushToken returns the push token of the other room member
func (s *PostgresDocuments) PartnerPushToken(ctx context.Context, roomID, userID string) (string, error) {
	query := `
		SELECT COALESCE(
			CASE WHEN primary_user_id = $2 THEN linked_push_token ELSE primary_push_token END,
		'')
		FROM rooms
		WHERE id = $1
	`
	var token string
	if err := s.db.QueryRow(ctx, query, roomID, userID).Scan(&token); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("room %s: %w", roomID, syncerr.ErrRoomNotFound)
		}
		return "", fmt.Errorf("failed to get partner push token: %w", err)
	}
	return token, nil
}

// PutRecord upserts a record document; updated_at is assigned by the server
func (s *PostgresDocuments) PutRecord(ctx context.Context, rec *models.RemoteRecord) (time.Time, error) {
	query := `
		INSERT INTO records (room_id, id, kind, content_hash, captured_at,
			gestational_week, visibility, updated_at, blob_path, blob_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), $8, $9)
		ON CONFLICT (room_id, id) DO UPDATE SET
			gestational_week = excluded.gestational_week,
			visibility = excluded.visibility,
			updated_at = now()
		RETURNING updated_at
	`
	var updatedAt time.Time
	err := s.db.QueryRow(ctx, query,
		rec.RoomID, rec.ID, rec.Kind, rec.ContentHash, rec.CapturedAt,
		rec.GestationalWeek, rec.Visibility, rec.BlobPath, rec.BlobURL,
	).Scan(&updatedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to put record: %w", err)
	}
	return updatedAt, nil
}

// RecordByID retrieves one record document
func (s *PostgresDocuments) RecordByID(ctx context.Context, roomID, id string) (*models.RemoteRecord, error) {
	query := `
		SELECT room_id, id, kind, content_hash, captured_at, gestational_week,
			visibility, updated_at, blob_path, blob_url
		FROM records
		WHERE room_id = $1 AND id = $2
	`
	rec, err := scanRecord(s.db.QueryRow(ctx, query, roomID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// RecordByHash finds a record in the room with the same content hash
func (s *PostgresDocuments) RecordByHash(ctx context.Context, roomID, contentHash string) (*models.RemoteRecord, error) {
	query := `
		SELECT room_id, id, kind, content_hash, captured_at, gestational_week,
			visibility, updated_at, blob_path, blob_url
		FROM records
		WHERE room_id = $1 AND content_hash = $2
		LIMIT 1
	`
	rec, err := scanRecord(s.db.QueryRow(ctx, query, roomID, contentHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get record by hash: %w", err)
	}
	return rec, nil
}

// RecordsUpdatedAfter lists record documents past the download watermark
func (s *PostgresDocuments) RecordsUpdatedAfter(ctx context.Context, roomID string, since time.Time) ([]*models.RemoteRecord, error) {
	query := `
		SELECT room_id, id, kind, content_hash, captured_at, gestational_week,
			visibility, updated_at, blob_path, blob_url
		FROM records
		WHERE room_id = $1 AND updated_at > $2
		ORDER BY updated_at ASC
	`
	rows, err := s.db.Query(ctx, query, roomID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var recs []*models.RemoteRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return recs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.RemoteRecord, error) {
	var rec models.RemoteRecord
	err := row.Scan(
		&rec.RoomID, &rec.ID, &rec.Kind, &rec.ContentHash, &rec.CapturedAt,
		&rec.GestationalWeek, &rec.Visibility, &rec.UpdatedAt, &rec.BlobPath, &rec.BlobURL,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
