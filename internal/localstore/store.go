// Package localstore is the durable device-local table of media records,
// identities, and per-room download watermarks. It is the source of truth
// for what exists on this device. Single-writer: only the sync coordinator
// and the capture intake path mutate it; readers get snapshots.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"pairsync/internal/localstore/migrations"
	"pairsync/internal/models"
	"pairsync/internal/syncerr"
)

// Store wraps the sqlite handle for all local persistence.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the sqlite database at dsn and runs
// pending migrations. Use ":memory:" in tests.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	// sqlite allows one writer; a single conn also keeps :memory: databases alive
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db.DB, "."); err != nil {
		return nil, fmt.Errorf("failed to run local store migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- identities ---

// CreateIdentity inserts a new identity row.
func (s *Store) CreateIdentity(ctx context.Context, ident *models.Identity) error {
	query := `
		INSERT INTO identities (id, display_name, role, room_code, push_token, is_guest, created_at)
		VALUES (:id, :display_name, :role, :room_code, :push_token, :is_guest, :created_at)
	`
	if _, err := s.db.NamedExecContext(ctx, query, ident); err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	return nil
}

// IdentityByID retrieves an identity by ID.
func (s *Store) IdentityByID(ctx context.Context, id string) (*models.Identity, error) {
	var ident models.Identity
	err := s.db.GetContext(ctx, &ident,
		`SELECT * FROM identities WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("identity %s: %w", id, syncerr.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	return &ident, nil
}

// SetIdentityRoomCode records the room code an identity created or claimed.
func (s *Store) SetIdentityRoomCode(ctx context.Context, id, code string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE identities SET room_code = ? WHERE id = ?`, code, id)
	if err != nil {
		return fmt.Errorf("failed to set identity room code: %w", err)
	}
	return nil
}

// IdentitiesWithRoom returns identities already paired into a room. Used at
// boot to resume their sync workers.
func (s *Store) IdentitiesWithRoom(ctx context.Context) ([]*models.Identity, error) {
	var idents []*models.Identity
	err := s.db.SelectContext(ctx, &idents,
		`SELECT * FROM identities WHERE room_code IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to list paired identities: %w", err)
	}
	return idents, nil
}

// SetIdentityPushToken updates the push token for an identity.
func (s *Store) SetIdentityPushToken(ctx context.Context, id string, token *string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE identities SET push_token = ? WHERE id = ?`, token, id)
	if err != nil {
		return fmt.Errorf("failed to set push token: %w", err)
	}
	return nil
}

// --- media records ---

// InsertRecord inserts a newly captured or remote-originated record.
func (s *Store) InsertRecord(ctx context.Context, rec *models.MediaRecord) error {
	query := `
		INSERT INTO media_records (
			id, kind, local_path, content_hash, captured_at, gestational_week,
			remote_id, remote_blob_url, visibility, sync_state,
			fail_kind, fail_reason, attempts, meta_dirty, local_updated_at, created_at
		) VALUES (
			:id, :kind, :local_path, :content_hash, :captured_at, :gestational_week,
			:remote_id, :remote_blob_url, :visibility, :sync_state,
			:fail_kind, :fail_reason, :attempts, :meta_dirty, :local_updated_at, :created_at
		)
	`
	if _, err := s.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

// RecordByID retrieves a record by its local id.
func (s *Store) RecordByID(ctx context.Context, id string) (*models.MediaRecord, error) {
	var rec models.MediaRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT * FROM media_records WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("record %s: %w", id, syncerr.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return &rec, nil
}

// RecordForRemote resolves the local record linked to a remote document id.
// A record uploaded by this device shares the document's id; a deduped record
// keeps its own id but points at the document through remote_id. Returns
// (nil, nil) when the document is unknown locally.
func (s *Store) RecordForRemote(ctx context.Context, remoteID string) (*models.MediaRecord, error) {
	var rec models.MediaRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT * FROM media_records WHERE id = ? OR remote_id = ? LIMIT 1`,
		remoteID, remoteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve remote record: %w", err)
	}
	return &rec, nil
}

// ListPendingUploads returns records awaiting upload in capture-time order,
// oldest first, so resumed sessions replay in a meaningful sequence.
func (s *Store) ListPendingUploads(ctx context.Context) ([]*models.MediaRecord, error) {
	var recs []*models.MediaRecord
	err := s.db.SelectContext(ctx, &recs,
		`SELECT * FROM media_records WHERE sync_state = ? ORDER BY captured_at ASC`,
		models.StatePendingUpload)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending uploads: %w", err)
	}
	return recs, nil
}

// ListByState returns records in the given sync state, oldest capture first.
func (s *Store) ListByState(ctx context.Context, state models.SyncState) ([]*models.MediaRecord, error) {
	var recs []*models.MediaRecord
	err := s.db.SelectContext(ctx, &recs,
		`SELECT * FROM media_records WHERE sync_state = ? ORDER BY captured_at ASC`, state)
	if err != nil {
		return nil, fmt.Errorf("failed to list records by state: %w", err)
	}
	return recs, nil
}

// ListDirtyMeta returns synced records whose shared metadata has local edits
// not yet pushed to the remote store.
func (s *Store) ListDirtyMeta(ctx context.Context) ([]*models.MediaRecord, error) {
	var recs []*models.MediaRecord
	err := s.db.SelectContext(ctx, &recs,
		`SELECT * FROM media_records WHERE sync_state = ? AND meta_dirty = 1 ORDER BY captured_at ASC`,
		models.StateSynced)
	if err != nil {
		return nil, fmt.Errorf("failed to list dirty metadata: %w", err)
	}
	return recs, nil
}

// ListRecords returns a snapshot page for the UI, newest capture first.
func (s *Store) ListRecords(ctx context.Context, limit, offset int) ([]*models.MediaRecord, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM media_records`); err != nil {
		return nil, 0, fmt.Errorf("failed to count records: %w", err)
	}

	var recs []*models.MediaRecord
	err := s.db.SelectContext(ctx, &recs,
		`SELECT * FROM media_records ORDER BY captured_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list records: %w", err)
	}
	return recs, total, nil
}

// TransitionState moves a record from an expected state to a new one.
// The conditional update is the per-id in-flight guard: callers that lose
// the race observe ok=false and skip the transfer.
func (s *Store) TransitionState(ctx context.Context, id string, from, to models.SyncState) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE media_records SET sync_state = ?, local_updated_at = ? WHERE id = ? AND sync_state = ?`,
		to, time.Now().UTC(), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition record state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// SetContentHash stores the computed hash for a record.
func (s *Store) SetContentHash(ctx context.Context, id, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE media_records SET content_hash = ? WHERE id = ?`, hash, id)
	if err != nil {
		return fmt.Errorf("failed to set content hash: %w", err)
	}
	return nil
}

// MarkSynced finalizes a successful upload or download: the record gets its
// remote identity and leaves the failure counters behind. A record is never
// marked Synced with a missing hash or remote id.
func (s *Store) MarkSynced(ctx context.Context, id, contentHash, remoteID, blobURL string) error {
	if contentHash == "" || remoteID == "" {
		return fmt.Errorf("refusing to mark record %s synced without hash and remote id", id)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE media_records
		SET sync_state = ?, content_hash = ?, remote_id = ?, remote_blob_url = ?,
		    fail_kind = NULL, fail_reason = NULL, attempts = 0, local_updated_at = ?
		WHERE id = ?`,
		models.StateSynced, contentHash, remoteID, blobURL, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark record synced: %w", err)
	}
	return nil
}

// MarkFailed records a classified failure and bumps the attempt counter.
func (s *Store) MarkFailed(ctx context.Context, id string, kind syncerr.Kind, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE media_records
		SET sync_state = ?, fail_kind = ?, fail_reason = ?, attempts = attempts + 1,
		    local_updated_at = ?
		WHERE id = ?`,
		models.StateFailed, string(kind), reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark record failed: %w", err)
	}
	return nil
}

// UpdateSharedMeta applies a local edit to the shared metadata fields and
// flags the record for the next upload pass.
func (s *Store) UpdateSharedMeta(ctx context.Context, id string, visibility models.Visibility, week *int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE media_records
		SET visibility = ?, gestational_week = ?, meta_dirty = 1, local_updated_at = ?
		WHERE id = ?`,
		visibility, week, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update shared metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("record %s: %w", id, syncerr.ErrRecordNotFound)
	}
	return nil
}

// ApplyRemoteMeta overwrites the shared metadata fields with the remote
// values after the resolver decided the remote side wins.
func (s *Store) ApplyRemoteMeta(ctx context.Context, id string, visibility models.Visibility, week *int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE media_records
		SET visibility = ?, gestational_week = ?, meta_dirty = 0, local_updated_at = ?
		WHERE id = ?`,
		visibility, week, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to apply remote metadata: %w", err)
	}
	return nil
}

// ClearMetaDirty marks a local edit as pushed.
func (s *Store) ClearMetaDirty(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE media_records SET meta_dirty = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to clear meta dirty flag: %w", err)
	}
	return nil
}

// --- watermark ---

// Watermark returns the download checkpoint for a room, or the zero time if
// the room has never completed a download pass.
func (s *Store) Watermark(ctx context.Context, roomID string) (time.Time, error) {
	var wm time.Time
	err := s.db.GetContext(ctx, &wm,
		`SELECT watermark FROM sync_watermarks WHERE room_id = ?`, roomID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to get watermark: %w", err)
	}
	return wm, nil
}

// SetWatermark advances the download checkpoint. Called only after a batch
// is fully processed so a crash mid-batch re-lists the same window.
func (s *Store) SetWatermark(ctx context.Context, roomID string, wm time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_watermarks (room_id, watermark, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET watermark = excluded.watermark, updated_at = excluded.updated_at`,
		roomID, wm.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set watermark: %w", err)
	}
	return nil
}
