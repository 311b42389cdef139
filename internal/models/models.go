package models

import "time"

// Role of an identity within a room.
type Role string

const (
	RolePrimary Role = "primary"
	RoleLinked  Role = "linked"
)

// Identity represents a device-owned user identity
type Identity struct {
	ID          string    `json:"id" db:"id"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Role        Role      `json:"role" db:"role"`
	RoomCode    *string   `json:"room_code,omitempty" db:"room_code"`
	PushToken   *string   `json:"push_token,omitempty" db:"push_token"`
	IsGuest     bool      `json:"is_guest" db:"is_guest"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Room pairs exactly two identities via a short shareable code.
// LinkedUserID is nil until the room is claimed and is set at most once.
type Room struct {
	ID            string    `json:"id"`
	Code          string    `json:"code"`
	PrimaryUserID string    `json:"primary_user_id"`
	LinkedUserID  *string   `json:"linked_user_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Claimed reports whether the room already has a linked partner.
func (r *Room) Claimed() bool {
	return r.LinkedUserID != nil
}

// RecordKind distinguishes the two captured media types.
type RecordKind string

const (
	KindAudio RecordKind = "audio"
	KindPhoto RecordKind = "photo"
)

// Visibility of a record within the shared room.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityShared  Visibility = "shared"
)

// SyncState tracks where a record sits in the upload/download lifecycle.
// It is local-only and never replicated to the remote store.
type SyncState string

const (
	StateLocalOnly       SyncState = "local_only"
	StatePendingUpload   SyncState = "pending_upload"
	StateUploading       SyncState = "uploading"
	StateSynced          SyncState = "synced"
	StatePendingDownload SyncState = "pending_download"
	StateDownloading     SyncState = "downloading"
	StateFailed          SyncState = "failed"
)

// Uploadable reports whether EnqueueUpload may move the record to PendingUpload.
func (s SyncState) Uploadable() bool {
	return s == StateLocalOnly || s == StateFailed
}

// InFlight reports whether a transfer for the record is currently running.
func (s SyncState) InFlight() bool {
	return s == StateUploading || s == StateDownloading
}

// MediaRecord is a locally captured audio clip or photo moment plus its
// sync metadata. ID is generated on capture and is the durable cross-device
// join key once synced; RemoteID is assigned by the remote document store.
type MediaRecord struct {
	ID              string     `json:"id" db:"id"`
	Kind            RecordKind `json:"kind" db:"kind"`
	LocalPath       string     `json:"local_path" db:"local_path"`
	ContentHash     *string    `json:"content_hash,omitempty" db:"content_hash"`
	CapturedAt      time.Time  `json:"captured_at" db:"captured_at"`
	GestationalWeek *int       `json:"gestational_week,omitempty" db:"gestational_week"`
	RemoteID        *string    `json:"remote_id,omitempty" db:"remote_id"`
	RemoteBlobURL   *string    `json:"remote_blob_url,omitempty" db:"remote_blob_url"`
	Visibility      Visibility `json:"visibility" db:"visibility"`
	SyncState       SyncState  `json:"sync_state" db:"sync_state"`
	FailKind        *string    `json:"fail_kind,omitempty" db:"fail_kind"`
	FailReason      *string    `json:"fail_reason,omitempty" db:"fail_reason"`
	Attempts        int        `json:"attempts" db:"attempts"`
	MetaDirty       bool       `json:"meta_dirty" db:"meta_dirty"`
	LocalUpdatedAt  time.Time  `json:"local_updated_at" db:"local_updated_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// RemoteRecord is the shape of a record document in the remote store.
// UpdatedAt is assigned server-side on every write and drives both the
// download watermark and last-writer-wins conflict resolution.
type RemoteRecord struct {
	ID              string     `json:"id"`
	RoomID          string     `json:"room_id"`
	Kind            RecordKind `json:"kind"`
	ContentHash     string     `json:"content_hash"`
	CapturedAt      time.Time  `json:"captured_at"`
	GestationalWeek *int       `json:"gestational_week,omitempty"`
	Visibility      Visibility `json:"visibility"`
	UpdatedAt       time.Time  `json:"updated_at"`
	BlobPath        string     `json:"blob_path"`
	BlobURL         string     `json:"blob_url"`
}
