// Package syncerr defines the failure taxonomy shared by the pairing service
// and the sync coordinator, plus classification of low-level transport errors
// into retryable and terminal kinds.
package syncerr

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"syscall"

	"github.com/aws/smithy-go"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// pairing errors
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomAlreadyClaimed = errors.New("room already claimed")
	ErrCodeSpaceExhausted = errors.New("code space exhausted")

	// sync errors
	ErrRecordNotFound = errors.New("record not found")
	ErrLocalFileGone  = errors.New("local file missing or unreadable")
	ErrHashMismatch   = errors.New("record id exists remotely with different content")
)

// Kind buckets a failure by how the coordinator must react to it.
type Kind string

const (
	// KindTransient failures are retried with backoff inside a pass.
	KindTransient Kind = "transient"
	// KindConflict failures are surfaced and never retried blindly.
	KindConflict Kind = "conflict"
	// KindNotFound failures are surfaced to the user immediately.
	KindNotFound Kind = "not_found"
	// KindQuotaOrStorage failures pause the record until acknowledged.
	KindQuotaOrStorage Kind = "quota_or_storage"
	// KindCorrupt failures are permanent; the record is excluded from
	// auto-retry and flagged for re-capture.
	KindCorrupt Kind = "corrupt"
)

// Retryable reports whether the coordinator may retry a failure of this kind
// without an explicit user trigger.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// pg error classes per the SQLSTATE standard
const (
	pgUniqueViolation   = "23505"
	pgInsufficientSpace = "53100"
	pgTooManyConns      = "53300"
)

// Classify maps an error from the local filesystem, Postgres, or the blob
// store into a Kind. Unknown errors default to transient so a flaky network
// path never permanently strands a record.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}

	switch {
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrRecordNotFound):
		return KindNotFound
	case errors.Is(err, ErrRoomAlreadyClaimed), errors.Is(err, ErrHashMismatch):
		return KindConflict
	case errors.Is(err, ErrLocalFileGone), errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return KindCorrupt
	case errors.Is(err, syscall.ENOSPC):
		return KindQuotaOrStorage
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTransient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return KindConflict
		case pgInsufficientSpace:
			return KindQuotaOrStorage
		case pgTooManyConns:
			return KindTransient
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey":
			return KindNotFound
		case "SlowDown", "ServiceUnavailable", "QuotaExceeded", "InsufficientStorage":
			// the bucket is pushing back; hammering it with auto-retries
			// only digs deeper
			return KindQuotaOrStorage
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	return KindTransient
}
