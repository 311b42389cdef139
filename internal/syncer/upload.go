package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"pairsync/internal/models"
	"pairsync/internal/remote"
	"pairsync/internal/syncerr"
)

// RunUploadPass drives every PendingUpload record toward Synced, oldest
// capture first, then pushes pending metadata edits for records already
// synced. Transient failures are retried in-pass with jittered exponential
// backoff; everything else leaves the record Failed with a classified
// reason. The pass is cooperatively cancellable at record boundaries.
func (c *Coordinator) RunUploadPass(ctx context.Context) (PassStats, error) {
	var stats PassStats

	pending, err := c.local.ListPendingUploads(ctx)
	if err != nil {
		return stats, err
	}

	results := make([]uploadResult, len(pending))
	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Parallelism)
	for i, rec := range pending {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results[i] = c.uploadOne(ctx, rec)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		switch res {
		case uploadedBlob:
			stats.Uploaded++
		case linkedExisting:
			stats.Deduped++
		case uploadFailed:
			stats.Failed++
		}
	}

	pushed, failed, err := c.pushDirtyMeta(ctx)
	stats.MetaPushed += pushed
	stats.Failed += failed
	if err != nil {
		return stats, err
	}

	return stats, ctx.Err()
}

type uploadResult int

const (
	uploadSkipped uploadResult = iota
	uploadedBlob
	linkedExisting
	uploadFailed
)

// uploadOne moves a single record through Uploading to Synced or Failed.
func (c *Coordinator) uploadOne(ctx context.Context, rec *models.MediaRecord) uploadResult {
	// Per-id in-flight guard: losing this transition means another attempt
	// already owns the record.
	ok, err := c.local.TransitionState(ctx, rec.ID, models.StatePendingUpload, models.StateUploading)
	if err != nil {
		log.Error().Err(err).Str("record_id", rec.ID).Msg("Failed to acquire upload guard")
		return uploadSkipped
	}
	if !ok {
		return uploadSkipped
	}
	c.bus.RecordState(rec.ID, models.StateUploading, "")

	var res uploadResult
	attempt := func(ctx context.Context) error {
		r, err := c.uploadAttempt(ctx, rec)
		if err != nil {
			if syncerr.Classify(err).Retryable() {
				return retry.RetryableError(err)
			}
			return err
		}
		res = r
		return nil
	}

	if err := retry.Do(ctx, c.backoff(), attempt); err != nil {
		c.markFailed(ctx, rec.ID, err)
		return uploadFailed
	}

	c.bus.RecordState(rec.ID, models.StateSynced, "")
	return res
}

// uploadAttempt performs one end-to-end try: hash, dedup lookup, blob
// upload, metadata write, Synced. Any failure leaves the record short of
// Synced; nothing is partially marked.
func (c *Coordinator) uploadAttempt(ctx context.Context, rec *models.MediaRecord) (uploadResult, error) {
	hash, err := c.ensureHash(ctx, rec)
	if err != nil {
		return uploadFailed, err
	}

	// Dedup short-circuit: identical bytes already in the room converge on
	// one blob regardless of which device uploaded first.
	existing, err := c.docs.RecordByHash(ctx, c.roomID, hash)
	if err != nil {
		return uploadFailed, fmt.Errorf("dedup lookup: %w", err)
	}
	if existing != nil {
		if err := c.local.MarkSynced(ctx, rec.ID, hash, existing.ID, existing.BlobURL); err != nil {
			return uploadFailed, err
		}
		return linkedExisting, nil
	}

	// An id already present remotely with different bytes is a conflict,
	// never silently overwritten: blobs are write-once.
	byID, err := c.docs.RecordByID(ctx, c.roomID, rec.ID)
	if err != nil {
		return uploadFailed, fmt.Errorf("id lookup: %w", err)
	}
	if byID != nil && byID.ContentHash != hash {
		return uploadFailed, fmt.Errorf("record %s: %w", rec.ID, syncerr.ErrHashMismatch)
	}

	f, err := os.Open(rec.LocalPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return uploadFailed, fmt.Errorf("%w: %s", syncerr.ErrLocalFileGone, rec.LocalPath)
		}
		return uploadFailed, fmt.Errorf("failed to open local file: %w", err)
	}
	defer f.Close()

	key := remote.BlobKey(c.roomID, hash)
	blobURL, err := c.blobs.Upload(ctx, key, f, contentTypeFor(rec.Kind))
	if err != nil {
		return uploadFailed, fmt.Errorf("blob upload: %w", err)
	}

	doc := &models.RemoteRecord{
		ID:              rec.ID,
		RoomID:          c.roomID,
		Kind:            rec.Kind,
		ContentHash:     hash,
		CapturedAt:      rec.CapturedAt,
		GestationalWeek: rec.GestationalWeek,
		Visibility:      rec.Visibility,
		BlobPath:        key,
		BlobURL:         blobURL,
	}
	if _, err := c.docs.PutRecord(ctx, doc); err != nil {
		return uploadFailed, fmt.Errorf("metadata write: %w", err)
	}

	if err := c.local.MarkSynced(ctx, rec.ID, hash, rec.ID, blobURL); err != nil {
		return uploadFailed, err
	}
	return uploadedBlob, nil
}

// ensureHash computes and persists the content hash if it is still missing.
func (c *Coordinator) ensureHash(ctx context.Context, rec *models.MediaRecord) (string, error) {
	if rec.ContentHash != nil && *rec.ContentHash != "" {
		return *rec.ContentHash, nil
	}
	hash, err := c.hasher.Hash(rec.LocalPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s", syncerr.ErrLocalFileGone, rec.LocalPath)
	}
	if err := c.local.SetContentHash(ctx, rec.ID, hash); err != nil {
		return "", err
	}
	rec.ContentHash = &hash
	return hash, nil
}

// pushDirtyMeta reconciles locally edited shared metadata against the
// remote documents: the newer writer wins, remote wins ties.
func (c *Coordinator) pushDirtyMeta(ctx context.Context) (pushed, failed int, err error) {
	dirty, err := c.local.ListDirtyMeta(ctx)
	if err != nil {
		return 0, 0, err
	}

	for _, rec := range dirty {
		if ctx.Err() != nil {
			return pushed, failed, ctx.Err()
		}
		if rec.RemoteID == nil {
			continue
		}

		doc, err := c.docs.RecordByID(ctx, c.roomID, *rec.RemoteID)
		if err != nil {
			failed++
			log.Error().Err(err).Str("record_id", rec.ID).Msg("Failed to fetch remote metadata")
			continue
		}
		if doc == nil {
			continue
		}

		if c.resolver.Resolve(rec.LocalUpdatedAt, doc.UpdatedAt) == RemoteWins {
			if err := c.local.ApplyRemoteMeta(ctx, rec.ID, doc.Visibility, doc.GestationalWeek); err != nil {
				failed++
				log.Error().Err(err).Str("record_id", rec.ID).Msg("Failed to apply remote metadata")
			}
			continue
		}

		doc.Visibility = rec.Visibility
		doc.GestationalWeek = rec.GestationalWeek
		if _, err := c.docs.PutRecord(ctx, doc); err != nil {
			failed++
			log.Error().Err(err).Str("record_id", rec.ID).Msg("Failed to push metadata edit")
			continue
		}
		if err := c.local.ClearMetaDirty(ctx, rec.ID); err != nil {
			failed++
			continue
		}
		pushed++
	}
	return pushed, failed, nil
}

// backoff builds the per-record retry schedule from config.
func (c *Coordinator) backoff() retry.Backoff {
	b := retry.NewExponential(c.cfg.BackoffBase)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(c.cfg.BackoffCap, b)
	return retry.WithMaxRetries(uint64(c.cfg.MaxAttempts-1), b)
}

func contentTypeFor(kind models.RecordKind) string {
	switch kind {
	case models.KindAudio:
		return "audio/mp4"
	case models.KindPhoto:
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
