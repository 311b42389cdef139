package syncer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"pairsync/internal/models"
	"pairsync/internal/remote"
	"pairsync/internal/syncerr"
)

// RunDownloadPass lists remote records past the download watermark,
// materializes unknown ones locally, and reconciles metadata for known
// ones. The watermark advances only after the whole batch is processed,
// so a crash mid-batch re-lists the same window; resolving each document
// against the records already linked to it makes the replay a no-op.
func (c *Coordinator) RunDownloadPass(ctx context.Context) (PassStats, error) {
	var stats PassStats

	since, err := c.local.Watermark(ctx, c.roomID)
	if err != nil {
		return stats, err
	}

	batch, err := c.docs.RecordsUpdatedAfter(ctx, c.roomID, since)
	if err != nil {
		return stats, fmt.Errorf("failed to list remote records: %w", err)
	}
	if len(batch) == 0 {
		return stats, nil
	}

	var maxUpdated time.Time
	for _, doc := range batch {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if doc.UpdatedAt.After(maxUpdated) {
			maxUpdated = doc.UpdatedAt
		}

		known, err := c.local.RecordForRemote(ctx, doc.ID)
		if err != nil {
			return stats, err
		}
		if known != nil {
			reconciled, err := c.reconcileRemoteMeta(ctx, known.ID, doc.Visibility, doc.GestationalWeek, doc.UpdatedAt)
			if err != nil {
				return stats, err
			}
			if reconciled {
				stats.Reconciled++
			}
			continue
		}

		if err := c.createStub(ctx, doc.ID, doc); err != nil {
			return stats, err
		}
	}

	// Fetch phase covers this batch's stubs plus any left over from an
	// interrupted earlier pass.
	stubs, err := c.local.ListByState(ctx, models.StatePendingDownload)
	if err != nil {
		return stats, err
	}

	failures := make([]bool, len(stubs))
	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Parallelism)
	for i, stub := range stubs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			failures[i] = !c.downloadOne(ctx, stub)
			return nil
		})
	}
	_ = g.Wait()

	anyFailed := false
	for i := range stubs {
		if failures[i] {
			anyFailed = true
			stats.Failed++
		} else {
			stats.Downloaded++
		}
	}

	if anyFailed || ctx.Err() != nil {
		// Leave the watermark alone: the next pass re-lists the window and
		// re-drives whatever did not land.
		return stats, ctx.Err()
	}

	if err := c.local.SetWatermark(ctx, c.roomID, maxUpdated); err != nil {
		return stats, err
	}
	return stats, nil
}

// createStub materializes a remote-originated record locally in
// PendingDownload.
func (c *Coordinator) createStub(ctx context.Context, id string, doc *models.RemoteRecord) error {
	now := time.Now().UTC()
	hash := doc.ContentHash
	remoteID := doc.ID
	blobURL := doc.BlobURL
	stub := &models.MediaRecord{
		ID:              id,
		Kind:            doc.Kind,
		LocalPath:       filepath.Join(c.mediaDir, id+extFor(doc.Kind)),
		ContentHash:     &hash,
		CapturedAt:      doc.CapturedAt,
		GestationalWeek: doc.GestationalWeek,
		RemoteID:        &remoteID,
		RemoteBlobURL:   &blobURL,
		Visibility:      doc.Visibility,
		SyncState:       models.StatePendingDownload,
		LocalUpdatedAt:  now,
		CreatedAt:       now,
	}
	if err := c.local.InsertRecord(ctx, stub); err != nil {
		return fmt.Errorf("failed to create download stub: %w", err)
	}
	c.bus.RecordState(id, models.StatePendingDownload, "")
	return nil
}

// downloadOne fetches one blob and marks the record Synced. Returns false
// when the record ends up Failed.
func (c *Coordinator) downloadOne(ctx context.Context, rec *models.MediaRecord) bool {
	ok, err := c.local.TransitionState(ctx, rec.ID, models.StatePendingDownload, models.StateDownloading)
	if err != nil {
		log.Error().Err(err).Str("record_id", rec.ID).Msg("Failed to acquire download guard")
		return false
	}
	if !ok {
		// another attempt owns it; not a failure of this pass
		return true
	}
	c.bus.RecordState(rec.ID, models.StateDownloading, "")

	attempt := func(ctx context.Context) error {
		if err := c.downloadAttempt(ctx, rec); err != nil {
			if syncerr.Classify(err).Retryable() {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	}

	if err := retry.Do(ctx, c.backoff(), attempt); err != nil {
		c.markFailed(ctx, rec.ID, err)
		return false
	}

	c.bus.RecordState(rec.ID, models.StateSynced, "")
	return true
}

// downloadAttempt streams the blob to a temp file, verifies the digest, and
// moves it into place. The rename keeps a crash from leaving a half-written
// file at the record's path.
func (c *Coordinator) downloadAttempt(ctx context.Context, rec *models.MediaRecord) error {
	if rec.ContentHash == nil || rec.RemoteID == nil || rec.RemoteBlobURL == nil {
		return fmt.Errorf("record %s has no remote identity: %w", rec.ID, syncerr.ErrRecordNotFound)
	}

	if err := os.MkdirAll(filepath.Dir(rec.LocalPath), 0o755); err != nil {
		return fmt.Errorf("failed to create media dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(rec.LocalPath), "."+rec.ID+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	key := remote.BlobKey(c.roomID, *rec.ContentHash)
	if err := c.blobs.Download(ctx, key, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	got, err := c.hasher.Hash(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to verify download: %w", err)
	}
	if got != *rec.ContentHash {
		// truncated or corrupted transfer; retryable
		return fmt.Errorf("blob digest mismatch for record %s: got %s", rec.ID, got)
	}

	if err := os.Rename(tmpPath, rec.LocalPath); err != nil {
		return fmt.Errorf("failed to move blob into place: %w", err)
	}

	return c.local.MarkSynced(ctx, rec.ID, *rec.ContentHash, *rec.RemoteID, *rec.RemoteBlobURL)
}

// reconcileRemoteMeta applies a remote metadata update to a known record.
// Returns true when the local row changed.
func (c *Coordinator) reconcileRemoteMeta(ctx context.Context, id string, visibility models.Visibility, week *int, remoteUpdatedAt time.Time) (bool, error) {
	rec, err := c.local.RecordByID(ctx, id)
	if err != nil {
		return false, err
	}

	if rec.MetaDirty && c.resolver.Resolve(rec.LocalUpdatedAt, remoteUpdatedAt) == LocalWins {
		// the pending local edit is newer; the next upload pass pushes it
		return false, nil
	}
	if rec.Visibility == visibility && equalWeek(rec.GestationalWeek, week) {
		return false, nil
	}

	if err := c.local.ApplyRemoteMeta(ctx, id, visibility, week); err != nil {
		return false, err
	}
	return true, nil
}

func equalWeek(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func extFor(kind models.RecordKind) string {
	switch kind {
	case models.KindAudio:
		return ".m4a"
	case models.KindPhoto:
		return ".jpg"
	default:
		return ""
	}
}
