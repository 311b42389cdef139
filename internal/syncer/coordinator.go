// Package syncer brings the device-local record store and the shared remote
// store into agreement for one room, tolerating crashes and disconnects at
// any point. One background worker per room drives sync cycles (upload pass,
// then download pass) sequentially; within a pass individual transfers run
// with bounded parallelism.
package syncer

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"pairsync/internal/config"
	"pairsync/internal/events"
	"pairsync/internal/hashing"
	"pairsync/internal/localstore"
	"pairsync/internal/models"
	"pairsync/internal/remote"
	"pairsync/internal/syncerr"
)

// PartnerNotifier pokes the linked device after this one lands new records,
// so the partner runs a download pass promptly.
type PartnerNotifier interface {
	NotifyPartner(ctx context.Context, newRecords int)
}

// PassStats counts the outcome of one sync cycle.
type PassStats struct {
	Uploaded   int
	Deduped    int
	MetaPushed int
	Downloaded int
	Reconciled int
	Failed     int
}

// Coordinator orchestrates record movement for a single room.
type Coordinator struct {
	roomID   string
	local    *localstore.Store
	docs     remote.DocumentStore
	blobs    remote.BlobStore
	hasher   *hashing.Hasher
	bus      *events.Bus
	resolver Resolver
	cfg      config.SyncConfig
	mediaDir string
	notifier PartnerNotifier // nil disables partner pushes

	trigger chan struct{}
}

// New creates a coordinator for the given room.
func New(
	roomID string,
	local *localstore.Store,
	docs remote.DocumentStore,
	blobs remote.BlobStore,
	hasher *hashing.Hasher,
	bus *events.Bus,
	cfg config.SyncConfig,
	mediaDir string,
	notifier PartnerNotifier,
) *Coordinator {
	return &Coordinator{
		roomID:   roomID,
		local:    local,
		docs:     docs,
		blobs:    blobs,
		hasher:   hasher,
		bus:      bus,
		cfg:      cfg,
		mediaDir: mediaDir,
		notifier: notifier,
		trigger:  make(chan struct{}, 1),
	}
}

// CaptureRecord creates a LocalOnly record for a freshly captured file and
// queues it for upload. This is the intake called by the capture layer.
func (c *Coordinator) CaptureRecord(ctx context.Context, kind models.RecordKind, localPath string, capturedAt time.Time, week *int) (*models.MediaRecord, error) {
	now := time.Now().UTC()
	rec := &models.MediaRecord{
		ID:              uuid.New().String(),
		Kind:            kind,
		LocalPath:       localPath,
		CapturedAt:      capturedAt.UTC(),
		GestationalWeek: week,
		Visibility:      models.VisibilityShared,
		SyncState:       models.StateLocalOnly,
		LocalUpdatedAt:  now,
		CreatedAt:       now,
	}
	if err := c.local.InsertRecord(ctx, rec); err != nil {
		return nil, err
	}
	c.bus.RecordState(rec.ID, models.StateLocalOnly, "")

	if err := c.EnqueueUpload(ctx, rec.ID); err != nil {
		return nil, err
	}
	rec.SyncState = models.StatePendingUpload
	return rec, nil
}

// EnqueueUpload moves a LocalOnly or Failed record to PendingUpload.
// Records already pending, in flight, or synced are left alone.
func (c *Coordinator) EnqueueUpload(ctx context.Context, id string) error {
	rec, err := c.local.RecordByID(ctx, id)
	if err != nil {
		return err
	}
	if !rec.SyncState.Uploadable() {
		return nil
	}

	ok, err := c.local.TransitionState(ctx, id, rec.SyncState, models.StatePendingUpload)
	if err != nil {
		return err
	}
	if ok {
		c.bus.RecordState(id, models.StatePendingUpload, "")
	}
	return nil
}

// Retry requeues a Failed record after the user acknowledged the failure.
// Unlike the automatic requeue in enqueueEligible it ignores the failure
// kind, so quota and conflict pauses end here. Records in any other state
// are left alone.
func (c *Coordinator) Retry(ctx context.Context, id string) error {
	rec, err := c.local.RecordByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.SyncState != models.StateFailed {
		return nil
	}

	target := models.StatePendingUpload
	if _, err := os.Stat(rec.LocalPath); err != nil && rec.RemoteID != nil {
		target = models.StatePendingDownload
	}
	ok, err := c.local.TransitionState(ctx, id, models.StateFailed, target)
	if err != nil {
		return err
	}
	if ok {
		c.bus.RecordState(id, target, "")
	}
	return nil
}

// CurrentSyncState returns the record's sync state for UI display.
func (c *Coordinator) CurrentSyncState(ctx context.Context, id string) (models.SyncState, error) {
	rec, err := c.local.RecordByID(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.SyncState, nil
}

// TriggerSync requests a sync cycle. Triggers coalesce: one request during a
// running cycle schedules exactly one more.
func (c *Coordinator) TriggerSync() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run drives sync cycles until ctx is cancelled. Cycles start on explicit
// triggers and, when configured, on a periodic interval.
func (c *Coordinator) Run(ctx context.Context) {
	var tick <-chan time.Time
	if c.cfg.SyncInterval > 0 {
		ticker := time.NewTicker(c.cfg.SyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("room_id", c.roomID).Msg("Sync worker stopping")
			return
		case <-c.trigger:
		case <-tick:
		}

		stats, err := c.RunCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error().Err(err).Str("room_id", c.roomID).Msg("Sync cycle failed")
			continue
		}
		log.Info().
			Str("room_id", c.roomID).
			Int("uploaded", stats.Uploaded).
			Int("deduped", stats.Deduped).
			Int("downloaded", stats.Downloaded).
			Int("reconciled", stats.Reconciled).
			Int("failed", stats.Failed).
			Msg("Sync cycle complete")
	}
}

// RunCycle requeues retryable failures, then runs an upload pass followed by
// a download pass.
func (c *Coordinator) RunCycle(ctx context.Context) (PassStats, error) {
	var stats PassStats

	if err := c.enqueueEligible(ctx); err != nil {
		return stats, err
	}

	up, err := c.RunUploadPass(ctx)
	stats.Uploaded, stats.Deduped, stats.MetaPushed, stats.Failed = up.Uploaded, up.Deduped, up.MetaPushed, up.Failed
	if err != nil {
		return stats, err
	}

	if c.notifier != nil && stats.Uploaded+stats.Deduped > 0 {
		c.notifier.NotifyPartner(ctx, stats.Uploaded+stats.Deduped)
	}

	down, err := c.RunDownloadPass(ctx)
	stats.Downloaded, stats.Reconciled = down.Downloaded, down.Reconciled
	stats.Failed += down.Failed
	if err != nil {
		return stats, err
	}

	return stats, nil
}

// enqueueEligible queues LocalOnly records (captured before the room
// existed) and puts transiently failed records back in a pending state on
// an explicit trigger. Corrupt records are excluded for good (re-capture is
// the only way out) and quota failures stay paused until the user acts.
func (c *Coordinator) enqueueEligible(ctx context.Context) error {
	localOnly, err := c.local.ListByState(ctx, models.StateLocalOnly)
	if err != nil {
		return err
	}
	for _, rec := range localOnly {
		ok, err := c.local.TransitionState(ctx, rec.ID, models.StateLocalOnly, models.StatePendingUpload)
		if err != nil {
			return fmt.Errorf("failed to enqueue record %s: %w", rec.ID, err)
		}
		if ok {
			c.bus.RecordState(rec.ID, models.StatePendingUpload, "")
		}
	}

	failed, err := c.local.ListByState(ctx, models.StateFailed)
	if err != nil {
		return err
	}
	for _, rec := range failed {
		if rec.FailKind == nil || !syncerr.Kind(*rec.FailKind).Retryable() {
			continue
		}
		target := models.StatePendingUpload
		if _, err := os.Stat(rec.LocalPath); err != nil && rec.RemoteID != nil {
			// bytes not materialized yet: this failure came from a download
			target = models.StatePendingDownload
		}
		ok, err := c.local.TransitionState(ctx, rec.ID, models.StateFailed, target)
		if err != nil {
			return fmt.Errorf("failed to requeue record %s: %w", rec.ID, err)
		}
		if ok {
			c.bus.RecordState(rec.ID, target, "")
		}
	}
	return nil
}

// markFailed classifies err, records it on the record, and publishes the
// transition.
func (c *Coordinator) markFailed(ctx context.Context, id string, err error) {
	kind := syncerr.Classify(err)
	if storeErr := c.local.MarkFailed(ctx, id, kind, err.Error()); storeErr != nil {
		log.Error().Err(storeErr).Str("record_id", id).Msg("Failed to record failure state")
		return
	}
	c.bus.RecordState(id, models.StateFailed, string(kind))
}
