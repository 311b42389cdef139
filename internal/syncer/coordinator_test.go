package syncer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairsync/internal/config"
	"pairsync/internal/events"
	"pairsync/internal/hashing"
	"pairsync/internal/localstore"
	"pairsync/internal/models"
	"pairsync/internal/remote"
	"pairsync/internal/syncerr"
)

const testRoomID = "room-1"

type device struct {
	coord *Coordinator
	local *localstore.Store
	dir   string
}

// newDevice wires a coordinator around a fresh local store, sharing the given
// remote stores. Two devices with the same docs and blobs behave like two
// phones paired into one room.
func newDevice(t *testing.T, docs remote.DocumentStore, blobs remote.BlobStore) *device {
	t.Helper()
	local, err := localstore.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	cfg := config.SyncConfig{
		Parallelism: 2,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	}
	dir := t.TempDir()
	coord := New(testRoomID, local, docs, blobs, hashing.New(), events.NewBus(), cfg, dir, nil)
	return &device{coord: coord, local: local, dir: dir}
}

// capture writes content to a file in the device's media dir and records it.
func (d *device) capture(t *testing.T, name string, content []byte) *models.MediaRecord {
	t.Helper()
	path := filepath.Join(d.dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	rec, err := d.coord.CaptureRecord(context.Background(), models.KindPhoto, path, time.Now(), nil)
	require.NoError(t, err)
	return rec
}

func TestRunCycle_CaptureToSynced(t *testing.T) {
	docs := remote.NewMemoryDocuments()
	blobs := remote.NewMemoryBlobs()
	dev := newDevice(t, docs, blobs)
	ctx := context.Background()

	content := []byte("first ultrasound")
	rec := dev.capture(t, "photo.jpg", content)
	assert.Equal(t, models.StatePendingUpload, rec.SyncState)

	stats, err := dev.coord.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Uploaded)
	assert.Equal(t, 0, stats.Failed)

	got, err := dev.local.RecordByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateSynced, got.SyncState)
	require.NotNil(t, got.ContentHash)
	assert.Equal(t, hashing.HashBytes(content), *got.ContentHash)
	require.NotNil(t, got.RemoteID)
	assert.Equal(t, rec.ID, *got.RemoteID)
	require.NotNil(t, got.RemoteBlobURL)

	doc, err := docs.RecordByID(ctx, testRoomID, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, *got.ContentHash, doc.ContentHash)
	assert.Equal(t, 1, blobs.Len())
}

func TestRunCycle_Idempotent(t *testing.T) {
	docs := remote.NewMemoryDocuments()
	blobs := remote.NewMemoryBlobs()
	dev := newDevice(t, docs, blobs)
	ctx := context.Background()

	dev.capture(t, "photo.jpg", []byte("bytes"))
	_, err := dev.coord.RunCycle(ctx)
	require.NoError(t, err)

	putsAfterFirst := docs.PutCount
	stats, err := dev.coord.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, PassStats{}, stats, "a second cycle with nothing new must be a no-op")
	assert.Equal(t, putsAfterFirst, docs.PutCount, "no duplicate remote writes")
	assert.Equal(t, 1, blobs.UploadCount)
}

func TestRunCycle_DedupAcrossDevices(t *testing.T) {
	docs := remote.NewMemoryDocuments()
	blobs := remote.NewMemoryBlobs()
	devA := newDevice(t, docs, blobs)
	devB := newDevice(t, docs, blobs)
	ctx := context.Background()

	content := []byte("same bytes captured twice")
	recA := devA.capture(t, "a.jpg", content)
	recB := devB.capture(t, "b.jpg", content)

	_, err := devA.coord.RunCycle(ctx)
	require.NoError(t, err)

	stats, err := devB.coord.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Uploaded)
	assert.Equal(t, 1, stats.Deduped)

	// B's record links A's remote document instead of writing a second blob
	gotB, err := devB.local.RecordByID(ctx, recB.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateSynced, gotB.SyncState)
	require.NotNil(t, gotB.RemoteID)
	assert.Equal(t, recA.ID, *gotB.RemoteID)

	assert.Equal(t, 1, blobs.Len())
	assert.Equal(t, 1, blobs.UploadCount)

	// B's download pass must not re-materialize the document its own record
	// already links to
	_, total, err := devB.local.ListRecords(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestRunCycle_TransientFailureRetriedInPass(t *testing.T) {
	docs := remote.NewMemoryDocuments()
	blobs := remote.NewMemoryBlobs()
	blobs.FailNext = 1
	blobs.FailWith = errors.New("connection reset by peer")
	dev := newDevice(t, docs, blobs)
	ctx := context.Background()

	rec := dev.capture(t, "photo.jpg", []byte("flaky network"))

	stats, err := dev.coord.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Uploaded)
	assert.Equal(t, 0, stats.Failed)

	got, err := dev.local.RecordByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateSynced, got.SyncState)
}

func TestRunCycle_ExhaustedRetriesThenConverges(t *testing.T) {
	docs := remote.NewMemoryDocuments()
	blobs := remote.NewMemoryBlobs()
	blobs.FailNext = 10
	blobs.FailWith = errors.New("i/o timeout")
	dev := newDevice(t, docs, blobs)
	ctx := context.Background()

	rec := dev.capture(t, "photo.jpg", []byte("eventually"))

	stats, err := dev.coord.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	got, err := dev.local.RecordByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.SyncState)
	require.NotNil(t, got.FailKind)
	assert.Equal(t, string(syncerr.KindTransient), *got.FailKind)
	assert.Positive(t, got.Attempts)

	// network back: the next cycle requeues the transient failure and lands it
	blobs.FailNext = 0
	stats, err = dev.coord.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Uploaded)

	got, err = dev.local.RecordByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateSynced, got.SyncState)
	assert.Nil(t, got.FailKind)
}

func TestRunCycle_QuotaFailurePausedUntilRetry(t *testing.T) {
	docs := remote.NewMemoryDocuments()
	blobs := remote.NewMemoryBlobs()
	blobs.FailNext = 10
	blobs.FailWith = &smithy.GenericAPIError{Code: "SlowDown", Message: "Please reduce your request rate."}
	dev := newDevice(t, docs, blobs)
	ctx := context.Background()

	rec := dev.capture(t, "photo.jpg", []byte("bucket says no"))

	stats, err := dev.coord.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	got, err := dev.local.RecordByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.SyncState)
	require.NotNil(t, got.FailKind)
	assert.Equal(t, string(syncerr.KindQuotaOrStorage), *got.FailKind)
	assert.Equal(t, 9, blobs.FailNext, "quota pushback must not be hammered with in-pass retries")

	// further cycles leave the record paused rather than requeueing it
	stats, err = dev.coord.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassStats{}, stats)

	got, err = dev.local.RecordByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.SyncState)

	// the user acknowledges the failure and asks for another go
	blobs.FailNext = 0
	require.NoError(t, dev.coord.Retry(ctx, rec.ID))

	stats, err = dev.coord.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Uploaded)

	got, err = dev.local.RecordByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateSynced, got.SyncState)
}

func TestRunCycle_MissingFileIsCorruptAndStaysFailed(t *testing.T) {
	docs := remote.NewMemoryDocuments()
	blobs := remote.NewMemoryBlobs()
	dev := newDevice(t, docs, blobs)
	ctx := context.Background()

	rec := dev.capture(t, "photo.jpg", []byte("doomed"))
	require.NoError(t, os.Remove(rec.LocalPath))

	stats, err := dev.coord.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	got, err := dev.local.RecordByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.SyncState)
	require.NotNil(t, got.FailKind)
	assert.Equal(t, string(syncerr.KindCorrupt), *got.FailKind)

	// corrupt records are excluded from auto-retry for good
	stats, err = dev.coord.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Failed)
	got, err = dev.local.RecordByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.SyncState)
	assert.Equal(t, 0, docs.PutCount)
}

func TestRunCycle_HashMismatchIsConflict(t *testing.T) {
	docs := remote.NewMemoryDocuments()
	blobs := remote.NewMemoryBlobs()
	dev := newDevice(t, docs, blobs)
	ctx := context.Background()

	rec := dev.capture(t, "photo.jpg", []byte("local bytes"))

	// the same id already exists remotely with different content
	_, err := docs.PutRecord(ctx, &models.RemoteRecord{
		ID:          rec.ID,
		RoomID:      testRoomID,
		Kind:        models.KindPhoto,
		ContentHash: hashing.HashBytes([]byte("other bytes")),
		CapturedAt:  rec.CapturedAt,
		Visibility:  models.VisibilityShared,
	})
	require.NoError(t, err)

	stats, err := dev.coord.RunUploadPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	got, err := dev.local.RecordByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.SyncState)
	require.NotNil(t, got.FailKind)
	assert.Equal(t, string(syncerr.KindConflict), *got.FailKind)
	assert.Equal(t, 0, blobs.UploadCount, "conflicting bytes are never uploaded")
}

// seedRemote plants a record document plus its blob, as if the partner device
// had uploaded it.
func seedRemote(t *testing.T, docs *remote.MemoryDocuments, blobs *remote.MemoryBlobs, id string, content []byte) *models.RemoteRecord {
	t.Helper()
	ctx := context.Background()
	hash := hashing.HashBytes(content)
	key := remote.BlobKey(testRoomID, hash)
	url, err := blobs.Upload(ctx, key, bytes.NewReader(content), "image/jpeg")
	require.NoError(t, err)

	doc := &models.RemoteRecord{
		ID:          id,
		RoomID:      testRoomID,
		Kind:        models.KindPhoto,
		ContentHash: hash,
		CapturedAt:  time.Now().UTC(),
		Visibility:  models.VisibilityShared,
		BlobPath:    key,
		BlobURL:     url,
	}
	updated, err := docs.PutRecord(ctx, doc)
	require.NoError(t, err)
	doc.UpdatedAt = updated
	return doc
}

func TestDownloadPass_MaterializesRemoteRecord(t *testing.T) {
	docs := remote.NewMemoryDocuments()
	blobs := remote.NewMemoryBlobs()
	dev := newDevice(t, docs, blobs)
	ctx := context.Background()

	content := []byte("partner's photo")
	doc := seedRemote(t, docs, blobs, "partner-rec", content)

	stats, err := dev.coord.RunDownloadPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Downloaded)

	got, err := dev.local.RecordByID(ctx, "partner-rec")
	require.NoError(t, err)
	assert.Equal(t, models.StateSynced, got.SyncState)
	require.NotNil(t, got.RemoteID)
	assert.Equal(t, doc.ID, *got.RemoteID)

	onDisk, err := os.ReadFile(got.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, content, onDisk)

	wm, err := dev.local.Watermark(ctx, testRoomID)
	require.NoError(t, err)
	assert.WithinDuration(t, doc.UpdatedAt, wm, time.Second)

	// replaying the pass is a no-op
	stats, err = dev.coord.RunDownloadPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassStats{}, stats)
}

func TestDownloadPass_WatermarkHeldOnFailure(t *testing.T) {
	docs := remote.NewMemoryDocuments()
	blobs := remote.NewMemoryBlobs()
	dev := newDevice(t, docs, blobs)
	ctx := context.Background()

	seedRemote(t, docs, blobs, "partner-rec", []byte("late bytes"))
	blobs.FailNext = 10
	blobs.FailWith = errors.New("i/o timeout")

	stats, err := dev.coord.RunDownloadPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Downloaded)

	wm, err := dev.local.Watermark(ctx, testRoomID)
	require.NoError(t, err)
	assert.True(t, wm.IsZero(), "watermark must not advance past an unfetched record")

	got, err := dev.local.RecordByID(ctx, "partner-rec")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.SyncState)

	// blob store recovers; the full cycle requeues the stub and converges
	blobs.FailNext = 0
	cstats, err := dev.coord.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cstats.Downloaded)

	wm, err = dev.local.Watermark(ctx, testRoomID)
	require.NoError(t, err)
	assert.False(t, wm.IsZero())
}

func TestDownloadPass_VerifiesDigest(t *testing.T) {
	docs := remote.NewMemoryDocuments()
	blobs := remote.NewMemoryBlobs()
	dev := newDevice(t, docs, blobs)
	ctx := context.Background()

	// the document advertises a digest the stored blob does not match
	content := []byte("actual bytes")
	hash := hashing.HashBytes([]byte("advertised bytes"))
	key := remote.BlobKey(testRoomID, hash)
	_, err := blobs.Upload(ctx, key, bytes.NewReader(content), "image/jpeg")
	require.NoError(t, err)
	_, err = docs.PutRecord(ctx, &models.RemoteRecord{
		ID:          "bad-rec",
		RoomID:      testRoomID,
		Kind:        models.KindPhoto,
		ContentHash: hash,
		CapturedAt:  time.Now().UTC(),
		Visibility:  models.VisibilityShared,
		BlobPath:    key,
	})
	require.NoError(t, err)

	stats, err := dev.coord.RunDownloadPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	got, err := dev.local.RecordByID(ctx, "bad-rec")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.SyncState)
	_, statErr := os.Stat(got.LocalPath)
	assert.True(t, os.IsNotExist(statErr), "a corrupt transfer must never land at the record path")
}

func TestMetaEdit_LocalNewerWins(t *testing.T) {
	docs := remote.NewMemoryDocuments()
	blobs := remote.NewMemoryBlobs()
	dev := newDevice(t, docs, blobs)
	ctx := context.Background()

	// pin the remote clock in the past so the local edit is strictly newer
	past := time.Now().Add(-time.Hour).UTC()
	docs.SetClock(func() time.Time { return past })

	rec := dev.capture(t, "photo.jpg", []byte("meta subject"))
	_, err := dev.coord.RunCycle(ctx)
	require.NoError(t, err)

	require.NoError(t, dev.local.UpdateSharedMeta(ctx, rec.ID, models.VisibilityPrivate, nil))

	stats, err := dev.coord.RunUploadPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MetaPushed)

	doc, err := docs.RecordByID(ctx, testRoomID, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, models.VisibilityPrivate, doc.Visibility)

	got, err := dev.local.RecordByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, got.MetaDirty)
}

func TestMetaEdit_RemoteNewerWins(t *testing.T) {
	docs := remote.NewMemoryDocuments()
	blobs := remote.NewMemoryBlobs()
	dev := newDevice(t, docs, blobs)
	ctx := context.Background()

	rec := dev.capture(t, "photo.jpg", []byte("meta subject"))
	_, err := dev.coord.RunCycle(ctx)
	require.NoError(t, err)

	// local edit now, partner edit an hour from now
	require.NoError(t, dev.local.UpdateSharedMeta(ctx, rec.ID, models.VisibilityPrivate, nil))

	future := time.Now().Add(time.Hour).UTC()
	docs.SetClock(func() time.Time { return future })
	week := 30
	doc, err := docs.RecordByID(ctx, testRoomID, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, doc)
	doc.Visibility = models.VisibilityShared
	doc.GestationalWeek = &week
	_, err = docs.PutRecord(ctx, doc)
	require.NoError(t, err)

	stats, err := dev.coord.RunUploadPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.MetaPushed)

	// the newer remote edit replaced the local one
	got, err := dev.local.RecordByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VisibilityShared, got.Visibility)
	require.NotNil(t, got.GestationalWeek)
	assert.Equal(t, week, *got.GestationalWeek)
	assert.False(t, got.MetaDirty)
}

func TestEnqueueUpload_LeavesSyncedAlone(t *testing.T) {
	docs := remote.NewMemoryDocuments()
	blobs := remote.NewMemoryBlobs()
	dev := newDevice(t, docs, blobs)
	ctx := context.Background()

	rec := dev.capture(t, "photo.jpg", []byte("done"))
	_, err := dev.coord.RunCycle(ctx)
	require.NoError(t, err)

	require.NoError(t, dev.coord.EnqueueUpload(ctx, rec.ID))

	state, err := dev.coord.CurrentSyncState(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateSynced, state)
}

func TestTriggerSync_Coalesces(t *testing.T) {
	docs := remote.NewMemoryDocuments()
	blobs := remote.NewMemoryBlobs()
	dev := newDevice(t, docs, blobs)

	for i := 0; i < 5; i++ {
		dev.coord.TriggerSync()
	}
	assert.Len(t, dev.coord.trigger, 1, "pending triggers coalesce into one")
}

type countingNotifier struct {
	calls   int
	records int
}

func (n *countingNotifier) NotifyPartner(_ context.Context, newRecords int) {
	n.calls++
	n.records += newRecords
}

func TestRunCycle_NotifiesPartnerAfterUpload(t *testing.T) {
	docs := remote.NewMemoryDocuments()
	blobs := remote.NewMemoryBlobs()
	dev := newDevice(t, docs, blobs)
	notifier := &countingNotifier{}
	dev.coord.notifier = notifier
	ctx := context.Background()

	dev.capture(t, "a.jpg", []byte("one"))
	dev.capture(t, "b.jpg", []byte("two"))

	_, err := dev.coord.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, notifier.calls)
	assert.Equal(t, 2, notifier.records)

	// nothing new, nothing pushed
	_, err = dev.coord.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, notifier.calls)
}
