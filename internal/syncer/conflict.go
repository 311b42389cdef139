package syncer

import "time"

// Winner says which side of a metadata divergence to keep.
type Winner int

const (
	// RemoteWins keeps the remote document's shared fields.
	RemoteWins Winner = iota
	// LocalWins pushes the local pending edit on the next pass.
	LocalWins
)

// Resolver arbitrates divergent shared metadata (visibility,
// gestational week) edited independently on both devices between syncs.
// Blob content is immutable once uploaded, so only metadata can diverge.
type Resolver struct{}

// Resolve applies last-writer-wins by timestamp. Exact ties favor the
// remote value: the remote store is the convergence point both devices
// read from.
func (Resolver) Resolve(localUpdatedAt, remoteUpdatedAt time.Time) Winner {
	if localUpdatedAt.After(remoteUpdatedAt) {
		return LocalWins
	}
	return RemoteWins
}
