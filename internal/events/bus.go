// Package events carries state-transition notifications from the engine to
// the presentation layer. The core never assumes an observer pattern tied to
// a UI framework: subscribers get plain channels.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"pairsync/internal/models"
)

// Event types published on the bus.
const (
	TypeRecordState     = "record_state"
	TypeRoomLinked      = "room_linked"
	TypeRoomClaimFailed = "room_claim_failed"
)

// Event is a single notification.
type Event struct {
	Type      string           `json:"type"`
	Timestamp int64            `json:"timestamp"`
	RecordID  string           `json:"record_id,omitempty"`
	State     models.SyncState `json:"state,omitempty"`
	FailKind  string           `json:"fail_kind,omitempty"`
	RoomCode  string           `json:"room_code,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// Bus fans events out to subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called when the subscriber goes away.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber. A subscriber that cannot
// keep up loses the event rather than blocking the engine.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("type", ev.Type).Msg("Dropping event for slow subscriber")
		}
	}
}

// RecordState publishes a record state transition.
func (b *Bus) RecordState(recordID string, state models.SyncState, failKind string) {
	b.Publish(Event{
		Type:     TypeRecordState,
		RecordID: recordID,
		State:    state,
		FailKind: failKind,
	})
}

// RoomLinked publishes a successful claim.
func (b *Bus) RoomLinked(code string) {
	b.Publish(Event{Type: TypeRoomLinked, RoomCode: code})
}

// RoomClaimFailed publishes a failed claim with its reason.
func (b *Bus) RoomClaimFailed(code, reason string) {
	b.Publish(Event{Type: TypeRoomClaimFailed, RoomCode: code, Reason: reason})
}
