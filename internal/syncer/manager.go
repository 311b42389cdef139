package syncer

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"pairsync/internal/models"
)

// Factory builds a coordinator for a room once it is linked.
type Factory func(room *models.Room) (*Coordinator, error)

// Manager owns one background worker context per room. The product pairs a
// single room per device, but nothing here precludes more.
type Manager struct {
	factory Factory

	mu     sync.Mutex
	rooms  map[string]*session // by room id
	byCode map[string]string   // code -> room id
}

type session struct {
	coord  *Coordinator
	cancel context.CancelFunc
}

// NewManager creates a manager with the given coordinator factory.
func NewManager(factory Factory) *Manager {
	return &Manager{
		factory: factory,
		rooms:   make(map[string]*session),
		byCode:  make(map[string]string),
	}
}

// Start spins up (or returns) the sync worker for a room. Idempotent per
// room id.
func (m *Manager) Start(ctx context.Context, room *models.Room) (*Coordinator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.rooms[room.ID]; ok {
		return s.coord, nil
	}

	coord, err := m.factory(room)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.rooms[room.ID] = &session{coord: coord, cancel: cancel}
	m.byCode[room.Code] = room.ID

	go coord.Run(runCtx)
	log.Info().Str("room_id", room.ID).Str("code", room.Code).Msg("Sync worker started")

	return coord, nil
}

// ByCode returns the coordinator for a room code, if its worker is running.
func (m *Manager) ByCode(code string) (*Coordinator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCode[code]
	if !ok {
		return nil, false
	}
	s, ok := m.rooms[id]
	if !ok {
		return nil, false
	}
	return s.coord, true
}

// StopAll cancels every room worker. Used on shutdown; in-flight transfers
// finish or fail at the next record boundary.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.rooms {
		s.cancel()
		delete(m.rooms, id)
	}
	m.byCode = make(map[string]string)
}
