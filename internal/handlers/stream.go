package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"pairsync/internal/events"
	"pairsync/internal/middleware"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// companion API only listens on the device's loopback interface
		return true
	},
}

// StreamHandler pushes engine events (record state transitions, room
// linked/claim-failed) to the UI layer over a websocket.
type StreamHandler struct {
	bus    *events.Bus
	tokens *middleware.Tokens
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(bus *events.Bus, tokens *middleware.Tokens) *StreamHandler {
	return &StreamHandler{bus: bus, tokens: tokens}
}

// HandleWebSocket handles GET /ws?token=
func (h *StreamHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		respondError(w, "token required", http.StatusUnauthorized)
		return
	}
	identityID, err := h.tokens.Validate(tokenString)
	if err != nil {
		respondError(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	sub, cancel := h.bus.Subscribe()
	defer cancel()

	log.Info().Str("identity_id", identityID).Msg("Event stream connected")

	// reader goroutine notices the peer going away
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			log.Info().Str("identity_id", identityID).Msg("Event stream disconnected")
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				log.Warn().Err(err).Str("identity_id", identityID).Msg("Failed to write event")
				return
			}
		}
	}
}
