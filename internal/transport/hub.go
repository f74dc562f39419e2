// Package transport carries the realtime event surface (websocket) and the
// HTTP API in front of the services.
package transport

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event is the wire frame for every realtime message, both directions.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type outEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

const sendBuffer = 32

type client struct {
	id     uuid.UUID
	userID int64 // 0 until the connection joins
	conn   *websocket.Conn
	send   chan []byte
}

// Hub tracks live websocket connections and routes events to all of a
// user's connections. It implements delivery.Emitter.
type Hub struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*client
	byUser map[int64]map[uuid.UUID]*client
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		byID:   make(map[uuid.UUID]*client),
		byUser: make(map[int64]map[uuid.UUID]*client),
		logger: logger,
	}
}

// EmitToUser sends one event to every live connection of a user. No
// connections means no work; a connection that cannot keep up has the
// event dropped rather than blocking the caller.
//
// Sends happen under the hub mutex. They are non-blocking, and holding
// the lock is what keeps an emit from racing remove's channel close.
func (h *Hub) EmitToUser(userID int64, event string, payload any) {
	frame, err := json.Marshal(outEvent{Event: event, Data: payload})
	if err != nil {
		h.logger.Error("failed to marshal event", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.byUser[userID] {
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("dropping event for slow connection",
				zap.String("event", event),
				zap.Int64("user_id", userID))
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.byID[c.id] = c
	h.mu.Unlock()
}

// bind associates a connection with a user after a join event. Rebinding
// the same pair is harmless.
func (h *Hub) bind(c *client, userID int64) {
	h.mu.Lock()
	c.userID = userID
	set, ok := h.byUser[userID]
	if !ok {
		set = make(map[uuid.UUID]*client)
		h.byUser[userID] = set
	}
	set[c.id] = c
	h.mu.Unlock()
}

// remove drops the connection and closes its send channel. The close
// happens under the mutex so no emit can be mid-send on the channel;
// writePump drains what is buffered and exits.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.byID[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.byID, c.id)
	if set, ok := h.byUser[c.userID]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(h.byUser, c.userID)
		}
	}
	close(c.send)
	h.mu.Unlock()
}

// emitTo targets a single connection, used for per-connection error
// payloads. A connection already removed is skipped.
func (h *Hub) emitTo(c *client, event string, payload any) {
	frame, err := json.Marshal(outEvent{Event: event, Data: payload})
	if err != nil {
		h.logger.Error("failed to marshal event", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byID[c.id]; !ok {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}
