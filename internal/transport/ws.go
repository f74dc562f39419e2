package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/saitejad/mtpchat/internal/delivery"
	"github.com/saitejad/mtpchat/internal/models"
	"github.com/saitejad/mtpchat/internal/presence"
	"github.com/saitejad/mtpchat/internal/repositories"
	"github.com/saitejad/mtpchat/internal/services"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

type joinEvent struct {
	UserID int64 `json:"user_id"`
}

type exchangeKeyEvent struct {
	SenderID   int64  `json:"sender_id"`
	ReceiverID int64  `json:"receiver_id"`
	PublicKey  string `json:"public_key"`
}

type sendMessageEvent struct {
	SenderID   int64           `json:"sender_id"`
	ReceiverID int64           `json:"receiver_id"`
	Text       string          `json:"text"`
	ChatMode   models.ChatMode `json:"chat_mode"`
}

type markReadEvent struct {
	MessageID int64 `json:"message_id"`
}

type statusEvent struct {
	MessageID int64                `json:"message_id"`
	Status    models.MessageStatus `json:"status"`
}

type typingEvent struct {
	From     int64  `json:"from"`
	To       int64  `json:"to"`
	Username string `json:"username,omitempty"`
}

type errorEvent struct {
	Message string `json:"message"`
}

// WSServer upgrades connections and dispatches the realtime events: join,
// exchange_public_key, send_message, mark_read, message_status, typing.
// Presence transitions happen through the tracker; delivery flushes are
// wired to the tracker's callbacks, not here.
type WSServer struct {
	hub      *Hub
	tracker  *presence.Tracker
	messages *services.MessageService
	delivery *delivery.StateMachine
	users    repositories.UserRepository
	logger   *zap.Logger

	upgrader websocket.Upgrader
}

func NewWSServer(
	hub *Hub,
	tracker *presence.Tracker,
	messages *services.MessageService,
	sm *delivery.StateMachine,
	users repositories.UserRepository,
	logger *zap.Logger,
) *WSServer {
	return &WSServer{
		hub:      hub,
		tracker:  tracker,
		messages: messages,
		delivery: sm,
		users:    users,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	s.hub.register(c)

	go s.writePump(c)
	s.readPump(r.Context(), c)
}

func (s *WSServer) readPump(ctx context.Context, c *client) {
	defer s.disconnect(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var event Event
		if err := json.Unmarshal(frame, &event); err != nil {
			s.hub.emitTo(c, "error", errorEvent{Message: "malformed event"})
			continue
		}
		s.dispatch(ctx, c, event)
	}
}

func (s *WSServer) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound event. Handler failures become error events
// on the offending connection; they never tear down the loop.
func (s *WSServer) dispatch(ctx context.Context, c *client, event Event) {
	switch event.Event {
	case "join":
		var data joinEvent
		if err := json.Unmarshal(event.Data, &data); err != nil || data.UserID == 0 {
			s.hub.emitTo(c, "error", errorEvent{Message: "invalid join"})
			return
		}
		s.hub.bind(c, data.UserID)
		s.tracker.Join(data.UserID, c.id)

	case "exchange_public_key":
		var data exchangeKeyEvent
		if err := json.Unmarshal(event.Data, &data); err != nil {
			s.hub.emitTo(c, "error", errorEvent{Message: "invalid key exchange event"})
			return
		}
		// Opaque relay: the blob means nothing to the server.
		s.hub.EmitToUser(data.ReceiverID, "receive_public_key", data)

	case "send_message":
		var data sendMessageEvent
		if err := json.Unmarshal(event.Data, &data); err != nil {
			s.hub.emitTo(c, "error", errorEvent{Message: "invalid message event"})
			return
		}
		if _, err := s.messages.Send(ctx, data.SenderID, data.ReceiverID, data.Text, data.ChatMode); err != nil {
			s.hub.emitTo(c, "error", errorEvent{Message: publicError(err)})
		}

	case "mark_read":
		var data markReadEvent
		if err := json.Unmarshal(event.Data, &data); err != nil {
			s.hub.emitTo(c, "error", errorEvent{Message: "invalid mark_read event"})
			return
		}
		if err := s.delivery.Acknowledge(ctx, data.MessageID, models.StatusRead); err != nil {
			s.hub.emitTo(c, "error", errorEvent{Message: publicError(err)})
		}

	case "message_status":
		var data statusEvent
		if err := json.Unmarshal(event.Data, &data); err != nil {
			s.hub.emitTo(c, "error", errorEvent{Message: "invalid status event"})
			return
		}
		// A client reporting its own send as failed goes through Fail;
		// everything else is a receiver acknowledgement.
		var err error
		if data.Status == models.StatusFailed {
			err = s.delivery.Fail(ctx, data.MessageID)
		} else {
			err = s.delivery.Acknowledge(ctx, data.MessageID, data.Status)
		}
		if err != nil {
			s.hub.emitTo(c, "error", errorEvent{Message: publicError(err)})
		}

	case "typing":
		var data typingEvent
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return
		}
		if user, err := s.users.GetByID(ctx, data.From); err == nil {
			data.Username = user.DisplayName()
		}
		s.hub.EmitToUser(data.To, "typing", data)

	default:
		s.hub.emitTo(c, "error", errorEvent{Message: "unknown event: " + event.Event})
	}
}

// disconnect tears the connection down. The hub owns closing the send
// channel; closing it here would race in-flight emits.
func (s *WSServer) disconnect(c *client) {
	s.hub.remove(c)
	s.tracker.Leave(c.id)
}

// publicError maps internal failures to messages safe to hand a client.
func publicError(err error) string {
	switch {
	case errors.Is(err, services.ErrUserNotFound):
		return "user not found"
	case errors.Is(err, services.ErrUnsupportedChatMode):
		return "unsupported chat mode"
	case errors.Is(err, services.ErrNoSession):
		return "no encryption session; complete a key exchange first"
	case errors.Is(err, delivery.ErrMessageNotFound):
		return "message not found"
	case errors.Is(err, delivery.ErrInvalidTransition):
		return "invalid status"
	default:
		return "internal error"
	}
}
