// Package delivery advances message status through the
// sent → delivered → read state machine and flushes queued envelopes when
// a recipient comes online.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/saitejad/mtpchat/internal/envelope"
	"github.com/saitejad/mtpchat/internal/models"
	"github.com/saitejad/mtpchat/internal/repositories"
	"go.uber.org/zap"
)

var (
	ErrMessageNotFound   = errors.New("message not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Emitter pushes an event to every live connection of one user. The
// websocket hub implements it; tests capture events in memory. Emitting to
// a user with no connections is a no-op.
type Emitter interface {
	EmitToUser(userID int64, event string, payload any)
}

// ReceiveMessage is the payload of a receive_message event.
type ReceiveMessage struct {
	ID        int64                `json:"id"`
	From      int64                `json:"from"`
	To        int64                `json:"to"`
	Text      string               `json:"text"`
	ChatMode  models.ChatMode      `json:"chat_mode"`
	Timestamp string               `json:"timestamp"`
	Status    models.MessageStatus `json:"status"`
}

// StatusUpdate is the payload of a message_status event, fanned out to the
// sender's connections only.
type StatusUpdate struct {
	MessageID int64                `json:"message_id"`
	Status    models.MessageStatus `json:"status"`
}

type StateMachine struct {
	messages repositories.MessageRepository
	keys     envelope.KeyResolver
	codec    *envelope.Codec
	emitter  Emitter
	logger   *zap.Logger
}

func NewStateMachine(
	messages repositories.MessageRepository,
	keys envelope.KeyResolver,
	codec *envelope.Codec,
	emitter Emitter,
	logger *zap.Logger,
) *StateMachine {
	return &StateMachine{
		messages: messages,
		keys:     keys,
		codec:    codec,
		emitter:  emitter,
		logger:   logger,
	}
}

// FlushPending delivers every envelope still queued for a user who just
// came online. The store's conditional claim makes this idempotent: an
// envelope transitions sent → delivered at most once no matter how many
// reconnects race. One envelope failing to decrypt never blocks the rest.
func (m *StateMachine) FlushPending(ctx context.Context, userID int64) error {
	claimed, err := m.messages.ClaimPending(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to claim pending messages: %w", err)
	}

	for _, msg := range claimed {
		text, err := m.renderText(ctx, msg)
		if err != nil {
			// Keep the envelope record intact for audit; the claim stands.
			m.logger.Warn("undeliverable envelope",
				zap.Int64("message_id", msg.ID),
				zap.Error(err))
			continue
		}

		m.emitter.EmitToUser(msg.ReceiverID, "receive_message", ReceiveMessage{
			ID:        msg.ID,
			From:      msg.SenderID,
			To:        msg.ReceiverID,
			Text:      text,
			ChatMode:  msg.ChatMode,
			Timestamp: msg.Timestamp.Format(time.RFC3339),
			Status:    models.StatusDelivered,
		})
		m.emitter.EmitToUser(msg.SenderID, "message_status", StatusUpdate{
			MessageID: msg.ID,
			Status:    models.StatusDelivered,
		})
	}
	return nil
}

// renderText produces what the recipient's client should see: the
// decrypted payload for cloud mode, the stored bytes untouched for secret
// mode.
func (m *StateMachine) renderText(ctx context.Context, msg *models.Message) (string, error) {
	if msg.ChatMode == models.ModeSecret {
		return string(msg.EncryptedPayload), nil
	}
	payload, err := m.codec.Open(ctx, msg, m.keys)
	if err != nil {
		return "", err
	}
	return payload.Text, nil
}

// Acknowledge applies a receiver-driven transition to delivered or read.
// Regressions are silent no-ops; a real advance is mirrored to the
// sender's live connections only.
func (m *StateMachine) Acknowledge(ctx context.Context, messageID int64, status models.MessageStatus) error {
	if status != models.StatusDelivered && status != models.StatusRead {
		return fmt.Errorf("%w: %s", ErrInvalidTransition, status)
	}

	msg, err := m.messages.GetByID(ctx, messageID)
	if errors.Is(err, repositories.ErrNotFound) {
		return ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load message: %w", err)
	}

	changed, err := m.messages.UpdateStatus(ctx, messageID, status)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if changed {
		m.emitter.EmitToUser(msg.SenderID, "message_status", StatusUpdate{
			MessageID: messageID,
			Status:    status,
		})
	}
	return nil
}

// Fail marks a send-time error reported for an envelope. Only an
// envelope still in sent can fail; once delivery happened the report is
// stale and ignored. A real transition is mirrored to the sender.
func (m *StateMachine) Fail(ctx context.Context, messageID int64) error {
	msg, err := m.messages.GetByID(ctx, messageID)
	if errors.Is(err, repositories.ErrNotFound) {
		return ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load message: %w", err)
	}

	changed, err := m.messages.UpdateStatus(ctx, messageID, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to mark message failed: %w", err)
	}
	if changed {
		m.logger.Warn("message failed",
			zap.Int64("message_id", messageID),
			zap.Int64("sender_id", msg.SenderID))
		m.emitter.EmitToUser(msg.SenderID, "message_status", StatusUpdate{
			MessageID: messageID,
			Status:    models.StatusFailed,
		})
	}
	return nil
}
