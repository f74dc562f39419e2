package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/saitejad/mtpchat/internal/delivery"
	"github.com/saitejad/mtpchat/internal/envelope"
	"github.com/saitejad/mtpchat/internal/models"
	"github.com/saitejad/mtpchat/internal/repositories"
	"go.uber.org/zap"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrUnsupportedChatMode = errors.New("unsupported chat mode")

	// ErrNoSession means the sender has not completed a handshake (or an
	// explicit ephemeral provision). The implicit provision-on-send the
	// source did is gone on purpose.
	ErrNoSession = errors.New("sender has no auth key session")
)

// MessageView is what clients see: routing, decrypted (or opaque) text and
// status. Error carries the opaque failure marker for envelopes that could
// not be opened; the stored record stays intact.
type MessageView struct {
	ID        int64                `json:"id"`
	From      int64                `json:"from"`
	To        int64                `json:"to"`
	Text      string               `json:"text"`
	ChatMode  models.ChatMode      `json:"chat_mode"`
	Timestamp string               `json:"timestamp"`
	Status    models.MessageStatus `json:"status"`
	Error     string               `json:"error,omitempty"`
}

type Contact struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type MessageService struct {
	users    repositories.UserRepository
	messages repositories.MessageRepository
	keys     repositories.SessionKeyStore
	codec    *envelope.Codec
	emitter  delivery.Emitter
	logger   *zap.Logger
}

func NewMessageService(
	users repositories.UserRepository,
	messages repositories.MessageRepository,
	keys repositories.SessionKeyStore,
	codec *envelope.Codec,
	emitter delivery.Emitter,
	logger *zap.Logger,
) *MessageService {
	return &MessageService{
		users:    users,
		messages: messages,
		keys:     keys,
		codec:    codec,
		emitter:  emitter,
		logger:   logger,
	}
}

// Send validates the participants, packages the text according to the chat
// mode, persists the envelope and pushes it to whichever side is
// listening. Validation failures abort before anything is written, so no
// orphaned records.
func (s *MessageService) Send(ctx context.Context, senderID, receiverID int64, text string, mode models.ChatMode) (*models.Message, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChatMode, mode)
	}

	sender, err := s.lookupUser(ctx, senderID)
	if err != nil {
		return nil, err
	}
	if _, err := s.lookupUser(ctx, receiverID); err != nil {
		return nil, err
	}

	var msg *models.Message
	switch mode {
	case models.ModeCloud:
		session, err := s.keys.GetByUser(ctx, senderID)
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrNoSession
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		msg, err = s.codec.Seal(session, text, senderID, receiverID)
		if err != nil {
			return nil, err
		}

	case models.ModeSecret:
		// Server never touches the bytes: what the client sent is what is
		// stored and relayed.
		msg = &models.Message{
			SenderID:          senderID,
			ReceiverID:        receiverID,
			ChatMode:          models.ModeSecret,
			EncryptedPayload:  []byte(text),
			AuthKeyID:         models.SecretAuthKeyID,
			MsgID:             fmt.Sprintf("%d", time.Now().UnixMilli()),
			Status:            models.StatusSent,
			VisibleToSender:   true,
			VisibleToReceiver: true,
			Timestamp:         time.Now(),
		}
	}

	if err := s.messages.Append(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}

	s.logger.Info("message sent",
		zap.Int64("message_id", msg.ID),
		zap.Int64("sender_id", senderID),
		zap.Int64("receiver_id", receiverID),
		zap.String("chat_mode", string(mode)),
		zap.String("display_name", sender.DisplayName()))

	s.emitter.EmitToUser(receiverID, "receive_message", delivery.ReceiveMessage{
		ID:        msg.ID,
		From:      senderID,
		To:        receiverID,
		Text:      text,
		ChatMode:  mode,
		Timestamp: msg.Timestamp.Format(time.RFC3339),
		Status:    msg.Status,
	})
	s.emitter.EmitToUser(senderID, "message_status", delivery.StatusUpdate{
		MessageID: msg.ID,
		Status:    models.StatusSent,
	})
	return msg, nil
}

// History returns every message the user can still see, decrypting cloud
// envelopes and passing secret ones through opaque. A message that fails
// to open is returned with an error marker instead of text; one bad
// envelope never hides the rest.
func (s *MessageService) History(ctx context.Context, userID int64) ([]MessageView, error) {
	if _, err := s.lookupUser(ctx, userID); err != nil {
		return nil, err
	}

	messages, err := s.messages.History(ctx, userID)
	if err != nil {
		return nil, err
	}

	views := make([]MessageView, 0, len(messages))
	for _, msg := range messages {
		if !msg.VisibleTo(userID) {
			continue
		}
		view := MessageView{
			ID:        msg.ID,
			From:      msg.SenderID,
			To:        msg.ReceiverID,
			ChatMode:  msg.ChatMode,
			Timestamp: msg.Timestamp.Format(time.RFC3339),
			Status:    msg.Status,
		}
		switch msg.ChatMode {
		case models.ModeSecret:
			view.Text = string(msg.EncryptedPayload)
		default:
			payload, err := s.codec.Open(ctx, msg, s.keys)
			if err != nil {
				s.logger.Warn("failed to open envelope",
					zap.Int64("message_id", msg.ID),
					zap.Error(err))
				view.Error = "decryption failed"
			} else {
				view.Text = payload.Text
			}
		}
		views = append(views, view)
	}
	return views, nil
}

// Pending previews the envelopes still queued for a user without claiming
// them; delivery state is untouched. Rendering matches History.
func (s *MessageService) Pending(ctx context.Context, userID int64) ([]MessageView, error) {
	if _, err := s.lookupUser(ctx, userID); err != nil {
		return nil, err
	}

	messages, err := s.messages.QueryPending(ctx, userID)
	if err != nil {
		return nil, err
	}

	views := make([]MessageView, 0, len(messages))
	for _, msg := range messages {
		view := MessageView{
			ID:        msg.ID,
			From:      msg.SenderID,
			To:        msg.ReceiverID,
			ChatMode:  msg.ChatMode,
			Timestamp: msg.Timestamp.Format(time.RFC3339),
			Status:    msg.Status,
		}
		switch msg.ChatMode {
		case models.ModeSecret:
			view.Text = string(msg.EncryptedPayload)
		default:
			payload, err := s.codec.Open(ctx, msg, s.keys)
			if err != nil {
				view.Error = "decryption failed"
			} else {
				view.Text = payload.Text
			}
		}
		views = append(views, view)
	}
	return views, nil
}

// Contacts lists everyone the user has talked to, most recent conversation
// first, followed by the remaining users.
func (s *MessageService) Contacts(ctx context.Context, userID int64) ([]Contact, error) {
	messages, err := s.messages.History(ctx, userID)
	if err != nil {
		return nil, err
	}
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].Timestamp.After(messages[j].Timestamp)
	})

	seen := make(map[int64]bool)
	var contacts []Contact
	appendUser := func(id int64) {
		if id == userID || seen[id] {
			return
		}
		user, err := s.users.GetByID(ctx, id)
		if err != nil {
			return
		}
		seen[id] = true
		contacts = append(contacts, Contact{ID: id, Username: user.DisplayName()})
	}

	for _, msg := range messages {
		appendUser(msg.SenderID)
		appendUser(msg.ReceiverID)
	}

	all, err := s.users.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, user := range all {
		appendUser(user.ID)
	}
	return contacts, nil
}

// Delete hides a message from the requesting side, or removes it for
// everyone when forAll is set.
func (s *MessageService) Delete(ctx context.Context, messageID, userID int64, forAll bool) error {
	if forAll {
		if err := s.messages.HardDelete(ctx, messageID); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return delivery.ErrMessageNotFound
			}
			return err
		}
		return nil
	}
	if err := s.messages.SoftDelete(ctx, messageID, userID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return delivery.ErrMessageNotFound
		}
		return err
	}
	return nil
}

// ClearConversation soft-deletes the user's side of an entire chat.
func (s *MessageService) ClearConversation(ctx context.Context, userID, withUserID int64) error {
	return s.messages.SoftDeleteConversation(ctx, userID, withUserID)
}

func (s *MessageService) lookupUser(ctx context.Context, id int64) (*models.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrUserNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}
