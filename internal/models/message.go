package models

import (
	"encoding/hex"
	"encoding/json"
	"time"
)

type ChatMode string

const (
	ModeCloud  ChatMode = "cloud"
	ModeSecret ChatMode = "secret"
)

func (m ChatMode) Valid() bool {
	return m == ModeCloud || m == ModeSecret
}

// SecretAuthKeyID is the reserved fingerprint stored on secret-mode
// messages: the server has no key for them and never will.
const SecretAuthKeyID = "e2e"

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// StatusRank orders the delivery states. Transitions only ever move to a
// higher rank; failed is terminal and reachable from sent only.
func StatusRank(s MessageStatus) int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	case StatusFailed:
		return 3
	}
	return -1
}

// StatusesBelow returns the states a transition to target may start from.
func StatusesBelow(target MessageStatus) []MessageStatus {
	if target == StatusFailed {
		return []MessageStatus{StatusSent}
	}
	rank := StatusRank(target)
	var out []MessageStatus
	for _, s := range []MessageStatus{StatusSent, StatusDelivered, StatusRead} {
		if StatusRank(s) < rank {
			out = append(out, s)
		}
	}
	return out
}

// HexBytes marshals as a hex string, matching the wire format for
// encrypted payloads.
type HexBytes []byte

func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	*h = b
	return nil
}

// Message is one envelope: routing, ciphertext and delivery metadata.
// For cloud mode EncryptedPayload holds the server-side AES-CBC ciphertext
// and MsgKey/AuthKeyID/Salt/SessionID the parameters that produced it. For
// secret mode EncryptedPayload holds the client's bytes verbatim, MsgKey is
// empty and AuthKeyID is SecretAuthKeyID.
type Message struct {
	ID                int64         `json:"id"`
	SenderID          int64         `json:"sender_id"`
	ReceiverID        int64         `json:"receiver_id"`
	ChatMode          ChatMode      `json:"chat_mode"`
	EncryptedPayload  HexBytes      `json:"encrypted_payload"`
	MsgKey            string        `json:"msg_key,omitempty"`
	AuthKeyID         string        `json:"auth_key_id"`
	Salt              string        `json:"salt,omitempty"`
	SessionID         string        `json:"session_id,omitempty"`
	MsgID             string        `json:"msg_id"`
	SeqNo             uint32        `json:"seq_no"`
	Status            MessageStatus `json:"status"`
	VisibleToSender   bool          `json:"visible_to_sender"`
	VisibleToReceiver bool          `json:"visible_to_receiver"`
	Timestamp         time.Time     `json:"timestamp"`
}

// VisibleTo reports whether the given user still sees this message after
// per-side soft deletes.
func (m *Message) VisibleTo(userID int64) bool {
	if m.SenderID == userID {
		return m.VisibleToSender
	}
	if m.ReceiverID == userID {
		return m.VisibleToReceiver
	}
	return false
}
