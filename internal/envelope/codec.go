// Package envelope builds and parses the encrypted message envelope: the
// plaintext layout salt(8) ‖ session_id(8) ‖ JSON payload, plus the
// seal/open operations that pair the layout with the encryption engine.
package envelope

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/saitejad/mtpchat/internal/crypto"
	"github.com/saitejad/mtpchat/internal/models"
	"github.com/saitejad/mtpchat/internal/repositories"
)

var (
	// ErrMalformedEnvelope means a decrypted plaintext did not have the
	// expected salt/session/JSON structure.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrKeyNotFound means the envelope's fingerprint resolved to no
	// stored session; the message cannot be opened.
	ErrKeyNotFound = errors.New("auth key not found")
)

const headerLen = 16 // salt(8) + session_id(8)

// Payload is the JSON body carried inside the encrypted envelope.
type Payload struct {
	Text        string `json:"text"`
	Time        int64  `json:"time"`
	MsgID       int64  `json:"msg_id"`
	SeqNo       uint32 `json:"seq_no"`
	SenderID    int64  `json:"sender_id"`
	RecipientID int64  `json:"recipient_id"`
}

// BuildPlaintext lays out salt ‖ session_id ‖ JSON(payload).
func BuildPlaintext(salt, sessionID [8]byte, p Payload) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	out := make([]byte, 0, headerLen+len(body))
	out = append(out, salt[:]...)
	out = append(out, sessionID[:]...)
	return append(out, body...), nil
}

// ParsePlaintext is the inverse of BuildPlaintext.
func ParsePlaintext(b []byte) (salt, sessionID [8]byte, p Payload, err error) {
	if len(b) < headerLen {
		return salt, sessionID, p, ErrMalformedEnvelope
	}
	copy(salt[:], b[0:8])
	copy(sessionID[:], b[8:16])
	if err := json.Unmarshal(b[headerLen:], &p); err != nil {
		return salt, sessionID, p, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return salt, sessionID, p, nil
}

// KeyResolver maps a fingerprint back to its session. The redis-backed
// SessionKeyStore satisfies it; tests use a map.
type KeyResolver interface {
	GetByFingerprint(ctx context.Context, authKeyID string) (*models.AuthKeySession, error)
}

// Codec seals outgoing cloud-mode messages and opens stored ones. Each
// seal draws fresh random salt and session id, a millisecond-timestamp
// msg_id, and the next value of a strictly increasing sequence counter.
type Codec struct {
	seq atomic.Uint32
	now func() time.Time
}

func NewCodec() *Codec {
	return &Codec{now: time.Now}
}

// Seal packages text into a fully populated cloud-mode envelope encrypted
// under the sender's session key.
func (c *Codec) Seal(session *models.AuthKeySession, text string, senderID, recipientID int64) (*models.Message, error) {
	var salt, sessionID [8]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err := rand.Read(sessionID[:]); err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	now := c.now()
	msgID := now.UnixMilli()
	seqNo := c.seq.Add(1)

	plain, err := BuildPlaintext(salt, sessionID, Payload{
		Text:        text,
		Time:        now.Unix(),
		MsgID:       msgID,
		SeqNo:       seqNo,
		SenderID:    senderID,
		RecipientID: recipientID,
	})
	if err != nil {
		return nil, err
	}

	ciphertext, msgKey, err := crypto.Encrypt(plain, session.AuthKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt envelope: %w", err)
	}

	return &models.Message{
		SenderID:          senderID,
		ReceiverID:        recipientID,
		ChatMode:          models.ModeCloud,
		EncryptedPayload:  ciphertext,
		MsgKey:            hex.EncodeToString(msgKey[:]),
		AuthKeyID:         session.AuthKeyID,
		Salt:              hex.EncodeToString(salt[:]),
		SessionID:         hex.EncodeToString(sessionID[:]),
		MsgID:             strconv.FormatInt(msgID, 10),
		SeqNo:             seqNo,
		Status:            models.StatusSent,
		VisibleToSender:   true,
		VisibleToReceiver: true,
		Timestamp:         now,
	}, nil
}

// Open resolves the envelope's fingerprint, decrypts and parses it. A
// missing session yields ErrKeyNotFound; padding or structure problems
// yield crypto.ErrDecryptionFailure / ErrMalformedEnvelope. None of these
// are fatal to the caller's event loop.
func (c *Codec) Open(ctx context.Context, msg *models.Message, keys KeyResolver) (Payload, error) {
	if msg.AuthKeyID == "" || msg.AuthKeyID == models.SecretAuthKeyID {
		return Payload{}, fmt.Errorf("%w: envelope is not server-decryptable", ErrKeyNotFound)
	}

	session, err := keys.GetByFingerprint(ctx, msg.AuthKeyID)
	switch {
	case errors.Is(err, repositories.ErrNotFound), errors.Is(err, ErrKeyNotFound):
		return Payload{}, fmt.Errorf("%w: %s", ErrKeyNotFound, msg.AuthKeyID)
	case err != nil:
		// Store trouble, not a missing key: the caller may retry.
		return Payload{}, fmt.Errorf("failed to resolve auth key %s: %w", msg.AuthKeyID, err)
	case session == nil:
		return Payload{}, fmt.Errorf("%w: %s", ErrKeyNotFound, msg.AuthKeyID)
	}

	msgKey, err := hex.DecodeString(msg.MsgKey)
	if err != nil || len(msgKey) != 16 {
		return Payload{}, ErrMalformedEnvelope
	}

	plain, err := crypto.Decrypt(msg.EncryptedPayload, msgKey, session.AuthKey)
	if err != nil {
		return Payload{}, err
	}

	_, _, payload, err := ParsePlaintext(plain)
	if err != nil {
		return Payload{}, err
	}
	return payload, nil
}
