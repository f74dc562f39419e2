package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/saitejad/mtpchat/internal/models"
)

// ErrNotFound is the shared sentinel for missing records.
var ErrNotFound = errors.New("not found")

type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id int64) (*models.User, error)
	GetByLogin(ctx context.Context, login string) (*models.User, error)
	List(ctx context.Context) ([]*models.User, error)
	TouchLastSeen(ctx context.Context, id int64, at time.Time) error
}

// SessionKeyStore persists AuthKeySessions, looked up either by the public
// fingerprint (decrypt path) or by user (encrypt path). Put never mutates
// an existing session's auth key; a new session gets a new fingerprint.
type SessionKeyStore interface {
	Put(ctx context.Context, session *models.AuthKeySession) error
	GetByFingerprint(ctx context.Context, authKeyID string) (*models.AuthKeySession, error)
	GetByUser(ctx context.Context, userID int64) (*models.AuthKeySession, error)
}

type MessageRepository interface {
	Append(ctx context.Context, msg *models.Message) error
	GetByID(ctx context.Context, id int64) (*models.Message, error)

	// UpdateStatus advances the delivery state monotonically: the write
	// applies only when the current status ranks below the target, and the
	// return value reports whether anything changed.
	UpdateStatus(ctx context.Context, id int64, status models.MessageStatus) (bool, error)

	// ClaimPending atomically flips every status=sent envelope addressed
	// to receiverID to delivered and returns the claimed envelopes. Two
	// racing callers never claim the same envelope twice.
	ClaimPending(ctx context.Context, receiverID int64) ([]*models.Message, error)

	QueryPending(ctx context.Context, receiverID int64) ([]*models.Message, error)
	History(ctx context.Context, userID int64) ([]*models.Message, error)

	SoftDelete(ctx context.Context, id, userID int64) error
	HardDelete(ctx context.Context, id int64) error
	SoftDeleteConversation(ctx context.Context, userID, withUserID int64) error
}
