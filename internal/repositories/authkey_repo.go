package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/saitejad/mtpchat/internal/models"
)

const (
	authKeyPrefix      = "authkey:"
	userAuthKeyPattern = "user:%d:authkey"
)

// RedisSessionKeyStore keeps AuthKeySessions in Redis: the full record
// under its fingerprint, plus a per-user pointer to the current
// fingerprint. Superseded fingerprints are left in place so old envelopes
// stay decryptable.
type RedisSessionKeyStore struct {
	client *redis.Client
}

func NewRedisSessionKeyStore(client *redis.Client) *RedisSessionKeyStore {
	return &RedisSessionKeyStore{client: client}
}

func (r *RedisSessionKeyStore) Put(ctx context.Context, session *models.AuthKeySession) error {
	jsonData, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal auth key session: %w", err)
	}

	key := authKeyPrefix + session.AuthKeyID

	// The auth key behind a fingerprint is immutable: SETNX refuses to
	// overwrite, which also makes Put safe to retry.
	set, err := r.client.SetNX(ctx, key, jsonData, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store auth key session: %w", err)
	}
	if !set {
		existing, err := r.GetByFingerprint(ctx, session.AuthKeyID)
		if err != nil {
			return fmt.Errorf("failed to check existing session: %w", err)
		}
		if existing.UserID != session.UserID {
			return fmt.Errorf("fingerprint %s already bound to another user", session.AuthKeyID)
		}
	}

	userKey := fmt.Sprintf(userAuthKeyPattern, session.UserID)
	if err := r.client.Set(ctx, userKey, session.AuthKeyID, 0).Err(); err != nil {
		return fmt.Errorf("failed to index auth key session: %w", err)
	}
	return nil
}

func (r *RedisSessionKeyStore) GetByFingerprint(ctx context.Context, authKeyID string) (*models.AuthKeySession, error) {
	jsonData, err := r.client.Get(ctx, authKeyPrefix+authKeyID).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get auth key session: %w", err)
	}

	var session models.AuthKeySession
	if err := json.Unmarshal([]byte(jsonData), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal auth key session: %w", err)
	}
	return &session, nil
}

func (r *RedisSessionKeyStore) GetByUser(ctx context.Context, userID int64) (*models.AuthKeySession, error) {
	userKey := fmt.Sprintf(userAuthKeyPattern, userID)

	authKeyID, err := r.client.Get(ctx, userKey).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user auth key index: %w", err)
	}

	return r.GetByFingerprint(ctx, authKeyID)
}
