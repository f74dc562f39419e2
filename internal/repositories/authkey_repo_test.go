package repositories

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/saitejad/mtpchat/internal/crypto"
	"github.com/saitejad/mtpchat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSessionKeyStore_PutAndGet tests storing a session and fetching it
// by fingerprint and by user.
func TestSessionKeyStore_PutAndGet(t *testing.T) {
	client := getTestRedisClient(t)
	store := NewRedisSessionKeyStore(client)
	ctx := context.Background()

	defer cleanupTestAuthKeys(t, client, ctx)

	session := newTestAuthKeySession(t, 101)

	// ACT: Store the session
	err := store.Put(ctx, session)

	// ASSERT: Should succeed
	require.NoError(t, err)

	// Verify lookup by fingerprint
	retrieved, err := store.GetByFingerprint(ctx, session.AuthKeyID)
	require.NoError(t, err)
	assert.Equal(t, session.UserID, retrieved.UserID)
	assert.Equal(t, session.AuthKey, retrieved.AuthKey)

	// Verify the per-user index points at the same session
	current, err := store.GetByUser(ctx, session.UserID)
	require.NoError(t, err)
	assert.Equal(t, session.AuthKeyID, current.AuthKeyID)
}

// TestSessionKeyStore_NotFound tests lookups for sessions that were never stored
func TestSessionKeyStore_NotFound(t *testing.T) {
	client := getTestRedisClient(t)
	store := NewRedisSessionKeyStore(client)
	ctx := context.Background()

	_, err := store.GetByFingerprint(ctx, "ffffffffffffffff")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetByUser(ctx, 999999)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestSessionKeyStore_Rotation tests that storing a second session moves the
// per-user pointer while the old fingerprint stays resolvable.
func TestSessionKeyStore_Rotation(t *testing.T) {
	client := getTestRedisClient(t)
	store := NewRedisSessionKeyStore(client)
	ctx := context.Background()

	defer cleanupTestAuthKeys(t, client, ctx)

	first := newTestAuthKeySession(t, 102)
	require.NoError(t, store.Put(ctx, first))

	second := newTestAuthKeySession(t, 102)
	require.NoError(t, store.Put(ctx, second))

	// ACT: Resolve the user's current session
	current, err := store.GetByUser(ctx, 102)

	// ASSERT: Pointer follows the newest session
	require.NoError(t, err)
	assert.Equal(t, second.AuthKeyID, current.AuthKeyID)

	// Old ciphertext remains decryptable: the old fingerprint still resolves
	old, err := store.GetByFingerprint(ctx, first.AuthKeyID)
	require.NoError(t, err)
	assert.Equal(t, first.AuthKey, old.AuthKey)
}

// TestSessionKeyStore_ImmutableFingerprint tests that a fingerprint cannot be
// rebound to a different user's key.
func TestSessionKeyStore_ImmutableFingerprint(t *testing.T) {
	client := getTestRedisClient(t)
	store := NewRedisSessionKeyStore(client)
	ctx := context.Background()

	defer cleanupTestAuthKeys(t, client, ctx)

	session := newTestAuthKeySession(t, 103)
	require.NoError(t, store.Put(ctx, session))

	// Retrying the same Put is a no-op, not an error
	require.NoError(t, store.Put(ctx, session))

	// A different user claiming the same fingerprint is rejected
	hijack := newTestAuthKeySession(t, 104)
	hijack.AuthKeyID = session.AuthKeyID
	err := store.Put(ctx, hijack)
	assert.Error(t, err)

	stored, err := store.GetByFingerprint(ctx, session.AuthKeyID)
	require.NoError(t, err)
	assert.Equal(t, int64(103), stored.UserID)
}

// Helper functions for test setup

// getTestRedisClient returns a Redis client for testing
func getTestRedisClient(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   1, // Use DB 1 for tests (different from production DB 0)
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available at localhost:6379: %v", err)
	}

	return client
}

func newTestAuthKeySession(t *testing.T, userID int64) *models.AuthKeySession {
	t.Helper()

	authKey := make([]byte, 256)
	_, err := rand.Read(authKey)
	require.NoError(t, err)

	return &models.AuthKeySession{
		UserID:    userID,
		AuthKey:   authKey,
		AuthKeyID: crypto.AuthKeyFingerprint(authKey),
		Salt:      "74657374",
		SessionID: "73657373",
		CreatedAt: time.Now(),
	}
}

// cleanupTestAuthKeys removes test data
func cleanupTestAuthKeys(t *testing.T, client *redis.Client, ctx context.Context) {
	keys, err := client.Keys(ctx, "authkey:*").Result()
	if err != nil {
		t.Logf("Warning: failed to get keys: %v", err)
		return
	}

	if len(keys) > 0 {
		if err := client.Del(ctx, keys...).Err(); err != nil {
			t.Logf("Warning: failed to cleanup test sessions: %v", err)
		}
	}

	// Clean up per-user pointers
	indexKeys, err := client.Keys(ctx, "user:*:authkey").Result()
	if err == nil && len(indexKeys) > 0 {
		client.Del(ctx, indexKeys...)
	}
}
