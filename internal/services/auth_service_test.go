package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLogin(t *testing.T) {
	users := newMemUserRepo()
	svc := NewAuthService(users, "test-secret", time.Hour)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterRequest{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "correct-horse",
	})
	require.NoError(t, err)
	require.NotZero(t, user.ID)

	// Any identity field works as the login id.
	for _, login := range []string{"alice", "alice@example.com"} {
		resp, err := svc.Login(ctx, login, "correct-horse")
		require.NoError(t, err)
		assert.Equal(t, user.ID, resp.UserID)

		userID, err := svc.VerifyToken(resp.Token)
		require.NoError(t, err)
		assert.Equal(t, user.ID, userID)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	users := newMemUserRepo()
	svc := NewAuthService(users, "test-secret", time.Hour)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{Username: "alice", Password: "correct-horse"})
	require.NoError(t, err)

	_, err = svc.Login(ctx, "alice", "wrong-horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(ctx, "nobody", "correct-horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRegisterValidation(t *testing.T) {
	users := newMemUserRepo()
	svc := NewAuthService(users, "test-secret", time.Hour)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{Password: "correct-horse"})
	assert.ErrorIs(t, err, ErrMissingIdentity)

	_, err = svc.Register(ctx, RegisterRequest{Username: "alice"})
	assert.ErrorIs(t, err, ErrMissingIdentity)

	_, err = svc.Register(ctx, RegisterRequest{Username: "alice", Password: "correct-horse"})
	require.NoError(t, err)
	_, err = svc.Register(ctx, RegisterRequest{Username: "alice", Password: "another-pass"})
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestVerifyTokenRejectsGarbage(t *testing.T) {
	svc := NewAuthService(newMemUserRepo(), "test-secret", time.Hour)

	_, err := svc.VerifyToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewAuthService(newMemUserRepo(), "other-secret", time.Hour)
	ctx := context.Background()
	_, err = other.Register(ctx, RegisterRequest{Username: "mallory", Password: "correct-horse"})
	require.NoError(t, err)
	resp, err := other.Login(ctx, "mallory", "correct-horse")
	require.NoError(t, err)

	_, err = svc.VerifyToken(resp.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
