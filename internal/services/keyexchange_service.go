package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/saitejad/mtpchat/internal/crypto"
	"github.com/saitejad/mtpchat/internal/models"
	"github.com/saitejad/mtpchat/internal/repositories"
	"go.uber.org/zap"
)

// KeyExchangeService runs the server side of the DH handshake and stores
// the resulting session. It is the only path that creates verified
// sessions; ProvisionEphemeralSession is the explicit, weaker alternative.
type KeyExchangeService struct {
	params crypto.DHParams
	keys   repositories.SessionKeyStore
	logger *zap.Logger
}

func NewKeyExchangeService(params crypto.DHParams, keys repositories.SessionKeyStore, logger *zap.Logger) *KeyExchangeService {
	return &KeyExchangeService{params: params, keys: keys, logger: logger}
}

// Handshake answers a client's public key with the server's and persists
// the agreed session. On an invalid client key nothing is stored and the
// caller gets crypto.ErrInvalidKeyExchange.
func (s *KeyExchangeService) Handshake(ctx context.Context, userID int64, clientPublic *big.Int) (*big.Int, *models.AuthKeySession, error) {
	serverPrivate, serverPublic, err := s.params.GenerateServerParams()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate server params: %w", err)
	}

	authKey, authKeyID, err := s.params.ComputeAuthKey(clientPublic, serverPrivate)
	if err != nil {
		return nil, nil, err
	}

	session, err := newSession(userID, authKey, authKeyID, false)
	if err != nil {
		return nil, nil, err
	}
	if err := s.keys.Put(ctx, session); err != nil {
		return nil, nil, fmt.Errorf("failed to store session: %w", err)
	}

	s.logger.Info("handshake complete",
		zap.Int64("user_id", userID),
		zap.String("auth_key_id", authKeyID))
	return serverPublic, session, nil
}

// ProvisionEphemeralSession creates a session from a random auth key with
// no verified shared secret behind it. The source did this implicitly on
// first send; here it is a deliberate operation the caller must ask for.
func (s *KeyExchangeService) ProvisionEphemeralSession(ctx context.Context, userID int64) (*models.AuthKeySession, error) {
	authKey, err := crypto.GenerateEphemeralKey()
	if err != nil {
		return nil, err
	}

	session, err := newSession(userID, authKey, crypto.AuthKeyFingerprint(authKey), true)
	if err != nil {
		return nil, err
	}
	if err := s.keys.Put(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to store ephemeral session: %w", err)
	}

	s.logger.Info("ephemeral session provisioned",
		zap.Int64("user_id", userID),
		zap.String("auth_key_id", session.AuthKeyID))
	return session, nil
}

func newSession(userID int64, authKey []byte, authKeyID string, ephemeral bool) (*models.AuthKeySession, error) {
	salt := make([]byte, 8)
	sessionID := make([]byte, 8)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err := rand.Read(sessionID); err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	return &models.AuthKeySession{
		UserID:    userID,
		AuthKey:   authKey,
		AuthKeyID: authKeyID,
		Salt:      hex.EncodeToString(salt),
		SessionID: hex.EncodeToString(sessionID),
		Ephemeral: ephemeral,
		CreatedAt: time.Now(),
	}, nil
}
