package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/saitejad/mtpchat/internal/models"
	"github.com/saitejad/mtpchat/internal/repositories"
	"github.com/saitejad/mtpchat/internal/utils"
)

var (
	ErrInvalidCredentials = errors.New("invalid login or password")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidToken       = errors.New("invalid token")
	ErrMissingIdentity    = errors.New("username, email or phone is required")
)

type AuthService struct {
	users     repositories.UserRepository
	jwtSecret string
	jwtExpiry time.Duration
}

type RegisterRequest struct {
	Username string
	Email    string
	Phone    string
	Password string
}

type LoginResponse struct {
	Token     string
	ExpiresAt time.Time
	UserID    int64
	Username  string
}

func NewAuthService(users repositories.UserRepository, jwtSecret string, jwtExpiry time.Duration) *AuthService {
	return &AuthService{
		users:     users,
		jwtSecret: jwtSecret,
		jwtExpiry: jwtExpiry,
	}
}

func (s *AuthService) Register(ctx context.Context, req RegisterRequest) (*models.User, error) {
	if req.Password == "" || (req.Username == "" && req.Email == "" && req.Phone == "") {
		return nil, ErrMissingIdentity
	}

	for _, login := range []string{req.Username, req.Email, req.Phone} {
		if login == "" {
			continue
		}
		existing, err := s.users.GetByLogin(ctx, login)
		if err == nil && existing != nil {
			return nil, ErrUserExists
		}
		if err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return nil, fmt.Errorf("failed to check login: %w", err)
		}
	}

	hashedPassword, err := utils.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		Username:     req.Username,
		Email:        req.Email,
		Phone:        req.Phone,
		PasswordHash: hashedPassword,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Login accepts any identity field as the login id.
func (s *AuthService) Login(ctx context.Context, login, password string) (*LoginResponse, error) {
	user, err := s.users.GetByLogin(ctx, login)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if !utils.CheckPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}

	expiresAt := time.Now().Add(s.jwtExpiry)
	token, err := s.generateToken(user.ID, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	return &LoginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		UserID:    user.ID,
		Username:  user.DisplayName(),
	}, nil
}

func (s *AuthService) generateToken(userID int64, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": fmt.Sprintf("%d", userID),
		"exp": expiresAt.Unix(),
		"iat": time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

// VerifyToken returns the user id a valid token was issued for.
func (s *AuthService) VerifyToken(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return 0, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok {
		return 0, ErrInvalidToken
	}

	var userID int64
	if _, err := fmt.Sscanf(sub, "%d", &userID); err != nil {
		return 0, ErrInvalidToken
	}
	return userID, nil
}
