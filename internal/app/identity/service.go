package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"github.com/taskday/project/internal/platform/auth"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidEmail        = errors.New("email is required")
	ErrInvalidPassword     = errors.New("password must be at least 8 characters")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrRefreshTokenMissing = errors.New("refresh_token is required")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
)

type AuthResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
	Email        string `json:"email"`
}

type Service struct {
	Repo       Repository
	AuthToken  auth.Manager
	NewID      func() string
	RefreshTTL time.Duration
	Now        func() time.Time
}

func NewService(repo Repository, tokenManager auth.Manager) *Service {
	return &Service{
		Repo:       repo,
		AuthToken:  tokenManager,
		NewID:      nuid.Next,
		RefreshTTL: 30 * 24 * time.Hour,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateCredentials(email, password string) error {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return ErrInvalidEmail
	}
	if len(strings.TrimSpace(password)) < 8 {
		return ErrInvalidPassword
	}
	return nil
}

func (s *Service) Register(ctx context.Context, email, password string) (AuthResponse, error) {
	if err := validateCredentials(email, password); err != nil {
		return AuthResponse{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return AuthResponse{}, err
	}

	u := User{
		ID:           s.NewID(),
		Email:        normalizeEmail(email),
		PasswordHash: string(hash),
	}
	if err := s.Repo.CreateUser(ctx, u); err != nil {
		return AuthResponse{}, err
	}
	return s.issueSession(ctx, u)
}

func (s *Service) Login(ctx context.Context, email, password string) (AuthResponse, error) {
	email = normalizeEmail(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return AuthResponse{}, ErrInvalidCredentials
	}

	u, err := s.Repo.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResponse{}, ErrInvalidCredentials
		}
		return AuthResponse{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return AuthResponse{}, ErrInvalidCredentials
	}
	return s.issueSession(ctx, u)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (AuthResponse, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return AuthResponse{}, ErrRefreshTokenMissing
	}

	session, err := s.Repo.FindRefreshTokenByHash(ctx, hashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResponse{}, ErrInvalidRefreshToken
		}
		return AuthResponse{}, err
	}
	if err := s.Repo.RevokeRefreshToken(ctx, session.TokenID); err != nil {
		return AuthResponse{}, err
	}

	u, err := s.Repo.FindUserByID(ctx, session.UserID)
	if err != nil {
		return AuthResponse{}, err
	}
	return s.issueSession(ctx, u)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return ErrRefreshTokenMissing
	}
	session, err := s.Repo.FindRefreshTokenByHash(ctx, hashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return s.Repo.RevokeRefreshToken(ctx, session.TokenID)
}

func (s *Service) issueSession(ctx context.Context, user User) (AuthResponse, error) {
	accessToken, err := s.AuthToken.Sign(user.ID, user.Email)
	if err != nil {
		return AuthResponse{}, err
	}

	refreshToken := s.NewID() + "." + s.NewID()
	session := RefreshToken{
		TokenID:   s.NewID(),
		UserID:    user.ID,
		TokenHash: hashRefreshToken(refreshToken),
		ExpiresAt: s.Now().Add(s.RefreshTTL),
	}
	if err := s.Repo.CreateRefreshToken(ctx, session); err != nil {
		return AuthResponse{}, err
	}

	return AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		Email:        user.Email,
	}, nil
}

func hashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func NewTokenManager(secret string) auth.Manager {
	return auth.NewManager(secret, 15*time.Minute)
}
