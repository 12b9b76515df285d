package identity

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("not found")

type User struct {
	ID           string
	Email        string
	PasswordHash string
}

type RefreshToken struct {
	TokenID   string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
}

type Repository interface {
	EnsureSchema(ctx context.Context) error
	CreateUser(ctx context.Context, user User) error
	FindUserByEmail(ctx context.Context, email string) (User, error)
	FindUserByID(ctx context.Context, userID string) (User, error)

	CreateRefreshToken(ctx context.Context, token RefreshToken) error
	FindRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, tokenID string) error
}

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

const createUsersSQL = `
CREATE TABLE IF NOT EXISTS users (
  id text PRIMARY KEY,
  email text NOT NULL UNIQUE,
  password_hash text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createRefreshTokensSQL = `
CREATE TABLE IF NOT EXISTS refresh_tokens (
  token_id text PRIMARY KEY,
  user_id text NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  token_hash text NOT NULL UNIQUE,
  expires_at timestamptz NOT NULL,
  revoked_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT now()
)`

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createUsersSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createRefreshTokensSQL); err != nil {
		return err
	}
	return nil
}

func (r *PostgresRepository) CreateUser(ctx context.Context, user User) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO users (id, email, password_hash) VALUES ($1, $2, $3)`,
		user.ID, user.Email, user.PasswordHash,
	)
	return err
}

func (r *PostgresRepository) FindUserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := r.Pool.QueryRow(ctx,
		`SELECT id, email, password_hash FROM users WHERE email = $1`,
		email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}

func (r *PostgresRepository) FindUserByID(ctx context.Context, userID string) (User, error) {
	var u User
	err := r.Pool.QueryRow(ctx,
		`SELECT id, email, password_hash FROM users WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Email, &u.PasswordHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}

func (r *PostgresRepository) CreateRefreshToken(ctx context.Context, token RefreshToken) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO refresh_tokens (token_id, user_id, token_hash, expires_at) VALUES ($1, $2, $3, $4)`,
		token.TokenID, token.UserID, token.TokenHash, token.ExpiresAt,
	)
	return err
}

func (r *PostgresRepository) FindRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshToken, error) {
	var rt RefreshToken
	err := r.Pool.QueryRow(ctx,
		`SELECT token_id, user_id, token_hash, expires_at, revoked_at
		 FROM refresh_tokens
		 WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > now()`,
		tokenHash,
	).Scan(&rt.TokenID, &rt.UserID, &rt.TokenHash, &rt.ExpiresAt, &rt.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RefreshToken{}, ErrNotFound
		}
		return RefreshToken{}, err
	}
	return rt, nil
}

func (r *PostgresRepository) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	_, err := r.Pool.Exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = now() WHERE token_id = $1`,
		tokenID,
	)
	return err
}
