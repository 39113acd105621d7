package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists one session row per profile.
type PostgresStore struct {
	db      *pgxpool.Pool
	profile string
	now     func() time.Time
}

// NewPostgresStore constructs a Postgres-backed session store.
func NewPostgresStore(db *pgxpool.Pool, profile string) *PostgresStore {
	return &PostgresStore{db: db, profile: profile, now: time.Now}
}

// EnsureSchema creates the sessions table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS sessions (
        profile    TEXT PRIMARY KEY,
        token      TEXT NOT NULL,
        expires_at TIMESTAMPTZ NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
    )`)
	return err
}

// Update upserts the profile row, so the previous token is replaced in the same statement.
func (s *PostgresStore) Update(ctx context.Context, token Token) error {
	if err := token.validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `INSERT INTO sessions (profile, token, expires_at, updated_at)
        VALUES ($1, $2, $3, now())
        ON CONFLICT (profile) DO UPDATE
        SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at, updated_at = now()`,
		s.profile, token.Value, token.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Current(ctx context.Context) (Token, error) {
	var token Token
	row := s.db.QueryRow(ctx, `SELECT token, expires_at FROM sessions WHERE profile = $1`, s.profile)
	if err := row.Scan(&token.Value, &token.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Token{}, ErrNoSession
		}
		return Token{}, fmt.Errorf("load session: %w", err)
	}
	if token.Expired(s.now()) {
		return Token{}, ErrNoSession
	}
	return token, nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE profile = $1`, s.profile); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
