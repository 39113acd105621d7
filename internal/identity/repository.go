package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists users.
type Repository interface {
	Create(ctx context.Context, user User) error
	FindByID(ctx context.Context, id string) (User, error)
	FindByAddress(ctx context.Context, channel Channel, address string) (User, error)
	SetPassword(ctx context.Context, id string, hash []byte) error
	TouchLogin(ctx context.Context, id string, at time.Time) error
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed identity repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the users table when missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS users (
        id            UUID PRIMARY KEY,
        phone         TEXT UNIQUE,
        email         TEXT UNIQUE,
        password_hash BYTEA,
        created_at    TIMESTAMPTZ NOT NULL,
        last_login    TIMESTAMPTZ
    )`)
	return err
}

// Create inserts a new user.
func (r *PostgresRepository) Create(ctx context.Context, user User) error {
	userID, err := uuid.Parse(user.ID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO users (id, phone, email, password_hash, created_at)
        VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5)`,
		userID, user.Phone, user.Email, user.PasswordHash, user.CreatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrUserExists
	}
	return err
}

const userColumns = `id, COALESCE(phone, ''), COALESCE(email, ''), password_hash, created_at, last_login`

// FindByID fetches a user by identifier.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (User, error) {
	userID, err := uuid.Parse(id)
	if err != nil {
		return User{}, ErrUserNotFound
	}
	return r.scan(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
}

// FindByAddress fetches a user by phone number or email.
func (r *PostgresRepository) FindByAddress(ctx context.Context, channel Channel, address string) (User, error) {
	var query string
	switch channel {
	case ChannelPhone:
		query = `SELECT ` + userColumns + ` FROM users WHERE phone = $1`
	case ChannelEmail:
		query = `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	default:
		return User{}, ErrInvalidChannel
	}
	return r.scan(r.db.QueryRow(ctx, query, address))
}

func (r *PostgresRepository) scan(row pgx.Row) (User, error) {
	var (
		id        uuid.UUID
		createdAt time.Time
		lastLogin *time.Time
		user      User
	)
	if err := row.Scan(&id, &user.Phone, &user.Email, &user.PasswordHash, &createdAt, &lastLogin); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	user.ID = id.String()
	user.CreatedAt = createdAt.UTC()
	if lastLogin != nil {
		user.LastLogin = lastLogin.UTC()
	}
	return user, nil
}

// SetPassword stores a new password hash.
func (r *PostgresRepository) SetPassword(ctx context.Context, id string, hash []byte) error {
	return r.update(ctx, `UPDATE users SET password_hash = $1 WHERE id = $2`, hash, id)
}

// TouchLogin records the time of the latest successful login.
func (r *PostgresRepository) TouchLogin(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, `UPDATE users SET last_login = $1 WHERE id = $2`, at.UTC(), id)
}

func (r *PostgresRepository) update(ctx context.Context, query string, value any, id string) error {
	userID, err := uuid.Parse(id)
	if err != nil {
		return err
	}
	cmd, err := r.db.Exec(ctx, query, value, userID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
