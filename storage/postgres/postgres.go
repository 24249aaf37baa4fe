// Package postgres implements storage.Repository backed by PostgreSQL.
//
// Users live in the users table and their settings in user_settings, keyed
// by user id. Both rows are written in one transaction on registration.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/nodedash/storage"
)

// uniqueViolation is the SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) CreateUser(ctx context.Context, in storage.NewUser) (storage.User, error) {
	idle := in.IdleTimeoutMinutes
	if idle <= 0 {
		idle = storage.DefaultIdleTimeoutMinutes
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storage.User{}, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	u := storage.User{Username: in.Username, PasswordHash: in.PasswordHash}
	err = tx.QueryRow(ctx,
		`INSERT INTO users (username, password_hash) VALUES ($1, $2)
		 RETURNING id, created_at`,
		in.Username, in.PasswordHash).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return storage.User{}, storage.ErrUsernameTaken
		}
		return storage.User{}, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO user_settings (user_id, idle_timeout_minutes) VALUES ($1, $2)`,
		u.ID, idle); err != nil {
		return storage.User{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return storage.User{}, err
	}
	return u, nil
}

func (s *Store) UserByUsername(ctx context.Context, username string) (storage.User, error) {
	return scanUser(username, s.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = $1`, username))
}

func (s *Store) UserByID(ctx context.Context, id int64) (storage.User, error) {
	return scanUser(id, s.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE id = $1`, id))
}

func scanUser(key any, row pgx.Row) (storage.User, error) {
	var u storage.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.User{}, fmt.Errorf("user %v: %w", key, storage.ErrNotFound)
	}
	return u, err
}

func (s *Store) Settings(ctx context.Context, userID int64) (storage.Settings, error) {
	st := storage.Settings{UserID: userID}
	var secret *string
	err := s.pool.QueryRow(ctx,
		`SELECT totp_enabled, totp_secret, idle_timeout_minutes, created_at
		 FROM user_settings WHERE user_id = $1`, userID).Scan(
		&st.TOTPEnabled, &secret, &st.IdleTimeoutMinutes, &st.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Settings{}, fmt.Errorf("settings %d: %w", userID, storage.ErrNotFound)
	}
	if err != nil {
		return storage.Settings{}, err
	}
	if secret != nil {
		st.TOTPSecret = *secret
	}
	return st, nil
}

func (s *Store) UpdateSettings(ctx context.Context, st storage.Settings) error {
	var secret *string
	if st.TOTPSecret != "" {
		secret = &st.TOTPSecret
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE user_settings SET totp_enabled = $2, totp_secret = $3, idle_timeout_minutes = $4
		 WHERE user_id = $1`,
		st.UserID, st.TOTPEnabled, secret, st.IdleTimeoutMinutes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("settings %d: %w", st.UserID, storage.ErrNotFound)
	}
	return nil
}
