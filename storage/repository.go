// Package storage defines the credential store: users and their per-user
// settings.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a user or settings row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUsernameTaken is returned when a username is already registered.
	ErrUsernameTaken = errors.New("username taken")
)

// DefaultIdleTimeoutMinutes is written into new settings rows.
const DefaultIdleTimeoutMinutes = 15

// User is a registered account.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Settings holds per-user security preferences.
type Settings struct {
	UserID             int64     `json:"user_id"`
	TOTPEnabled        bool      `json:"totp_enabled"`
	TOTPSecret         string    `json:"totp_secret,omitempty"`
	IdleTimeoutMinutes int       `json:"idle_timeout_minutes"`
	CreatedAt          time.Time `json:"created_at"`
}

// NewUser is the input to CreateUser.
type NewUser struct {
	Username           string
	PasswordHash       string
	IdleTimeoutMinutes int
}

// Repository persists users and settings. CreateUser writes the user and
// its default settings row atomically.
type Repository interface {
	CreateUser(ctx context.Context, u NewUser) (User, error)
	UserByUsername(ctx context.Context, username string) (User, error)
	UserByID(ctx context.Context, id int64) (User, error)
	Settings(ctx context.Context, userID int64) (Settings, error)
	UpdateSettings(ctx context.Context, s Settings) error
}

// DefaultSettings returns the settings row created alongside a new user.
func DefaultSettings(userID int64, idleMinutes int, now time.Time) Settings {
	if idleMinutes <= 0 {
		idleMinutes = DefaultIdleTimeoutMinutes
	}
	return Settings{
		UserID:             userID,
		IdleTimeoutMinutes: idleMinutes,
		CreatedAt:          now,
	}
}
