// Package session tracks authenticated dashboard sessions and gates wallet
// access: login identity, the TOTP second factor, idle expiry and the
// time-boxed spend unlock.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotLoggedIn        = errors.New("not logged in")
	ErrSessionExpired     = errors.New("session expired")
	ErrTOTPRequired       = errors.New("totp verification required")
	ErrSpendLocked        = errors.New("spend locked")
	ErrInvalidLogin       = errors.New("invalid username or password")
	ErrMissingFields      = errors.New("missing fields")
	ErrInvalidCode        = errors.New("invalid code")
	ErrWrongCode          = errors.New("wrong code")
	ErrTOTPNotPending     = errors.New("no pending totp verification")
	ErrTOTPNotEnrolled    = errors.New("totp not enrolled")
	ErrTOTPNotEnabled     = errors.New("totp not enabled")
	ErrPasswordTooLong    = errors.New("password too long")
	ErrInvalidIdleTimeout = errors.New("idle timeout out of range")
)

const (
	// DefaultIdleTimeout applies when neither the session nor the user
	// settings carry a value.
	DefaultIdleTimeout = 15 * time.Minute
	// DefaultSpendUnlock is the unlock window when the caller gives none.
	DefaultSpendUnlock = 5 * time.Minute

	MinIdleTimeoutMinutes = 1
	MaxIdleTimeoutMinutes = 240
)

// TOTPState is the second-factor status of a login.
type TOTPState int

const (
	// TOTPNotRequired is set on sessions created by registration, before
	// any second factor could exist.
	TOTPNotRequired TOTPState = iota
	// TOTPPending means the password was accepted and a code is owed.
	TOTPPending
	// TOTPVerified means the login satisfied every factor it had.
	TOTPVerified
)

func (s TOTPState) String() string {
	switch s {
	case TOTPPending:
		return "pending"
	case TOTPVerified:
		return "verified"
	default:
		return "not_required"
	}
}

// UserRef identifies the logged-in user.
type UserRef struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Session is the server-side state behind a session cookie.
type Session struct {
	Token              string    `json:"-"`
	User               *UserRef  `json:"user"`
	TOTP               TOTPState `json:"totp"`
	LastActivityAt     time.Time `json:"last_activity_at"`
	IdleTimeoutMinutes int       `json:"idle_timeout_minutes"`
	SpendUnlockedUntil time.Time `json:"spend_unlocked_until,omitzero"`
	CreatedAt          time.Time `json:"created_at"`
}

// FullyAuthorized reports whether the session may use its wallet.
func (s *Session) FullyAuthorized() bool {
	return s != nil && s.User != nil && s.TOTP != TOTPPending
}

// SpendUnlocked reports whether a spend is permitted at now.
func (s *Session) SpendUnlocked(now time.Time) bool {
	return s.FullyAuthorized() && !s.SpendUnlockedUntil.IsZero() && !now.After(s.SpendUnlockedUntil)
}

// IdleTimeout returns the configured idle window.
func (s *Session) IdleTimeout() time.Duration {
	if s.IdleTimeoutMinutes <= 0 {
		return DefaultIdleTimeout
	}
	return time.Duration(s.IdleTimeoutMinutes) * time.Minute
}

// Expired reports whether the session has been idle longer than allowed.
func (s *Session) Expired(now time.Time) bool {
	return now.Sub(s.LastActivityAt) > s.IdleTimeout()
}

type contextKey struct{}

// NewContext returns ctx carrying sess.
func NewContext(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, sess)
}

// FromContext returns the session stored by NewContext, or nil.
func FromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(contextKey{}).(*Session)
	return sess
}
