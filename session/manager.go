package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/nodedash/internal/uuid"
	"github.com/jmcleod/nodedash/storage"
)

// DefaultBcryptCost is the work factor for stored password hashes.
const DefaultBcryptCost = 12

// Manager drives the session state machine on top of the credential store
// and a session Store.
type Manager struct {
	users       storage.Repository
	store       Store
	now         func() time.Time
	bcryptCost  int
	idleDefault int
	issuer      string

	// dummyHash is compared against for unknown usernames so both failure
	// paths cost one bcrypt verification.
	dummyOnce sync.Once
	dummyHash []byte
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source. Used by tests to simulate elapsed time.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithBcryptCost overrides the hash work factor.
func WithBcryptCost(cost int) Option {
	return func(m *Manager) { m.bcryptCost = cost }
}

// WithDefaultIdleTimeout sets the idle window, in minutes, for new accounts.
func WithDefaultIdleTimeout(minutes int) Option {
	return func(m *Manager) { m.idleDefault = minutes }
}

// WithTOTPIssuer sets the issuer shown in authenticator apps.
func WithTOTPIssuer(issuer string) Option {
	return func(m *Manager) { m.issuer = issuer }
}

func NewManager(users storage.Repository, store Store, opts ...Option) *Manager {
	m := &Manager{
		users:       users,
		store:       store,
		now:         time.Now,
		bcryptCost:  DefaultBcryptCost,
		idleDefault: storage.DefaultIdleTimeoutMinutes,
		issuer:      DefaultTOTPIssuer,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now returns the manager's clock reading.
func (m *Manager) Now() time.Time { return m.now() }

func (m *Manager) newSession(u storage.User, state TOTPState, idleMinutes int) *Session {
	now := m.now()
	sess := &Session{
		Token:              uuid.New(),
		User:               &UserRef{ID: u.ID, Username: u.Username},
		TOTP:               state,
		LastActivityAt:     now,
		IdleTimeoutMinutes: idleMinutes,
		CreatedAt:          now,
	}
	m.store.Put(sess.Token, *sess)
	return sess
}

// update applies fn to sess and to its stored copy. A session that was
// deleted in the meantime stays deleted and ErrNotLoggedIn is returned.
func (m *Manager) update(sess *Session, fn func(*Session)) error {
	fn(sess)
	if !m.store.Update(sess.Token, fn) {
		return ErrNotLoggedIn
	}
	return nil
}

// Register creates an account and returns an authorized session for it.
func (m *Manager) Register(ctx context.Context, username, password string) (*Session, error) {
	username = NormalizeUsername(username)
	if username == "" || password == "" {
		return nil, ErrMissingFields
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.bcryptCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return nil, ErrPasswordTooLong
	}
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	u, err := m.users.CreateUser(ctx, storage.NewUser{
		Username:           username,
		PasswordHash:       string(hash),
		IdleTimeoutMinutes: m.idleDefault,
	})
	if err != nil {
		return nil, err
	}
	return m.newSession(u, TOTPNotRequired, m.idleDefault), nil
}

// Login checks the password and opens a session. When the account has TOTP
// enabled the session starts pending and the caller must follow up with
// VerifyTOTP.
func (m *Manager) Login(ctx context.Context, username, password string) (*Session, error) {
	username = NormalizeUsername(username)
	if username == "" || password == "" {
		return nil, ErrMissingFields
	}
	u, err := m.users.UserByUsername(ctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		m.dummyOnce.Do(func() {
			m.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("nodedash"), m.bcryptCost)
		})
		_ = bcrypt.CompareHashAndPassword(m.dummyHash, []byte(password))
		return nil, ErrInvalidLogin
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidLogin
	}

	settings, err := m.users.Settings(ctx, u.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	idle := settings.IdleTimeoutMinutes
	if idle <= 0 {
		idle = storage.DefaultIdleTimeoutMinutes
	}
	state := TOTPVerified
	if settings.TOTPEnabled {
		state = TOTPPending
	}
	return m.newSession(u, state, idle), nil
}

// VerifyTOTP completes a pending login.
func (m *Manager) VerifyTOTP(ctx context.Context, sess *Session, code string) error {
	if sess == nil || sess.User == nil {
		return ErrNotLoggedIn
	}
	if sess.TOTP != TOTPPending {
		return ErrTOTPNotPending
	}
	if !ValidTOTPFormat(code) {
		return ErrInvalidCode
	}
	settings, err := m.users.Settings(ctx, sess.User.ID)
	if err != nil {
		return err
	}
	if !settings.TOTPEnabled || settings.TOTPSecret == "" {
		return ErrInvalidCode
	}
	if !VerifyTOTP(settings.TOTPSecret, code, m.now()) {
		return ErrInvalidCode
	}
	return m.update(sess, func(s *Session) { s.TOTP = TOTPVerified })
}

// Lookup returns the session for token.
func (m *Manager) Lookup(token string) (*Session, bool) {
	if token == "" {
		return nil, false
	}
	sess, ok := m.store.Get(token)
	if !ok {
		return nil, false
	}
	sess.Token = token
	return &sess, true
}

// IdleGuard runs on every request that carries a session. A session idle
// longer than its timeout is destroyed; otherwise its activity time is
// refreshed. A session logged out since it was looked up yields
// ErrNotLoggedIn.
func (m *Manager) IdleGuard(sess *Session) error {
	if sess == nil || sess.User == nil {
		return nil
	}
	now := m.now()
	if sess.Expired(now) {
		m.store.Delete(sess.Token)
		return ErrSessionExpired
	}
	return m.update(sess, func(s *Session) { s.LastActivityAt = now })
}

// RequireAuthorized gates wallet routes.
func (m *Manager) RequireAuthorized(sess *Session) error {
	if sess == nil || sess.User == nil {
		return ErrNotLoggedIn
	}
	if sess.TOTP == TOTPPending {
		return ErrTOTPRequired
	}
	return nil
}

// UnlockSpend opens the spend window for d from now. Repeated calls move
// the deadline; they do not add to it.
func (m *Manager) UnlockSpend(sess *Session, d time.Duration) (time.Time, error) {
	if err := m.RequireAuthorized(sess); err != nil {
		return time.Time{}, err
	}
	if d <= 0 {
		d = DefaultSpendUnlock
	}
	until := m.now().Add(d)
	if err := m.update(sess, func(s *Session) { s.SpendUnlockedUntil = until }); err != nil {
		return time.Time{}, err
	}
	return until, nil
}

// RequireSpendUnlocked gates fund transfers.
func (m *Manager) RequireSpendUnlocked(sess *Session) error {
	if err := m.RequireAuthorized(sess); err != nil {
		return err
	}
	if !sess.SpendUnlocked(m.now()) {
		return ErrSpendLocked
	}
	return nil
}

// Logout destroys the session. It always succeeds.
func (m *Manager) Logout(token string) {
	if token != "" {
		m.store.Delete(token)
	}
}

// UserSettings is the user-visible subset of storage.Settings.
type UserSettings struct {
	IdleTimeoutMinutes int  `json:"idle_timeout_minutes"`
	TOTPEnabled        bool `json:"totp_enabled"`
}

func (m *Manager) Settings(ctx context.Context, sess *Session) (UserSettings, error) {
	if err := m.RequireAuthorized(sess); err != nil {
		return UserSettings{}, err
	}
	s, err := m.users.Settings(ctx, sess.User.ID)
	if err != nil {
		return UserSettings{}, err
	}
	return UserSettings{IdleTimeoutMinutes: s.IdleTimeoutMinutes, TOTPEnabled: s.TOTPEnabled}, nil
}

// SetIdleTimeout stores a new idle window and applies it to sess.
func (m *Manager) SetIdleTimeout(ctx context.Context, sess *Session, minutes int) error {
	if err := m.RequireAuthorized(sess); err != nil {
		return err
	}
	if minutes < MinIdleTimeoutMinutes || minutes > MaxIdleTimeoutMinutes {
		return ErrInvalidIdleTimeout
	}
	s, err := m.users.Settings(ctx, sess.User.ID)
	if err != nil {
		return err
	}
	s.IdleTimeoutMinutes = minutes
	if err := m.users.UpdateSettings(ctx, s); err != nil {
		return err
	}
	return m.update(sess, func(s *Session) { s.IdleTimeoutMinutes = minutes })
}

// TOTPStatus reports whether the user has a second factor enabled.
func (m *Manager) TOTPStatus(ctx context.Context, sess *Session) (bool, error) {
	if sess == nil || sess.User == nil {
		return false, ErrNotLoggedIn
	}
	s, err := m.users.Settings(ctx, sess.User.ID)
	if err != nil {
		return false, err
	}
	return s.TOTPEnabled, nil
}

// Enrollment is a freshly generated, not yet enabled, TOTP secret.
type Enrollment struct {
	Secret    string `json:"secret"`
	OTPAuth   string `json:"otpauth"`
	QRDataURL string `json:"qrDataUrl"`
}

// EnrollTOTP replaces any stored secret with a new one and disables TOTP
// until EnableTOTP confirms it.
func (m *Manager) EnrollTOTP(ctx context.Context, sess *Session, issuer string) (Enrollment, error) {
	if err := m.RequireAuthorized(sess); err != nil {
		return Enrollment{}, err
	}
	if issuer == "" {
		issuer = m.issuer
	}
	secret, err := generateTOTPSecret()
	if err != nil {
		return Enrollment{}, err
	}
	s, err := m.users.Settings(ctx, sess.User.ID)
	if err != nil {
		return Enrollment{}, err
	}
	s.TOTPSecret = secret
	s.TOTPEnabled = false
	if err := m.users.UpdateSettings(ctx, s); err != nil {
		return Enrollment{}, err
	}
	uri := otpAuthURL(issuer, sess.User.Username, secret)
	qr, err := qrDataURL(uri)
	if err != nil {
		return Enrollment{}, err
	}
	return Enrollment{Secret: secret, OTPAuth: uri, QRDataURL: qr}, nil
}

// EnableTOTP confirms the enrolled secret with a code. The current session
// counts as verified afterwards.
func (m *Manager) EnableTOTP(ctx context.Context, sess *Session, code string) error {
	if err := m.RequireAuthorized(sess); err != nil {
		return err
	}
	if !ValidTOTPFormat(code) {
		return ErrInvalidCode
	}
	s, err := m.users.Settings(ctx, sess.User.ID)
	if err != nil {
		return err
	}
	if s.TOTPSecret == "" {
		return ErrTOTPNotEnrolled
	}
	if !VerifyTOTP(s.TOTPSecret, code, m.now()) {
		return ErrWrongCode
	}
	s.TOTPEnabled = true
	if err := m.users.UpdateSettings(ctx, s); err != nil {
		return err
	}
	return m.update(sess, func(s *Session) { s.TOTP = TOTPVerified })
}

// DisableTOTP clears the secret after checking a current code.
func (m *Manager) DisableTOTP(ctx context.Context, sess *Session, code string) error {
	if err := m.RequireAuthorized(sess); err != nil {
		return err
	}
	s, err := m.users.Settings(ctx, sess.User.ID)
	if err != nil {
		return err
	}
	if !s.TOTPEnabled || s.TOTPSecret == "" {
		return ErrTOTPNotEnabled
	}
	if !VerifyTOTP(s.TOTPSecret, code, m.now()) {
		return ErrWrongCode
	}
	s.TOTPEnabled = false
	s.TOTPSecret = ""
	return m.users.UpdateSettings(ctx, s)
}
