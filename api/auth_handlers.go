package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jmcleod/nodedash/session"
	"github.com/jmcleod/nodedash/storage"
)

// Register handles POST /auth/register.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CredentialsRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	sess, err := a.sessions.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, storage.ErrUsernameTaken) {
			a.audit.logFailure(AuditRegister, r, "username taken")
		}
		mapError(w, err)
		return
	}

	a.sessions.Logout(sessionToken(r))
	WriteSessionCookies(w, r, sess.Token)
	a.audit.logEvent(AuditRegister, r, sess.User.ID, slog.String("username", sess.User.Username))
	writeJSON(w, http.StatusOK, RegisterResponse{OK: true, User: *sess.User})
}

// Login handles POST /auth/login. Failures are counted per normalized
// username and per client IP; either limiter can lock the caller out.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CredentialsRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	account := session.NormalizeUsername(req.Username)
	clientIP := a.extractClientIP(r)

	if blocked, retryAfter := a.ipLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "ip rate limited", slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := a.rateLimiter.check(account); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "account rate limited", slog.String("username", account))
		writeRateLimited(w, retryAfter)
		return
	}

	sess, err := a.sessions.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, session.ErrInvalidLogin) {
			a.rateLimiter.recordFailure(account)
			a.ipLimiter.recordFailure(clientIP)
			a.audit.logFailure(AuditLoginFailure, r, "invalid credentials", slog.String("username", account))
		}
		mapError(w, err)
		return
	}
	a.rateLimiter.recordSuccess(account)
	a.ipLimiter.recordSuccess(clientIP)

	// A new session replaces whatever the browser held before.
	a.sessions.Logout(sessionToken(r))
	WriteSessionCookies(w, r, sess.Token)

	needsTOTP := sess.TOTP == session.TOTPPending
	a.audit.logEvent(AuditLoginSuccess, r, sess.User.ID, slog.Bool("needs_totp", needsTOTP))
	writeJSON(w, http.StatusOK, LoginResponse{OK: true, NeedsTOTP: needsTOTP})
}

// Logout handles POST /auth/logout. It always succeeds.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	if sess := session.FromContext(r.Context()); sess != nil && sess.User != nil {
		a.audit.logEvent(AuditLogout, r, sess.User.ID)
	}
	a.sessions.Logout(sessionToken(r))
	ClearSessionCookies(w, r)
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

// Me handles GET /auth/me. Anonymous callers get {"user": null}.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if sess == nil || sess.User == nil {
		writeJSON(w, http.StatusOK, MeResponse{})
		return
	}
	resp := MeResponse{
		User:         sess.User,
		TOTPVerified: sess.TOTP == session.TOTPVerified,
	}
	if sess.SpendUnlocked(a.sessions.Now()) {
		resp.SpendUnlockedUntil = unixMilli(sess.SpendUnlockedUntil)
	}
	writeJSON(w, http.StatusOK, resp)
}

// TOTPStatus handles GET /totp/status.
func (a *API) TOTPStatus(w http.ResponseWriter, r *http.Request) {
	enabled, err := a.sessions.TOTPStatus(r.Context(), session.FromContext(r.Context()))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TOTPStatusResponse{Enabled: enabled})
}

// totpKey names the second-factor limiter entry for the session's user.
func totpKey(sess *session.Session) string {
	return "user:" + strconv.FormatInt(sess.User.ID, 10)
}

// totpLocked writes 429 when the user has guessed too many codes.
func (a *API) totpLocked(w http.ResponseWriter, r *http.Request, sess *session.Session) bool {
	blocked, retryAfter := a.totpLimiter.check(totpKey(sess))
	if blocked {
		a.audit.logFailure(AuditTOTPFailure, r, "rate limited", slog.Int64("user_id", sess.User.ID))
		writeRateLimited(w, retryAfter)
	}
	return blocked
}

// VerifyTOTP handles POST /totp/verify and completes a pending login.
// Wrong codes count against the same backoff policy as passwords, keyed by
// user so a new login does not reset it.
func (a *API) VerifyTOTP(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CodeRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	sess := session.FromContext(r.Context())
	if sess == nil || sess.User == nil {
		mapError(w, session.ErrNotLoggedIn)
		return
	}
	if a.totpLocked(w, r, sess) {
		return
	}
	if err := a.sessions.VerifyTOTP(r.Context(), sess, req.Code); err != nil {
		if errors.Is(err, session.ErrInvalidCode) {
			a.totpLimiter.recordFailure(totpKey(sess))
			a.audit.logFailure(AuditTOTPFailure, r, "invalid code", slog.Int64("user_id", sess.User.ID))
		}
		mapError(w, err)
		return
	}
	a.totpLimiter.recordSuccess(totpKey(sess))
	a.audit.logEvent(AuditTOTPVerified, r, sess.User.ID)
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

// EnrollTOTP handles POST /totp/enroll.
func (a *API) EnrollTOTP(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[EnrollRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	sess := session.FromContext(r.Context())
	enr, err := a.sessions.EnrollTOTP(r.Context(), sess, req.Issuer)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditTOTPEnrolled, r, sess.User.ID)
	writeJSON(w, http.StatusOK, EnrollResponse{OTPAuth: enr.OTPAuth, QRDataURL: enr.QRDataURL})
}

// EnableTOTP handles POST /totp/enable.
func (a *API) EnableTOTP(w http.ResponseWriter, r *http.Request) {
	a.confirmTOTP(w, r, a.sessions.EnableTOTP, AuditTOTPEnabled)
}

// DisableTOTP handles POST /totp/disable.
func (a *API) DisableTOTP(w http.ResponseWriter, r *http.Request) {
	a.confirmTOTP(w, r, a.sessions.DisableTOTP, AuditTOTPDisabled)
}

// totpAction is a code-confirmed change to the user's second factor.
type totpAction func(ctx context.Context, sess *session.Session, code string) error

func (a *API) confirmTOTP(w http.ResponseWriter, r *http.Request, action totpAction, event AuditEvent) {
	req, ok := decodeJSON[CodeRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	sess := session.FromContext(r.Context())
	if a.totpLocked(w, r, sess) {
		return
	}
	if err := action(r.Context(), sess, req.Code); err != nil {
		if errors.Is(err, session.ErrWrongCode) {
			a.totpLimiter.recordFailure(totpKey(sess))
			a.audit.logFailure(AuditTOTPFailure, r, "wrong code", slog.Int64("user_id", sess.User.ID))
		}
		mapError(w, err)
		return
	}
	a.totpLimiter.recordSuccess(totpKey(sess))
	a.audit.logEvent(event, r, sess.User.ID)
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

// GetSettings handles GET /settings.
func (a *API) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := a.sessions.Settings(r.Context(), session.FromContext(r.Context()))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// UpdateSettings handles POST /settings.
func (a *API) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[SettingsRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	sess := session.FromContext(r.Context())
	if err := a.sessions.SetIdleTimeout(r.Context(), sess, req.IdleTimeoutMinutes); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditSettingsUpdated, r, sess.User.ID, slog.Int("idle_timeout_minutes", req.IdleTimeoutMinutes))
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}
