package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/nodedash/session"
)

// SessionCookieName holds the opaque session token.
const SessionCookieName = "nodedash_session"

// sessionCookieMaxAge bounds the browser-side cookie lifetime; the idle
// guard expires the server-side session much sooner.
const sessionCookieMaxAge = 7 * 24 * time.Hour

func sessionToken(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// SessionMiddleware loads the session named by the cookie and runs the idle
// guard on every request that carries one. An idle-expired session is
// destroyed: API callers get 401 session_expired and page requests are
// redirected to the login form.
func (a *API) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := a.sessions.Lookup(sessionToken(r))
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if err := a.sessions.IdleGuard(sess); err != nil {
			if errors.Is(err, session.ErrNotLoggedIn) {
				next.ServeHTTP(w, r)
				return
			}
			if !errors.Is(err, session.ErrSessionExpired) {
				writeInternalError(w, "idle guard failed", err)
				return
			}
			a.audit.logEvent(AuditSessionExpired, r, sess.User.ID)
			ClearSessionCookies(w, r)
			if isAPIPath(r.URL.Path) {
				writeError(w, http.StatusUnauthorized, "session_expired")
				return
			}
			http.Redirect(w, r, "/wallet/login", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r.WithContext(session.NewContext(r.Context(), sess)))
	})
}

// RequireAuthorized rejects requests without a fully authorized session.
func (a *API) RequireAuthorized(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.sessions.RequireAuthorized(session.FromContext(r.Context())); err != nil {
			mapError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSpendUnlocked rejects fund transfers outside an unlock window.
func (a *API) RequireSpendUnlocked(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := session.FromContext(r.Context())
		if err := a.sessions.RequireSpendUnlocked(sess); err != nil {
			if errors.Is(err, session.ErrSpendLocked) {
				a.audit.logFailure(AuditSpendLocked, r, "spend locked", slog.Int64("user_id", sess.User.ID))
			}
			mapError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAPIPath(p string) bool {
	return strings.HasPrefix(p, "/api/")
}

// WriteSessionCookies issues the session cookie for token together with a
// fresh CSRF cookie.
func WriteSessionCookies(w http.ResponseWriter, r *http.Request, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sessionCookieMaxAge.Seconds()),
	})
	writeCSRFCookie(w, r)
}

// ClearSessionCookies expires the session and CSRF cookies.
func ClearSessionCookies(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
	clearCSRFCookie(w, r)
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
