package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/nodedash/internal/uuid"
)

const (
	csrfCookieName = "nodedash_csrf"
	csrfHeaderName = "X-CSRF-Token"
	// CSRFFormField carries the token on HTML form posts.
	CSRFFormField = "csrf_token"
)

// CSRFMiddleware enforces double-submit cookie CSRF protection for
// cookie-authenticated mutating requests. Safe methods and requests without
// a session cookie are exempt. The token may arrive in the X-CSRF-Token
// header or, for HTML forms, in the csrf_token field.
func (a *API) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := r.Cookie(SessionCookieName); err != nil {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(csrfCookieName)
		if err != nil || cookie.Value == "" {
			writeError(w, http.StatusForbidden, "missing_csrf_token")
			return
		}
		token := r.Header.Get(csrfHeaderName)
		if token == "" && isFormPost(r) {
			token = r.PostFormValue(CSRFFormField)
		}
		if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(token)) != 1 {
			writeError(w, http.StatusForbidden, "invalid_csrf_token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isFormPost(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return strings.HasPrefix(ct, "application/x-www-form-urlencoded") ||
		strings.HasPrefix(ct, "multipart/form-data")
}

// CSRFToken returns the token pages must echo back in CSRFFormField.
func CSRFToken(r *http.Request) string {
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// writeCSRFCookie sets the CSRF double-submit cookie. It is not HttpOnly so
// page scripts can copy it into the request header.
func writeCSRFCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    uuid.New(),
		Path:     "/",
		HttpOnly: false,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
}

func clearCSRFCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: false,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}
