package rpc

import (
	"encoding/base64"
	"io/fs"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"
)

// DefaultCookieCheckInterval bounds how often the cookie file is stat'ed.
const DefaultCookieCheckInterval = time.Second

// Credential is a username/secret pair for HTTP Basic auth.
type Credential struct {
	Username string
	Secret   string
}

// BasicHeader returns the value for the Authorization header.
func (c Credential) BasicHeader() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Username+":"+c.Secret))
}

// parseCookie splits "user:pass" at the first colon.
func parseCookie(content string) (Credential, bool) {
	user, secret, ok := strings.Cut(strings.TrimSpace(content), ":")
	if !ok {
		return Credential{}, false
	}
	return Credential{Username: user, Secret: secret}, true
}

type cookieCache struct {
	header    string
	modTime   time.Time
	checkedAt time.Time
}

// CookieAuth resolves node credentials, preferring the node's cookie file
// and falling back to a static user/password pair. The header derived from
// the cookie is cached by file modification time, and the file is checked at
// most once per interval.
type CookieAuth struct {
	cookiePath string
	user       string
	pass       *memguard.Enclave
	interval   time.Duration
	now        func() time.Time
	stat       func(string) (fs.FileInfo, error)
	readFile   func(string) ([]byte, error)

	refresh sync.Mutex
	cache   atomic.Pointer[cookieCache]
}

// AuthOption configures a CookieAuth.
type AuthOption func(*CookieAuth)

// WithCheckInterval overrides the cookie recheck floor.
func WithCheckInterval(d time.Duration) AuthOption {
	return func(a *CookieAuth) { a.interval = d }
}

// WithAuthClock sets the time source. Used by tests.
func WithAuthClock(now func() time.Time) AuthOption {
	return func(a *CookieAuth) { a.now = now }
}

// NewCookieAuth builds a resolver. Either source may be empty. The static
// password is moved into a memguard enclave and only decrypted while a
// header is being built.
func NewCookieAuth(cookiePath, user, pass string, opts ...AuthOption) *CookieAuth {
	a := &CookieAuth{
		cookiePath: cookiePath,
		user:       user,
		interval:   DefaultCookieCheckInterval,
		now:        time.Now,
		stat:       os.Stat,
		readFile:   os.ReadFile,
	}
	if pass != "" {
		a.pass = memguard.NewEnclave([]byte(pass))
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AuthorizationHeader returns the Basic header value, or false when no
// credential source is usable.
func (a *CookieAuth) AuthorizationHeader() (string, bool) {
	if h, ok := a.cookieHeader(); ok {
		return h, true
	}
	return a.staticHeader()
}

// Resolve returns the credential the next request would use.
func (a *CookieAuth) Resolve() (Credential, bool) {
	h, ok := a.AuthorizationHeader()
	if !ok {
		return Credential{}, false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(h, "Basic "))
	if err != nil {
		return Credential{}, false
	}
	return parseCookie(string(raw))
}

func (a *CookieAuth) cookieHeader() (string, bool) {
	if a.cookiePath == "" {
		return "", false
	}
	now := a.now()
	if c := a.cache.Load(); c != nil && now.Sub(c.checkedAt) < a.interval {
		return c.header, c.header != ""
	}

	a.refresh.Lock()
	defer a.refresh.Unlock()

	prev := a.cache.Load()
	if prev != nil && now.Sub(prev.checkedAt) < a.interval {
		return prev.header, prev.header != ""
	}

	info, err := a.stat(a.cookiePath)
	if err != nil {
		a.cache.Store(&cookieCache{checkedAt: now})
		return "", false
	}
	if prev != nil && prev.header != "" && info.ModTime().Equal(prev.modTime) {
		a.cache.Store(&cookieCache{header: prev.header, modTime: prev.modTime, checkedAt: now})
		return prev.header, true
	}

	content, err := a.readFile(a.cookiePath)
	if err != nil {
		a.cache.Store(&cookieCache{checkedAt: now})
		return "", false
	}
	cred, ok := parseCookie(string(content))
	if !ok {
		a.cache.Store(&cookieCache{modTime: info.ModTime(), checkedAt: now})
		return "", false
	}
	header := cred.BasicHeader()
	a.cache.Store(&cookieCache{header: header, modTime: info.ModTime(), checkedAt: now})
	return header, true
}

func (a *CookieAuth) staticHeader() (string, bool) {
	if a.user == "" || a.pass == nil {
		return "", false
	}
	buf, err := a.pass.Open()
	if err != nil {
		return "", false
	}
	defer buf.Destroy()
	return Credential{Username: a.user, Secret: string(buf.Bytes())}.BasicHeader(), true
}
