package rpc

import (
	"encoding/base64"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func basic(user, secret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+secret))
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time            { return c.t }
func (c *fakeClock) advance(d time.Duration)   { c.t = c.t.Add(d) }
func newFakeClock() *fakeClock                 { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }
func writeCookie(t *testing.T, path, s string) { require.NoError(t, os.WriteFile(path, []byte(s), 0o600)) }

func TestCookieAuth_PrefersCookie(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".cookie")
	writeCookie(t, path, "__cookie__:abc123\n")

	a := NewCookieAuth(path, "bc2", "static")
	h, ok := a.AuthorizationHeader()
	require.True(t, ok)
	assert.Equal(t, basic("__cookie__", "abc123"), h)

	cred, ok := a.Resolve()
	require.True(t, ok)
	assert.Equal(t, "__cookie__", cred.Username)
	assert.Equal(t, "abc123", cred.Secret)
}

func TestCookieAuth_SplitsAtFirstColon(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".cookie")
	writeCookie(t, path, "__cookie__:a:b:c")

	cred, ok := NewCookieAuth(path, "", "").Resolve()
	require.True(t, ok)
	assert.Equal(t, "__cookie__", cred.Username)
	assert.Equal(t, "a:b:c", cred.Secret)
}

func TestCookieAuth_FallsBackOnMalformedCookie(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".cookie")
	writeCookie(t, path, "no-colon-here")

	h, ok := NewCookieAuth(path, "bc2", "static").AuthorizationHeader()
	require.True(t, ok)
	assert.Equal(t, basic("bc2", "static"), h)
}

func TestCookieAuth_FallsBackOnMissingCookie(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent")

	h, ok := NewCookieAuth(path, "bc2", "static").AuthorizationHeader()
	require.True(t, ok)
	assert.Equal(t, basic("bc2", "static"), h)
}

func TestCookieAuth_NoCredential(t *testing.T) {
	_, ok := NewCookieAuth("", "", "").AuthorizationHeader()
	assert.False(t, ok)

	_, ok = NewCookieAuth("", "bc2", "").AuthorizationHeader()
	assert.False(t, ok, "user without password is not a credential")

	_, ok = NewCookieAuth(filepath.Join(t.TempDir(), "absent"), "", "").Resolve()
	assert.False(t, ok)
}

func TestCookieAuth_CachesWithinInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".cookie")
	writeCookie(t, path, "__cookie__:one")

	clock := newFakeClock()
	a := NewCookieAuth(path, "", "", WithAuthClock(clock.now))
	var stats, reads int
	a.stat = func(p string) (fs.FileInfo, error) { stats++; return os.Stat(p) }
	a.readFile = func(p string) ([]byte, error) { reads++; return os.ReadFile(p) }

	for i := 0; i < 5; i++ {
		h, ok := a.AuthorizationHeader()
		require.True(t, ok)
		assert.Equal(t, basic("__cookie__", "one"), h)
		clock.advance(100 * time.Millisecond)
	}
	assert.Equal(t, 1, stats, "file should be stat'ed once per interval")
	assert.Equal(t, 1, reads)
}

func TestCookieAuth_UnchangedModTimeSkipsRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".cookie")
	writeCookie(t, path, "__cookie__:one")

	clock := newFakeClock()
	a := NewCookieAuth(path, "", "", WithAuthClock(clock.now))
	var reads int
	a.readFile = func(p string) ([]byte, error) { reads++; return os.ReadFile(p) }

	_, ok := a.AuthorizationHeader()
	require.True(t, ok)
	clock.advance(2 * time.Second)
	_, ok = a.AuthorizationHeader()
	require.True(t, ok)

	assert.Equal(t, 1, reads, "content is only re-read when mtime moves")
}

func TestCookieAuth_PicksUpRotatedCookie(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".cookie")
	writeCookie(t, path, "__cookie__:one")
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	clock := newFakeClock()
	a := NewCookieAuth(path, "", "", WithAuthClock(clock.now))

	h, ok := a.AuthorizationHeader()
	require.True(t, ok)
	assert.Equal(t, basic("__cookie__", "one"), h)

	writeCookie(t, path, "__cookie__:two")
	now := time.Now()
	require.NoError(t, os.Chtimes(path, now, now))

	// Inside the interval the cached header is still served.
	h, _ = a.AuthorizationHeader()
	assert.Equal(t, basic("__cookie__", "one"), h)

	clock.advance(DefaultCookieCheckInterval + time.Millisecond)
	h, ok = a.AuthorizationHeader()
	require.True(t, ok)
	assert.Equal(t, basic("__cookie__", "two"), h)
}

func TestCookieAuth_RecoversWhenCookieAppears(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".cookie")
	clock := newFakeClock()
	a := NewCookieAuth(path, "bc2", "static", WithAuthClock(clock.now), WithCheckInterval(time.Second))

	h, _ := a.AuthorizationHeader()
	assert.Equal(t, basic("bc2", "static"), h)

	writeCookie(t, path, "__cookie__:fresh")
	clock.advance(2 * time.Second)
	h, _ = a.AuthorizationHeader()
	assert.True(t, strings.HasPrefix(h, "Basic "))
	assert.Equal(t, basic("__cookie__", "fresh"), h)
}
