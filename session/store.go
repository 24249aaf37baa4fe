package session

import (
	"sync"
	"time"
)

const sweepInterval = time.Minute

// Store abstracts session CRUD so that sessions can be kept in memory
// (default) or in a persistent bbolt file.
type Store interface {
	// Get returns a copy of the session for token.
	Get(token string) (Session, bool)
	// Put creates or replaces the session for token.
	Put(token string, sess Session)
	// Update applies fn to the stored session for token. It reports false,
	// and stores nothing, when token has no session.
	Update(token string, fn func(*Session)) bool
	// Delete removes the session for token.
	Delete(token string)
}

// StoreOption configures a session store.
type StoreOption func(*storeConfig)

type storeConfig struct {
	now           func() time.Time
	sweepInterval time.Duration
}

// WithStoreClock sets the time source used by the expiry sweep.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(c *storeConfig) { c.now = now }
}

// WithSweepInterval sets how often idle sessions are evicted. Zero disables
// the background sweep.
func WithSweepInterval(d time.Duration) StoreOption {
	return func(c *storeConfig) { c.sweepInterval = d }
}

func newStoreConfig(opts []StoreOption) storeConfig {
	cfg := storeConfig{now: time.Now, sweepInterval: sweepInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// MemoryStore is a thread-safe in-memory Store. Sessions are lost on
// restart. Idle sessions, and the spend grants they carry, are evicted by a
// periodic sweep so the map does not grow without bound.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]Session
	now      func() time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	cfg := newStoreConfig(opts)
	s := &MemoryStore{
		data:   make(map[string]Session),
		now:    cfg.now,
		stopCh: make(chan struct{}),
	}
	if cfg.sweepInterval > 0 {
		go s.sweepLoop(cfg.sweepInterval)
	}
	return s
}

func (s *MemoryStore) Get(token string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.data[token]
	if ok {
		sess.Token = token
	}
	return sess, ok
}

func (s *MemoryStore) Put(token string, sess Session) {
	s.mu.Lock()
	s.data[token] = sess
	s.mu.Unlock()
}

func (s *MemoryStore) Update(token string, fn func(*Session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.data[token]
	if !ok {
		return false
	}
	fn(&sess)
	s.data[token] = sess
	return true
}

func (s *MemoryStore) Delete(token string) {
	s.mu.Lock()
	delete(s.data, token)
	s.mu.Unlock()
}

// Len returns the number of stored sessions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close stops the sweep goroutine.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *MemoryStore) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep evicts every idle-expired session and returns how many it removed.
func (s *MemoryStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, sess := range s.data {
		if sess.Expired(now) {
			delete(s.data, token)
			removed++
		}
	}
	return removed
}
