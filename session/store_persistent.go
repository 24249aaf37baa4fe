package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/nodedash/internal/util"
	"github.com/jmcleod/nodedash/storage"
)

const (
	sessionAADPrefix = "session:"
	sessionKeyInfo   = "nodedash:session_envelope:v1"
	sessionKeySalt   = "nodedash-sessions"
	// MinSecretLength is the shortest SESSION_SECRET accepted for
	// persistent sessions.
	MinSecretLength = 32
)

var sessionsBucket = []byte("sessions")

// PersistentStore keeps sessions in a bbolt bucket, each record sealed with
// AES-256-GCM under a key derived from the operator's session secret.
// Sessions survive restarts; changing the secret invalidates all of them.
type PersistentStore struct {
	db       *bbolt.DB
	key      []byte
	now      func() time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
}

var _ Store = (*PersistentStore)(nil)

// NewPersistentStore opens (or creates) the sessions bucket in db.
func NewPersistentStore(db *bbolt.DB, secret []byte, opts ...StoreOption) (*PersistentStore, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("session secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}
	key, err := util.DeriveKey(secret, []byte(sessionKeySalt), []byte(sessionKeyInfo))
	if err != nil {
		return nil, fmt.Errorf("deriving session key: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	}); err != nil {
		util.Wipe(key)
		return nil, fmt.Errorf("creating sessions bucket: %w", err)
	}

	cfg := newStoreConfig(opts)
	s := &PersistentStore{
		db:     db,
		key:    key,
		now:    cfg.now,
		stopCh: make(chan struct{}),
	}
	if cfg.sweepInterval > 0 {
		go s.sweepLoop(cfg.sweepInterval)
	}
	return s, nil
}

// Close stops the sweep goroutine and wipes the key. It does not close db.
func (s *PersistentStore) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		util.Wipe(s.key)
	})
}

func aadFor(token string) []byte {
	return []byte(sessionAADPrefix + token)
}

func (s *PersistentStore) Get(token string) (Session, bool) {
	var data []byte
	_ = s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(sessionsBucket).Get([]byte(token)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if data == nil {
		return Session{}, false
	}
	var sess Session
	if err := storage.OpenJSON(s.key, data, aadFor(token), &sess); err != nil {
		return Session{}, false
	}
	sess.Token = token
	return sess, true
}

func (s *PersistentStore) Put(token string, sess Session) {
	data, err := storage.SealJSON(s.key, sess, aadFor(token))
	if err != nil {
		return
	}
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(token), data)
	})
}

func (s *PersistentStore) Update(token string, fn func(*Session)) bool {
	found := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		v := b.Get([]byte(token))
		if v == nil {
			return nil
		}
		var sess Session
		if err := storage.OpenJSON(s.key, v, aadFor(token), &sess); err != nil {
			return err
		}
		fn(&sess)
		data, err := storage.SealJSON(s.key, sess, aadFor(token))
		if err != nil {
			return err
		}
		found = true
		return b.Put([]byte(token), data)
	})
	return err == nil && found
}

func (s *PersistentStore) Delete(token string) {
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(token))
	})
}

func (s *PersistentStore) sweepLoop(every time.Duration) {
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

// Sweep removes idle-expired and unreadable sessions.
func (s *PersistentStore) Sweep() int {
	now := s.now()
	var stale [][]byte
	_ = s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			var sess Session
			err := storage.OpenJSON(s.key, v, aadFor(string(k)), &sess)
			if err != nil || sess.Expired(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
	})
	if len(stale) == 0 {
		return 0
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		var errs []error
		for _, k := range stale {
			errs = append(errs, b.Delete(k))
		}
		return errors.Join(errs...)
	})
	if err != nil {
		return 0
	}
	return len(stale)
}
