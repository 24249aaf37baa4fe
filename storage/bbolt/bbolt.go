// Package bbolt provides a BBolt-backed credential store.
package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/nodedash/storage"
)

var (
	usersBucket     = []byte("users")
	usernamesBucket = []byte("usernames")
	settingsBucket  = []byte("settings")
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{usersBucket, usernamesBucket, settingsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying database so other components can share the file.
func (s *Store) DB() *bbolt.DB {
	return s.db
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func idKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func (s *Store) CreateUser(_ context.Context, in storage.NewUser) (storage.User, error) {
	var user storage.User
	err := s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(usernamesBucket)
		if names.Get([]byte(in.Username)) != nil {
			return storage.ErrUsernameTaken
		}
		users := tx.Bucket(usersBucket)
		seq, err := users.NextSequence()
		if err != nil {
			return err
		}
		now := s.now().UTC()
		user = storage.User{
			ID:           int64(seq),
			Username:     in.Username,
			PasswordHash: in.PasswordHash,
			CreatedAt:    now,
		}
		if err := putJSON(users, idKey(user.ID), user); err != nil {
			return err
		}
		if err := names.Put([]byte(in.Username), idKey(user.ID)); err != nil {
			return err
		}
		settings := storage.DefaultSettings(user.ID, in.IdleTimeoutMinutes, now)
		return putJSON(tx.Bucket(settingsBucket), idKey(user.ID), settings)
	})
	if err != nil {
		return storage.User{}, err
	}
	return user, nil
}

func (s *Store) UserByUsername(_ context.Context, username string) (storage.User, error) {
	var user storage.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(usernamesBucket).Get([]byte(username))
		if id == nil {
			return fmt.Errorf("user %q: %w", username, storage.ErrNotFound)
		}
		return getJSON(tx.Bucket(usersBucket), id, &user)
	})
	return user, err
}

func (s *Store) UserByID(_ context.Context, id int64) (storage.User, error) {
	var user storage.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(usersBucket), idKey(id), &user)
	})
	return user, err
}

func (s *Store) Settings(_ context.Context, userID int64) (storage.Settings, error) {
	var settings storage.Settings
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(settingsBucket), idKey(userID), &settings)
	})
	return settings, err
}

func (s *Store) UpdateSettings(_ context.Context, settings storage.Settings) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(settingsBucket)
		existing := b.Get(idKey(settings.UserID))
		if existing == nil {
			return fmt.Errorf("settings %d: %w", settings.UserID, storage.ErrNotFound)
		}
		var prev storage.Settings
		if err := json.Unmarshal(existing, &prev); err != nil {
			return err
		}
		settings.CreatedAt = prev.CreatedAt
		return putJSON(b, idKey(settings.UserID), settings)
	})
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(b *bbolt.Bucket, key []byte, v any) error {
	data := b.Get(key)
	if data == nil {
		return fmt.Errorf("key %x: %w", key, storage.ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

// Inspect opens path read-only and counts registered users. It fails with
// the bbolt timeout error while another writer holds the database open.
func Inspect(path string, timeout time.Duration) (users int, err error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{ReadOnly: true, Timeout: timeout})
	if err != nil {
		return 0, fmt.Errorf("opening bbolt db: %w", err)
	}
	defer db.Close()
	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(usersBucket)
		if b == nil {
			return nil
		}
		users = b.Stats().KeyN
		return nil
	})
	return users, err
}
