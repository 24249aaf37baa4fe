// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmcleod/nodedash/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu       sync.RWMutex
	nextID   int64
	users    map[int64]storage.User
	byName   map[string]int64
	settings map[int64]storage.Settings
	now      func() time.Time
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		users:    make(map[int64]storage.User),
		byName:   make(map[string]int64),
		settings: make(map[int64]storage.Settings),
		now:      time.Now,
	}
}

func (r *Repository) CreateUser(_ context.Context, in storage.NewUser) (storage.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[in.Username]; ok {
		return storage.User{}, storage.ErrUsernameTaken
	}
	r.nextID++
	now := r.now().UTC()
	u := storage.User{
		ID:           r.nextID,
		Username:     in.Username,
		PasswordHash: in.PasswordHash,
		CreatedAt:    now,
	}
	r.users[u.ID] = u
	r.byName[u.Username] = u.ID
	r.settings[u.ID] = storage.DefaultSettings(u.ID, in.IdleTimeoutMinutes, now)
	return u, nil
}

func (r *Repository) UserByUsername(_ context.Context, username string) (storage.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[username]
	if !ok {
		return storage.User{}, fmt.Errorf("user %q: %w", username, storage.ErrNotFound)
	}
	return r.users[id], nil
}

func (r *Repository) UserByID(_ context.Context, id int64) (storage.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return storage.User{}, fmt.Errorf("user %d: %w", id, storage.ErrNotFound)
	}
	return u, nil
}

func (r *Repository) Settings(_ context.Context, userID int64) (storage.Settings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.settings[userID]
	if !ok {
		return storage.Settings{}, fmt.Errorf("settings %d: %w", userID, storage.ErrNotFound)
	}
	return s, nil
}

func (r *Repository) UpdateSettings(_ context.Context, s storage.Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.settings[s.UserID]
	if !ok {
		return fmt.Errorf("settings %d: %w", s.UserID, storage.ErrNotFound)
	}
	s.CreatedAt = prev.CreatedAt
	r.settings[s.UserID] = s
	return nil
}
