// Package storagetest holds the conformance suite every storage.Repository
// backend runs.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/jmcleod/nodedash/storage"
)

// Run exercises repo. It expects an empty store.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()

	var alice storage.User

	t.Run("CreateUser", func(t *testing.T) {
		u, err := repo.CreateUser(ctx, storage.NewUser{Username: "alice", PasswordHash: "hash-a"})
		if err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}
		if u.ID == 0 {
			t.Fatal("expected a non-zero user id")
		}
		if u.CreatedAt.IsZero() {
			t.Fatal("expected CreatedAt to be set")
		}
		alice = u
	})

	t.Run("DefaultSettings", func(t *testing.T) {
		s, err := repo.Settings(ctx, alice.ID)
		if err != nil {
			t.Fatalf("Settings failed: %v", err)
		}
		if s.TOTPEnabled || s.TOTPSecret != "" {
			t.Fatalf("new user should not have TOTP: %+v", s)
		}
		if s.IdleTimeoutMinutes != storage.DefaultIdleTimeoutMinutes {
			t.Fatalf("got idle timeout %d, want %d", s.IdleTimeoutMinutes, storage.DefaultIdleTimeoutMinutes)
		}
	})

	t.Run("UsernameTaken", func(t *testing.T) {
		_, err := repo.CreateUser(ctx, storage.NewUser{Username: "alice", PasswordHash: "other"})
		if !errors.Is(err, storage.ErrUsernameTaken) {
			t.Fatalf("expected ErrUsernameTaken, got %v", err)
		}
	})

	t.Run("DistinctIDs", func(t *testing.T) {
		bob, err := repo.CreateUser(ctx, storage.NewUser{Username: "bob", PasswordHash: "hash-b", IdleTimeoutMinutes: 30})
		if err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}
		if bob.ID == alice.ID {
			t.Fatal("user ids must be unique")
		}
		s, err := repo.Settings(ctx, bob.ID)
		if err != nil {
			t.Fatalf("Settings failed: %v", err)
		}
		if s.IdleTimeoutMinutes != 30 {
			t.Fatalf("got idle timeout %d, want 30", s.IdleTimeoutMinutes)
		}
	})

	t.Run("Lookup", func(t *testing.T) {
		byName, err := repo.UserByUsername(ctx, "alice")
		if err != nil {
			t.Fatalf("UserByUsername failed: %v", err)
		}
		if byName.ID != alice.ID || byName.PasswordHash != "hash-a" {
			t.Fatalf("unexpected user %+v", byName)
		}
		byID, err := repo.UserByID(ctx, alice.ID)
		if err != nil {
			t.Fatalf("UserByID failed: %v", err)
		}
		if byID.Username != "alice" {
			t.Fatalf("got username %q", byID.Username)
		}
	})

	t.Run("LookupMissing", func(t *testing.T) {
		if _, err := repo.UserByUsername(ctx, "nobody"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := repo.UserByID(ctx, 999999); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := repo.Settings(ctx, 999999); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UpdateSettings", func(t *testing.T) {
		s, _ := repo.Settings(ctx, alice.ID)
		s.TOTPEnabled = true
		s.TOTPSecret = "JBSWY3DPEHPK3PXP"
		s.IdleTimeoutMinutes = 42
		if err := repo.UpdateSettings(ctx, s); err != nil {
			t.Fatalf("UpdateSettings failed: %v", err)
		}
		got, err := repo.Settings(ctx, alice.ID)
		if err != nil {
			t.Fatalf("Settings failed: %v", err)
		}
		if !got.TOTPEnabled || got.TOTPSecret != "JBSWY3DPEHPK3PXP" || got.IdleTimeoutMinutes != 42 {
			t.Fatalf("settings not persisted: %+v", got)
		}
	})

	t.Run("UpdateSettingsMissing", func(t *testing.T) {
		err := repo.UpdateSettings(ctx, storage.Settings{UserID: 999999, IdleTimeoutMinutes: 5})
		if !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}
