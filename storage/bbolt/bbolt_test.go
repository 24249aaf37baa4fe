package bbolt

import (
	"path/filepath"
	"testing"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/nodedash/storage"
	"github.com/jmcleod/nodedash/storage/storagetest"
)

func newTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "users.db"), 0600, nil)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBBoltStorage(t *testing.T) {
	s, err := NewRepository(newTestDB(t))
	if err != nil {
		t.Fatalf("NewRepository failed: %v", err)
	}
	storagetest.Run(t, s)
}

func TestBBoltStorage_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.db")
	s, err := NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("NewRepositoryFromFile failed: %v", err)
	}
	ctx := t.Context()
	u, err := s.CreateUser(ctx, storage.NewUser{Username: "carol", PasswordHash: "h"})
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	got, err := s.UserByUsername(ctx, "carol")
	if err != nil {
		t.Fatalf("UserByUsername after reopen failed: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("got id %d, want %d", got.ID, u.ID)
	}
	next, err := s.CreateUser(ctx, storage.NewUser{Username: "dave", PasswordHash: "h"})
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if next.ID <= u.ID {
		t.Fatalf("sequence went backwards: %d <= %d", next.ID, u.ID)
	}
}

func TestInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.db")
	s, err := NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("NewRepositoryFromFile failed: %v", err)
	}
	for _, name := range []string{"erin", "frank"} {
		if _, err := s.CreateUser(t.Context(), storage.NewUser{Username: name, PasswordHash: "h"}); err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}
	}

	if _, err := Inspect(path, 50*time.Millisecond); err == nil {
		t.Fatal("expected Inspect to time out while the writer holds the lock")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	n, err := Inspect(path, time.Second)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("got %d users, want 2", n)
	}
}
