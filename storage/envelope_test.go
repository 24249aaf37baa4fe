package storage

import (
	"bytes"
	"testing"

	"github.com/jmcleod/nodedash/internal/util"
)

func TestEnvelope(t *testing.T) {
	key, _ := util.NewKey()
	plain := []byte("session record")
	aad := []byte("session:tok-1")

	env, err := SealRecord(key, plain, aad)
	if err != nil {
		t.Fatalf("SealRecord failed: %v", err)
	}
	if env.Ver != 1 {
		t.Errorf("expected version 1, got %d", env.Ver)
	}
	if len(env.Nonce) != 12 {
		t.Errorf("expected 12-byte nonce, got %d", len(env.Nonce))
	}

	decrypted, err := OpenRecord(key, env, aad)
	if err != nil {
		t.Fatalf("OpenRecord failed: %v", err)
	}
	if !bytes.Equal(plain, decrypted) {
		t.Errorf("expected %s, got %s", plain, decrypted)
	}

	t.Run("WrongAAD", func(t *testing.T) {
		if _, err := OpenRecord(key, env, []byte("session:tok-2")); err == nil {
			t.Error("expected error with wrong AAD, got nil")
		}
	})

	t.Run("WrongKey", func(t *testing.T) {
		other, _ := util.NewKey()
		if _, err := OpenRecord(other, env, aad); err == nil {
			t.Error("expected error with wrong key, got nil")
		}
	})

	t.Run("UnknownScheme", func(t *testing.T) {
		bad := *env
		bad.Scheme = "rot13"
		if _, err := OpenRecord(key, &bad, aad); err == nil {
			t.Error("expected error for unknown scheme")
		}
	})
}

func TestSealJSON(t *testing.T) {
	key, _ := util.NewKey()
	type record struct {
		UserID int64  `json:"user_id"`
		Name   string `json:"name"`
	}

	data, err := SealJSON(key, record{UserID: 7, Name: "alice"}, []byte("aad"))
	if err != nil {
		t.Fatalf("SealJSON failed: %v", err)
	}
	if bytes.Contains(data, []byte("alice")) {
		t.Fatal("plaintext leaked into sealed output")
	}

	var got record
	if err := OpenJSON(key, data, []byte("aad"), &got); err != nil {
		t.Fatalf("OpenJSON failed: %v", err)
	}
	if got.UserID != 7 || got.Name != "alice" {
		t.Fatalf("unexpected record %+v", got)
	}

	if err := OpenJSON(key, []byte("not json"), []byte("aad"), &got); err == nil {
		t.Fatal("expected decode error")
	}
}
