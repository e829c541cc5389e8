package auth

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestGenerateAndValidateKey(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := m.GenerateKey(ctx, "usr_1", "Primary key")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if !strings.HasPrefix(rawKey, "sk_") {
		t.Errorf("raw key missing prefix: %s", rawKey)
	}
	if key.UserID != "usr_1" {
		t.Errorf("unexpected user: %s", key.UserID)
	}

	got, err := m.ValidateKey(ctx, "Bearer "+rawKey)
	if err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}
	if got.ID != key.ID {
		t.Errorf("validated wrong key: %s != %s", got.ID, key.ID)
	}
}

func TestValidateKey_Rejections(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	if _, err := m.ValidateKey(ctx, ""); err != ErrNoAPIKey {
		t.Errorf("empty key: expected ErrNoAPIKey, got %v", err)
	}
	if _, err := m.ValidateKey(ctx, "not_a_key"); err != ErrInvalidAPIKey {
		t.Errorf("bad prefix: expected ErrInvalidAPIKey, got %v", err)
	}
	if _, err := m.ValidateKey(ctx, "sk_deadbeef"); err != ErrInvalidAPIKey {
		t.Errorf("unknown key: expected ErrInvalidAPIKey, got %v", err)
	}
}

func TestRevokeKey(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := m.GenerateKey(ctx, "usr_1", "k")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if err := m.RevokeKey(ctx, key.ID, "usr_1"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}
	if _, err := m.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("revoked key validated: %v", err)
	}

	// Wrong owner cannot revoke.
	_, key2, _ := m.GenerateKey(ctx, "usr_2", "k2")
	if err := m.RevokeKey(ctx, key2.ID, "usr_1"); err != ErrKeyNotFound {
		t.Errorf("cross-user revoke: expected ErrKeyNotFound, got %v", err)
	}
}

func TestValidateKey_Expired(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store)
	ctx := context.Background()

	rawKey, key, err := m.GenerateKey(ctx, "usr_1", "k")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	key.ExpiresAt = &past
	if err := store.Update(ctx, key); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := m.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("expired key validated: %v", err)
	}
}
