package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	return store, s
}

func TestSaveAndLookup(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	rec := Record{UserID: 7, Username: "alice", Role: "editor", CSRFToken: "csrf-1"}

	if err := store.Save(ctx, HashToken("token-1"), rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Lookup(ctx, HashToken("token-1"))
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got.UserID != 7 {
		t.Errorf("expected user 7, got %d", got.UserID)
	}
	if got.Username != "alice" {
		t.Errorf("expected alice, got %s", got.Username)
	}
	if got.Role != "editor" {
		t.Errorf("expected editor, got %s", got.Role)
	}
	if got.CSRFToken != "csrf-1" {
		t.Errorf("expected csrf-1, got %s", got.CSRFToken)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestLookupUnknownToken(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	_, err := store.Lookup(context.Background(), HashToken("no-such-token"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	hash := HashToken("token-ttl")
	if err := store.Save(ctx, hash, Record{UserID: 1}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	s.FastForward(2 * time.Hour)

	_, err := store.Lookup(ctx, hash)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()

	// Save two different sessions
	if err := store.Save(ctx, HashToken("token-1"), Record{UserID: 1, Username: "u1"}); err != nil {
		t.Fatalf("Save 1 failed: %v", err)
	}
	if err := store.Save(ctx, HashToken("token-2"), Record{UserID: 2, Username: "u2"}); err != nil {
		t.Fatalf("Save 2 failed: %v", err)
	}

	if err := store.Revoke(ctx, HashToken("token-1")); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	// token-1 should be gone
	if _, err := store.Lookup(ctx, HashToken("token-1")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for revoked token, got %v", err)
	}

	// token-2 should still exist
	got, err := store.Lookup(ctx, HashToken("token-2"))
	if err != nil {
		t.Fatalf("Lookup token-2 after revoke failed: %v", err)
	}
	if got.UserID != 2 {
		t.Errorf("expected user 2 after revoke, got %d", got.UserID)
	}
}

func TestNewTokenUniqueness(t *testing.T) {
	a := NewToken()
	b := NewToken()
	if a == b {
		t.Error("expected distinct tokens")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	if HashToken(a) == a {
		t.Error("expected hash to differ from raw token")
	}
}
