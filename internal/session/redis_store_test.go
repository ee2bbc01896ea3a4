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
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestCreateAndGetSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	teamID := int64(7)
	user := User{ID: 42, Name: "Lucía", Email: "lucia@example.com", Role: "manager", TeamID: &teamID}

	created, err := store.Create(ctx, user)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected non-empty session ID")
	}
	// 32 bytes of CSRF secret, hex-encoded
	if len(created.CSRFSecret) != 64 {
		t.Fatalf("expected 64 hex chars of CSRF secret, got %d", len(created.CSRFSecret))
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.User != user {
		t.Errorf("expected user snapshot %+v, got %+v", user, got.User)
	}
	if got.CSRFSecret != created.CSRFSecret {
		t.Error("CSRF secret changed between Create and Get")
	}
}

func TestCreateIssuesFreshIdentifier(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	user := User{ID: 1, Name: "Marta", Role: "employee"}

	first, err := store.Create(ctx, user)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	second, err := store.Create(ctx, user)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if first.ID == second.ID {
		t.Error("expected a fresh session identifier on each establishment")
	}
	if first.CSRFSecret == second.CSRFSecret {
		t.Error("expected a fresh CSRF secret on each establishment")
	}
}

func TestGetExpiredSession(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()
	store, err := NewRedisStore("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	created, err := store.Create(ctx, User{ID: 5, Name: "Pau"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	s.FastForward(2 * time.Minute)

	if _, err := store.Get(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for expired session, got %v", err)
	}
}

func TestGetNonExistentSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	if _, err := store.Get(context.Background(), "no-such-session"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDestroySession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	created, err := store.Create(ctx, User{ID: 9, Name: "Nico"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := store.Destroy(ctx, created.ID); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if _, err := store.Get(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after destroy, got %v", err)
	}

	// Destroying an unknown identifier should not error
	if err := store.Destroy(ctx, "no-such-session"); err != nil {
		t.Errorf("Destroy for unknown session failed: %v", err)
	}
}

func TestSessionIsolation(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	one, err := store.Create(ctx, User{ID: 1, Name: "Ana"})
	if err != nil {
		t.Fatalf("Create 1 failed: %v", err)
	}
	two, err := store.Create(ctx, User{ID: 2, Name: "Iker"})
	if err != nil {
		t.Fatalf("Create 2 failed: %v", err)
	}

	if err := store.Destroy(ctx, one.ID); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	got, err := store.Get(ctx, two.ID)
	if err != nil {
		t.Fatalf("Get after destroy of sibling failed: %v", err)
	}
	if got.User.ID != 2 {
		t.Errorf("expected user 2, got %d", got.User.ID)
	}
}
