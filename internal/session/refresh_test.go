package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRefresh(t *testing.T) (*RefreshStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRefreshStore(client), s
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	store, _ := setupTestRefresh(t)
	ctx := context.Background()

	data := TokenData{UserID: "usr_1", DisplayName: "Avery", Email: "avery@example.com"}
	if err := store.SaveRefreshSession(ctx, "hash-1", data, time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	got, err := store.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}
	if got.UserID != "usr_1" || got.Email != "avery@example.com" {
		t.Errorf("token data mismatch: %+v", got)
	}
}

func TestLookupExpiredRefreshSession(t *testing.T) {
	store, s := setupTestRefresh(t)
	ctx := context.Background()

	data := TokenData{UserID: "usr_2"}
	if err := store.SaveRefreshSession(ctx, "hash-2", data, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	s.FastForward(2 * time.Second)

	if _, err := store.LookupRefreshSession(ctx, "hash-2"); err == nil {
		t.Error("expected error for expired token, got nil")
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	store, _ := setupTestRefresh(t)
	ctx := context.Background()

	data := TokenData{UserID: "usr_3"}
	if err := store.SaveRefreshSession(ctx, "hash-3", data, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	if err := store.RevokeRefreshSession(ctx, "hash-3"); err != nil {
		t.Fatalf("RevokeRefreshSession failed: %v", err)
	}
	if _, err := store.LookupRefreshSession(ctx, "hash-3"); err == nil {
		t.Error("expected error for revoked token, got nil")
	}
}
