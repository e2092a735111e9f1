package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRegistry(client, time.Minute), s
}

func testSession(connID, projectID, userID string) Session {
	return Session{
		ConnID:    connID,
		ProjectID: projectID,
		UserID:    userID,
		Name:      "Avery",
		Color:     "#3cb44b",
		Visible:   true,
		JoinedAt:  time.Now(),
	}
}

func TestPutAndGet(t *testing.T) {
	registry, _ := setupTestRegistry(t)
	ctx := context.Background()

	superseded, err := registry.Put(ctx, testSession("conn-1", "prj_1", "usr_1"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if len(superseded) != 0 {
		t.Errorf("expected no superseded sessions, got %v", superseded)
	}

	sess, err := registry.Get(ctx, "conn-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sess.ProjectID != "prj_1" || sess.UserID != "usr_1" || !sess.Visible {
		t.Errorf("session round-trip mismatch: %+v", sess)
	}
}

func TestSingleSessionPerUserPerProject(t *testing.T) {
	registry, _ := setupTestRegistry(t)
	ctx := context.Background()

	if _, err := registry.Put(ctx, testSession("conn-1", "prj_1", "usr_1")); err != nil {
		t.Fatalf("Put conn-1 failed: %v", err)
	}
	superseded, err := registry.Put(ctx, testSession("conn-2", "prj_1", "usr_1"))
	if err != nil {
		t.Fatalf("Put conn-2 failed: %v", err)
	}
	if len(superseded) != 1 || superseded[0] != "conn-1" {
		t.Fatalf("expected conn-1 superseded, got %v", superseded)
	}

	sessions, err := registry.ListByProject(ctx, "prj_1")
	if err != nil {
		t.Fatalf("ListByProject failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ConnID != "conn-2" {
		t.Errorf("expected exactly conn-2 live, got %+v", sessions)
	}
}

func TestSameUserDifferentProjects(t *testing.T) {
	registry, _ := setupTestRegistry(t)
	ctx := context.Background()

	if _, err := registry.Put(ctx, testSession("conn-1", "prj_1", "usr_1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	superseded, err := registry.Put(ctx, testSession("conn-2", "prj_2", "usr_1"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if len(superseded) != 0 {
		t.Errorf("sessions in different projects should not supersede each other, got %v", superseded)
	}
}

func TestGuestsDoNotSupersede(t *testing.T) {
	registry, _ := setupTestRegistry(t)
	ctx := context.Background()

	if _, err := registry.Put(ctx, testSession("conn-1", "prj_1", "")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	superseded, err := registry.Put(ctx, testSession("conn-2", "prj_1", ""))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if len(superseded) != 0 {
		t.Errorf("guest sessions should never supersede, got %v", superseded)
	}

	sessions, err := registry.ListByProject(ctx, "prj_1")
	if err != nil {
		t.Fatalf("ListByProject failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("expected 2 guest sessions, got %d", len(sessions))
	}
}

func TestRemove(t *testing.T) {
	registry, _ := setupTestRegistry(t)
	ctx := context.Background()

	if _, err := registry.Put(ctx, testSession("conn-1", "prj_1", "usr_1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := registry.Remove(ctx, "conn-1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := registry.Get(ctx, "conn-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after remove, got %v", err)
	}

	// Removing again is a no-op
	if err := registry.Remove(ctx, "conn-1"); err != nil {
		t.Errorf("second Remove should not error: %v", err)
	}
}

func TestExpiredSessionsPrunedFromRoom(t *testing.T) {
	registry, s := setupTestRegistry(t)
	ctx := context.Background()

	if _, err := registry.Put(ctx, testSession("conn-1", "prj_1", "usr_1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	s.FastForward(2 * time.Minute)

	sessions, err := registry.ListByProject(ctx, "prj_1")
	if err != nil {
		t.Fatalf("ListByProject failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected expired session pruned, got %+v", sessions)
	}
}

func TestSetVisibility(t *testing.T) {
	registry, _ := setupTestRegistry(t)
	ctx := context.Background()

	if _, err := registry.Put(ctx, testSession("conn-1", "prj_1", "usr_1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	sess, err := registry.SetVisibility(ctx, "conn-1", false)
	if err != nil {
		t.Fatalf("SetVisibility failed: %v", err)
	}
	if sess.Visible {
		t.Error("expected session invisible")
	}

	// Still present in the room
	sessions, err := registry.ListByProject(ctx, "prj_1")
	if err != nil {
		t.Fatalf("ListByProject failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("invisible session should still be registered, got %d sessions", len(sessions))
	}
}

func TestTouchExtendsTTL(t *testing.T) {
	registry, s := setupTestRegistry(t)
	ctx := context.Background()

	if _, err := registry.Put(ctx, testSession("conn-1", "prj_1", "usr_1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	s.FastForward(45 * time.Second)
	if err := registry.Touch(ctx, "conn-1"); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	s.FastForward(45 * time.Second)

	if _, err := registry.Get(ctx, "conn-1"); err != nil {
		t.Errorf("touched session should still be live: %v", err)
	}
}

func TestRemoveByProject(t *testing.T) {
	registry, _ := setupTestRegistry(t)
	ctx := context.Background()

	if _, err := registry.Put(ctx, testSession("conn-1", "prj_1", "usr_1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := registry.Put(ctx, testSession("conn-2", "prj_1", "usr_2")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	removed, err := registry.RemoveByProject(ctx, "prj_1")
	if err != nil {
		t.Fatalf("RemoveByProject failed: %v", err)
	}
	if len(removed) != 2 {
		t.Errorf("expected 2 removed connections, got %v", removed)
	}
	sessions, err := registry.ListByProject(ctx, "prj_1")
	if err != nil {
		t.Fatalf("ListByProject failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected empty room, got %+v", sessions)
	}
}
