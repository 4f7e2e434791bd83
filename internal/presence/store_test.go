package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := NewStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create presence store: %v", err)
	}
	return store, s
}

func TestHeartbeatAndListActive(t *testing.T) {
	store, s := setupTestStore(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.Heartbeat(ctx, "proj-1", "user-1", "interview-3", "viewing"); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	active, err := store.ListActive(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active entry, got %d", len(active))
	}
	if active[0].SubjectID != "user-1" || active[0].Location != "interview-3" {
		t.Errorf("unexpected entry: %+v", active[0])
	}
}

func TestTwoHeartbeatsCollapseIntoOneEntry(t *testing.T) {
	store, s := setupTestStore(t)
	defer store.Close()
	defer s.Close()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	ctx := context.Background()
	if err := store.Heartbeat(ctx, "proj-1", "user-1", "interview-3", ""); err != nil {
		t.Fatalf("first Heartbeat failed: %v", err)
	}

	later := base.Add(10 * time.Second)
	store.now = func() time.Time { return later }
	if err := store.Heartbeat(ctx, "proj-1", "user-1", "interview-4", ""); err != nil {
		t.Fatalf("second Heartbeat failed: %v", err)
	}

	active, err := store.ListActive(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 entry after two heartbeats, got %d", len(active))
	}
	if !active[0].LastSeenAt.Equal(later) {
		t.Errorf("lastSeenAt = %v, want %v", active[0].LastSeenAt, later)
	}
	if active[0].Location != "interview-4" {
		t.Errorf("location = %q, want interview-4", active[0].Location)
	}
}

func TestExpiredEntriesExcludedLazily(t *testing.T) {
	store, s := setupTestStore(t)
	defer store.Close()
	defer s.Close()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	ctx := context.Background()
	if err := store.Heartbeat(ctx, "proj-1", "stale-user", "", ""); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if err := store.Heartbeat(ctx, "proj-1", "fresh-user", "", ""); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	// fresh-user beats again just inside the window; stale-user never does.
	almostExpired := base.Add(TTL - time.Second)
	store.now = func() time.Time { return almostExpired }
	if err := store.Heartbeat(ctx, "proj-1", "fresh-user", "", ""); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	readTime := base.Add(TTL + time.Minute)
	store.now = func() time.Time { return readTime }

	active, err := store.ListActive(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active entry, got %d", len(active))
	}
	if active[0].SubjectID != "fresh-user" {
		t.Errorf("active subject = %q, want fresh-user", active[0].SubjectID)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	store, s := setupTestStore(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.Heartbeat(ctx, "proj-1", "user-1", "", ""); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if err := store.Remove(ctx, "proj-1", "user-1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := store.Remove(ctx, "proj-1", "user-1"); err != nil {
		t.Fatalf("second Remove failed: %v", err)
	}

	active, err := store.ListActive(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active entries, got %d", len(active))
	}
}
