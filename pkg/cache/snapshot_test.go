package cache

import (
	"context"
	"testing"
	"time"
)

func TestSnapshotCache_SetGet(t *testing.T) {
	memCache := NewMemoryCache(nil)
	defer memCache.Close()

	snapCache := NewSnapshotCache(memCache, 5*time.Minute)

	ctx := context.Background()
	snapshot := &LearningMatrixSnapshot{
		SessionID: "sess-1",
		Buckets: []BucketStageSnapshot{
			{Hopper: 1, Stage: "coarse_time", Status: "completed_success", Attempts: 2},
			{Hopper: 1, Stage: "flight_material", Status: "in_progress", Attempts: 1},
		},
		Successes: 1,
		Failures:  0,
		Total:     24,
	}

	if err := snapCache.Set(ctx, snapshot, 0); err != nil {
		t.Fatalf("failed to set: %v", err)
	}

	got, found, err := snapCache.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if !found {
		t.Fatal("expected to find cached snapshot")
	}

	if got.SessionID != snapshot.SessionID {
		t.Errorf("expected session id %s, got %s", snapshot.SessionID, got.SessionID)
	}
	if len(got.Buckets) != 2 {
		t.Errorf("expected 2 buckets, got %d", len(got.Buckets))
	}
	if got.CapturedAt.IsZero() {
		t.Error("expected CapturedAt to be stamped on Set")
	}
}

func TestSnapshotCache_GetNotFound(t *testing.T) {
	memCache := NewMemoryCache(nil)
	defer memCache.Close()

	snapCache := NewSnapshotCache(memCache, 5*time.Minute)

	ctx := context.Background()
	result, found, err := snapCache.Get(ctx, "unknown-session")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Error("expected not found")
	}
	if result != nil {
		t.Error("expected nil result")
	}
}

func TestSnapshotCache_DifferentSessions(t *testing.T) {
	memCache := NewMemoryCache(nil)
	defer memCache.Close()

	snapCache := NewSnapshotCache(memCache, 5*time.Minute)

	ctx := context.Background()

	snapCache.Set(ctx, &LearningMatrixSnapshot{SessionID: "sess-a", Total: 24}, 0)

	_, found, _ := snapCache.Get(ctx, "sess-b")
	if found {
		t.Error("should not find snapshot for a different session")
	}
}

func TestSnapshotCache_Invalidate(t *testing.T) {
	memCache := NewMemoryCache(nil)
	defer memCache.Close()

	snapCache := NewSnapshotCache(memCache, 5*time.Minute)

	ctx := context.Background()
	snapCache.Set(ctx, &LearningMatrixSnapshot{SessionID: "sess-1", Total: 24}, 0)

	if err := snapCache.Invalidate(ctx, "sess-1"); err != nil {
		t.Fatalf("failed to invalidate: %v", err)
	}

	_, found, _ := snapCache.Get(ctx, "sess-1")
	if found {
		t.Error("expected snapshot to be invalidated")
	}
}

func TestSnapshotCache_AllCompleted(t *testing.T) {
	memCache := NewMemoryCache(nil)
	defer memCache.Close()

	snapCache := NewSnapshotCache(memCache, 5*time.Minute)

	ctx := context.Background()
	snapshot := &LearningMatrixSnapshot{
		SessionID:    "sess-done",
		Successes:    24,
		Failures:     0,
		Total:        24,
		AllCompleted: true,
	}

	if err := snapCache.Set(ctx, snapshot, 0); err != nil {
		t.Fatalf("failed to set: %v", err)
	}

	got, found, err := snapCache.Get(ctx, "sess-done")
	if err != nil || !found {
		t.Fatalf("expected to find snapshot, found=%v err=%v", found, err)
	}
	if !got.AllCompleted {
		t.Error("expected AllCompleted to round-trip as true")
	}
}
