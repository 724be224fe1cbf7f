package aggregator

import (
	"context"
	"testing"

	"calibration/internal/events"
	"calibration/pkg/cache"
)

func newTestMatrix(t *testing.T, hoppers []int) (*Matrix, *events.Bus) {
	t.Helper()
	bus := events.NewBus(64)
	snapshots := cache.NewSnapshotCache(cache.NewMemoryCache(nil), 0)
	return New("sess-1", hoppers, bus, snapshots), bus
}

func TestMatrix_StartAndCompleteStage(t *testing.T) {
	m, bus := newTestMatrix(t, []int{1})

	if err := m.StartStage(1, StageCoarseTime); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.CompleteStage(context.Background(), 1, StageCoarseTime, true, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case ev := <-bus.Events():
		if ev.Kind != events.KindBucketStateChanged || ev.Hopper != 1 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected a bucket-state-changed event")
	}
}

func TestMatrix_UnknownCellErrors(t *testing.T) {
	m, _ := newTestMatrix(t, []int{1})

	if err := m.StartStage(99, StageCoarseTime); err == nil {
		t.Fatal("expected an error for an unknown hopper")
	}
}

func TestMatrix_CountsAndCompletion(t *testing.T) {
	m, _ := newTestMatrix(t, []int{1, 2})

	for _, h := range []int{1, 2} {
		for _, s := range Stages {
			_ = m.StartStage(h, s)
			_ = m.CompleteStage(context.Background(), h, s, true, "")
		}
	}

	successes, failures, total := m.Counts()
	if successes != 8 || failures != 0 || total != 8 {
		t.Fatalf("expected 8 successes of 8 total, got successes=%d failures=%d total=%d", successes, failures, total)
	}
	if !m.IsAllCompleted() {
		t.Fatal("expected IsAllCompleted to be true")
	}
}

func TestMatrix_AllCompletedFiresExactlyOnce(t *testing.T) {
	m, bus := newTestMatrix(t, []int{1})

	for _, s := range Stages {
		_ = m.StartStage(1, s)
		_ = m.CompleteStage(context.Background(), 1, s, true, "")
	}

	// Every completion publishes a bucket-state-changed event; the last one
	// is followed by the all-completed event, so drain the whole buffer.
	var allCompletedCount int
	for len(bus.Events()) > 0 {
		ev := <-bus.Events()
		if ev.Kind == events.KindAllCompleted {
			allCompletedCount++
		}
	}
	if allCompletedCount != 1 {
		t.Fatalf("expected exactly one all-completed event, got %d", allCompletedCount)
	}
}

func TestMatrix_CompleteFailureRecordsReason(t *testing.T) {
	m, _ := newTestMatrix(t, []int{1})

	_ = m.StartStage(1, StageCoarseTime)
	_ = m.CompleteStage(context.Background(), 1, StageCoarseTime, false, "budget exhausted")

	snap := m.Snapshot()
	for _, b := range snap.Buckets {
		if b.Hopper == 1 && b.Stage == string(StageCoarseTime) {
			if b.Status != string(StatusCompletedFailure) || b.Message != "budget exhausted" {
				t.Fatalf("unexpected bucket snapshot: %+v", b)
			}
			return
		}
	}
	t.Fatal("expected to find the coarse-time bucket in the snapshot")
}

func TestMatrix_SetFinalParams(t *testing.T) {
	m, _ := newTestMatrix(t, []int{1})

	_ = m.StartStage(1, StageCoarseTime)
	m.SetFinalParams(1, StageCoarseTime, map[string]float64{"coarse_speed": 68})
	_ = m.CompleteStage(context.Background(), 1, StageCoarseTime, true, "")

	m.mu.Lock()
	cell := m.cells[cellKey{1, StageCoarseTime}]
	m.mu.Unlock()
	if cell.FinalParams["coarse_speed"] != 68 {
		t.Fatalf("expected final params to be retained, got %+v", cell.FinalParams)
	}
}

func TestMatrix_FailureCascadesRemainingStages(t *testing.T) {
	m, bus := newTestMatrix(t, []int{1, 2})

	_ = m.StartStage(1, StageCoarseTime)
	_ = m.CompleteStage(context.Background(), 1, StageCoarseTime, false, "starvation detected")

	snap := m.Snapshot()
	for _, b := range snap.Buckets {
		if b.Hopper != 1 {
			continue
		}
		if b.Status != string(StatusCompletedFailure) {
			t.Fatalf("expected hopper 1's %s cell to be force-completed as a failure, got %+v", b.Stage, b)
		}
		if b.Stage == string(StageCoarseTime) {
			if b.Message != "starvation detected" {
				t.Fatalf("expected the failing stage to keep its own reason, got %+v", b)
			}
		} else if b.Message != "upstream stage failed" {
			t.Fatalf("expected cascaded stage %s to record an upstream-failure reason, got %+v", b.Stage, b)
		}
	}

	if m.IsAllCompleted() {
		t.Fatal("hopper 2 has not been touched, IsAllCompleted should still be false")
	}

	for _, s := range Stages {
		_ = m.StartStage(2, s)
		_ = m.CompleteStage(context.Background(), 2, s, true, "")
	}

	if !m.IsAllCompleted() {
		t.Fatal("expected IsAllCompleted to be true once hopper 2 finishes, despite hopper 1 failing early")
	}

	var allCompletedCount int
drain:
	for {
		select {
		case ev := <-bus.Events():
			if ev.Kind == events.KindAllCompleted {
				allCompletedCount++
			}
		default:
			break drain
		}
	}
	if allCompletedCount != 1 {
		t.Fatalf("expected exactly one all-completed event despite the early failure, got %d", allCompletedCount)
	}
}

func TestMatrix_CompleteStageIsIdempotentOnATerminalCell(t *testing.T) {
	m, bus := newTestMatrix(t, []int{1})

	_ = m.StartStage(1, StageCoarseTime)
	_ = m.CompleteStage(context.Background(), 1, StageCoarseTime, false, "starvation detected")

	for len(bus.Events()) > 0 {
		<-bus.Events()
	}

	// A second completion of the same cell (e.g. a cancel racing a failure)
	// must not re-fire on-bucket-state-changed or overwrite the reason.
	if err := m.CompleteStage(context.Background(), 1, StageCoarseTime, false, "operator cancelled the session"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case ev := <-bus.Events():
		t.Fatalf("expected no event from completing an already-terminal cell, got %+v", ev)
	default:
	}

	snap := m.Snapshot()
	for _, b := range snap.Buckets {
		if b.Hopper == 1 && b.Stage == string(StageCoarseTime) {
			if b.Message != "starvation detected" {
				t.Fatalf("expected the original reason to be retained, got %+v", b)
			}
			return
		}
	}
	t.Fatal("expected to find the coarse-time bucket in the snapshot")
}

func TestMatrix_PublishSnapshot(t *testing.T) {
	m, _ := newTestMatrix(t, []int{1})
	if err := m.PublishSnapshot(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
