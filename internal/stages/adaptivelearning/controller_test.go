package adaptivelearning

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"calibration/internal/aggregator"
	"calibration/internal/analysis"
	"calibration/internal/events"
	"calibration/internal/monitoring"
	"calibration/internal/plc"
	"calibration/internal/stages/common"
	"calibration/pkg/cache"
	"calibration/pkg/config"
)

type fakeTransport struct {
	mu        sync.Mutex
	registers map[uint16]uint16
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{registers: map[uint16]uint16{}}
}

func (f *fakeTransport) WriteHoldingRegister(addr uint16, value uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers[addr] = value
	return nil
}

func (f *fakeTransport) ReadHoldingRegister(addr uint16) (int16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int16(f.registers[addr]), nil
}

func (f *fakeTransport) ToStoreValue(display float64) uint16 { return uint16(display * 10) }
func (f *fakeTransport) ToDisplayWeight(raw int16) float64   { return float64(raw) / 10 }

func (f *fakeTransport) WriteCoil(addr uint16, value bool) error { return nil }
func (f *fakeTransport) ReadCoil(addr uint16) (bool, error)      { return false, nil }

type fakeClock struct{}

func (fakeClock) Now() time.Time      { return time.Now() }
func (fakeClock) Sleep(time.Duration) {}

func newTestController(t *testing.T, handler http.Handler) (*Controller, *fakeTransport, *events.Bus, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	tr := newFakeTransport()
	bucket := plc.NewBucketControl(tr, fakeClock{})
	engine := monitoring.New(tr, bucket, config.MonitoringConfig{})
	client := analysis.New(config.AnalysisConfig{BaseURL: srv.URL, RequestTimeout: 2 * time.Second}, nil)
	bus := events.NewBus(16)
	matrix := aggregator.New("sess-1", []int{1}, bus, cache.NewSnapshotCache(cache.NewMemoryCache(nil), 0))
	c := New(tr, bucket, engine, client, matrix, bus, fakeClock{})
	return c, tr, bus, srv.Close
}

func waitForEvent(t *testing.T, bus *events.Bus, kind events.Kind) events.Event {
	t.Helper()
	select {
	case ev := <-bus.Events():
		if ev.Kind != kind {
			t.Fatalf("expected event kind %s, got %+v", kind, ev)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event kind %s", kind)
	}
	return events.Event{}
}

// TestController_FirstAttemptWritesTargetAndFallValue verifies the "only
// the first attempt overall rewrites target weight and fall value" rule
// (spec §4.I step 1).
func TestController_FirstAttemptWritesTargetAndFallValue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/adaptive_learning/analyze", func(w http.ResponseWriter, r *http.Request) {
		adjusted := 0.5
		_ = json.NewEncoder(w).Encode(analysis.AdaptiveLearningResponse{
			Success: true, IsCompliant: false,
			NewParams: &analysis.AdaptiveLearningParams{FallValue: &adjusted},
		})
	})
	c, tr, bus, closeFn := newTestController(t, mux)
	defer closeFn()
	_ = bus

	c.Start(common.Carry{Hopper: 1, TargetWeight: 200})
	targetAddr := plc.RegisterAddress(1, plc.RoleTargetWeight)
	if tr.registers[targetAddr] != tr.ToStoreValue(200) {
		t.Fatalf("expected target weight written on the first attempt, got %d", tr.registers[targetAddr])
	}

	fallAddr := plc.RegisterAddress(1, plc.RoleFallValue)
	before := tr.registers[fallAddr]
	if before != tr.ToStoreValue(DefaultFallValue) {
		t.Fatalf("expected default fall-value %v written, got register %d", DefaultFallValue, before)
	}

	// A non-compliant verdict re-arms for a second physical attempt (no
	// terminal event yet) and must not rewrite the target-weight register
	// a second time; only the analysis-adjusted fall-value changes.
	c.OnTargetReached(1, 3*time.Second)
	time.Sleep(30 * time.Millisecond)

	if tr.registers[targetAddr] != tr.ToStoreValue(200) {
		t.Fatalf("target weight register must remain stable across attempts, got %d", tr.registers[targetAddr])
	}
	if tr.registers[fallAddr] != tr.ToStoreValue(0.5) {
		t.Fatalf("expected fall-value register updated to the adjusted value, got %d", tr.registers[fallAddr])
	}
}

func TestController_ThreeConsecutiveCompliantTrialsSucceed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/adaptive_learning/analyze", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(analysis.AdaptiveLearningResponse{Success: true, IsCompliant: true})
	})
	c, _, bus, closeFn := newTestController(t, mux)
	defer closeFn()

	c.Start(common.Carry{Hopper: 1, TargetWeight: 200})

	for i := 0; i < consecutiveSuccessTarget; i++ {
		c.OnCoarseActiveChanged(1, false)
		c.OnTargetReached(1, 3*time.Second)
		if i < consecutiveSuccessTarget-1 {
			time.Sleep(20 * time.Millisecond)
		}
	}

	ev := waitForEvent(t, bus, events.KindBucketStateChanged)
	if ev.NewState != string(aggregator.StatusCompletedSuccess) {
		t.Fatalf("expected three consecutive compliant trials to succeed the stage, got %+v", ev)
	}
}

func TestController_NonComplianceResetsConsecutiveCounter(t *testing.T) {
	var call int
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("/api/adaptive_learning/analyze", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		call++
		n := call
		mu.Unlock()
		// Compliant, compliant, non-compliant, then three more compliant:
		// the counter must restart from zero after the non-compliant
		// verdict rather than only needing one more success.
		if n == 3 {
			adj := 0.35
			_ = json.NewEncoder(w).Encode(analysis.AdaptiveLearningResponse{
				Success: true, IsCompliant: false,
				NewParams: &analysis.AdaptiveLearningParams{FallValue: &adj},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(analysis.AdaptiveLearningResponse{Success: true, IsCompliant: true})
	})
	c, _, bus, closeFn := newTestController(t, mux)
	defer closeFn()

	c.Start(common.Carry{Hopper: 1, TargetWeight: 200})

	for i := 0; i < 5; i++ {
		c.OnTargetReached(1, 3*time.Second)
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case ev := <-bus.Events():
		t.Fatalf("expected no terminal transition yet after 5 attempts (2 consecutive after reset), got %+v", ev)
	default:
	}
}

func TestController_MissingAdjustmentFailsStage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/adaptive_learning/analyze", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(analysis.AdaptiveLearningResponse{Success: true, IsCompliant: false})
	})
	c, _, bus, closeFn := newTestController(t, mux)
	defer closeFn()

	c.Start(common.Carry{Hopper: 1, TargetWeight: 200})
	c.OnTargetReached(1, 3*time.Second)

	ev := waitForEvent(t, bus, events.KindBucketStateChanged)
	if ev.NewState != string(aggregator.StatusCompletedFailure) {
		t.Fatalf("expected a missing-adjustment failure, got %+v", ev)
	}
}

func TestController_StarvationFailsStage(t *testing.T) {
	c, _, bus, closeFn := newTestController(t, http.NewServeMux())
	defer closeFn()

	c.Start(common.Carry{Hopper: 1, TargetWeight: 200})
	c.OnStarvation(1, "adaptive-learning", false)

	ev := waitForEvent(t, bus, events.KindBucketStateChanged)
	if ev.NewState != string(aggregator.StatusCompletedFailure) {
		t.Fatalf("expected starvation to fail the stage, got %+v", ev)
	}
}
