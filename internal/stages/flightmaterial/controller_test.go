package flightmaterial

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
	coils     map[uint16]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{registers: map[uint16]uint16{}, coils: map[uint16]bool{}}
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

func (f *fakeTransport) WriteCoil(addr uint16, value bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coils[addr] = value
	return nil
}

func (f *fakeTransport) ReadCoil(addr uint16) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.coils[addr], nil
}

func (f *fakeTransport) setWeight(hopper int, weight float64) {
	f.WriteHoldingRegister(plc.RegisterAddress(hopper, plc.RoleLiveWeight), f.ToStoreValue(weight))
}

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

func TestController_ThreeTrialsThenSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/flight_material/analyze", func(w http.ResponseWriter, r *http.Request) {
		var req analysis.FlightMaterialRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.RecordedWeights[0] == 0 || req.RecordedWeights[1] == 0 || req.RecordedWeights[2] == 0 {
			t.Errorf("expected three recorded weights, got %+v", req.RecordedWeights)
		}
		_ = json.NewEncoder(w).Encode(analysis.FlightMaterialResponse{Success: true, AvgFlightMaterial: 0.42})
	})
	c, tr, bus, closeFn := newTestController(t, mux)
	defer closeFn()

	var gotCarry common.Carry
	c.OnSuccess = func(carry common.Carry) { gotCarry = carry }

	c.Start(common.Carry{Hopper: 1, TargetWeight: 200, InitialCoarseSpeed: 72})

	for i := 0; i < TrialCount; i++ {
		tr.setWeight(1, 5.1)
		c.OnTargetReached(1, 2*time.Second)
		if i < TrialCount-1 {
			time.Sleep(10 * time.Millisecond)
		}
	}

	ev := waitForEvent(t, bus, events.KindBucketStateChanged)
	if ev.NewState != string(aggregator.StatusCompletedSuccess) {
		t.Fatalf("expected success, got %+v", ev)
	}
	_ = gotCarry
}

func TestController_TrialFailureIsImmediateStageFailure(t *testing.T) {
	c, _, bus, closeFn := newTestController(t, http.NewServeMux())
	defer closeFn()

	c.Start(common.Carry{Hopper: 1, TargetWeight: 200})
	c.OnStarvation(1, "flight-material", false)

	ev := waitForEvent(t, bus, events.KindBucketStateChanged)
	if ev.NewState != string(aggregator.StatusCompletedFailure) {
		t.Fatalf("expected starvation to fail the stage immediately, got %+v", ev)
	}
}
