package monitoring

import (
	"testing"
	"time"

	"calibration/internal/plc"
	"calibration/pkg/config"
)

type fakeTransport struct {
	coils     map[uint16]bool
	registers map[uint16]int16
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{coils: make(map[uint16]bool), registers: make(map[uint16]int16)}
}

func (f *fakeTransport) ReadCoil(addr uint16) (bool, error) {
	return f.coils[addr], nil
}

func (f *fakeTransport) ReadHoldingRegister(addr uint16) (int16, error) {
	return f.registers[addr], nil
}

func (f *fakeTransport) ToDisplayWeight(raw int16) float64 {
	return float64(raw) / 10
}

type fakeStopper struct {
	stopped []int
}

func (f *fakeStopper) StopHopper(hopper int) plc.Result {
	f.stopped = append(f.stopped, hopper)
	return plc.Result{Success: true}
}

type recordingListener struct {
	targetReached   []int
	coarseFalling   []int
	starvations     []int
	starvationStage string
}

func (r *recordingListener) OnTargetReached(hopper int, _ time.Duration) {
	r.targetReached = append(r.targetReached, hopper)
}

func (r *recordingListener) OnCoarseActiveChanged(hopper int, active bool) {
	if !active {
		r.coarseFalling = append(r.coarseFalling, hopper)
	}
}

func (r *recordingListener) OnStarvation(hopper int, stage string, _ bool) {
	r.starvations = append(r.starvations, hopper)
	r.starvationStage = stage
}

func testConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		TickInterval:         100 * time.Millisecond,
		StarvationWindow:     15 * time.Second,
		StarvationDebounceMS: 200,
	}
}

func TestEngine_TargetReachedRisingEdge(t *testing.T) {
	transport := newFakeTransport()
	engine := New(transport, &fakeStopper{}, testConfig())
	listener := &recordingListener{}

	engine.Arm(1, ArmOptions{Stage: "coarse-time"}, listener)

	engine.pollOnce([]int{1}) // still false, no edge
	if len(listener.targetReached) != 0 {
		t.Fatal("expected no edge while target-reached stays false")
	}

	transport.coils[plc.StatusCoilAddress(1, plc.RoleTargetReached)] = true
	engine.pollOnce([]int{1})
	if len(listener.targetReached) != 1 {
		t.Fatalf("expected exactly one rising edge, got %d", len(listener.targetReached))
	}

	engine.pollOnce([]int{1}) // still true, must not re-fire
	if len(listener.targetReached) != 1 {
		t.Fatal("expected no repeat edge while target-reached stays true")
	}
}

func TestEngine_CoarseActiveBootstrapDoesNotEmit(t *testing.T) {
	transport := newFakeTransport()
	transport.coils[plc.StatusCoilAddress(2, plc.RoleCoarseActive)] = false // already past coarse phase
	engine := New(transport, &fakeStopper{}, testConfig())
	listener := &recordingListener{}

	engine.Arm(2, ArmOptions{Stage: "adaptive-learning", WatchCoarseActive: true}, listener)
	engine.pollOnce([]int{2})

	if len(listener.coarseFalling) != 0 {
		t.Fatal("expected the bootstrap observation to not emit a falling edge")
	}
}

func TestEngine_CoarseActiveFallingEdge(t *testing.T) {
	transport := newFakeTransport()
	transport.coils[plc.StatusCoilAddress(2, plc.RoleCoarseActive)] = true
	engine := New(transport, &fakeStopper{}, testConfig())
	listener := &recordingListener{}

	engine.Arm(2, ArmOptions{Stage: "adaptive-learning", WatchCoarseActive: true}, listener)
	engine.pollOnce([]int{2}) // bootstrap, no edge

	transport.coils[plc.StatusCoilAddress(2, plc.RoleCoarseActive)] = false
	engine.pollOnce([]int{2})

	if len(listener.coarseFalling) != 1 {
		t.Fatalf("expected one falling edge, got %d", len(listener.coarseFalling))
	}
}

func TestEngine_StarvationDetectedAndStopsHopper(t *testing.T) {
	transport := newFakeTransport()
	stopper := &fakeStopper{}
	engine := New(transport, stopper, config.MonitoringConfig{
		TickInterval:         100 * time.Millisecond,
		StarvationWindow:     1 * time.Millisecond,
		StarvationDebounceMS: 1,
	})
	listener := &recordingListener{}

	transport.coils[plc.ControlCoilAddress(3, plc.RoleStart)] = true
	transport.coils[plc.StatusCoilAddress(3, plc.RoleTargetReached)] = false
	transport.registers[plc.RegisterAddress(3, plc.RoleLiveWeight)] = 1000 // 100.0g

	engine.Arm(3, ArmOptions{Stage: "coarse-time", StarvationCheck: true}, listener)

	engine.pollOnce([]int{3})
	time.Sleep(2 * time.Millisecond)
	engine.pollOnce([]int{3}) // weight unchanged -> delta ~0 over a full window

	if len(listener.starvations) != 1 {
		t.Fatalf("expected exactly one starvation event, got %d", len(listener.starvations))
	}
	if listener.starvationStage != "coarse-time" {
		t.Fatalf("expected starvation stage coarse-time, got %s", listener.starvationStage)
	}
	if len(stopper.stopped) != 1 || stopper.stopped[0] != 3 {
		t.Fatalf("expected the stop sequence to be issued for hopper 3, got %v", stopper.stopped)
	}

	time.Sleep(2 * time.Millisecond)
	engine.pollOnce([]int{3})
	if len(listener.starvations) != 1 {
		t.Fatal("expected starvation to fire at most once per arm cycle")
	}
}

func TestEngine_NoStarvationWhenWeightIncreasing(t *testing.T) {
	transport := newFakeTransport()
	engine := New(transport, &fakeStopper{}, config.MonitoringConfig{
		TickInterval:         100 * time.Millisecond,
		StarvationWindow:     1 * time.Millisecond,
		StarvationDebounceMS: 1,
	})
	listener := &recordingListener{}

	transport.coils[plc.ControlCoilAddress(4, plc.RoleStart)] = true
	engine.Arm(4, ArmOptions{Stage: "coarse-time", StarvationCheck: true}, listener)

	transport.registers[plc.RegisterAddress(4, plc.RoleLiveWeight)] = 100
	engine.pollOnce([]int{4})
	time.Sleep(2 * time.Millisecond)
	transport.registers[plc.RegisterAddress(4, plc.RoleLiveWeight)] = 500 // +40.0g, well above the 0.3g threshold
	engine.pollOnce([]int{4})

	if len(listener.starvations) != 0 {
		t.Fatal("expected no starvation event while weight is increasing")
	}
}

func TestEngine_DisarmStopsEdgeDelivery(t *testing.T) {
	transport := newFakeTransport()
	engine := New(transport, &fakeStopper{}, testConfig())
	listener := &recordingListener{}

	engine.Arm(1, ArmOptions{Stage: "coarse-time"}, listener)
	engine.Disarm(1)

	transport.coils[plc.StatusCoilAddress(1, plc.RoleTargetReached)] = true
	engine.pollOnce(engine.snapshotArmed())

	if len(listener.targetReached) != 0 {
		t.Fatal("expected a disarmed hopper to not receive edges")
	}
}

func TestEngine_DisarmAllClearsEverything(t *testing.T) {
	transport := newFakeTransport()
	engine := New(transport, &fakeStopper{}, testConfig())
	listener := &recordingListener{}

	engine.Arm(1, ArmOptions{Stage: "coarse-time"}, listener)
	engine.Arm(2, ArmOptions{Stage: "coarse-time"}, listener)
	engine.DisarmAll()

	if len(engine.snapshotArmed()) != 0 {
		t.Fatal("expected DisarmAll to clear every armed hopper")
	}
}

func TestEngine_StartStop(t *testing.T) {
	transport := newFakeTransport()
	engine := New(transport, &fakeStopper{}, testConfig())

	engine.Start()
	time.Sleep(10 * time.Millisecond)
	engine.Stop()
}
