package plc

import (
	"errors"
	"testing"
	"time"
)

type recordedWrite struct {
	addr  uint16
	value bool
	at    time.Time
}

// fakeClock is an injectable Clock (Design Notes §9) recording each sleep
// request without blocking, so sequence tests run instantly while still
// asserting the contractual delays were requested.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

type fakeCoilWriter struct {
	writes  []recordedWrite
	clock   *fakeClock
	failAt  int
	failErr error
}

func (w *fakeCoilWriter) WriteCoil(addr uint16, value bool) error {
	if w.failAt == len(w.writes) {
		w.writes = append(w.writes, recordedWrite{addr: addr, value: value, at: w.clock.now})
		return w.failErr
	}
	w.writes = append(w.writes, recordedWrite{addr: addr, value: value, at: w.clock.now})
	return nil
}

func newTestBucketControl() (*BucketControl, *fakeCoilWriter, *fakeClock) {
	clock := &fakeClock{}
	writer := &fakeCoilWriter{clock: clock, failAt: -1}
	return NewBucketControl(writer, clock), writer, clock
}

func TestStartHopper_OrderAndDelay(t *testing.T) {
	bc, writer, clock := newTestBucketControl()

	result := bc.StartHopper(2)

	if !result.Success {
		t.Fatalf("expected success, got failure: %s", result.Message)
	}
	if len(writer.writes) != 2 {
		t.Fatalf("expected 2 writes, got %d", len(writer.writes))
	}

	stopAddr := ControlCoilAddress(2, RoleStop)
	startAddr := ControlCoilAddress(2, RoleStart)

	if writer.writes[0].addr != stopAddr || writer.writes[0].value != false {
		t.Fatalf("expected first write to be stop=false, got %+v", writer.writes[0])
	}
	if writer.writes[1].addr != startAddr || writer.writes[1].value != true {
		t.Fatalf("expected second write to be start=true, got %+v", writer.writes[1])
	}
	if len(clock.sleeps) != 1 || clock.sleeps[0] != interStepDelay {
		t.Fatalf("expected one %s sleep between steps, got %v", interStepDelay, clock.sleeps)
	}
}

func TestStopHopper_OrderAndDelay(t *testing.T) {
	bc, writer, _ := newTestBucketControl()

	result := bc.StopHopper(1)

	if !result.Success {
		t.Fatalf("expected success, got failure: %s", result.Message)
	}
	if writer.writes[0].addr != ControlCoilAddress(1, RoleStart) || writer.writes[0].value != false {
		t.Fatalf("expected first write to be start=false, got %+v", writer.writes[0])
	}
	if writer.writes[1].addr != ControlCoilAddress(1, RoleStop) || writer.writes[1].value != true {
		t.Fatalf("expected second write to be stop=true, got %+v", writer.writes[1])
	}
}

func TestDischarge_UsesDischargeDelay(t *testing.T) {
	bc, _, clock := newTestBucketControl()

	result := bc.Discharge(1)

	if !result.Success {
		t.Fatalf("expected success, got failure: %s", result.Message)
	}
	if len(clock.sleeps) != 1 || clock.sleeps[0] != dischargeDelay {
		t.Fatalf("expected discharge delay %s, got %v", dischargeDelay, clock.sleeps)
	}
}

func TestCalibrationPulses_UseCalibrationDelay(t *testing.T) {
	bc, _, clock := newTestBucketControl()

	if r := bc.ZeroCalibration(3); !r.Success {
		t.Fatalf("expected zero-calibration success, got %s", r.Message)
	}
	if clock.sleeps[0] != calibrationDelay {
		t.Fatalf("expected calibration delay %s, got %s", calibrationDelay, clock.sleeps[0])
	}

	bc2, _, clock2 := newTestBucketControl()
	if r := bc2.WeightCalibration(3); !r.Success {
		t.Fatalf("expected weight-calibration success, got %s", r.Message)
	}
	if clock2.sleeps[0] != calibrationDelay {
		t.Fatalf("expected calibration delay %s, got %s", calibrationDelay, clock2.sleeps[0])
	}
}

func TestRun_FailedStepStopsSequence(t *testing.T) {
	clock := &fakeClock{}
	writer := &fakeCoilWriter{clock: clock, failAt: 0, failErr: errors.New("bus timeout")}
	bc := NewBucketControl(writer, clock)

	result := bc.StartHopper(1)

	if result.Success {
		t.Fatal("expected failure when the first step errors")
	}
	if len(writer.writes) != 1 {
		t.Fatalf("expected the sequence to stop after the failing step, got %d writes", len(writer.writes))
	}
	if len(clock.sleeps) != 0 {
		t.Fatal("expected no sleep to be issued after a failed step")
	}
}

func TestGlobalStartStop_UsesGlobalAddresses(t *testing.T) {
	bc, writer, _ := newTestBucketControl()

	bc.GlobalStart()
	if writer.writes[0].addr != GlobalAddress(GlobalStop) {
		t.Fatalf("expected global start sequence to first clear global stop")
	}
	if writer.writes[1].addr != GlobalAddress(GlobalStart) {
		t.Fatalf("expected global start sequence to then set global start")
	}
}

func TestStartAllHoppers_BatchesBeforeDelay(t *testing.T) {
	bc, writer, clock := newTestBucketControl()

	result := bc.StartAllHoppers(Hoppers())

	if !result.Success {
		t.Fatalf("expected success, got failure: %s", result.Message)
	}
	if len(writer.writes) != 12 {
		t.Fatalf("expected 12 writes (6 stop + 6 start), got %d", len(writer.writes))
	}
	if len(clock.sleeps) != 1 {
		t.Fatalf("expected exactly one delay between the two batches, got %d", len(clock.sleeps))
	}

	for i := 0; i < 6; i++ {
		if writer.writes[i].value != false {
			t.Fatalf("expected first batch to clear stop for every hopper, write %d was %+v", i, writer.writes[i])
		}
	}
	for i := 6; i < 12; i++ {
		if writer.writes[i].value != true {
			t.Fatalf("expected second batch to set start for every hopper, write %d was %+v", i, writer.writes[i])
		}
	}
}
