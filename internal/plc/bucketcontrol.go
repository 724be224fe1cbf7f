package plc

import (
	"sync"
	"time"
)

// Spec §4.D: the PLC's start/stop coils are mutually exclusive and must be
// driven through a 0-then-1 pattern with a fixed inter-step delay. These
// constants are part of the contract, not tuning knobs (spec §5: "deliberate
// sleeps ... shortening them breaks the PLC's mutex expectations").
const (
	interStepDelay    = 50 * time.Millisecond
	dischargeDelay    = 1500 * time.Millisecond
	calibrationDelay  = 1000 * time.Millisecond
)

// Result is the outcome of a bucket-control command sequence.
type Result struct {
	Success bool
	Message string
}

func ok() Result { return Result{Success: true} }

func fail(msg string) Result { return Result{Success: false, Message: msg} }

// step is one entry of the {write, delay} sequence DSL (Design Notes §9):
// a write operation followed by a mandatory delay before the next step.
type step struct {
	write func() error
	delay time.Duration
}

// coilWriter is the narrow Transport surface BucketControl depends on,
// letting tests exercise step ordering and delays against a fake rather
// than a live Modbus connection.
type coilWriter interface {
	WriteCoil(addr uint16, value bool) error
}

// BucketControl executes the mutex-protected command sequences that drive
// a hopper (or the whole machine) start/stop/discharge. Its own lock
// serializes sequences against each other so no two controllers interleave
// steps on the wire; the underlying Transport additionally serializes each
// individual register/coil operation.
type BucketControl struct {
	mu        sync.Mutex
	transport coilWriter
	clock     Clock
}

// NewBucketControl constructs a BucketControl over transport, using the
// given Clock (RealClock() in production, a fake in tests).
func NewBucketControl(transport coilWriter, clock Clock) *BucketControl {
	if clock == nil {
		clock = RealClock()
	}
	return &BucketControl{transport: transport, clock: clock}
}

// run executes steps in order, sleeping the given delay after each
// successful write. A failed step returns immediately without issuing
// later steps (spec §4.D).
func (b *BucketControl) run(steps []step) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range steps {
		if err := s.write(); err != nil {
			return fail(err.Error())
		}
		if s.delay > 0 {
			b.clock.Sleep(s.delay)
		}
	}
	return ok()
}

// StartHopper issues the start sequence for one hopper: stop=0, delay,
// start=1.
func (b *BucketControl) StartHopper(hopper int) Result {
	return b.run([]step{
		{write: func() error { return b.transport.WriteCoil(ControlCoilAddress(hopper, RoleStop), false) }, delay: interStepDelay},
		{write: func() error { return b.transport.WriteCoil(ControlCoilAddress(hopper, RoleStart), true) }},
	})
}

// StopHopper issues the stop sequence for one hopper: start=0, delay,
// stop=1.
func (b *BucketControl) StopHopper(hopper int) Result {
	return b.run([]step{
		{write: func() error { return b.transport.WriteCoil(ControlCoilAddress(hopper, RoleStart), false) }, delay: interStepDelay},
		{write: func() error { return b.transport.WriteCoil(ControlCoilAddress(hopper, RoleStop), true) }},
	})
}

// Discharge issues the discharge pulse for one hopper: discharge=1, 1500ms,
// discharge=0.
func (b *BucketControl) Discharge(hopper int) Result {
	addr := ControlCoilAddress(hopper, RoleDischarge)
	return b.run([]step{
		{write: func() error { return b.transport.WriteCoil(addr, true) }, delay: dischargeDelay},
		{write: func() error { return b.transport.WriteCoil(addr, false) }},
	})
}

// ZeroCalibration issues the zero-calibration pulse for one hopper.
func (b *BucketControl) ZeroCalibration(hopper int) Result {
	return b.calibrationPulse(CalibrationCoilAddress(hopper, RoleZeroCalibration))
}

// WeightCalibration issues the weight-calibration pulse for one hopper.
func (b *BucketControl) WeightCalibration(hopper int) Result {
	return b.calibrationPulse(CalibrationCoilAddress(hopper, RoleWeightCalibration))
}

func (b *BucketControl) calibrationPulse(addr uint16) Result {
	return b.run([]step{
		{write: func() error { return b.transport.WriteCoil(addr, true) }, delay: calibrationDelay},
		{write: func() error { return b.transport.WriteCoil(addr, false) }},
	})
}

// GlobalStart issues the global start sequence across the whole machine.
func (b *BucketControl) GlobalStart() Result {
	return b.run([]step{
		{write: func() error { return b.transport.WriteCoil(GlobalAddress(GlobalStop), false) }, delay: interStepDelay},
		{write: func() error { return b.transport.WriteCoil(GlobalAddress(GlobalStart), true) }},
	})
}

// GlobalStop issues the global stop sequence across the whole machine.
func (b *BucketControl) GlobalStop() Result {
	return b.run([]step{
		{write: func() error { return b.transport.WriteCoil(GlobalAddress(GlobalStart), false) }, delay: interStepDelay},
		{write: func() error { return b.transport.WriteCoil(GlobalAddress(GlobalStop), true) }},
	})
}

// GlobalDischarge issues the global discharge pulse.
func (b *BucketControl) GlobalDischarge() Result {
	addr := GlobalAddress(GlobalDischarge)
	return b.run([]step{
		{write: func() error { return b.transport.WriteCoil(addr, true) }, delay: dischargeDelay},
		{write: func() error { return b.transport.WriteCoil(addr, false) }},
	})
}

// StartAllHoppers is the batch variant of StartHopper: it writes stop=0 for
// every hopper, delays once, then writes start=1 for every hopper, all
// inside one sequence lock. Each group is written one coil at a time (see
// writeCoilsIndividually), not as a single Modbus multi-coil write.
func (b *BucketControl) StartAllHoppers(hoppers []int) Result {
	stopAddrs := make([]uint16, len(hoppers))
	startAddrs := make([]uint16, len(hoppers))
	for i, h := range hoppers {
		stopAddrs[i] = ControlCoilAddress(h, RoleStop)
		startAddrs[i] = ControlCoilAddress(h, RoleStart)
	}

	return b.run([]step{
		{write: func() error { return b.writeCoilsIndividually(stopAddrs, false) }, delay: interStepDelay},
		{write: func() error { return b.writeCoilsIndividually(startAddrs, true) }},
	})
}

// writeCoilsIndividually writes the same boolean value to a set of
// possibly non-contiguous coil addresses. The control coils are laid out
// with a fixed per-hopper stride (addressmap.go), so a true Modbus batch
// write (contiguous WriteMultipleCoils) is not applicable here without a
// custom gap-filling encoding; each hopper's coil is written as its own
// single-coil call instead, still within the outer sequence's lock.
func (b *BucketControl) writeCoilsIndividually(addrs []uint16, value bool) error {
	for _, addr := range addrs {
		if err := b.transport.WriteCoil(addr, value); err != nil {
			return err
		}
	}
	return nil
}
