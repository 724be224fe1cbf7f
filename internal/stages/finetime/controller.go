// Package finetime implements the Fine-Time Controller (spec §4.H): find a
// fine-fill speed and coarse-advance value that yield a correct dribble
// phase, using a fixed 6g target so only the fine-fill is exercised.
package finetime

import (
	"context"
	"sync"
	"time"

	"calibration/internal/aggregator"
	"calibration/internal/analysis"
	"calibration/internal/monitoring"
	"calibration/internal/plc"
	"calibration/internal/stages/common"
	"calibration/pkg/apperror"
	"calibration/pkg/logger"
)

// MaxAttempts is the fine-time stage's retry budget (spec §4.H).
const MaxAttempts = 15

// TrialTargetWeight and TrialCoarseAdvance re-purpose the hopper to a
// fixed 6g fill so only the fine-fill phase is exercised.
const (
	TrialTargetWeight    = 6.0
	TrialCoarseAdvance   = 6.0
	DefaultInitialSpeed  = 44
	interAttemptDelay    = 100 * time.Millisecond
	postStopSettleDelay  = 600 * time.Millisecond
)

type registerTransport interface {
	WriteHoldingRegister(addr uint16, value uint16) error
	ToStoreValue(display float64) uint16
}

type hopperRun struct {
	mu        sync.Mutex
	attempt   int
	fineSpeed int
	carry     common.Carry
}

type eventBus interface {
	BucketFailed(hopper int, reason, stage string)
}

// Controller runs the fine-time stage for every armed hopper.
type Controller struct {
	transport registerTransport
	bucket    *plc.BucketControl
	engine    *monitoring.Engine
	client    *analysis.Client
	matrix    *aggregator.Matrix
	bus       eventBus
	clock     plc.Clock

	OnSuccess common.NextStageFunc

	mu   sync.Mutex
	runs map[int]*hopperRun
}

// New constructs a Controller. clock may be nil to use plc.RealClock().
func New(transport registerTransport, bucket *plc.BucketControl, engine *monitoring.Engine, client *analysis.Client, matrix *aggregator.Matrix, bus eventBus, clock plc.Clock) *Controller {
	if clock == nil {
		clock = plc.RealClock()
	}
	return &Controller{
		transport: transport,
		bucket:    bucket,
		engine:    engine,
		client:    client,
		matrix:    matrix,
		bus:       bus,
		clock:     clock,
		runs:      make(map[int]*hopperRun),
	}
}

// Start begins fine-time attempts for one hopper, triggered by a
// flight-material success (spec §4.H).
func (c *Controller) Start(carry common.Carry) {
	hopper := carry.Hopper

	c.mu.Lock()
	c.runs[hopper] = &hopperRun{carry: carry, fineSpeed: DefaultInitialSpeed}
	c.mu.Unlock()

	_ = c.matrix.StartStage(hopper, aggregator.StageFineTime)
	c.beginAttempt(hopper)
}

func (c *Controller) run(hopper int) *hopperRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[hopper]
}

// beginAttempt is called either from Start (before any other goroutine can
// reach this hopper's run) or synchronously from within handleTargetReached
// while that caller already holds run.mu, so it reads run.fineSpeed without
// taking the lock itself to avoid relocking a mutex the caller holds.
func (c *Controller) beginAttempt(hopper int) {
	run := c.run(hopper)
	if run == nil {
		return
	}
	fineSpeed := run.fineSpeed

	if err := c.transport.WriteHoldingRegister(plc.RegisterAddress(hopper, plc.RoleTargetWeight), c.transport.ToStoreValue(TrialTargetWeight)); err != nil {
		c.fail(hopper, "failed to write fine-time trial target: "+err.Error())
		return
	}
	if err := c.transport.WriteHoldingRegister(plc.RegisterAddress(hopper, plc.RoleCoarseAdvance), c.transport.ToStoreValue(TrialCoarseAdvance)); err != nil {
		c.fail(hopper, "failed to write fine-time trial coarse-advance: "+err.Error())
		return
	}
	if err := c.transport.WriteHoldingRegister(plc.RegisterAddress(hopper, plc.RoleFineSpeed), c.transport.ToStoreValue(float64(fineSpeed))); err != nil {
		c.fail(hopper, "failed to write fine speed: "+err.Error())
		return
	}
	if res := c.bucket.StartHopper(hopper); !res.Success {
		c.fail(hopper, "failed to start hopper for fine-time attempt: "+res.Message)
		return
	}
	c.engine.Arm(hopper, monitoring.ArmOptions{Stage: string(aggregator.StageFineTime), StarvationCheck: true}, c)
}

// OnTargetReached implements monitoring.Listener.
func (c *Controller) OnTargetReached(hopper int, elapsed time.Duration) {
	go c.handleTargetReached(hopper, elapsed)
}

// OnCoarseActiveChanged is unused by this stage.
func (c *Controller) OnCoarseActiveChanged(hopper int, active bool) {}

// OnStarvation records a starvation event and fails the stage; fine-time
// has a retry budget but a starved hopper cannot produce a usable sample.
func (c *Controller) OnStarvation(hopper int, stage string, isProduction bool) {
	logger.WithStage(hopper, stage).Warn("fine-time: starvation detected, hopper stopped")
	c.fail(hopper, "starvation detected during fine-time attempt")
}

func (c *Controller) handleTargetReached(hopper int, elapsed time.Duration) {
	run := c.run(hopper)
	if run == nil {
		return
	}
	run.mu.Lock()
	defer run.mu.Unlock()

	c.engine.Disarm(hopper)
	if res := c.bucket.StopHopper(hopper); !res.Success {
		c.failLocked(hopper, "failed to stop hopper: "+res.Message)
		return
	}
	c.clock.Sleep(postStopSettleDelay)
	if res := c.bucket.Discharge(hopper); !res.Success {
		c.failLocked(hopper, "failed to discharge hopper: "+res.Message)
		return
	}

	run.attempt++

	resp, err := c.client.AnalyzeFineTime(context.Background(), analysis.FineTimeRequest{
		TargetWeight:         TrialTargetWeight,
		FineTimeMs:           elapsed.Milliseconds(),
		CurrentFineSpeed:     run.fineSpeed,
		OriginalTargetWeight: run.carry.TargetWeight,
		FlightMaterialValue:  run.carry.FlightMaterialValue,
	})
	if err != nil {
		c.failLocked(hopper, err.Error())
		return
	}

	if resp.IsCompliant {
		if resp.CoarseAdvance != nil {
			if err := c.transport.WriteHoldingRegister(plc.RegisterAddress(hopper, plc.RoleCoarseAdvance), c.transport.ToStoreValue(*resp.CoarseAdvance)); err != nil {
				c.failLocked(hopper, "failed to write adjusted coarse-advance: "+err.Error())
				return
			}
			run.carry.CoarseAdvance = resp.CoarseAdvance
		}

		run.carry.FineSpeed = run.fineSpeed
		run.carry.FineFlowRate = resp.FineFlowRate
		if run.carry.FineFlowRate == nil {
			logger.WithStage(hopper, string(aggregator.StageFineTime)).Warn("fine-time: no flow rate available, adaptive-learning will proceed without one")
		}

		c.matrix.SetFinalParams(hopper, aggregator.StageFineTime, map[string]float64{"fine_speed": float64(run.fineSpeed)})
		_ = c.matrix.CompleteStage(context.Background(), hopper, aggregator.StageFineTime, true, "")
		if c.OnSuccess != nil {
			carry := run.carry
			go c.OnSuccess(carry)
		}
		return
	}

	if run.attempt >= MaxAttempts {
		c.failLocked(hopper, "fine-time exhausted its attempt budget without converging")
		return
	}

	if resp.NewFineSpeed == nil {
		c.failLocked(hopper, apperror.UserMessage(hopper, string(aggregator.StageFineTime), "missing adjustment: no new fine speed provided"))
		return
	}

	run.fineSpeed = *resp.NewFineSpeed
	c.clock.Sleep(interAttemptDelay)
	c.beginAttempt(hopper)
}

func (c *Controller) fail(hopper int, reason string) {
	run := c.run(hopper)
	if run == nil {
		return
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	c.failLocked(hopper, reason)
}

func (c *Controller) failLocked(hopper int, reason string) {
	c.engine.Disarm(hopper)
	_ = c.matrix.CompleteStage(context.Background(), hopper, aggregator.StageFineTime, false, reason)
	if c.bus != nil {
		c.bus.BucketFailed(hopper, reason, string(aggregator.StageFineTime))
	}
}
