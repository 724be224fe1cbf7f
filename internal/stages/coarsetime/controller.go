// Package coarsetime implements the Coarse-Time Controller (spec §4.F):
// find a coarse-fill speed such that a hopper reaches its target weight
// within tolerance on the first, coarse-only fill.
package coarsetime

import (
	"context"
	"sync"
	"time"

	"calibration/internal/aggregator"
	"calibration/internal/analysis"
	"calibration/internal/monitoring"
	"calibration/internal/plc"
	"calibration/internal/stages/common"
	"calibration/pkg/logger"
)

// MaxAttempts is the coarse-time stage's retry budget (spec §4.F step 6).
const MaxAttempts = 15

const interAttemptDelay = 100 * time.Millisecond

type registerWriter interface {
	WriteHoldingRegister(addr uint16, value uint16) error
	ToStoreValue(display float64) uint16
}

type hopperRun struct {
	mu          sync.Mutex
	attempt     int
	coarseSpeed int
	carry       common.Carry
}

// Controller runs the coarse-time stage for every armed hopper. One
// Controller instance is shared across all six hoppers; per-hopper state
// lives in the runs map.
type Controller struct {
	transport registerWriter
	bucket    *plc.BucketControl
	engine    *monitoring.Engine
	client    *analysis.Client
	matrix    *aggregator.Matrix
	bus       eventBus
	clock     plc.Clock

	OnSuccess common.NextStageFunc
	OnFailure func(hopper int, reason string)

	mu   sync.Mutex
	runs map[int]*hopperRun
}

// eventBus is the narrow surface of internal/events.Bus this controller
// needs, so tests can inject a recording fake.
type eventBus interface {
	BucketFailed(hopper int, reason, stage string)
}

// New constructs a Controller. clock may be nil to use plc.RealClock().
func New(transport registerWriter, bucket *plc.BucketControl, engine *monitoring.Engine, client *analysis.Client, matrix *aggregator.Matrix, bus eventBus, clock plc.Clock) *Controller {
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

// StartSession seeds every hopper's target weight and initial coarse speed,
// arms monitoring for the whole set, and issues the single global start-all
// (spec §4.F "Start sequence").
func (c *Controller) StartSession(hoppers []int, targetWeight float64, initialSpeeds map[int]int) plc.Result {
	for _, h := range hoppers {
		if err := common.ValidateTargetWeight(h, targetWeight); err != nil {
			return plc.Result{Success: false, Message: err.Error()}
		}
	}

	for _, h := range hoppers {
		speed := initialSpeeds[h]
		if err := c.transport.WriteHoldingRegister(plc.RegisterAddress(h, plc.RoleTargetWeight), c.transport.ToStoreValue(targetWeight)); err != nil {
			return plc.Result{Success: false, Message: err.Error()}
		}
		if err := c.transport.WriteHoldingRegister(plc.RegisterAddress(h, plc.RoleCoarseSpeed), uint16(speed)); err != nil {
			return plc.Result{Success: false, Message: err.Error()}
		}

		c.mu.Lock()
		c.runs[h] = &hopperRun{
			coarseSpeed: speed,
			carry: common.Carry{
				Hopper:             h,
				TargetWeight:       targetWeight,
				InitialCoarseSpeed: speed,
			},
		}
		c.mu.Unlock()

		_ = c.matrix.StartStage(h, aggregator.StageCoarseTime)
		c.engine.Arm(h, monitoring.ArmOptions{Stage: string(aggregator.StageCoarseTime), StarvationCheck: true}, c)
	}

	return c.bucket.StartAllHoppers(hoppers)
}

// OnTargetReached implements monitoring.Listener. It spawns a fresh
// goroutine to do the blocking work (spec §4.F's re-entrancy rule): the
// monitoring engine's polling loop must never block on an analysis call.
func (c *Controller) OnTargetReached(hopper int, elapsed time.Duration) {
	go c.handleTargetReached(hopper, elapsed)
}

// OnCoarseActiveChanged is unused by this stage.
func (c *Controller) OnCoarseActiveChanged(hopper int, active bool) {}

// OnStarvation records a starvation event; the engine has already issued
// the stop sequence by the time this fires.
func (c *Controller) OnStarvation(hopper int, stage string, isProduction bool) {
	logger.WithStage(hopper, stage).Warn("coarse-time: starvation detected, hopper stopped")
	c.fail(hopper, "starvation detected: no weight gain within the monitoring window")
}

func (c *Controller) run(hopper int) *hopperRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[hopper]
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
	if res := c.bucket.Discharge(hopper); !res.Success {
		c.failLocked(hopper, "failed to discharge hopper: "+res.Message)
		return
	}

	run.attempt++

	resp, err := c.client.AnalyzeCoarseTime(context.Background(), analysis.CoarseTimeRequest{
		TargetWeight:       run.carry.TargetWeight,
		CoarseTimeMs:       elapsed.Milliseconds(),
		CurrentCoarseSpeed: run.coarseSpeed,
	})
	if err != nil {
		c.failLocked(hopper, err.Error())
		return
	}

	if resp.IsCompliant {
		run.carry.FinalCoarseSpeed = run.coarseSpeed
		c.matrix.SetFinalParams(hopper, aggregator.StageCoarseTime, map[string]float64{"coarse_speed": float64(run.coarseSpeed)})
		_ = c.matrix.CompleteStage(context.Background(), hopper, aggregator.StageCoarseTime, true, "")
		if c.OnSuccess != nil {
			carry := run.carry
			go c.OnSuccess(carry)
		}
		return
	}

	if resp.NewCoarseSpeed == nil || run.attempt >= MaxAttempts {
		reason := "coarse-time exhausted its attempt budget without converging"
		if resp.NewCoarseSpeed == nil {
			reason = "analysis service returned no adjusted coarse speed"
		}
		c.failLocked(hopper, reason)
		return
	}

	run.coarseSpeed = *resp.NewCoarseSpeed
	if err := c.transport.WriteHoldingRegister(plc.RegisterAddress(hopper, plc.RoleCoarseSpeed), uint16(run.coarseSpeed)); err != nil {
		c.failLocked(hopper, "failed to write adjusted coarse speed: "+err.Error())
		return
	}
	c.clock.Sleep(interAttemptDelay)

	if res := c.bucket.StartHopper(hopper); !res.Success {
		c.failLocked(hopper, "failed to restart hopper: "+res.Message)
		return
	}
	c.engine.Arm(hopper, monitoring.ArmOptions{Stage: string(aggregator.StageCoarseTime), StarvationCheck: true}, c)
}

// RestartBucket re-applies PLC parameters and restarts a hopper, per spec
// §4.F: modes "from-beginning" resets to the initial speed, "from-current"
// reuses the last trialed speed.
func (c *Controller) RestartBucket(hopper int, fromBeginning bool) plc.Result {
	run := c.run(hopper)
	if run == nil {
		return plc.Result{Success: false, Message: "no coarse-time run recorded for this hopper"}
	}
	run.mu.Lock()
	defer run.mu.Unlock()

	if fromBeginning {
		run.coarseSpeed = run.carry.InitialCoarseSpeed
		run.attempt = 0
	}

	if err := c.transport.WriteHoldingRegister(plc.RegisterAddress(hopper, plc.RoleCoarseSpeed), uint16(run.coarseSpeed)); err != nil {
		return plc.Result{Success: false, Message: err.Error()}
	}
	c.clock.Sleep(interAttemptDelay)

	res := c.bucket.StartHopper(hopper)
	if !res.Success {
		return res
	}
	c.engine.Arm(hopper, monitoring.ArmOptions{Stage: string(aggregator.StageCoarseTime), StarvationCheck: true}, c)
	return res
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

// failLocked records a terminal failure. Callers must hold run.mu.
func (c *Controller) failLocked(hopper int, reason string) {
	c.engine.Disarm(hopper)
	_ = c.matrix.CompleteStage(context.Background(), hopper, aggregator.StageCoarseTime, false, reason)
	if c.bus != nil {
		c.bus.BucketFailed(hopper, reason, string(aggregator.StageCoarseTime))
	}
	if c.OnFailure != nil {
		c.OnFailure(hopper, reason)
	}
}
