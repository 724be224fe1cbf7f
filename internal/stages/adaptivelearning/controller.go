// Package adaptivelearning implements the Adaptive-Learning Controller
// (spec §4.I): the last and most elaborate stage, validating the complete
// fill cycle under the user-entered target weight and tuning coarse-advance
// and fall-value until three consecutive trials are accepted.
package adaptivelearning

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

// MaxRounds and MaxAttemptsPerRound bound the attempt budget (spec §4.I:
// "up to 3 rounds x 15 attempts each").
const (
	MaxRounds           = 3
	MaxAttemptsPerRound = 15

	DefaultFallValue = 0.4

	interAttemptDelay = 100 * time.Millisecond
	successPauseDelay = 1 * time.Second
	postStopSettleDelay = 1000 * time.Millisecond

	consecutiveSuccessTarget = 3
)

type registerTransport interface {
	WriteHoldingRegister(addr uint16, value uint16) error
	ReadHoldingRegister(addr uint16) (int16, error)
	ToStoreValue(display float64) uint16
	ToDisplayWeight(raw int16) float64
}

type hopperRun struct {
	mu                 sync.Mutex
	round              int
	attempt            int
	consecutiveSuccess int
	firstAttemptDone   bool
	fallValue          float64
	startTime          time.Time
	coarseEndRecorded  bool
	actualCoarseTimeMs int64
	carry              common.Carry
}

type eventBus interface {
	BucketFailed(hopper int, reason, stage string)
	BucketCompleted(hopper int, success bool, message string)
}

// Controller runs the adaptive-learning stage for every armed hopper.
type Controller struct {
	transport registerTransport
	bucket    *plc.BucketControl
	engine    *monitoring.Engine
	client    *analysis.Client
	matrix    *aggregator.Matrix
	bus       eventBus
	clock     plc.Clock

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

// Start begins adaptive-learning attempts for one hopper, triggered by a
// fine-time success (spec §4.I).
func (c *Controller) Start(carry common.Carry) {
	hopper := carry.Hopper

	c.mu.Lock()
	c.runs[hopper] = &hopperRun{round: 1, fallValue: DefaultFallValue, carry: carry}
	c.mu.Unlock()

	_ = c.matrix.StartStage(hopper, aggregator.StageAdaptiveLearning)
	c.beginAttempt(hopper)
}

func (c *Controller) run(hopper int) *hopperRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[hopper]
}

func (c *Controller) beginAttempt(hopper int) {
	run := c.run(hopper)
	if run == nil {
		return
	}
	run.mu.Lock()
	if !run.firstAttemptDone {
		if err := c.transport.WriteHoldingRegister(plc.RegisterAddress(hopper, plc.RoleTargetWeight), c.transport.ToStoreValue(run.carry.TargetWeight)); err != nil {
			run.mu.Unlock()
			c.fail(hopper, "failed to write target weight: "+err.Error())
			return
		}
		if err := c.transport.WriteHoldingRegister(plc.RegisterAddress(hopper, plc.RoleFallValue), c.transport.ToStoreValue(run.fallValue)); err != nil {
			run.mu.Unlock()
			c.fail(hopper, "failed to write fall-value: "+err.Error())
			return
		}
		run.firstAttemptDone = true
	}
	run.attempt++
	run.startTime = time.Now()
	run.coarseEndRecorded = false
	run.actualCoarseTimeMs = 0
	run.mu.Unlock()

	if res := c.bucket.StartHopper(hopper); !res.Success {
		c.fail(hopper, "failed to start hopper for adaptive-learning attempt: "+res.Message)
		return
	}
	c.engine.Arm(hopper, monitoring.ArmOptions{
		Stage:             string(aggregator.StageAdaptiveLearning),
		WatchCoarseActive: true,
		StarvationCheck:   true,
	}, c)
}

// OnCoarseActiveChanged implements monitoring.Listener: the falling edge
// marks the end of the coarse-fill phase (spec §4.I step 3).
func (c *Controller) OnCoarseActiveChanged(hopper int, active bool) {
	run := c.run(hopper)
	if run == nil {
		return
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	if !run.coarseEndRecorded {
		run.actualCoarseTimeMs = time.Since(run.startTime).Milliseconds()
		run.coarseEndRecorded = true
	}
}

// OnTargetReached implements monitoring.Listener; the heavy per-attempt
// work runs on its own goroutine per the stage controllers' re-entrancy
// rule.
func (c *Controller) OnTargetReached(hopper int, elapsed time.Duration) {
	go c.handleTargetReached(hopper, elapsed)
}

// OnStarvation fails the stage; a starved hopper mid-adaptive-learning
// cannot produce a usable cycle measurement.
func (c *Controller) OnStarvation(hopper int, stage string, isProduction bool) {
	logger.WithStage(hopper, stage).Warn("adaptive-learning: starvation detected, hopper stopped")
	c.fail(hopper, "starvation detected during adaptive-learning attempt")
}

func (c *Controller) handleTargetReached(hopper int, elapsed time.Duration) {
	run := c.run(hopper)
	if run == nil {
		return
	}
	run.mu.Lock()
	defer run.mu.Unlock()

	if !run.coarseEndRecorded {
		logger.WithStage(hopper, string(aggregator.StageAdaptiveLearning)).Warn("adaptive-learning: target-reached before a coarse-active falling edge was observed")
	}
	actualTotalCycleMs := elapsed.Milliseconds()
	actualCoarseTimeMs := run.actualCoarseTimeMs

	c.engine.Disarm(hopper)
	if res := c.bucket.StopHopper(hopper); !res.Success {
		c.failLocked(hopper, "failed to stop hopper: "+res.Message)
		return
	}
	c.clock.Sleep(postStopSettleDelay)

	raw, err := c.transport.ReadHoldingRegister(plc.RegisterAddress(hopper, plc.RoleLiveWeight))
	if err != nil {
		c.failLocked(hopper, "failed to read real weight: "+err.Error())
		return
	}
	realWeight := c.transport.ToDisplayWeight(raw)
	errorValue := realWeight - run.carry.TargetWeight

	if res := c.bucket.Discharge(hopper); !res.Success {
		c.failLocked(hopper, "failed to discharge hopper: "+res.Message)
		return
	}

	coarseAdvanceRaw, err := c.transport.ReadHoldingRegister(plc.RegisterAddress(hopper, plc.RoleCoarseAdvance))
	if err != nil {
		c.failLocked(hopper, "failed to read current coarse-advance: "+err.Error())
		return
	}
	fallValueRaw, err := c.transport.ReadHoldingRegister(plc.RegisterAddress(hopper, plc.RoleFallValue))
	if err != nil {
		c.failLocked(hopper, "failed to read current fall-value: "+err.Error())
		return
	}
	currentCoarseAdvance := c.transport.ToDisplayWeight(coarseAdvanceRaw)
	currentFallValue := c.transport.ToDisplayWeight(fallValueRaw)
	run.fallValue = currentFallValue

	resp, err := c.client.AnalyzeAdaptiveLearning(context.Background(), analysis.AdaptiveLearningRequest{
		TargetWeight:         run.carry.TargetWeight,
		ActualTotalCycleMs:   actualTotalCycleMs,
		ActualCoarseTimeMs:   actualCoarseTimeMs,
		ErrorValue:           errorValue,
		CurrentCoarseAdvance: currentCoarseAdvance,
		CurrentFallValue:     currentFallValue,
		FineFlowRate:         run.carry.FineFlowRate,
	})
	if err != nil {
		c.failLocked(hopper, err.Error())
		return
	}

	if resp.IsCompliant {
		run.consecutiveSuccess++
		if run.consecutiveSuccess >= consecutiveSuccessTarget {
			c.succeedLocked(hopper, run)
			return
		}
		c.clock.Sleep(successPauseDelay)
		go c.beginAttempt(hopper)
		return
	}

	run.consecutiveSuccess = 0
	if resp.NewParams == nil || (resp.NewParams.CoarseAdvance == nil && resp.NewParams.FallValue == nil) {
		c.failLocked(hopper, "adaptive-learning: non-compliant verdict carried no usable adjustment")
		return
	}

	if resp.NewParams.CoarseAdvance != nil {
		if err := c.transport.WriteHoldingRegister(plc.RegisterAddress(hopper, plc.RoleCoarseAdvance), c.transport.ToStoreValue(*resp.NewParams.CoarseAdvance)); err != nil {
			c.failLocked(hopper, "failed to write adjusted coarse-advance: "+err.Error())
			return
		}
	}
	if resp.NewParams.FallValue != nil {
		if err := c.transport.WriteHoldingRegister(plc.RegisterAddress(hopper, plc.RoleFallValue), c.transport.ToStoreValue(*resp.NewParams.FallValue)); err != nil {
			c.failLocked(hopper, "failed to write adjusted fall-value: "+err.Error())
			return
		}
		run.fallValue = *resp.NewParams.FallValue
	}
	c.clock.Sleep(interAttemptDelay)

	if run.attempt >= MaxAttemptsPerRound {
		if run.round >= MaxRounds {
			c.failLocked(hopper, "adaptive-learning exhausted all rounds without three consecutive compliant trials")
			return
		}
		run.round++
		run.attempt = 0
	}
	go c.beginAttempt(hopper)
}

// succeedLocked finalizes a stage success. Callers must hold run.mu.
func (c *Controller) succeedLocked(hopper int, run *hopperRun) {
	coarseSpeedRaw, err := c.transport.ReadHoldingRegister(plc.RegisterAddress(hopper, plc.RoleCoarseSpeed))
	if err != nil {
		c.failLocked(hopper, "failed to read final coarse speed: "+err.Error())
		return
	}
	fineSpeedRaw, err := c.transport.ReadHoldingRegister(plc.RegisterAddress(hopper, plc.RoleFineSpeed))
	if err != nil {
		c.failLocked(hopper, "failed to read final fine speed: "+err.Error())
		return
	}

	c.engine.Disarm(hopper)
	c.matrix.SetFinalParams(hopper, aggregator.StageAdaptiveLearning, map[string]float64{
		"coarse_speed": float64(coarseSpeedRaw),
		"fine_speed":   float64(fineSpeedRaw),
	})
	_ = c.matrix.CompleteStage(context.Background(), hopper, aggregator.StageAdaptiveLearning, true, "")
	if c.bus != nil {
		c.bus.BucketCompleted(hopper, true, "adaptive-learning converged after three consecutive compliant trials")
	}
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

// failLocked records a terminal stage failure. Callers must hold run.mu.
func (c *Controller) failLocked(hopper int, reason string) {
	c.engine.Disarm(hopper)
	_ = c.matrix.CompleteStage(context.Background(), hopper, aggregator.StageAdaptiveLearning, false, reason)
	if c.bus != nil {
		c.bus.BucketFailed(hopper, reason, string(aggregator.StageAdaptiveLearning))
	}
}
