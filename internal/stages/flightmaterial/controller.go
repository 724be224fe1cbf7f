// Package flightmaterial implements the Flight-Material Controller (spec
// §4.G): three mandatory fill trials at the hopper's carried target weight,
// collecting the real weights the analysis service needs to compute an average
// flight-material value. There is no per-trial retry — any single trial
// failure is a stage failure.
package flightmaterial

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

// TrialCount is the fixed, mandatory number of fill trials (spec §4.G).
const TrialCount = 3

const postStopSettleDelay = 600 * time.Millisecond

type registerTransport interface {
	WriteHoldingRegister(addr uint16, value uint16) error
	ReadHoldingRegister(addr uint16) (int16, error)
	ToStoreValue(display float64) uint16
	ToDisplayWeight(raw int16) float64
}

type hopperRun struct {
	mu      sync.Mutex
	trial   int
	samples []float64
	carry   common.Carry
}

type eventBus interface {
	BucketFailed(hopper int, reason, stage string)
}

// Controller runs the flight-material stage for every armed hopper.
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

// Start begins the three-trial sequence for one hopper, triggered by a
// coarse-time success (spec §4.G).
func (c *Controller) Start(carry common.Carry) {
	hopper := carry.Hopper

	c.mu.Lock()
	c.runs[hopper] = &hopperRun{carry: carry}
	c.mu.Unlock()

	_ = c.matrix.StartStage(hopper, aggregator.StageFlightMaterial)
	c.beginTrial(hopper)
}

func (c *Controller) run(hopper int) *hopperRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[hopper]
}

func (c *Controller) beginTrial(hopper int) {
	run := c.run(hopper)
	if run == nil {
		return
	}
	run.mu.Lock()
	targetWeight := run.carry.TargetWeight
	run.mu.Unlock()

	if err := c.transport.WriteHoldingRegister(plc.RegisterAddress(hopper, plc.RoleTargetWeight), c.transport.ToStoreValue(targetWeight)); err != nil {
		c.fail(hopper, "failed to write trial target weight: "+err.Error())
		return
	}
	if res := c.bucket.StartHopper(hopper); !res.Success {
		c.fail(hopper, "failed to start hopper for flight-material trial: "+res.Message)
		return
	}
	c.engine.Arm(hopper, monitoring.ArmOptions{Stage: string(aggregator.StageFlightMaterial), StarvationCheck: true}, c)
}

// OnTargetReached implements monitoring.Listener.
func (c *Controller) OnTargetReached(hopper int, elapsed time.Duration) {
	go c.handleTargetReached(hopper)
}

// OnCoarseActiveChanged is unused by this stage.
func (c *Controller) OnCoarseActiveChanged(hopper int, active bool) {}

// OnStarvation fails the current trial immediately: flight-material has no
// retry budget (spec §4.G).
func (c *Controller) OnStarvation(hopper int, stage string, isProduction bool) {
	logger.WithStage(hopper, stage).Warn("flight-material: starvation detected, hopper stopped")
	c.fail(hopper, "starvation detected during flight-material trial")
}

func (c *Controller) handleTargetReached(hopper int) {
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

	raw, err := c.transport.ReadHoldingRegister(plc.RegisterAddress(hopper, plc.RoleLiveWeight))
	if err != nil {
		c.failLocked(hopper, "failed to read real weight: "+err.Error())
		return
	}
	weight := c.transport.ToDisplayWeight(raw)

	if res := c.bucket.Discharge(hopper); !res.Success {
		c.failLocked(hopper, "failed to discharge hopper: "+res.Message)
		return
	}

	run.samples = append(run.samples, weight)
	run.trial++

	if run.trial < TrialCount {
		go c.beginTrial(hopper)
		return
	}

	var recorded [3]float64
	copy(recorded[:], run.samples)

	resp, err := c.client.AnalyzeFlightMaterial(context.Background(), analysis.FlightMaterialRequest{
		TargetWeight:    run.carry.TargetWeight,
		RecordedWeights: recorded,
	})
	if err != nil {
		c.failLocked(hopper, err.Error())
		return
	}

	run.carry.FlightMaterialValue = resp.AvgFlightMaterial
	c.matrix.SetFinalParams(hopper, aggregator.StageFlightMaterial, map[string]float64{"avg_flight_material": resp.AvgFlightMaterial})
	_ = c.matrix.CompleteStage(context.Background(), hopper, aggregator.StageFlightMaterial, true, "")
	if c.OnSuccess != nil {
		carry := run.carry
		go c.OnSuccess(carry)
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

func (c *Controller) failLocked(hopper int, reason string) {
	c.engine.Disarm(hopper)
	_ = c.matrix.CompleteStage(context.Background(), hopper, aggregator.StageFlightMaterial, false, reason)
	if c.bus != nil {
		c.bus.BucketFailed(hopper, reason, string(aggregator.StageFlightMaterial))
	}
}
