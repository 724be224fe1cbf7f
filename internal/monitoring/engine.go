// Package monitoring implements the single 100ms polling engine that
// watches up to six hoppers for target-reached and coarse-active edges and
// for starvation, per spec §4.C.
package monitoring

import (
	"sync"
	"time"

	"calibration/internal/plc"
	"calibration/pkg/config"
	"calibration/pkg/logger"
)

// Listener receives edge and starvation notifications for one armed
// hopper. Implementations must return quickly — the engine invokes every
// listener method from its single polling goroutine and a slow listener
// delays every other hopper's edge delivery.
type Listener interface {
	// OnTargetReached fires on a target-reached rising edge. elapsed is the
	// time since this hopper's Arm call.
	OnTargetReached(hopper int, elapsed time.Duration)
	// OnCoarseActiveChanged fires on a coarse-active falling edge only
	// (spec §4.C step 4); active is always false when called.
	OnCoarseActiveChanged(hopper int, active bool)
	// OnStarvation fires at most once per arm cycle, debounced by
	// 200ms × hopper id.
	OnStarvation(hopper int, stage string, isProduction bool)
}

// ArmOptions configures what an armed hopper is monitored for.
type ArmOptions struct {
	Stage             string
	WatchCoarseActive bool // enables coarse-active edge detection (adaptive-learning)
	StarvationCheck   bool
	IsProduction      bool
}

type armedHopper struct {
	opts                    ArmOptions
	listener                Listener
	armedAt                 time.Time
	lastTargetReached       bool
	lastCoarseActive        bool
	coarseActiveInitialized bool
	window                  *slidingWindow
	starvationEmitted       bool
	lastDebounceAt          time.Time
}

// transportReader is the narrow read surface the polling loop needs,
// letting tests drive the engine against a fake PLC instead of a live
// Modbus connection.
type transportReader interface {
	ReadCoil(addr uint16) (bool, error)
	ReadHoldingRegister(addr uint16) (int16, error)
	ToDisplayWeight(raw int16) float64
}

// hopperStopper is the narrow stop surface the starvation path calls into.
type hopperStopper interface {
	StopHopper(hopper int) plc.Result
}

// Engine is the single polling worker. One Engine instance serves every
// hopper for the lifetime of a calibration session.
type Engine struct {
	transport     transportReader
	bucketControl hopperStopper
	cfg           config.MonitoringConfig

	mu    sync.Mutex
	armed map[int]*armedHopper

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a polling Engine. bucketControl is used to issue the
// stage-appropriate stop sequence when starvation is detected.
func New(transport transportReader, bucketControl hopperStopper, cfg config.MonitoringConfig) *Engine {
	return &Engine{
		transport:     transport,
		bucketControl: bucketControl,
		cfg:           cfg,
		armed:         make(map[int]*armedHopper),
		stopCh:        make(chan struct{}),
	}
}

// Start runs the polling loop in a background goroutine.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.loop()
}

// Stop signals the polling loop to exit and waits for it to finish.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// Arm begins edge delivery for a hopper under the given stage tag. Arming
// resets that hopper's starvation window and coarse-active bootstrap state
// (spec §4.C: "the first observation after arming initializes the
// last-known value rather than emitting an edge").
func (e *Engine) Arm(hopper int, opts ArmOptions, listener Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	window := (*slidingWindow)(nil)
	if opts.StarvationCheck {
		window = newSlidingWindow(e.starvationWindow())
	}

	e.armed[hopper] = &armedHopper{
		opts:     opts,
		listener: listener,
		armedAt:  time.Now(),
		window:   window,
	}
}

// Disarm stops edge delivery for a hopper.
func (e *Engine) Disarm(hopper int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.armed, hopper)
}

// DisarmAll stops edge delivery for every hopper, used on cooperative
// cancellation (spec §5: "The polling worker is signaled to disarm all
// hoppers").
func (e *Engine) DisarmAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.armed = make(map[int]*armedHopper)
}

func (e *Engine) starvationWindow() time.Duration {
	if e.cfg.StarvationWindow <= 0 {
		return 15 * time.Second
	}
	return e.cfg.StarvationWindow
}

func (e *Engine) tickInterval() time.Duration {
	if e.cfg.TickInterval <= 0 {
		return 100 * time.Millisecond
	}
	return e.cfg.TickInterval
}

func (e *Engine) debounceUnit() time.Duration {
	if e.cfg.StarvationDebounceMS <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(e.cfg.StarvationDebounceMS) * time.Millisecond
}

func (e *Engine) loop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		hoppers := e.snapshotArmed()
		if len(hoppers) == 0 {
			if e.sleepOrStop(500 * time.Millisecond) {
				return
			}
			continue
		}

		e.pollOnce(hoppers)

		if e.sleepOrStop(e.tickInterval()) {
			return
		}
	}
}

func (e *Engine) sleepOrStop(d time.Duration) (stopped bool) {
	select {
	case <-e.stopCh:
		return true
	case <-time.After(d):
		return false
	}
}

func (e *Engine) snapshotArmed() []int {
	e.mu.Lock()
	defer e.mu.Unlock()

	hoppers := make([]int, 0, len(e.armed))
	for h := range e.armed {
		hoppers = append(hoppers, h)
	}
	return hoppers
}

// pollOnce performs one 100ms tick's worth of reads and edge detection
// across the currently armed hoppers, per spec §4.C steps 1-5.
func (e *Engine) pollOnce(hoppers []int) {
	watchCoarse := false
	starvationActive := false
	for _, h := range hoppers {
		st := e.get(h)
		if st == nil {
			continue
		}
		if st.opts.WatchCoarseActive {
			watchCoarse = true
		}
		if st.opts.StarvationCheck {
			starvationActive = true
		}
	}

	targetReached := make(map[int]bool, len(hoppers))
	for _, h := range hoppers {
		reached, err := e.transport.ReadCoil(plc.StatusCoilAddress(h, plc.RoleTargetReached))
		if err != nil {
			logger.Log.Warn("monitoring: target-reached readback failed, retrying next tick", "hopper", h, "error", err)
			continue
		}
		targetReached[h] = reached
	}

	coarseActive := make(map[int]bool, len(hoppers))
	if watchCoarse {
		for _, h := range hoppers {
			active, err := e.transport.ReadCoil(plc.StatusCoilAddress(h, plc.RoleCoarseActive))
			if err != nil {
				logger.Log.Warn("monitoring: coarse-active readback failed, retrying next tick", "hopper", h, "error", err)
				continue
			}
			coarseActive[h] = active
		}
	}

	started := make(map[int]bool, len(hoppers))
	liveWeight := make(map[int]float64, len(hoppers))
	if starvationActive {
		for _, h := range hoppers {
			startBit, err := e.transport.ReadCoil(plc.ControlCoilAddress(h, plc.RoleStart))
			if err != nil {
				continue
			}
			started[h] = startBit

			raw, err := e.transport.ReadHoldingRegister(plc.RegisterAddress(h, plc.RoleLiveWeight))
			if err != nil {
				continue
			}
			liveWeight[h] = e.transport.ToDisplayWeight(raw)
		}
	}

	now := time.Now()
	for _, h := range hoppers {
		e.processHopper(h, now, targetReached, coarseActive, started, liveWeight)
	}
}

func (e *Engine) get(hopper int) *armedHopper {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.armed[hopper]
}

func (e *Engine) processHopper(
	hopper int,
	now time.Time,
	targetReached, coarseActive, started map[int]bool,
	liveWeight map[int]float64,
) {
	e.mu.Lock()
	st, ok := e.armed[hopper]
	if !ok {
		e.mu.Unlock()
		return
	}
	listener := st.listener
	stage := st.opts.Stage
	isProduction := st.opts.IsProduction

	var (
		fireTargetReached bool
		elapsed           time.Duration
		fireCoarseFalling bool
	)

	if reached, ok := targetReached[hopper]; ok {
		if reached && !st.lastTargetReached {
			fireTargetReached = true
			elapsed = now.Sub(st.armedAt)
		}
		st.lastTargetReached = reached
	}

	if st.opts.WatchCoarseActive {
		if active, ok := coarseActive[hopper]; ok {
			if !st.coarseActiveInitialized {
				st.lastCoarseActive = active
				st.coarseActiveInitialized = true
			} else if st.lastCoarseActive && !active {
				fireCoarseFalling = true
				st.lastCoarseActive = active
			} else {
				st.lastCoarseActive = active
			}
		}
	}

	var fireStarvation bool
	if st.opts.StarvationCheck && st.window != nil {
		if w, ok := liveWeight[hopper]; ok {
			st.window.add(now, w)
		}
		startBit := started[hopper]
		reached := targetReached[hopper]
		if startBit && !reached && st.window.full() && !st.starvationEmitted {
			if st.window.delta() < 0.3 {
				debounce := time.Duration(hopper) * e.debounceUnit()
				if st.lastDebounceAt.IsZero() || now.Sub(st.lastDebounceAt) >= debounce {
					fireStarvation = true
					st.starvationEmitted = true
					st.lastDebounceAt = now
				}
			}
		}
	}
	e.mu.Unlock()

	if fireTargetReached && listener != nil {
		listener.OnTargetReached(hopper, elapsed)
	}
	if fireCoarseFalling && listener != nil {
		listener.OnCoarseActiveChanged(hopper, false)
	}
	if fireStarvation {
		if listener != nil {
			listener.OnStarvation(hopper, stage, isProduction)
		}
		if e.bucketControl != nil {
			e.bucketControl.StopHopper(hopper)
		}
	}
}
