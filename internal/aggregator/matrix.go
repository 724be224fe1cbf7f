// Package aggregator maintains the LearningMatrix: the shared record of
// every hopper's progress through the four calibration stages for one
// session (spec.md §3, §4.J).
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"calibration/internal/events"
	"calibration/pkg/cache"
)

// Stage identifies one of the four calibration stages.
type Stage string

const (
	StageCoarseTime       Stage = "coarse-time"
	StageFlightMaterial    Stage = "flight-material"
	StageFineTime          Stage = "fine-time"
	StageAdaptiveLearning  Stage = "adaptive-learning"
)

// Stages lists the four stages in pipeline order.
var Stages = []Stage{StageCoarseTime, StageFlightMaterial, StageFineTime, StageAdaptiveLearning}

// Status is the lifecycle state of one (hopper, stage) cell.
type Status string

const (
	StatusNotStarted      Status = "not_started"
	StatusInProgress      Status = "in_progress"
	StatusCompletedSuccess Status = "completed_success"
	StatusCompletedFailure Status = "completed_failure"
)

func (s Status) terminal() bool {
	return s == StatusCompletedSuccess || s == StatusCompletedFailure
}

// BucketStageState is one cell of the LearningMatrix. It is mutated only
// by the owning hopper's stage controller, under the Matrix's lock.
type BucketStageState struct {
	Hopper      int
	Stage       Stage
	Status      Status
	Attempts    int
	StartTime   time.Time
	EndTime     time.Time
	Reason      string
	FinalParams map[string]float64
}

type cellKey struct {
	hopper int
	stage  Stage
}

// Matrix tracks BucketStageState for every (hopper, stage) pair across one
// calibration session and fires on-bucket-state-changed / on-all-completed
// through the event bus. Grounded on the teacher's SolverService pattern
// (services/solver-svc/internal/service/solver.go): a mutex-guarded map of
// per-unit-of-work state plus counters, with a single event fired exactly
// once on a state transition.
type Matrix struct {
	mu            sync.Mutex
	sessionID     string
	cells         map[cellKey]*BucketStageState
	bus           *events.Bus
	snapshots     *cache.SnapshotCache
	allCompleted  bool
	fired         bool
}

// New creates a Matrix pre-populated with a not_started cell for every
// (hopper, stage) pair, matching spec.md §4.J's static 6x4 completion
// domain.
func New(sessionID string, hoppers []int, bus *events.Bus, snapshots *cache.SnapshotCache) *Matrix {
	m := &Matrix{
		sessionID: sessionID,
		cells:     make(map[cellKey]*BucketStageState, len(hoppers)*len(Stages)),
		bus:       bus,
		snapshots: snapshots,
	}
	for _, h := range hoppers {
		for _, s := range Stages {
			m.cells[cellKey{h, s}] = &BucketStageState{Hopper: h, Stage: s, Status: StatusNotStarted}
		}
	}
	return m
}

// StartStage marks (hopper, stage) in_progress. It is an error to start a
// stage that is already in_progress or terminal without an intervening
// reset (spec.md §3's "a hopper has at most one in-progress stage at any
// time" invariant is enforced by the caller's own sequencing; Matrix only
// records the transition).
func (m *Matrix) StartStage(hopper int, stage Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cell, ok := m.cells[cellKey{hopper, stage}]
	if !ok {
		return fmt.Errorf("aggregator: unknown cell (hopper=%d, stage=%s)", hopper, stage)
	}
	if cell.Status != StatusNotStarted {
		return fmt.Errorf("aggregator: stage already started (hopper=%d, stage=%s, status=%s)", hopper, stage, cell.Status)
	}
	cell.Status = StatusInProgress
	cell.StartTime = time.Now()
	cell.Attempts++
	return nil
}

// SetFinalParams records the final parameter set for a cell ahead of a
// success completion (spec.md §3: "completed-success implies final
// parameters are populated").
func (m *Matrix) SetFinalParams(hopper int, stage Stage, params map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cell, ok := m.cells[cellKey{hopper, stage}]; ok {
		cell.FinalParams = params
	}
}

// CompleteStage marks (hopper, stage) terminal, fires
// on-bucket-state-changed, and — if this completion makes every cell
// terminal — fires on-all-completed exactly once and persists a final
// snapshot.
//
// A failure cascades: a hopper that fails one stage never reaches its
// remaining stages, so those cells would otherwise sit at not_started
// forever and on-all-completed would never fire for the session. On
// success=false, every other not-yet-terminal stage of the same hopper is
// force-completed as completed_failure with reason "upstream stage
// failed", the same force-complete-the-rest pattern the orchestrator's
// session cancellation already applies across every hopper.
//
// Calling CompleteStage again on an already-terminal cell is a no-op: it
// neither re-fires on-bucket-state-changed nor re-reasons the cell. This
// keeps the cascade idempotent when a session is cancelled after a hopper
// has already failed partway through.
func (m *Matrix) CompleteStage(ctx context.Context, hopper int, stage Stage, success bool, reason string) error {
	m.mu.Lock()

	cell, ok := m.cells[cellKey{hopper, stage}]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("aggregator: unknown cell (hopper=%d, stage=%s)", hopper, stage)
	}
	if cell.Status.terminal() {
		m.mu.Unlock()
		return nil
	}
	if success {
		cell.Status = StatusCompletedSuccess
	} else {
		cell.Status = StatusCompletedFailure
		cell.Reason = reason
	}
	cell.EndTime = time.Now()

	changed := []*BucketStageState{cell}
	if !success {
		for _, s := range Stages {
			if s == stage {
				continue
			}
			other, ok := m.cells[cellKey{hopper, s}]
			if !ok || other.Status.terminal() {
				continue
			}
			other.Status = StatusCompletedFailure
			other.Reason = "upstream stage failed"
			other.EndTime = time.Now()
			changed = append(changed, other)
		}
	}

	allDone := m.allTerminalLocked()
	var snapshot *cache.LearningMatrixSnapshot
	fireAllCompleted := allDone && !m.fired
	if fireAllCompleted {
		m.fired = true
		snapshot = m.snapshotLocked()
	}
	m.mu.Unlock()

	if m.bus != nil {
		for _, c := range changed {
			m.bus.BucketStateChanged(c.Hopper, string(c.Status))
		}
	}

	if fireAllCompleted {
		if m.snapshots != nil {
			_ = m.snapshots.Set(ctx, snapshot, 0)
		}
		if m.bus != nil {
			m.bus.AllCompleted(snapshot)
		}
	}
	return nil
}

// StageFor returns the stage a hopper is currently in_progress on, if any.
// Used by callers that need to route an operator action (e.g. a restart
// request) to the right stage controller.
func (m *Matrix) StageFor(hopper int) (Stage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range Stages {
		if cell, ok := m.cells[cellKey{hopper, s}]; ok && cell.Status == StatusInProgress {
			return s, true
		}
	}
	return "", false
}

// Counts returns (successes, failures, total) across every cell.
func (m *Matrix) Counts() (successes, failures, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cell := range m.cells {
		total++
		switch cell.Status {
		case StatusCompletedSuccess:
			successes++
		case StatusCompletedFailure:
			failures++
		}
	}
	return successes, failures, total
}

// IsAllCompleted reports whether every (hopper, stage) cell is terminal.
func (m *Matrix) IsAllCompleted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allTerminalLocked()
}

func (m *Matrix) allTerminalLocked() bool {
	for _, cell := range m.cells {
		if !cell.Status.terminal() {
			return false
		}
	}
	return true
}

// Snapshot builds the current LearningMatrixSnapshot.
func (m *Matrix) Snapshot() *cache.LearningMatrixSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Matrix) snapshotLocked() *cache.LearningMatrixSnapshot {
	buckets := make([]cache.BucketStageSnapshot, 0, len(m.cells))
	successes, failures := 0, 0
	for _, cell := range m.cells {
		buckets = append(buckets, cache.BucketStageSnapshot{
			Hopper:   cell.Hopper,
			Stage:    string(cell.Stage),
			Status:   string(cell.Status),
			Attempts: cell.Attempts,
			Message:  cell.Reason,
		})
		switch cell.Status {
		case StatusCompletedSuccess:
			successes++
		case StatusCompletedFailure:
			failures++
		}
	}
	return &cache.LearningMatrixSnapshot{
		SessionID:    m.sessionID,
		Buckets:      buckets,
		Successes:    successes,
		Failures:     failures,
		Total:        len(m.cells),
		AllCompleted: m.allTerminalLocked(),
	}
}

// PublishSnapshot persists the current snapshot into the SnapshotCache for
// the Control/Status Server to read. Intended to be called periodically
// (e.g. from the session's own tick) in addition to the final publish that
// CompleteStage performs on the on-all-completed edge.
func (m *Matrix) PublishSnapshot(ctx context.Context) error {
	if m.snapshots == nil {
		return nil
	}
	return m.snapshots.Set(ctx, m.Snapshot(), 0)
}
