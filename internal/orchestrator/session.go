// Package orchestrator wires the PLC transport, the polling engine, the
// analysis client, and the four per-hopper stage controllers into a
// single calibration session lifecycle (spec.md §4, SPEC_FULL.md §3's
// Session type). It implements pkg/server.SessionController, the surface
// the Control/Status Server drives.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"calibration/internal/aggregator"
	"calibration/internal/analysis"
	"calibration/internal/events"
	"calibration/internal/monitoring"
	"calibration/internal/plc"
	"calibration/internal/stages/adaptivelearning"
	"calibration/internal/stages/coarsetime"
	"calibration/internal/stages/finetime"
	"calibration/internal/stages/flightmaterial"
	"calibration/pkg/apperror"
	"calibration/pkg/audit"
	"calibration/pkg/cache"
	"calibration/pkg/config"
	"calibration/pkg/logger"
	"calibration/pkg/materials"
	"calibration/pkg/ratelimit"
	"calibration/pkg/report"
)

// DefaultInitialCoarseSpeed seeds a hopper's coarse speed when neither the
// caller nor the materials repository supplies one (spec §4.F's "initial
// coarse speed from previously learned parameters" fallback chain has no
// further fallback named, so the orchestrator owns this last resort).
const DefaultInitialCoarseSpeed = 72

// session is one calibration run across all six hoppers (SPEC_FULL.md §3).
type session struct {
	id           string
	materialID   string
	targetWeight float64
	hoppers      []int
	createdAt    time.Time
	completedAt  time.Time

	matrix *aggregator.Matrix
	bus    *events.Bus

	coarse   *coarsetime.Controller
	flight   *flightmaterial.Controller
	fine     *finetime.Controller
	adaptive *adaptivelearning.Controller

	mu       sync.Mutex
	artifact *report.Artifacts
}

// Orchestrator owns the single physical PLC connection and the session
// currently running against it. All six hoppers belong to one packaging
// machine, so only one session may be active at a time — grounded on the
// teacher's SolverService, generalized from "one in-flight computation per
// request" to "one in-flight session per machine".
type Orchestrator struct {
	transport *plc.Transport
	bucket    *plc.BucketControl
	engine    *monitoring.Engine
	client    *analysis.Client
	limiter   ratelimit.Limiter
	repo      *materials.Repository
	snapshots *cache.SnapshotCache
	auditLog  audit.Logger
	reports   *report.Builder
	clock     plc.Clock

	mu       sync.Mutex
	current  *session
	sessions map[string]*session
}

// Options carries collaborators a caller has already constructed (tests,
// or a main that wants to share a materials DB pool/audit sink across more
// than the orchestrator). Any left nil is built from cfg by New.
type Options struct {
	MaterialsRepo *materials.Repository
	AuditLog      audit.Logger
	Snapshots     *cache.SnapshotCache
}

// New wires an Orchestrator from configuration. It does not open the PLC
// connection or start the polling engine; call Connect once the process
// is ready to own the hardware.
func New(cfg *config.Config, opts *Options) (*Orchestrator, error) {
	if opts == nil {
		opts = &Options{}
	}

	transport := plc.New(cfg.PLC)
	bucket := plc.NewBucketControl(transport, plc.RealClock())
	engine := monitoring.New(transport, bucket, cfg.Monitoring)

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		l, err := ratelimit.New(&ratelimit.Config{
			Requests: cfg.RateLimit.Requests,
			Window:   cfg.RateLimit.Window,
			Strategy: cfg.RateLimit.Strategy,
			Backend:  cfg.RateLimit.Backend,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build analysis-client rate limiter: %w", err)
		}
		limiter = l
	}
	client := analysis.New(cfg.Analysis, limiter)

	snapshots := opts.Snapshots
	if snapshots == nil {
		baseCache, err := cache.New(cache.FromConfig(&cfg.Cache))
		if err != nil {
			return nil, fmt.Errorf("failed to build snapshot cache: %w", err)
		}
		snapshots = cache.NewSnapshotCache(baseCache, cfg.Cache.DefaultTTL)
	}

	auditLog := opts.AuditLog
	if auditLog == nil {
		l, err := audit.New(&audit.Config{
			Enabled:     cfg.Audit.Enabled,
			Backend:     cfg.Audit.Backend,
			FilePath:    cfg.Audit.FilePath,
			HTTPURL:     cfg.Audit.HTTPURL,
			BufferSize:  cfg.Audit.BufferSize,
			FlushPeriod: cfg.Audit.FlushPeriod,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build audit logger: %w", err)
		}
		auditLog = l
	}

	return &Orchestrator{
		transport: transport,
		bucket:    bucket,
		engine:    engine,
		client:    client,
		limiter:   limiter,
		repo:      opts.MaterialsRepo,
		snapshots: snapshots,
		auditLog:  auditLog,
		reports:   report.NewBuilder(),
		clock:     plc.RealClock(),
		sessions:  make(map[string]*session),
	}, nil
}

// Snapshots returns the snapshot cache the orchestrator publishes
// LearningMatrix state to, so the Control/Status Server can read from the
// same store without the orchestrator constructing it twice.
func (o *Orchestrator) Snapshots() *cache.SnapshotCache {
	return o.snapshots
}

// AuditLog returns the orchestrator's audit sink, for sharing with other
// collaborators (e.g. the Control/Status Server) that must log to the same
// destination.
func (o *Orchestrator) AuditLog() audit.Logger {
	return o.auditLog
}

// Connect opens the PLC transport and starts the shared polling engine.
func (o *Orchestrator) Connect(ctx context.Context) error {
	if err := o.transport.Connect(ctx); err != nil {
		return err
	}
	o.engine.Start()
	return nil
}

// Close stops the polling engine, disconnects the PLC, and releases the
// rate limiter and audit sink.
func (o *Orchestrator) Close() error {
	o.engine.Stop()
	if o.limiter != nil {
		_ = o.limiter.Close()
	}
	if o.auditLog != nil {
		_ = o.auditLog.Close()
	}
	return o.transport.Disconnect()
}

// StartSession begins a new calibration run across all six hoppers.
func (o *Orchestrator) StartSession(ctx context.Context, materialID string, targetWeight float64) (string, error) {
	o.mu.Lock()
	if o.current != nil {
		o.mu.Unlock()
		return "", apperror.New(apperror.CodeInvalidArgument, "a calibration session is already running").
			WithDetails("active_session", o.current.id)
	}
	o.mu.Unlock()

	hoppers := plc.Hoppers()
	sess := &session{
		id:           uuid.NewString(),
		materialID:   materialID,
		targetWeight: targetWeight,
		hoppers:      hoppers,
		createdAt:    time.Now(),
	}
	sess.bus = events.NewBus(64)
	sess.matrix = aggregator.New(sess.id, hoppers, sess.bus, o.snapshots)

	sess.coarse = coarsetime.New(o.transport, o.bucket, o.engine, o.client, sess.matrix, sess.bus, o.clock)
	sess.flight = flightmaterial.New(o.transport, o.bucket, o.engine, o.client, sess.matrix, sess.bus, o.clock)
	sess.fine = finetime.New(o.transport, o.bucket, o.engine, o.client, sess.matrix, sess.bus, o.clock)
	sess.adaptive = adaptivelearning.New(o.transport, o.bucket, o.engine, o.client, sess.matrix, sess.bus, o.clock)

	// Hand-off between stages always runs on a fresh goroutine: each
	// controller invokes its OnSuccess with `go` (common.NextStageFunc's
	// contract) — never a synchronous call from within an edge callback.
	sess.coarse.OnSuccess = sess.flight.Start
	sess.flight.OnSuccess = sess.fine.Start
	sess.fine.OnSuccess = sess.adaptive.Start

	initialSpeeds := o.seedInitialCoarseSpeeds(ctx, materialID, targetWeight, hoppers)

	o.mu.Lock()
	o.current = sess
	o.sessions[sess.id] = sess
	o.mu.Unlock()

	go o.watch(sess)

	o.audit(ctx, audit.ActionSessionStart, sess.id, 0, audit.OutcomeSuccess, nil)

	res := sess.coarse.StartSession(hoppers, targetWeight, initialSpeeds)
	if !res.Success {
		err := apperror.New(apperror.CodeValidation, res.Message)
		o.audit(ctx, audit.ActionSessionStart, sess.id, 0, audit.OutcomeFailure, err)
		o.mu.Lock()
		o.current = nil
		o.mu.Unlock()
		return "", err
	}

	return sess.id, nil
}

// seedInitialCoarseSpeeds consults the read-only materials repository for
// a previously learned coarse speed (spec §4.F Inputs), falling back to
// DefaultInitialCoarseSpeed when no repository is configured or no row is
// found. The repository is never written to (spec.md §6: "Persisted
// state: None in the core").
func (o *Orchestrator) seedInitialCoarseSpeeds(ctx context.Context, materialID string, targetWeight float64, hoppers []int) map[int]int {
	speed := DefaultInitialCoarseSpeed

	if o.repo != nil {
		learned, found, err := o.repo.LookupLearnedParameters(ctx, materialID, targetWeight)
		if err != nil {
			logger.Log.Warn("materials repository lookup failed, using default coarse speed", "error", err)
		} else if found {
			speed = learned.CoarseSpeed
		}
	}

	speeds := make(map[int]int, len(hoppers))
	for _, h := range hoppers {
		speeds[h] = speed
	}
	return speeds
}

// watch drains a session's event bus for the lifetime of the session,
// writing stage-transition audit entries and, on on-all-completed,
// rendering the session report and freeing the machine for the next
// session. One goroutine per session, matching the single-consumer
// contract documented on events.Bus.
func (o *Orchestrator) watch(sess *session) {
	for ev := range sess.bus.Events() {
		switch ev.Kind {
		case events.KindBucketStateChanged:
			o.audit(context.Background(), audit.ActionStageTransition, sess.id, ev.Hopper, audit.OutcomeSuccess, nil)
		case events.KindBucketFailed:
			logger.Log.Warn("hopper failed", "session", sess.id, "hopper", ev.Hopper, "stage", ev.Stage, "reason", ev.Reason)
		case events.KindAllCompleted:
			o.completeSession(sess)
			return
		}
	}
}

// completeSession renders the session's report artifacts in memory,
// records the completion audit entry, and frees the machine for the next
// StartSession call.
func (o *Orchestrator) completeSession(sess *session) {
	sess.completedAt = time.Now()

	data := &report.SessionData{
		SessionID:    sess.id,
		MaterialID:   sess.materialID,
		TargetWeight: sess.targetWeight,
		StartedAt:    sess.createdAt,
		CompletedAt:  sess.completedAt,
		Snapshot:     sess.matrix.Snapshot(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	artifacts, err := o.reports.Build(ctx, data)
	if err != nil {
		logger.Log.Warn("failed to build session report", "session", sess.id, "error", err)
	}

	sess.mu.Lock()
	sess.artifact = artifacts
	sess.mu.Unlock()

	o.audit(ctx, audit.ActionSessionComplete, sess.id, 0, audit.OutcomeSuccess, nil)

	o.mu.Lock()
	if o.current == sess {
		o.current = nil
	}
	o.mu.Unlock()
}

// Report returns the rendered Excel/PDF artifacts for a completed session,
// if report generation has finished.
func (o *Orchestrator) Report(sessionID string) (*report.Artifacts, bool) {
	o.mu.Lock()
	sess, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return nil, false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.artifact, sess.artifact != nil
}

// CancelSession requests cooperative cancellation of a running session by
// stopping and disarming every hopper immediately, whatever stage each one
// is in, and marking every still-in-progress cell a failure.
func (o *Orchestrator) CancelSession(ctx context.Context, sessionID string) error {
	sess, err := o.activeSession(sessionID)
	if err != nil {
		return err
	}

	for _, h := range sess.hoppers {
		o.engine.Disarm(h)
		o.bucket.StopHopper(h)
	}

	for _, h := range sess.hoppers {
		for _, stage := range aggregator.Stages {
			_ = sess.matrix.CompleteStage(ctx, h, stage, false, "operator cancelled the session")
		}
	}

	o.audit(ctx, audit.ActionCancel, sess.id, 0, audit.OutcomeSuccess, nil)
	return nil
}

// RestartHopper restarts a single hopper's bucket within a session. Only
// the coarse-time stage exposes a restart sequence (spec §4.F "modes
// from-beginning / from-current"), so for a hopper that is in any other
// stage, or in no stage at all, RestartHopper reports CodeInvalidArgument
// rather than silently doing nothing.
func (o *Orchestrator) RestartHopper(ctx context.Context, sessionID string, hopper int) error {
	sess, err := o.activeSession(sessionID)
	if err != nil {
		return err
	}

	stage, ok := sess.matrix.StageFor(hopper)
	if !ok || stage != aggregator.StageCoarseTime {
		return apperror.NewForHopper(apperror.CodeInvalidArgument, hopper, string(stage),
			"hopper restart is only supported while the hopper is in the coarse-time stage")
	}

	res := sess.coarse.RestartBucket(hopper, true)
	if !res.Success {
		err := apperror.NewForHopper(apperror.CodeInternal, hopper, string(aggregator.StageCoarseTime), res.Message)
		o.audit(ctx, audit.ActionRestart, sess.id, hopper, audit.OutcomeFailure, err)
		return err
	}

	o.audit(ctx, audit.ActionRestart, sess.id, hopper, audit.OutcomeSuccess, nil)
	return nil
}

// Healthy reports whether the PLC transport and analysis client are
// currently reachable, for the Control/Status Server's /healthz probe.
func (o *Orchestrator) Healthy(ctx context.Context) (plcOK, analysisOK bool) {
	plcOK = o.transport.Healthy()
	analysisOK = o.client.Health(ctx) == nil
	return plcOK, analysisOK
}

func (o *Orchestrator) activeSession(sessionID string) (*session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess, ok := o.sessions[sessionID]
	if !ok {
		return nil, apperror.New(apperror.CodeNotFound, "no session with id "+sessionID)
	}
	if o.current != sess {
		return nil, apperror.New(apperror.CodeInvalidArgument, "session "+sessionID+" has already completed")
	}
	return sess, nil
}

func (o *Orchestrator) audit(ctx context.Context, action audit.Action, sessionID string, hopper int, outcome audit.Outcome, cause error) {
	if o.auditLog == nil {
		return
	}

	entry := audit.NewEntry().
		Service("calibration-core").
		Method("orchestrator." + string(action)).
		Action(action).
		Outcome(outcome).
		Session(sessionID)

	if hopper != 0 {
		entry = entry.Hopper(hopper, "")
	}
	if cause != nil {
		entry = entry.Error(string(apperror.Code(cause)), cause.Error())
	}

	_ = o.auditLog.Log(ctx, entry.Build())
}
