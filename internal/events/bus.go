// Package events implements the upward event surface the core publishes
// for the GUI and other external observers (spec §6), replacing the
// original Tk `.after()` cross-thread marshalling (Design Notes §9) with a
// typed Go channel.
package events

import (
	"calibration/pkg/cache"
)

// Kind identifies the type of upward event carried by an Event.
type Kind string

const (
	KindBucketCompleted   Kind = "bucket-completed"
	KindBucketFailed      Kind = "bucket-failed"
	KindProgressUpdate    Kind = "progress-update"
	KindLogMessage        Kind = "log-message"
	KindStarvationDetected Kind = "starvation-detected"
	KindBucketStateChanged Kind = "bucket-state-changed"
	KindAllCompleted       Kind = "all-completed"
)

// Event is the single wire type delivered on the Bus. Only the fields
// relevant to Kind are populated; callers switch on Kind first.
type Event struct {
	Kind Kind

	// Hopper-scoped fields.
	Hopper       int
	Stage        string
	Success      bool
	Message      string
	Reason       string
	Attempt      int
	MaxAttempts  int
	IsProduction bool
	NewState     string

	// Session-scoped fields.
	Snapshot *cache.LearningMatrixSnapshot
}

// Bus is a buffered, fan-out-free publish point for upward events:
// exactly one subscriber drains it, matching the orchestrator's single
// GUI/event-log consumer. Grounded on pkg/audit/client.go's
// buffered-channel-plus-background-drain shape, adapted from a batching
// HTTP sink to a single in-process channel since there is no GUI process
// boundary to cross here.
type Bus struct {
	ch chan Event
}

// NewBus creates a Bus with the given channel buffer size. A bufferSize of
// 0 or less falls back to a buffer of 64; once the buffer is full, Publish
// blocks until a subscriber reads. Session wiring should size this to the
// expected in-flight event burst (one per hopper is typical).
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{ch: make(chan Event, bufferSize)}
}

// Events returns the channel subscribers read from.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Publish delivers ev to the bus. It never blocks the caller beyond the
// channel's buffer: a full buffer means the event-log consumer has fallen
// behind, which is a caller-visible condition, not something Publish
// silently swallows.
func (b *Bus) Publish(ev Event) {
	b.ch <- ev
}

// Close shuts the bus down. Callers must stop publishing before calling
// Close.
func (b *Bus) Close() {
	close(b.ch)
}

// BucketCompleted publishes on-bucket-completed.
func (b *Bus) BucketCompleted(hopper int, success bool, message string) {
	b.Publish(Event{Kind: KindBucketCompleted, Hopper: hopper, Success: success, Message: message})
}

// BucketFailed publishes on-bucket-failed.
func (b *Bus) BucketFailed(hopper int, reason, stage string) {
	b.Publish(Event{Kind: KindBucketFailed, Hopper: hopper, Reason: reason, Stage: stage})
}

// ProgressUpdate publishes on-progress-update.
func (b *Bus) ProgressUpdate(hopper, attempt, maxAttempts int, message string) {
	b.Publish(Event{Kind: KindProgressUpdate, Hopper: hopper, Attempt: attempt, MaxAttempts: maxAttempts, Message: message})
}

// LogMessage publishes on-log-message.
func (b *Bus) LogMessage(message string) {
	b.Publish(Event{Kind: KindLogMessage, Message: message})
}

// StarvationDetected publishes on-starvation-detected.
func (b *Bus) StarvationDetected(hopper int, stage string, isProduction bool) {
	b.Publish(Event{Kind: KindStarvationDetected, Hopper: hopper, Stage: stage, IsProduction: isProduction})
}

// BucketStateChanged publishes on-bucket-state-changed.
func (b *Bus) BucketStateChanged(hopper int, newState string) {
	b.Publish(Event{Kind: KindBucketStateChanged, Hopper: hopper, NewState: newState})
}

// AllCompleted publishes on-all-completed.
func (b *Bus) AllCompleted(snapshot *cache.LearningMatrixSnapshot) {
	b.Publish(Event{Kind: KindAllCompleted, Snapshot: snapshot})
}
