// Package audit provides components for capturing, storing, and querying
// the compliance audit trail for a calibration session: PLC parameter
// writes, stage transitions, restarts, and cancellations.
package audit

import (
	"context"
	"encoding/json"
	"time"
)

// Action represents the type of action performed in an audit event.
type Action string

const (
	// ActionWriteParameter indicates a write of a PLC parameter (coarse
	// advance, fall value, coarse/fine speed, coarse/fine time) to a hopper.
	ActionWriteParameter Action = "WRITE_PARAMETER"
	// ActionStageTransition indicates a hopper moved from one stage to
	// another (e.g. coarse_time -> flight_material).
	ActionStageTransition Action = "STAGE_TRANSITION"
	// ActionSessionStart indicates a calibration session was started.
	ActionSessionStart Action = "SESSION_START"
	// ActionSessionComplete indicates a session reached on-all-completed.
	ActionSessionComplete Action = "SESSION_COMPLETE"
	// ActionRestart indicates an operator restarted a single hopper bucket.
	ActionRestart Action = "RESTART"
	// ActionCancel indicates an operator-initiated cancellation.
	ActionCancel Action = "CANCEL"
)

// Outcome represents the result of an audit action.
type Outcome string

const (
	// OutcomeSuccess indicates that the action completed successfully.
	OutcomeSuccess Outcome = "SUCCESS"
	// OutcomeFailure indicates that the action failed due to an error.
	OutcomeFailure Outcome = "FAILURE"
	// OutcomeDenied indicates that the action was denied (e.g. budget exhausted).
	OutcomeDenied Outcome = "DENIED"
)

// Entry represents a single audit log record, capturing details about an event.
type Entry struct {
	ID           string         `json:"id"`                      // Unique identifier for the audit entry.
	Timestamp    time.Time      `json:"timestamp"`               // Time when the event occurred.
	Service      string         `json:"service"`                 // Name of the service that generated the audit event.
	Method       string         `json:"method"`                  // Specific operation invoked (e.g. "plc.write_coarse_advance").
	Action       Action         `json:"action"`                  // Type of action performed.
	Outcome      Outcome        `json:"outcome"`                 // Result of the action.
	SessionID    string         `json:"session_id,omitempty"`    // Calibration session this event belongs to.
	Hopper       int            `json:"hopper,omitempty"`        // Hopper number the event concerns, 0 if session-wide.
	Stage        string         `json:"stage,omitempty"`         // Stage controller active when the event occurred.
	RequestID    string         `json:"request_id,omitempty"`    // Unique ID of the originating request, if available.
	DurationMs   int64          `json:"duration_ms"`             // Duration of the operation in milliseconds.
	ErrorCode    string         `json:"error_code,omitempty"`    // Application-specific error code if the outcome is FAILURE.
	ErrorMessage string         `json:"error_message,omitempty"` // Human-readable error message if the outcome is FAILURE.
	Metadata     map[string]any `json:"metadata,omitempty"`      // Additional arbitrary key-value metadata.
	Changes      *ChangeSet     `json:"changes,omitempty"`       // Details about a parameter write.
}

// ChangeSet describes changes made to a PLC parameter.
type ChangeSet struct {
	Before map[string]any `json:"before,omitempty"` // Parameter value(s) before the change.
	After  map[string]any `json:"after,omitempty"`  // Parameter value(s) after the change.
	Fields []string       `json:"fields,omitempty"` // List of parameter names that changed.
}

// Logger is the interface that audit sinks must implement.
type Logger interface {
	// Log records an audit event.
	Log(ctx context.Context, entry *Entry) error

	// Query retrieves audit logs based on a filter.
	// Not all loggers may support querying.
	Query(ctx context.Context, filter *QueryFilter) ([]*Entry, error)

	// Close shuts down the logger and releases any resources.
	Close() error
}

// QueryFilter defines criteria for querying audit log entries.
type QueryFilter struct {
	StartTime *time.Time // Start time for the query range (inclusive).
	EndTime   *time.Time // End time for the query range (exclusive).
	Service   string     // Filter by service name.
	Method    string     // Filter by method/operation.
	Action    Action     // Filter by action type.
	Outcome   Outcome    // Filter by action outcome.
	SessionID string     // Filter by session ID.
	Hopper    int        // Filter by hopper number, 0 means "any".
	Limit     int        // Maximum number of results to return.
	Offset    int        // Number of results to skip.
}

// Config holds configuration parameters for the audit sink.
type Config struct {
	Enabled     bool          `koanf:"enabled"`      // If true, auditing is active.
	Backend     string        `koanf:"backend"`      // The sink backend to use ("http", "file", "stdout").
	FilePath    string        `koanf:"file_path"`    // Path to the log file, if backend is "file".
	HTTPURL     string        `koanf:"http_url"`      // Collector endpoint, if backend is "http".
	MaxSize     int           `koanf:"max_size"`      // Maximum size of the log file in MB before rotation.
	MaxAge      int           `koanf:"max_age"`       // Maximum age of log files in days before deletion.
	Compress    bool          `koanf:"compress"`      // Whether to compress old log files.
	BufferSize  int           `koanf:"buffer_size"`   // Size of the internal buffer for asynchronous logging.
	FlushPeriod time.Duration `koanf:"flush_period"` // Period to flush buffered entries to the backend.
}

// DefaultConfig returns a Config struct with default values.
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		Backend:     "stdout",
		BufferSize:  1000,
		FlushPeriod: 5 * time.Second,
	}
}

// Builder provides a fluent API for constructing an Entry object.
type Builder struct {
	entry *Entry
}

// NewEntry creates and returns a new Builder initialized with a timestamp and an empty metadata map.
func NewEntry() *Builder {
	return &Builder{
		entry: &Entry{
			Timestamp: time.Now(),
			Metadata:  make(map[string]any),
		},
	}
}

// Service sets the service name for the audit entry.
func (b *Builder) Service(s string) *Builder {
	b.entry.Service = s
	return b
}

// Method sets the operation name for the audit entry.
func (b *Builder) Method(m string) *Builder {
	b.entry.Method = m
	return b
}

// Action sets the action type for the audit entry.
func (b *Builder) Action(a Action) *Builder {
	b.entry.Action = a
	return b
}

// Outcome sets the outcome for the audit entry.
func (b *Builder) Outcome(o Outcome) *Builder {
	b.entry.Outcome = o
	return b
}

// Session sets the session ID for the audit entry.
func (b *Builder) Session(sessionID string) *Builder {
	b.entry.SessionID = sessionID
	return b
}

// Hopper sets the hopper number and active stage for the audit entry.
func (b *Builder) Hopper(hopper int, stage string) *Builder {
	b.entry.Hopper = hopper
	b.entry.Stage = stage
	return b
}

// RequestID sets the request ID for the audit entry.
func (b *Builder) RequestID(id string) *Builder {
	b.entry.RequestID = id
	return b
}

// Duration sets the duration of the operation in milliseconds for the audit entry.
func (b *Builder) Duration(d time.Duration) *Builder {
	b.entry.DurationMs = d.Milliseconds()
	return b
}

// Error sets the error code and message if the outcome was a failure.
func (b *Builder) Error(code, message string) *Builder {
	b.entry.ErrorCode = code
	b.entry.ErrorMessage = message
	return b
}

// Meta adds a key-value pair to the metadata map of the audit entry.
func (b *Builder) Meta(key string, value any) *Builder {
	b.entry.Metadata[key] = value
	return b
}

// Changes sets the ChangeSet for the audit entry, detailing a parameter write.
func (b *Builder) Changes(changes *ChangeSet) *Builder {
	b.entry.Changes = changes
	return b
}

// Build finalizes the Entry construction and returns the Entry object.
// It generates a unique ID if one is not already set.
func (b *Builder) Build() *Entry {
	if b.entry.ID == "" {
		b.entry.ID = generateID()
	}
	return b.entry
}

// MarshalJSON customizes the JSON serialization of an Entry.
func (e *Entry) MarshalJSON() ([]byte, error) {
	type Alias Entry
	return json.Marshal((*Alias)(e))
}

// generateID creates a unique ID for an audit entry, combining a timestamp and a random string.
func generateID() string {
	return time.Now().Format("20060102150405") + "-" + randomString(8)
}

// randomString generates a random alphanumeric string of a given length.
func randomString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[time.Now().UnixNano()%int64(len(letters))]
	}
	return string(b)
}
