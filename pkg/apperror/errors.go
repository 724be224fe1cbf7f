// Package apperror provides a structured way to handle calibration-core
// errors with specific codes, kinds, severity levels, and additional
// details, plus helpers for producing the plain-language, operator-facing
// messages the propagation policy requires.
package apperror

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrorCode represents a specific application error code.
type ErrorCode string

const (
	// Transport / protocol
	CodeNotConnected   ErrorCode = "NOT_CONNECTED"
	CodeTransport      ErrorCode = "TRANSPORT_ERROR"
	CodeProtocol       ErrorCode = "PROTOCOL_ERROR"
	CodeDeviceError    ErrorCode = "DEVICE_REPORTED_ERROR"
	CodeTimeout        ErrorCode = "TIMEOUT"
	CodeInvalidAddress ErrorCode = "INVALID_ADDRESS"

	// Analysis service
	CodeValidation           ErrorCode = "VALIDATION_FAILED"
	CodeAnalysisDisagreement ErrorCode = "ANALYSIS_DISAGREEMENT"
	CodeIntegrity            ErrorCode = "MALFORMED_RESPONSE"

	// Stage control
	CodeBudgetExhausted ErrorCode = "BUDGET_EXHAUSTED"
	CodeStarvation      ErrorCode = "STARVATION_DETECTED"
	CodeOperatorCancel  ErrorCode = "OPERATOR_CANCEL"

	// General
	CodeInternal        ErrorCode = "INTERNAL_ERROR"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
)

// Kind groups error codes into the propagation categories from spec.md §7.
type Kind string

const (
	KindTransport             Kind = "transport"
	KindProtocol              Kind = "protocol"
	KindValidation            Kind = "validation"
	KindAnalysisDisagreement  Kind = "analysis-disagreement"
	KindBudgetExhausted       Kind = "budget-exhausted"
	KindStarvation            Kind = "starvation"
	KindIntegrity             Kind = "integrity"
	KindOperatorCancel        Kind = "operator-cancel"
	KindInternal              Kind = "internal"
)

var codeKind = map[ErrorCode]Kind{
	CodeNotConnected:         KindTransport,
	CodeTransport:            KindTransport,
	CodeTimeout:              KindTransport,
	CodeProtocol:             KindProtocol,
	CodeDeviceError:          KindProtocol,
	CodeInvalidAddress:       KindProtocol,
	CodeValidation:           KindValidation,
	CodeAnalysisDisagreement: KindAnalysisDisagreement,
	CodeIntegrity:            KindIntegrity,
	CodeBudgetExhausted:      KindBudgetExhausted,
	CodeStarvation:           KindStarvation,
	CodeOperatorCancel:       KindOperatorCancel,
	CodeInternal:             KindInternal,
	CodeNotFound:             KindInternal,
	CodeInvalidArgument:      KindValidation,
}

// Severity defines the criticality level of an error.
type Severity int

const (
	// SeverityWarning indicates a non-critical issue that can be ignored or automatically resolved.
	SeverityWarning Severity = iota
	// SeverityError indicates a standard error that requires attention.
	SeverityError
	// SeverityCritical indicates a severe error that might require immediate human intervention
	// (spec.md §7: "Fatal to the session").
	SeverityCritical
)

// String returns the string representation of the Severity.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Error is a custom error type carrying an ErrorCode, a hopper/stage
// location, a human-readable message, and an optional underlying cause.
type Error struct {
	Code     ErrorCode
	Hopper   int
	Stage    string
	Message  string
	Field    string
	Details  map[string]any
	Cause    error
	Severity Severity
}

// Error implements the error interface.
func (e *Error) Error() string {
	loc := ""
	if e.Hopper != 0 {
		loc = fmt.Sprintf(" hopper=%d", e.Hopper)
	}
	if e.Stage != "" {
		loc += fmt.Sprintf(" stage=%s", e.Stage)
	}
	return fmt.Sprintf("[%s]%s %s", e.Code, loc, e.Message)
}

// Unwrap returns the wrapped error, allowing error-chain introspection.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Kind returns the propagation category for this error's code.
func (e *Error) Kind() Kind {
	if k, ok := codeKind[e.Code]; ok {
		return k
	}
	return KindInternal
}

// New creates a new application error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Details: make(map[string]any), Severity: SeverityError}
}

// NewForHopper creates a new application error scoped to a hopper/stage.
func NewForHopper(code ErrorCode, hopper int, stage, message string) *Error {
	return &Error{Code: code, Hopper: hopper, Stage: stage, Message: message, Details: make(map[string]any), Severity: SeverityError}
}

// NewCritical creates a session-fatal application error (spec.md §7:
// "Fatal to the session: transport failure on the global start/stop sequence").
func NewCritical(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Details: make(map[string]any), Severity: SeverityCritical}
}

// Wrap wraps an existing error with an application error code and message.
func Wrap(cause error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Cause: cause, Details: make(map[string]any), Severity: SeverityError}
}

// WithDetails attaches a key/value pair of structured context.
func (e *Error) WithDetails(key string, value any) *Error {
	e.Details[key] = value
	return e
}

// WithHopper scopes the error to a hopper id.
func (e *Error) WithHopper(hopper int) *Error {
	e.Hopper = hopper
	return e
}

// WithStage scopes the error to a stage name.
func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

// WithSeverity overrides the error's severity.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

// Is reports whether err is an *Error with a matching code.
func Is(err error, code ErrorCode) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Code extracts the ErrorCode from err, defaulting to CodeInternal.
func Code(err error) ErrorCode {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// IsCritical reports whether err is session-fatal.
func IsCritical(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Severity == SeverityCritical
	}
	return false
}

// technicalPrefixes are stripped from analysis-service messages before they
// reach an operator, per spec.md §7's "strip technical prefixes" rule.
var technicalPrefixes = []string{
	"error: ", "Error: ", "ERROR: ",
	"validation failed: ", "ValidationError: ",
	"rpc error: ", "http error: ",
}

// fieldSubstitutions maps internal field names the analysis service may
// report to plain-language terms an operator understands.
var fieldSubstitutions = map[string]string{
	"coarse_time_ms":       "coarse-fill time",
	"fine_time_ms":         "fine-fill time",
	"current_coarse_speed": "coarse speed",
	"current_fine_speed":   "fine speed",
	"coarse_advance":       "coarse advance",
	"fall_value":           "fall value",
	"target_weight":        "target weight",
	"flight_material_value": "flight material value",
}

// UserMessage produces the plain-language, stage/hopper-scoped message
// required by spec.md §7: technical prefixes stripped, internal field
// names substituted, stage and hopper id included.
func UserMessage(hopper int, stage, raw string) string {
	msg := raw
	for _, prefix := range technicalPrefixes {
		msg = strings.TrimPrefix(msg, prefix)
	}
	for field, plain := range fieldSubstitutions {
		msg = strings.ReplaceAll(msg, field, plain)
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = "the analysis service rejected the trial"
	}
	return fmt.Sprintf("hopper %d (%s): %s", hopper, stage, msg)
}

// flowRatePatterns are the regex fallbacks described in spec.md §4.H and
// Design Notes §9: extract a numeric flow rate from a free-text message
// when the analysis service omits the dedicated field.
var flowRatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)flow[_\s-]?rate[:\s]+([0-9]+\.?[0-9]*)`),
	regexp.MustCompile(`(?i)([0-9]+\.?[0-9]*)\s*g/s`),
	regexp.MustCompile(`(?i)rate of ([0-9]+\.?[0-9]*)`),
}

// ParseFlowRateFromMessage attempts to recover a fine-fill flow rate (g/s)
// from a human-readable analysis message. It returns ok=false when no
// pattern matches, in which case the caller passes nil downstream and logs
// a warning (spec.md §4.H).
func ParseFlowRateFromMessage(message string) (rate float64, ok bool) {
	for _, pattern := range flowRatePatterns {
		m := pattern.FindStringSubmatch(message)
		if len(m) == 2 {
			var v float64
			if _, err := fmt.Sscanf(m[1], "%f", &v); err == nil {
				return v, true
			}
		}
	}
	return 0, false
}
