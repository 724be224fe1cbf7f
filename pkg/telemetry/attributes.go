package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Standard span attribute keys.
const (
	// Hopper / session
	AttrHopperID   = "hopper.id"
	AttrSessionID  = "session.id"
	AttrStageName  = "stage.name"
	AttrAttemptNum = "stage.attempt"

	// Modbus
	AttrModbusOp      = "modbus.op"
	AttrModbusAddress = "modbus.address"

	// Analysis
	AttrAnalysisOutcome = "analysis.outcome"
	AttrTargetWeight    = "analysis.target_weight"
	AttrMeasuredWeight  = "analysis.measured_weight"

	// Validation
	AttrValidationErrors = "validation.errors"
	AttrValidationPassed = "validation.passed"
)

// HopperAttributes returns the attributes identifying a hopper/stage/attempt.
func HopperAttributes(hopper int, stage string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrHopperID, hopper),
		attribute.String(AttrStageName, stage),
		attribute.Int(AttrAttemptNum, attempt),
	}
}

// ModbusAttributes returns the attributes describing a Modbus operation.
func ModbusAttributes(op string, address uint16) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrModbusOp, op),
		attribute.Int(AttrModbusAddress, int(address)),
	}
}

// AnalysisAttributes returns the attributes describing an analysis-service
// verdict.
func AnalysisAttributes(outcome string, target, measured float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrAnalysisOutcome, outcome),
		attribute.Float64(AttrTargetWeight, target),
		attribute.Float64(AttrMeasuredWeight, measured),
	}
}

// ValidationAttributes returns validation-outcome attributes.
func ValidationAttributes(errorsCount int, passed bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrValidationErrors, errorsCount),
		attribute.Bool(AttrValidationPassed, passed),
	}
}
