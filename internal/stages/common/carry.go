// Package common holds the types and small helpers shared by the four
// per-hopper stage controllers (spec §4.F-§4.I): the data threaded from
// one stage's success to the next, the hand-off function type, and the
// shared target-weight validation.
package common

// Carry is handed from one stage controller to the next on success. Each
// stage only reads the fields it needs and only ever adds fields, never
// removes them — the whole chain shares one struct so hand-off never loses
// data a later stage turns out to need.
type Carry struct {
	Hopper       int
	MaterialID   string
	TargetWeight float64 // the original, user-entered target weight (g)

	InitialCoarseSpeed int // seed for coarse-time; ignored by later stages

	FlightMaterialValue float64 // set by flight-material, read by fine-time

	FineSpeed     int      // final fine speed, set by fine-time
	CoarseAdvance *float64 // coarse-advance returned by fine-time, if any
	FineFlowRate  *float64 // set by fine-time, read by adaptive-learning

	FinalCoarseSpeed int // final coarse speed, set by coarse-time
}

// NextStageFunc hands a completed hopper off to the following controller.
// Controllers always invoke it on a fresh goroutine (go c.OnSuccess(carry))
// rather than synchronously, so the next controller's Start never runs on
// the finishing stage's own goroutine (spec §4.F "Re-entrancy":
// "Controllers must not invoke one another synchronously inside an edge
// callback").
type NextStageFunc func(carry Carry)
