package report

import (
	"time"

	"calibration/pkg/cache"
)

// AttemptRecord is one stage attempt made against a hopper during a
// session, kept for the Excel workbook's per-hopper attempt history.
type AttemptRecord struct {
	Hopper        int
	Stage         string
	AttemptNumber int
	CoarseTimeMs  int
	TotalCycleMs  int
	ErrorGrams    float64
	SampledWeight float64
	Outcome       string // success, failure
	RecordedAt    time.Time
}

// FinalParameters is the accepted parameter set for a hopper once every
// stage has completed successfully.
type FinalParameters struct {
	Hopper        int
	CoarseAdvance int
	FallValue     int
	CoarseSpeed   int
	FineSpeed     int
	CoarseTimeMs  int
	FineTimeMs    int
}

// SessionData is everything the report generators need to render a
// session's Excel workbook and PDF certificate.
type SessionData struct {
	SessionID    string
	MaterialID   string
	TargetWeight float64
	StartedAt    time.Time
	CompletedAt  time.Time

	Snapshot *cache.LearningMatrixSnapshot
	Attempts []AttemptRecord
	Final    []FinalParameters
}

// finalFor returns the accepted parameters for a hopper, if recorded.
func (d *SessionData) finalFor(hopper int) (FinalParameters, bool) {
	for _, f := range d.Final {
		if f.Hopper == hopper {
			return f, true
		}
	}
	return FinalParameters{}, false
}

// attemptsFor returns every attempt recorded for a hopper, in insertion order.
func (d *SessionData) attemptsFor(hopper int) []AttemptRecord {
	var out []AttemptRecord
	for _, a := range d.Attempts {
		if a.Hopper == hopper {
			out = append(out, a)
		}
	}
	return out
}

// hoppers returns the sorted set of hopper numbers mentioned anywhere in
// the snapshot, attempts, or final parameters.
func (d *SessionData) hoppers() []int {
	seen := make(map[int]bool)
	var out []int
	add := func(h int) {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}

	if d.Snapshot != nil {
		for _, b := range d.Snapshot.Buckets {
			add(b.Hopper)
		}
	}
	for _, a := range d.Attempts {
		add(a.Hopper)
	}
	for _, f := range d.Final {
		add(f.Hopper)
	}

	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}
