package common

import "calibration/pkg/apperror"

const (
	// MinTargetWeight and MaxTargetWeight bound the user-entered target
	// weight a hopper may be calibrated against (spec §4.F).
	MinTargetWeight = 60.0
	MaxTargetWeight = 425.0
)

// ValidateTargetWeight enforces the coarse-time stage's target-weight
// bounds before a session is allowed to start.
func ValidateTargetWeight(hopper int, w float64) error {
	if w < MinTargetWeight || w > MaxTargetWeight {
		return apperror.NewForHopper(apperror.CodeValidation, hopper, "coarse-time",
			"target weight must be between 60g and 425g").WithDetails("target_weight", w)
	}
	return nil
}
