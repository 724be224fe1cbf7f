package materials

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// LearnedParameters is a read-only row from the materials database,
// consulted as a fallback seed for the coarse-time stage when no
// analysis-service result has yet been produced for this (material,
// target weight) pair.
type LearnedParameters struct {
	MaterialID    string
	TargetWeight  float64
	CoarseAdvance int
	FallValue     int
	CoarseSpeed   int
	FineSpeed     int
	CoarseTimeMs  int
	FineTimeMs    int
	SampleCount   int
}

// Repository is the read-only materials/learned-parameters collaborator.
// The core never writes through it.
type Repository struct {
	db DB
}

// NewRepository constructs a Repository over db.
func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// LookupLearnedParameters returns the most recently updated learned
// parameter row for materialID at targetWeight. found is false, with a
// nil error, when no matching row exists.
func (r *Repository) LookupLearnedParameters(ctx context.Context, materialID string, targetWeight float64) (*LearnedParameters, bool, error) {
	const query = `
		SELECT material_id, target_weight, coarse_advance, fall_value,
		       coarse_speed, fine_speed, coarse_time_ms, fine_time_ms, sample_count
		FROM learned_parameters
		WHERE material_id = $1 AND target_weight = $2
		ORDER BY updated_at DESC
		LIMIT 1`

	row := r.db.QueryRow(ctx, query, materialID, targetWeight)

	var lp LearnedParameters
	err := row.Scan(
		&lp.MaterialID,
		&lp.TargetWeight,
		&lp.CoarseAdvance,
		&lp.FallValue,
		&lp.CoarseSpeed,
		&lp.FineSpeed,
		&lp.CoarseTimeMs,
		&lp.FineTimeMs,
		&lp.SampleCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up learned parameters: %w", err)
	}

	return &lp, true, nil
}
