package analysis

// clientVersion is sent on every POST request per spec §6.
const clientVersion = "1.5.1"

// CoarseTimeRequest is the request body for /api/coarse_time/analyze.
type CoarseTimeRequest struct {
	AnalysisType       string  `json:"analysis_type"`
	ClientVersion      string  `json:"client_version"`
	TargetWeight       float64 `json:"target_weight"`
	CoarseTimeMs       int64   `json:"coarse_time_ms"`
	CurrentCoarseSpeed int     `json:"current_coarse_speed"`
}

// CoarseTimeResponse is the response body for /api/coarse_time/analyze.
type CoarseTimeResponse struct {
	Success        bool   `json:"success"`
	IsCompliant    bool   `json:"is_compliant"`
	NewCoarseSpeed *int   `json:"new_coarse_speed,omitempty"`
	Message        string `json:"message"`
}

// FlightMaterialRequest is the request body for
// /api/flight_material/analyze.
type FlightMaterialRequest struct {
	AnalysisType    string     `json:"analysis_type"`
	ClientVersion   string     `json:"client_version"`
	TargetWeight    float64    `json:"target_weight"`
	RecordedWeights [3]float64 `json:"recorded_weights"`
}

// FlightMaterialResponse is the response body for
// /api/flight_material/analyze.
type FlightMaterialResponse struct {
	Success               bool       `json:"success"`
	AvgFlightMaterial     float64    `json:"avg_flight_material"`
	FlightMaterialDetails [3]float64 `json:"flight_material_details"`
	Message               string     `json:"message"`
}

// FineTimeRequest is the request body for /api/fine_time/analyze.
type FineTimeRequest struct {
	AnalysisType       string  `json:"analysis_type"`
	ClientVersion      string  `json:"client_version"`
	TargetWeight       float64 `json:"target_weight"` // always 6g during this stage
	FineTimeMs         int64   `json:"fine_time_ms"`
	CurrentFineSpeed   int     `json:"current_fine_speed"`
	OriginalTargetWeight float64 `json:"original_target_weight"`
	FlightMaterialValue float64 `json:"flight_material_value"`
}

// FineTimeResponse is the response body for /api/fine_time/analyze.
type FineTimeResponse struct {
	Success       bool     `json:"success"`
	IsCompliant   bool     `json:"is_compliant"`
	NewFineSpeed  *int     `json:"new_fine_speed,omitempty"`
	CoarseAdvance *float64 `json:"coarse_advance,omitempty"`
	FineFlowRate  *float64 `json:"fine_flow_rate,omitempty"`
	Message       string   `json:"message"`
}

// AdaptiveLearningRequest is the request body for
// /api/adaptive_learning/analyze.
type AdaptiveLearningRequest struct {
	AnalysisType        string   `json:"analysis_type"`
	ClientVersion       string   `json:"client_version"`
	TargetWeight        float64  `json:"target_weight"`
	ActualTotalCycleMs  int64    `json:"actual_total_cycle_ms"`
	ActualCoarseTimeMs  int64    `json:"actual_coarse_time_ms"`
	ErrorValue          float64  `json:"error_value"`
	CurrentCoarseAdvance float64 `json:"current_coarse_advance"`
	CurrentFallValue    float64  `json:"current_fall_value"`
	FineFlowRate        *float64 `json:"fine_flow_rate,omitempty"`
}

// AdaptiveLearningParams carries the adjusted coarse-advance/fall-value
// pair an adaptive-learning verdict may provide.
type AdaptiveLearningParams struct {
	CoarseAdvance *float64 `json:"coarse_advance,omitempty"`
	FallValue     *float64 `json:"fall_value,omitempty"`
}

// AdaptiveLearningResponse is the response body for the adaptive-learning
// endpoint.
type AdaptiveLearningResponse struct {
	Success     bool                    `json:"success"`
	IsCompliant bool                    `json:"is_compliant"`
	NewParams   *AdaptiveLearningParams `json:"new_params,omitempty"`
	Message     string                  `json:"message"`
}

// validationError is the shape of a 422 response body (spec §6).
type validationError struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}
