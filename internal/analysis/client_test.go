package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"calibration/pkg/apperror"
	"calibration/pkg/config"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := New(config.AnalysisConfig{BaseURL: srv.URL, RequestTimeout: 2 * time.Second}, nil)
	return c, srv.Close
}

func TestClient_Health(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	c, closeFn := newTestClient(t, mux)
	defer closeFn()

	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}
}

func TestClient_AnalyzeCoarseTime_Success(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/coarse_time/analyze", func(w http.ResponseWriter, r *http.Request) {
		var req CoarseTimeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.AnalysisType != "coarse_time" || req.ClientVersion != clientVersion {
			t.Errorf("unexpected request envelope: %+v", req)
		}
		speed := 68
		_ = json.NewEncoder(w).Encode(CoarseTimeResponse{Success: true, IsCompliant: true, NewCoarseSpeed: &speed, Message: "ok"})
	})
	c, closeFn := newTestClient(t, mux)
	defer closeFn()

	resp, err := c.AnalyzeCoarseTime(context.Background(), CoarseTimeRequest{TargetWeight: 200, CoarseTimeMs: 4200, CurrentCoarseSpeed: 72})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.IsCompliant || resp.NewCoarseSpeed == nil || *resp.NewCoarseSpeed != 68 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestClient_AnalyzeCoarseTime_SuccessFalse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/coarse_time/analyze", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(CoarseTimeResponse{Success: false, Message: "internal solver error"})
	})
	c, closeFn := newTestClient(t, mux)
	defer closeFn()

	_, err := c.AnalyzeCoarseTime(context.Background(), CoarseTimeRequest{TargetWeight: 200})
	if err == nil {
		t.Fatal("expected an error for success=false")
	}
	if apperror.Code(err) != apperror.CodeAnalysisDisagreement {
		t.Fatalf("expected CodeAnalysisDisagreement, got %v", apperror.Code(err))
	}
}

func TestClient_AnalyzeFlightMaterial_ValidationFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/flight_material/analyze", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(validationError{Error: "target_weight must be positive", Field: "target_weight"})
	})
	c, closeFn := newTestClient(t, mux)
	defer closeFn()

	_, err := c.AnalyzeFlightMaterial(context.Background(), FlightMaterialRequest{TargetWeight: -1})
	if err == nil {
		t.Fatal("expected a validation error")
	}
	if apperror.Code(err) != apperror.CodeValidation {
		t.Fatalf("expected CodeValidation, got %v", apperror.Code(err))
	}
}

func TestClient_AnalyzeFineTime_UnexpectedStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/fine_time/analyze", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c, closeFn := newTestClient(t, mux)
	defer closeFn()

	_, err := c.AnalyzeFineTime(context.Background(), FineTimeRequest{TargetWeight: 6})
	if err == nil {
		t.Fatal("expected a transport error")
	}
	if apperror.Code(err) != apperror.CodeTransport {
		t.Fatalf("expected CodeTransport, got %v", apperror.Code(err))
	}
}

func TestClient_AnalyzeFineTime_FlowRateFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/fine_time/analyze", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(FineTimeResponse{
			Success:     true,
			IsCompliant: true,
			Message:     "compliant, flow rate 0.649 g/s measured",
		})
	})
	c, closeFn := newTestClient(t, mux)
	defer closeFn()

	resp, err := c.AnalyzeFineTime(context.Background(), FineTimeRequest{TargetWeight: 6})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.FineFlowRate == nil || *resp.FineFlowRate != 0.649 {
		t.Fatalf("expected flow rate parsed from message, got %+v", resp.FineFlowRate)
	}
}

func TestClient_AnalyzeAdaptiveLearning_Path(t *testing.T) {
	var gotPath string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/adaptive_learning/analyze", func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(AdaptiveLearningResponse{Success: true, IsCompliant: true, Message: "ok"})
	})
	c, closeFn := newTestClient(t, mux)
	defer closeFn()

	_, err := c.AnalyzeAdaptiveLearning(context.Background(), AdaptiveLearningRequest{TargetWeight: 200})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/api/adaptive_learning/analyze" {
		t.Fatalf("expected adaptive_learning endpoint, got %s", gotPath)
	}
}

func TestClient_ConnectionError(t *testing.T) {
	c := New(config.AnalysisConfig{BaseURL: "http://127.0.0.1:1", RequestTimeout: 200 * time.Millisecond}, nil)

	_, err := c.AnalyzeCoarseTime(context.Background(), CoarseTimeRequest{TargetWeight: 200})
	if err == nil {
		t.Fatal("expected a connection error")
	}
	if apperror.Code(err) != apperror.CodeTransport {
		t.Fatalf("expected CodeTransport, got %v", apperror.Code(err))
	}
}
