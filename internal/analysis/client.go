// Package analysis implements the synchronous HTTP/JSON client to the
// remote analysis service's four stage endpoints plus its health probe
// (spec §4.E, §6).
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"calibration/pkg/apperror"
	"calibration/pkg/config"
	"calibration/pkg/ratelimit"
)

// Client is the analysis-service HTTP client. One Client instance is
// shared by every stage controller; the client issues no retries of its
// own (spec §4.E: "the client enforces no retry; the caller decides").
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    ratelimit.Limiter
}

// New constructs a Client from configuration. limiter may be nil, in which
// case calls are not rate-limited (matching pkg/ratelimit.Config.Enabled =
// false at the orchestrator's wiring layer).
func New(cfg config.AnalysisConfig, limiter ratelimit.Limiter) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		limiter:    limiter,
	}
}

// Health calls GET /api/health.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, "failed to build health request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeTransport, "analysis service health check failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperror.New(apperror.CodeTransport, fmt.Sprintf("analysis service health check returned %d", resp.StatusCode))
	}
	return nil
}

// analysisFailed builds the error for an HTTP-200-with-success=false
// response: a failed analysis, non-retriable at the core level (spec
// §4.E). The stage controller surfaces it as a bucket failure rather than
// retrying.
func analysisFailed(stage, message string) error {
	return apperror.New(apperror.CodeAnalysisDisagreement, apperror.UserMessage(0, stage, message)).WithStage(stage)
}

// AnalyzeCoarseTime calls POST /api/coarse_time/analyze.
func (c *Client) AnalyzeCoarseTime(ctx context.Context, req CoarseTimeRequest) (*CoarseTimeResponse, error) {
	req.AnalysisType = "coarse_time"
	req.ClientVersion = clientVersion
	var resp CoarseTimeResponse
	if err := c.post(ctx, "/api/coarse_time/analyze", "coarse-time", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, analysisFailed("coarse-time", resp.Message)
	}
	return &resp, nil
}

// AnalyzeFlightMaterial calls POST /api/flight_material/analyze.
func (c *Client) AnalyzeFlightMaterial(ctx context.Context, req FlightMaterialRequest) (*FlightMaterialResponse, error) {
	req.AnalysisType = "flight_material"
	req.ClientVersion = clientVersion
	var resp FlightMaterialResponse
	if err := c.post(ctx, "/api/flight_material/analyze", "flight-material", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, analysisFailed("flight-material", resp.Message)
	}
	return &resp, nil
}

// AnalyzeFineTime calls POST /api/fine_time/analyze.
func (c *Client) AnalyzeFineTime(ctx context.Context, req FineTimeRequest) (*FineTimeResponse, error) {
	req.AnalysisType = "fine_time"
	req.ClientVersion = clientVersion
	var resp FineTimeResponse
	if err := c.post(ctx, "/api/fine_time/analyze", "fine-time", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, analysisFailed("fine-time", resp.Message)
	}

	if resp.FineFlowRate == nil {
		if rate, ok := apperror.ParseFlowRateFromMessage(resp.Message); ok {
			resp.FineFlowRate = &rate
		}
	}
	return &resp, nil
}

// AnalyzeAdaptiveLearning calls POST /api/adaptive_learning/analyze.
func (c *Client) AnalyzeAdaptiveLearning(ctx context.Context, req AdaptiveLearningRequest) (*AdaptiveLearningResponse, error) {
	req.AnalysisType = "adaptive_learning"
	req.ClientVersion = clientVersion
	var resp AdaptiveLearningResponse
	if err := c.post(ctx, "/api/adaptive_learning/analyze", "adaptive-learning", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, analysisFailed("adaptive-learning", resp.Message)
	}
	return &resp, nil
}

// post issues a JSON POST to the given analysis-service path, mapping
// transport/HTTP-status outcomes to apperror per spec §4.E:
//   - HTTP 200 with success=false is handled by the caller (the stage
//     controller), not here — this method only classifies transport-level
//     failures.
//   - HTTP 422 -> CodeValidation, message taken from the body's "error"
//     field and stripped of technical prefixes via apperror.UserMessage.
//   - any other non-200 -> CodeTransport.
func (c *Client) post(ctx context.Context, path, stage string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, stage); err != nil {
			return apperror.Wrap(err, apperror.CodeTransport, "rate limiter wait failed").WithStage(stage)
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, "failed to encode analysis request").WithStage(stage)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, "failed to build analysis request").WithStage(stage)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeTransport, "analysis service request failed").WithStage(stage)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeTransport, "failed to read analysis response").WithStage(stage)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.Unmarshal(respBody, out); err != nil {
			return apperror.Wrap(err, apperror.CodeIntegrity, "malformed analysis response").WithStage(stage)
		}
		return nil

	case resp.StatusCode == http.StatusUnprocessableEntity:
		var verr validationError
		_ = json.Unmarshal(respBody, &verr)
		msg := apperror.UserMessage(0, stage, verr.Error)
		return apperror.New(apperror.CodeValidation, msg).WithStage(stage).WithDetails("field", verr.Field)

	default:
		return apperror.New(apperror.CodeTransport, fmt.Sprintf("analysis service returned unexpected status %d", resp.StatusCode)).WithStage(stage)
	}
}
