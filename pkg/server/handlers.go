package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"calibration/pkg/apperror"
	"calibration/pkg/audit"
)

type healthResponse struct {
	PLC      bool `json:"plc"`
	Analysis bool `json:"analysis"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		writeJSON(w, http.StatusOK, healthResponse{PLC: true, Analysis: true})
		return
	}

	plcOK, analysisOK := s.controller.Healthy(r.Context())
	status := http.StatusOK
	if !plcOK || !analysisOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, healthResponse{PLC: plcOK, Analysis: analysisOK})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		writeError(w, apperror.New(apperror.CodeInternal, "snapshot cache not configured"))
		return
	}

	sessionID := r.PathValue("id")
	snapshot, found, err := s.snapshots.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "failed to read session snapshot"))
		return
	}
	if !found {
		writeError(w, apperror.New(apperror.CodeNotFound, "no snapshot for session "+sessionID))
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

type startSessionRequest struct {
	MaterialID   string  `json:"material_id"`
	TargetWeight float64 `json:"target_weight"`
}

type startSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		writeError(w, apperror.New(apperror.CodeInternal, "session controller not configured"))
		return
	}

	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInvalidArgument, "malformed request body"))
		return
	}
	if req.MaterialID == "" {
		writeError(w, apperror.New(apperror.CodeInvalidArgument, "material_id is required"))
		return
	}
	if req.TargetWeight <= 0 {
		writeError(w, apperror.New(apperror.CodeInvalidArgument, "target_weight must be positive"))
		return
	}

	sessionID, err := s.controller.StartSession(r.Context(), req.MaterialID, req.TargetWeight)
	if err != nil {
		s.audit(r, audit.ActionSessionStart, sessionID, 0, audit.OutcomeFailure, err)
		writeError(w, err)
		return
	}

	s.audit(r, audit.ActionSessionStart, sessionID, 0, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusCreated, startSessionResponse{SessionID: sessionID})
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		writeError(w, apperror.New(apperror.CodeInternal, "session controller not configured"))
		return
	}

	sessionID := r.PathValue("id")
	err := s.controller.CancelSession(r.Context(), sessionID)
	s.audit(r, audit.ActionCancel, sessionID, 0, outcomeFor(err), err)
	if err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRestartHopper(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		writeError(w, apperror.New(apperror.CodeInternal, "session controller not configured"))
		return
	}

	sessionID := r.PathValue("id")
	hopper, err := strconv.Atoi(r.PathValue("hopper"))
	if err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInvalidArgument, "hopper must be numeric"))
		return
	}

	err = s.controller.RestartHopper(r.Context(), sessionID, hopper)
	s.audit(r, audit.ActionRestart, sessionID, hopper, outcomeFor(err), err)
	if err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func outcomeFor(err error) audit.Outcome {
	if err == nil {
		return audit.OutcomeSuccess
	}
	if apperror.Code(err) == apperror.CodeBudgetExhausted {
		return audit.OutcomeDenied
	}
	return audit.OutcomeFailure
}

// audit records a best-effort audit entry for a session-lifecycle request.
// Audit failures are logged but never change the HTTP response.
func (s *Server) audit(r *http.Request, action audit.Action, sessionID string, hopper int, outcome audit.Outcome, cause error) {
	if s.auditLog == nil {
		return
	}

	entry := audit.NewEntry().
		Service("calibration-core").
		Method(r.Method + " " + r.URL.Path).
		Action(action).
		Outcome(outcome).
		Session(sessionID)

	if hopper != 0 {
		entry = entry.Hopper(hopper, "")
	}
	if cause != nil {
		entry = entry.Error(string(apperror.Code(cause)), cause.Error())
	}

	_ = s.auditLog.Log(r.Context(), entry.Build())
}
