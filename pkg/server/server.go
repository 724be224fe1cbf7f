// Package server implements the calibration core's Control/Status Server:
// a plain net/http surface distinct from the GUI's event-bus consumption,
// exposing health, metrics, and session query/control endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"calibration/pkg/apperror"
	"calibration/pkg/audit"
	"calibration/pkg/cache"
	"calibration/pkg/config"
	"calibration/pkg/logger"
	"calibration/pkg/metrics"
	"calibration/pkg/telemetry"
)

// SessionController is the session-lifecycle surface the HTTP handlers call
// into. It is implemented by the orchestrator; this package depends only on
// the interface so the server can be built and tested independently.
type SessionController interface {
	// StartSession begins a new calibration session for the given material
	// and target weight, returning the new session id.
	StartSession(ctx context.Context, materialID string, targetWeight float64) (sessionID string, err error)
	// CancelSession requests cooperative cancellation of a running session.
	CancelSession(ctx context.Context, sessionID string) error
	// RestartHopper restarts a single hopper's bucket within a session.
	RestartHopper(ctx context.Context, sessionID string, hopper int) error
	// Healthy reports whether the PLC transport and analysis client are
	// currently reachable.
	Healthy(ctx context.Context) (plcOK, analysisOK bool)
}

// Server is the control/status HTTP server.
type Server struct {
	httpServer *http.Server
	cfg        *config.ServerConfig
	controller SessionController
	snapshots  *cache.SnapshotCache
	auditLog   audit.Logger
}

// Options configures a Server beyond what cfg carries, letting tests inject
// fakes without a full collaborator wiring pass.
type Options struct {
	Controller SessionController
	Snapshots  *cache.SnapshotCache
	AuditLog   audit.Logger
}

// New constructs a Server from configuration and explicit collaborators.
func New(cfg *config.ServerConfig, opts *Options) *Server {
	if opts == nil {
		opts = &Options{}
	}

	s := &Server{
		cfg:        cfg,
		controller: opts.Controller,
		snapshots:  opts.Snapshots,
		auditLog:   opts.AuditLog,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      telemetry.HTTPMiddleware(mux),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions", s.handleStartSession)
	mux.HandleFunc("POST /sessions/{id}/cancel", s.handleCancelSession)
	mux.HandleFunc("POST /sessions/{id}/hoppers/{hopper}/restart", s.handleRestartHopper)
}

// Engine returns the underlying http.Handler, for tests that want to drive
// the server with httptest without binding a real port.
func (s *Server) Engine() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server and blocks until the process receives
// SIGINT/SIGTERM, at which point it shuts down gracefully.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		logger.Log.Info("control/status server listening", "addr", s.httpServer.Addr)

		listener, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", s.httpServer.Addr)
		if err != nil {
			errCh <- fmt.Errorf("failed to listen: %w", err)
			return
		}

		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	return s.waitForShutdown(errCh)
}

func (s *Server) waitForShutdown(errCh chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Log.Info("shutdown signal received", "signal", sig.String())
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.Log.Warn("graceful shutdown failed, forcing close", "error", err)
		return s.httpServer.Close()
	}

	logger.Log.Info("control/status server stopped")
	return nil
}

// Stop shuts the server down immediately, for use by tests.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type errorResponse struct {
	Code    apperror.ErrorCode `json:"code"`
	Message string             `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), errorResponse{Code: apperror.Code(err), Message: err.Error()})
}

// httpStatus maps an application error's propagation Kind to an HTTP status.
func httpStatus(err error) int {
	var appErr *apperror.Error
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}

	switch appErr.Kind() {
	case apperror.KindValidation:
		return http.StatusBadRequest
	case apperror.KindTransport, apperror.KindProtocol:
		return http.StatusBadGateway
	case apperror.KindAnalysisDisagreement, apperror.KindIntegrity:
		return http.StatusUnprocessableEntity
	case apperror.KindBudgetExhausted, apperror.KindStarvation:
		return http.StatusConflict
	case apperror.KindOperatorCancel:
		return http.StatusGone
	default:
		if appErr.Code == apperror.CodeNotFound {
			return http.StatusNotFound
		}
		return http.StatusInternalServerError
	}
}
