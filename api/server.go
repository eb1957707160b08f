// Package api exposes the orchestration engine over HTTP. It is a thin
// translation layer: JSON in, engine call, JSON out, with the typed error
// taxonomy mapped onto status codes in one place.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/perfinfra/jmrunner/catalog"
	"github.com/perfinfra/jmrunner/engine"
	"github.com/perfinfra/jmrunner/metrics"
	"github.com/perfinfra/jmrunner/registry"
	"github.com/perfinfra/jmrunner/supervisor"
	"github.com/perfinfra/jmrunner/types"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Server serves the run orchestration API.
type Server struct {
	log    log.Logger
	engine *engine.Engine

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates an API server around the given engine.
func NewServer(logger log.Logger, eng *engine.Engine) *Server {
	if logger == nil {
		logger = log.New()
	}
	return &Server{
		log:    logger,
		engine: eng,
	}
}

// Handler returns the fully-routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/plans", s.handleListPlans).Methods(http.MethodGet)
	// "/runs/active" must be registered before the "/runs/{runId}" pattern.
	r.HandleFunc("/runs/active", s.handleActiveRun).Methods(http.MethodGet)
	r.HandleFunc("/runs", s.handleSubmitRun).Methods(http.MethodPost)
	r.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	r.HandleFunc("/runs/{runId}", s.handleGetRun).Methods(http.MethodGet)
	r.HandleFunc("/runs/{runId}/cancel", s.handleCancelRun).Methods(http.MethodPost)
	r.HandleFunc("/runs/{runId}/output", s.handleRunOutput).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	})
	return c.Handler(r)
}

// Start listens on addr and serves until Shutdown or a server error.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()
	s.log.Info("API server listening", "addr", addr)
	return srv.ListenAndServe()
}

// Shutdown drains in-flight requests with a bounded timeout.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

type submitRequest struct {
	PlanID     string            `json:"planId"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

type submitResponse struct {
	RunID string `json:"runId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	metrics.RecordHTTPResponse(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("Failed to encode response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	statusCode := statusCodeFor(err)
	if statusCode >= http.StatusInternalServerError {
		s.log.Error("Request failed", "status", statusCode, "err", err)
		metrics.RecordErrorDetails("api request failed", err)
	} else {
		s.log.Debug("Request rejected", "status", statusCode, "err", err)
	}
	s.writeJSON(w, statusCode, errorResponse{Error: err.Error()})
}

// statusCodeFor maps the engine's error taxonomy onto HTTP status codes.
func statusCodeFor(err error) int {
	var invalidErr *engine.InvalidParametersError
	var spawnErr *supervisor.SpawnError
	var termErr *supervisor.TerminationError
	switch {
	case errors.Is(err, catalog.ErrPlanNotFound), errors.Is(err, registry.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrProfileBusy), errors.Is(err, registry.ErrAlreadyFinished):
		return http.StatusConflict
	case errors.As(err, &invalidErr):
		return http.StatusBadRequest
	case errors.As(err, &spawnErr):
		return http.StatusBadGateway
	case errors.As(err, &termErr):
		return http.StatusGatewayTimeout
	case errors.Is(err, engine.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Plans())
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &engine.InvalidParametersError{Reason: "malformed request body"})
		return
	}
	if req.PlanID == "" {
		s.writeError(w, &engine.InvalidParametersError{Reason: "planId is required"})
		return
	}

	snap, err := s.engine.Submit(req.PlanID, req.Parameters)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, submitResponse{RunID: snap.RunID})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs := s.engine.Runs()
	if runs == nil {
		runs = []types.RunSnapshot{}
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]
	snap, err := s.engine.Status(runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]
	if err := s.engine.Cancel(runID); err != nil {
		s.writeError(w, err)
		return
	}
	snap, err := s.engine.Status(runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) handleActiveRun(w http.ResponseWriter, r *http.Request) {
	profileStr := r.URL.Query().Get("profile")
	profile, err := types.ParseProfile(profileStr)
	if err != nil {
		s.writeError(w, &engine.InvalidParametersError{Reason: err.Error()})
		return
	}

	snap, ok := s.engine.ActiveRun(profile)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "no active run for profile " + profileStr})
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRunOutput(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]
	snap, err := s.engine.Status(runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if snap.OutputPath == "" {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "no output captured for run " + runID})
		return
	}
	if _, err := os.Stat(snap.OutputPath); err != nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "output file unavailable for run " + runID})
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	metrics.RecordHTTPResponse(http.StatusOK)
	http.ServeFile(w, r, snap.OutputPath)
}
