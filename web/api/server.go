// Package api exposes the factory over HTTP: batch control, apply,
// auto-fix and the live event stream.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hochfrequenz/agent-factory/internal/autofix"
	"github.com/hochfrequenz/agent-factory/internal/events"
	"github.com/hochfrequenz/agent-factory/internal/factory"
	"github.com/hochfrequenz/agent-factory/internal/store"
)

// Server is the HTTP API server. It serves one project, like the daemon
// it belongs to.
type Server struct {
	store     *store.Store
	scheduler *factory.Scheduler
	autopilot *factory.Autopilot
	fixer     *autofix.Fixer
	hub       *events.Hub
	projectID string
	addr      string
	mux       *http.ServeMux
}

// NewServer creates a new API server
func NewServer(st *store.Store, sched *factory.Scheduler, ap *factory.Autopilot, fixer *autofix.Fixer, hub *events.Hub, projectID, addr string) *Server {
	s := &Server{
		store:     st,
		scheduler: sched,
		autopilot: ap,
		fixer:     fixer,
		hub:       hub,
		projectID: projectID,
		addr:      addr,
		mux:       http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /factory/start", s.startAutopilotHandler())
	s.mux.HandleFunc("POST /factory/start-batch", s.startBatchHandler())
	s.mux.HandleFunc("POST /factory/stop", s.stopHandler())
	s.mux.HandleFunc("POST /factory/rerun", s.rerunHandler())
	s.mux.HandleFunc("POST /factory/approve", s.approveHandler())
	s.mux.HandleFunc("GET /factory/runs/{id}", s.getRunHandler())
	s.mux.HandleFunc("GET /factory/stream", s.streamHandler())
	s.mux.HandleFunc("GET /factory/ws", s.wsHandler())
	s.mux.HandleFunc("POST /attempts/{id}/apply", s.applyHandler())
	s.mux.HandleFunc("GET /attempts/{id}/logs", s.logsHandler())
	s.mux.HandleFunc("POST /autofix/pr/{number}", s.autofixHandler())
	s.mux.HandleFunc("GET /status", s.statusHandler())
}

// Handler returns the route table for embedding in tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	return http.ListenAndServe(s.addr, s.mux)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// writeSchedulerError maps scheduler errors onto the structured error codes
// callers switch on. Unknown errors surface as RUN_FAILED, never as a stack
// trace.
func writeSchedulerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, factory.ErrNoTasks):
		writeError(w, http.StatusBadRequest, "NO_TASKS")
	case errors.Is(err, factory.ErrAlreadyRunning), errors.Is(err, factory.ErrAutopilotActive):
		writeError(w, http.StatusConflict, "ALREADY_RUNNING")
	case errors.Is(err, factory.ErrBudgetExceeded):
		writeError(w, http.StatusConflict, "BUDGET_EXCEEDED")
	case errors.Is(err, factory.ErrAlreadyApplied):
		writeError(w, http.StatusConflict, "ALREADY_APPLIED")
	case errors.Is(err, factory.ErrNotApplicable):
		writeError(w, http.StatusConflict, "NOT_APPLICABLE")
	case errors.Is(err, factory.ErrNoApprovalPending):
		writeError(w, http.StatusConflict, "NO_APPROVAL_PENDING")
	case errors.Is(err, factory.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND")
	case errors.Is(err, autofix.ErrAlreadyFixed):
		writeError(w, http.StatusConflict, "ALREADY_FIXED")
	default:
		writeError(w, http.StatusInternalServerError, "RUN_FAILED")
	}
}
