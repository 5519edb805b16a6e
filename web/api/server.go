package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/controller"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/domain"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/runnerpool"
)

// Orchestrator is the controller surface the HTTP API exposes
type Orchestrator interface {
	CreateRun(ctx context.Context, task string, instanceCount int) (*controller.RunView, error)
	HandleSignal(ctx context.Context, sig *domain.StageSignal) (*domain.SignalOutcome, error)
	AbortRun(runID, reason string) error
	ArchiveRun(runID string) error
	GetRun(runID string) (*controller.RunView, error)
	ListRuns() ([]*domain.Run, error)
}

// Server is the HTTP API server
type Server struct {
	orch   Orchestrator
	pool   *runnerpool.Coordinator
	addr   string
	mux    *http.ServeMux
	sseHub *SSEHub
}

// NewServer creates a new API server. The pool may be nil when the process
// runs without a runner pool.
func NewServer(orch Orchestrator, pool *runnerpool.Coordinator, addr string) *Server {
	s := &Server{
		orch:   orch,
		pool:   pool,
		addr:   addr,
		mux:    http.NewServeMux(),
		sseHub: NewSSEHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/runs", s.runsHandler())
	s.mux.HandleFunc("/api/runs/", s.runHandler())
	s.mux.HandleFunc("/api/signal", s.signalHandler())
	s.mux.HandleFunc("/api/pool", s.poolHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/healthz", s.healthHandler())
	s.mux.HandleFunc("/ws", s.wsHandler())
}

// Start starts the HTTP server
func (s *Server) Start() error {
	go s.sseHub.Run()
	return http.ListenAndServe(s.addr, s.mux)
}

// Handler exposes the mux for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Publish forwards a controller event to all SSE clients
func (s *Server) Publish(e controller.Event) {
	s.sseHub.Broadcast(SSEEvent{Type: e.Type, Data: e})
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.pool == nil {
			writeError(w, http.StatusServiceUnavailable, "internal", "runner pool not available")
			return
		}
		s.pool.HandleWebSocket(w, r)
	}
}

func (s *Server) poolHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		if s.pool == nil {
			writeJSON(w, http.StatusOK, runnerpool.PoolStatus{Runners: []runnerpool.RunnerStatus{}})
			return
		}
		writeJSON(w, http.StatusOK, s.pool.Status())
	}
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": kind, "message": message})
}

// writeDomainError maps the failure taxonomy to HTTP status codes
func writeDomainError(w http.ResponseWriter, err error) {
	kind := domain.Kind(err)
	code := http.StatusInternalServerError
	switch kind {
	case "run_not_found", "instance_not_found":
		code = http.StatusNotFound
	case "invalid_transition", "workspace_exists", "stale_state", "merge_conflict":
		code = http.StatusConflict
	case "unverified_completion":
		code = http.StatusUnprocessableEntity
	case "workspace_busy", "storage_unavailable", "job_submission_failed":
		code = http.StatusServiceUnavailable
	}
	writeError(w, code, kind, err.Error())
}
