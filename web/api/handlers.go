package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/controller"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/domain"
)

// CreateRunRequest is the payload for submitting a new run
type CreateRunRequest struct {
	Task          string `json:"task"`
	InstanceCount int    `json:"instance_count"`
}

// AbortRunRequest optionally carries a reason for the abort
type AbortRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// RunResponse is the API representation of a run
type RunResponse struct {
	ID            string  `json:"id"`
	Task          string  `json:"task"`
	InstanceCount int     `json:"instance_count"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"created_at"`
	ArchivedAt    *string `json:"archived_at,omitempty"`
}

// InstanceResponse is the API representation of a pipeline instance
type InstanceResponse struct {
	InstanceID    int      `json:"instance_id"`
	Branch        string   `json:"branch"`
	WorkspacePath string   `json:"workspace_path"`
	State         string   `json:"state"`
	Result        string   `json:"result,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
	ConflictPaths []string `json:"conflict_paths,omitempty"`
	ReviewVerdict string   `json:"review_verdict,omitempty"`
	UpdatedAt     string   `json:"updated_at"`
}

// RunDetailResponse is a run together with its instances
type RunDetailResponse struct {
	RunResponse
	Instances []InstanceResponse `json:"instances"`
}

func runToResponse(run *domain.Run) RunResponse {
	resp := RunResponse{
		ID:            run.ID,
		Task:          run.Task,
		InstanceCount: run.InstanceCount,
		Status:        string(run.Status),
		CreatedAt:     run.CreatedAt.Format(time.RFC3339),
	}
	if run.ArchivedAt != nil {
		t := run.ArchivedAt.Format(time.RFC3339)
		resp.ArchivedAt = &t
	}
	return resp
}

func instanceToResponse(inst *domain.Instance) InstanceResponse {
	return InstanceResponse{
		InstanceID:    inst.InstanceID,
		Branch:        inst.Branch,
		WorkspacePath: inst.WorkspacePath,
		State:         string(inst.State),
		Result:        string(inst.Result),
		FailureReason: inst.FailureReason,
		ConflictPaths: inst.ConflictPaths,
		ReviewVerdict: inst.ReviewVerdict,
		UpdatedAt:     inst.UpdatedAt.Format(time.RFC3339),
	}
}

func viewToResponse(view *controller.RunView) RunDetailResponse {
	resp := RunDetailResponse{RunResponse: runToResponse(view.Run)}
	resp.Instances = make([]InstanceResponse, 0, len(view.Instances))
	for _, inst := range view.Instances {
		resp.Instances = append(resp.Instances, instanceToResponse(inst))
	}
	return resp
}

// runsHandler serves GET /api/runs (list) and POST /api/runs (create)
func (s *Server) runsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			runs, err := s.orch.ListRuns()
			if err != nil {
				writeDomainError(w, err)
				return
			}
			responses := make([]RunResponse, 0, len(runs))
			for _, run := range runs {
				responses = append(responses, runToResponse(run))
			}
			writeJSON(w, http.StatusOK, responses)

		case http.MethodPost:
			var req CreateRunRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
				return
			}
			if strings.TrimSpace(req.Task) == "" {
				writeError(w, http.StatusBadRequest, "bad_request", "task is required")
				return
			}
			if req.InstanceCount < 1 {
				writeError(w, http.StatusBadRequest, "bad_request", "instance_count must be at least 1")
				return
			}

			view, err := s.orch.CreateRun(r.Context(), req.Task, req.InstanceCount)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, viewToResponse(view))

		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		}
	}
}

// runHandler serves GET /api/runs/{id} and POST /api/runs/{id}/{abort|archive}
func (s *Server) runHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if path == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "run ID required")
			return
		}

		runID, action, _ := strings.Cut(path, "/")

		switch {
		case action == "" && r.Method == http.MethodGet:
			view, err := s.orch.GetRun(runID)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, viewToResponse(view))

		case action == "abort" && r.Method == http.MethodPost:
			var req AbortRunRequest
			if r.Body != nil {
				json.NewDecoder(r.Body).Decode(&req)
			}
			if err := s.orch.AbortRun(runID, req.Reason); err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})

		case action == "archive" && r.Method == http.MethodPost:
			if err := s.orch.ArchiveRun(runID); err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})

		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		}
	}
}

// signalHandler serves POST /api/signal: the single entry point through
// which stage jobs claim completion or report failure
func (s *Server) signalHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}

		var sig domain.StageSignal
		if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
		if sig.RunID == "" || sig.Token == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "run_id and idempotency_token are required")
			return
		}
		if _, err := domain.ParseStage(string(sig.Stage)); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}

		outcome, err := s.orch.HandleSignal(r.Context(), &sig)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, outcome)
	}
}
