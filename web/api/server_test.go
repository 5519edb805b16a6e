package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/controller"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/domain"
)

type mockOrchestrator struct {
	runs      map[string]*controller.RunView
	created   []CreateRunRequest
	aborted   []string
	archived  []string
	signals   []*domain.StageSignal
	signalErr error
	outcome   *domain.SignalOutcome
}

func newMockOrchestrator() *mockOrchestrator {
	return &mockOrchestrator{runs: make(map[string]*controller.RunView)}
}

func (m *mockOrchestrator) addRun(id string, status domain.RunStatus, states ...domain.InstanceState) {
	run := &domain.Run{ID: id, Task: "task", InstanceCount: len(states), Status: status, CreatedAt: time.Now()}
	view := &controller.RunView{Run: run}
	for i, st := range states {
		view.Instances = append(view.Instances, &domain.Instance{
			RunID:      id,
			InstanceID: i,
			Branch:     domain.BranchName(i),
			State:      st,
			UpdatedAt:  time.Now(),
		})
	}
	m.runs[id] = view
}

func (m *mockOrchestrator) CreateRun(ctx context.Context, task string, instanceCount int) (*controller.RunView, error) {
	m.created = append(m.created, CreateRunRequest{Task: task, InstanceCount: instanceCount})
	id := fmt.Sprintf("run-%d", len(m.created))
	states := make([]domain.InstanceState, instanceCount)
	for i := range states {
		states[i] = domain.StateProduceRunning
	}
	m.addRun(id, domain.RunActive, states...)
	return m.runs[id], nil
}

func (m *mockOrchestrator) HandleSignal(ctx context.Context, sig *domain.StageSignal) (*domain.SignalOutcome, error) {
	m.signals = append(m.signals, sig)
	if m.signalErr != nil {
		return nil, m.signalErr
	}
	if m.outcome != nil {
		return m.outcome, nil
	}
	return &domain.SignalOutcome{Token: sig.Token, Accepted: true, NewState: domain.StateReviewRunning}, nil
}

func (m *mockOrchestrator) AbortRun(runID, reason string) error {
	if _, ok := m.runs[runID]; !ok {
		return domain.ErrRunNotFound
	}
	m.aborted = append(m.aborted, runID)
	return nil
}

func (m *mockOrchestrator) ArchiveRun(runID string) error {
	view, ok := m.runs[runID]
	if !ok {
		return domain.ErrRunNotFound
	}
	if view.Run.Status == domain.RunActive {
		return domain.ErrInvalidTransition
	}
	m.archived = append(m.archived, runID)
	return nil
}

func (m *mockOrchestrator) GetRun(runID string) (*controller.RunView, error) {
	view, ok := m.runs[runID]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return view, nil
}

func (m *mockOrchestrator) ListRuns() ([]*domain.Run, error) {
	runs := make([]*domain.Run, 0, len(m.runs))
	for _, view := range m.runs {
		runs = append(runs, view.Run)
	}
	return runs, nil
}

func doJSON(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

func TestCreateRun(t *testing.T) {
	orch := newMockOrchestrator()
	server := NewServer(orch, nil, ":0")

	w := doJSON(t, server, "POST", "/api/runs", `{"task":"implement the thing","instance_count":3}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}

	var resp RunDetailResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.InstanceCount != 3 {
		t.Errorf("instance_count = %d, want 3", resp.InstanceCount)
	}
	if len(resp.Instances) != 3 {
		t.Errorf("instances = %d, want 3", len(resp.Instances))
	}
	if resp.Instances[0].State != string(domain.StateProduceRunning) {
		t.Errorf("state = %s, want produce_running", resp.Instances[0].State)
	}
	if len(orch.created) != 1 || orch.created[0].Task != "implement the thing" {
		t.Errorf("CreateRun not invoked with the task")
	}
}

func TestCreateRun_BadInput(t *testing.T) {
	orch := newMockOrchestrator()
	server := NewServer(orch, nil, ":0")

	cases := []string{
		`{"task":"","instance_count":3}`,
		`{"task":"x","instance_count":0}`,
		`not json`,
	}
	for _, body := range cases {
		w := doJSON(t, server, "POST", "/api/runs", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, w.Code)
		}
	}
	if len(orch.created) != 0 {
		t.Error("invalid requests reached the controller")
	}
}

func TestGetRun(t *testing.T) {
	orch := newMockOrchestrator()
	orch.addRun("run-1", domain.RunActive, domain.StateProduceRunning, domain.StateMerged)
	server := NewServer(orch, nil, ":0")

	w := doJSON(t, server, "GET", "/api/runs/run-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp RunDetailResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.ID != "run-1" {
		t.Errorf("id = %s, want run-1", resp.ID)
	}
	if len(resp.Instances) != 2 {
		t.Errorf("instances = %d, want 2", len(resp.Instances))
	}
}

func TestGetRun_NotFound(t *testing.T) {
	server := NewServer(newMockOrchestrator(), nil, ":0")

	w := doJSON(t, server, "GET", "/api/runs/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}

	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["error"] != "run_not_found" {
		t.Errorf("error = %q, want run_not_found", resp["error"])
	}
}

func TestListRuns(t *testing.T) {
	orch := newMockOrchestrator()
	orch.addRun("run-1", domain.RunActive)
	orch.addRun("run-2", domain.RunComplete)
	server := NewServer(orch, nil, ":0")

	w := doJSON(t, server, "GET", "/api/runs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var runs []RunResponse
	json.NewDecoder(w.Body).Decode(&runs)
	if len(runs) != 2 {
		t.Errorf("runs = %d, want 2", len(runs))
	}
}

func TestSignal(t *testing.T) {
	orch := newMockOrchestrator()
	server := NewServer(orch, nil, ":0")

	body := `{"run_id":"run-1","instance_id":0,"stage":"produce","idempotency_token":"tok-1","branch":"instance-0"}`
	w := doJSON(t, server, "POST", "/api/signal", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var outcome domain.SignalOutcome
	json.NewDecoder(w.Body).Decode(&outcome)
	if !outcome.Accepted {
		t.Error("outcome not accepted")
	}
	if outcome.NewState != domain.StateReviewRunning {
		t.Errorf("new_state = %s, want review_running", outcome.NewState)
	}

	if len(orch.signals) != 1 {
		t.Fatalf("signals = %d, want 1", len(orch.signals))
	}
	if orch.signals[0].Token != "tok-1" {
		t.Errorf("token = %q, want tok-1", orch.signals[0].Token)
	}
}

func TestSignal_ValidationErrors(t *testing.T) {
	orch := newMockOrchestrator()
	server := NewServer(orch, nil, ":0")

	cases := []struct {
		body string
		want int
	}{
		{`{"run_id":"","stage":"produce","idempotency_token":"t"}`, http.StatusBadRequest},
		{`{"run_id":"r","stage":"produce","idempotency_token":""}`, http.StatusBadRequest},
		{`{"run_id":"r","stage":"deploy","idempotency_token":"t"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		w := doJSON(t, server, "POST", "/api/signal", tc.body)
		if w.Code != tc.want {
			t.Errorf("body %s: status = %d, want %d", tc.body, w.Code, tc.want)
		}
	}
	if len(orch.signals) != 0 {
		t.Error("invalid signals reached the controller")
	}
}

func TestSignal_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrRunNotFound, http.StatusNotFound},
		{domain.ErrInstanceNotFound, http.StatusNotFound},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{domain.ErrStaleState, http.StatusConflict},
		{domain.ErrUnverifiedCompletion, http.StatusUnprocessableEntity},
		{domain.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{domain.ErrWorkspaceBusy, http.StatusServiceUnavailable},
		{domain.ErrJobSubmissionFailed, http.StatusServiceUnavailable},
		{fmt.Errorf("something else"), http.StatusInternalServerError},
	}

	body := `{"run_id":"r","instance_id":0,"stage":"produce","idempotency_token":"t"}`
	for _, tc := range cases {
		orch := newMockOrchestrator()
		orch.signalErr = tc.err
		server := NewServer(orch, nil, ":0")

		w := doJSON(t, server, "POST", "/api/signal", body)
		if w.Code != tc.want {
			t.Errorf("%v: status = %d, want %d", tc.err, w.Code, tc.want)
		}
	}
}

func TestAbortRun(t *testing.T) {
	orch := newMockOrchestrator()
	orch.addRun("run-1", domain.RunActive, domain.StateProduceRunning)
	server := NewServer(orch, nil, ":0")

	w := doJSON(t, server, "POST", "/api/runs/run-1/abort", `{"reason":"operator stop"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if len(orch.aborted) != 1 || orch.aborted[0] != "run-1" {
		t.Errorf("aborted = %v, want [run-1]", orch.aborted)
	}
}

func TestArchiveRun_ActiveConflicts(t *testing.T) {
	orch := newMockOrchestrator()
	orch.addRun("run-1", domain.RunActive, domain.StateProduceRunning)
	server := NewServer(orch, nil, ":0")

	w := doJSON(t, server, "POST", "/api/runs/run-1/archive", "")
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if len(orch.archived) != 0 {
		t.Error("active run was archived")
	}
}

func TestArchiveRun(t *testing.T) {
	orch := newMockOrchestrator()
	orch.addRun("run-1", domain.RunComplete, domain.StateMerged)
	server := NewServer(orch, nil, ":0")

	w := doJSON(t, server, "POST", "/api/runs/run-1/archive", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if len(orch.archived) != 1 {
		t.Errorf("archived = %v, want [run-1]", orch.archived)
	}
}

func TestPoolStatus_NoPool(t *testing.T) {
	server := NewServer(newMockOrchestrator(), nil, ":0")

	w := doJSON(t, server, "GET", "/api/pool", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Runners    []json.RawMessage `json:"runners"`
		QueuedJobs int               `json:"queued_jobs"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Runners) != 0 {
		t.Errorf("runners = %d, want 0", len(resp.Runners))
	}
}

func TestHealthz(t *testing.T) {
	server := NewServer(newMockOrchestrator(), nil, ":0")

	w := doJSON(t, server, "GET", "/healthz", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	orch := newMockOrchestrator()
	orch.addRun("run-1", domain.RunActive)
	server := NewServer(orch, nil, ":0")

	cases := []struct{ method, path string }{
		{"DELETE", "/api/runs"},
		{"GET", "/api/signal"},
		{"POST", "/api/runs/run-1"},
	}
	for _, tc := range cases {
		w := doJSON(t, server, tc.method, tc.path, "")
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: status = %d, want 405", tc.method, tc.path, w.Code)
		}
	}
}
