package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/agent-mesh/internal/agent"
	"github.com/nidhogg/agent-mesh/internal/bus"
	"github.com/nidhogg/agent-mesh/internal/exec"
	"github.com/nidhogg/agent-mesh/internal/runner"
	"github.com/nidhogg/agent-mesh/internal/store"
	"github.com/nidhogg/agent-mesh/internal/topology"
)

type acceptAll struct{}

func (acceptAll) HasModel(provider, modelID string) bool { return true }
func (acceptAll) HasTool(name string) bool               { return true }

// scriptedStep is a runner.StepExecutor with fixed per-node outputs.
type scriptedStep struct {
	mu      sync.Mutex
	outputs map[string]string
	block   map[string]bool
}

func newScriptedStep() *scriptedStep {
	return &scriptedStep{outputs: make(map[string]string), block: make(map[string]bool)}
}

func (s *scriptedStep) Run(ctx context.Context, executionID string, node topology.Node, in agent.StepInput) (string, int, error) {
	s.mu.Lock()
	out := s.outputs[node.ID]
	blocked := s.block[node.ID]
	s.mu.Unlock()
	if blocked {
		<-ctx.Done()
		return "", 1, ctx.Err()
	}
	return out, 1, nil
}

func (s *scriptedStep) Complete(ctx context.Context, executionID string, cfg topology.AgentConfig, system, user string) (string, error) {
	return "", fmt.Errorf("no synthesizer")
}

// newTestServer wires the full core against in-memory persistence.
func newTestServer(t *testing.T, step runner.StepExecutor, maxConcurrent int) (*httptest.Server, *store.MemStore) {
	t.Helper()
	logger := zap.NewNop()
	st := store.NewMemStore()
	b := bus.New(st, time.Minute, logger)
	graphRunner := runner.New(step, b, logger)
	manager := exec.NewManager(st, st, graphRunner, b, acceptAll{}, acceptAll{}, maxConcurrent, 30*time.Second, logger)
	h := NewHandler(st, manager, st, b, acceptAll{}, acceptAll{}, logger)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return ts, st
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func linearTeamBody(name string) map[string]any {
	return map[string]any{
		"name": name,
		"topology": topology.Config{
			Nodes: []topology.Node{
				{ID: "G", Name: "G", Kind: topology.KindGlobalSupervisor, Strategy: topology.StrategySequential},
				{ID: "A1", Name: "A1", Kind: topology.KindAgent,
					Agent: topology.AgentConfig{Model: topology.ModelRef{Provider: "p", ModelID: "m"}}},
				{ID: "A2", Name: "A2", Kind: topology.KindAgent,
					Agent: topology.AgentConfig{Model: topology.ModelRef{Provider: "p", ModelID: "m"}}},
			},
			Edges: []topology.Edge{
				{Source: "G", Target: "A1"},
				{Source: "A1", Target: "A2"},
			},
			EntryPoint: "G",
		},
	}
}

func createTeam(t *testing.T, ts *httptest.Server, name string) string {
	t.Helper()
	resp := postJSON(t, ts, "/teams", linearTeamBody(name))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create team: status %d", resp.StatusCode)
	}
	var team struct {
		ID string `json:"id"`
	}
	decodeJSON(t, resp, &team)
	return team.ID
}

func waitExecutionStatus(t *testing.T, ts *httptest.Server, execID, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp := getJSON(t, ts, "/executions/"+execID)
		var body map[string]any
		decodeJSON(t, resp, &body)
		if body["status"] == want {
			return body
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached %s", execID, want)
	return nil
}

func TestCreateTeamDuplicateName(t *testing.T) {
	ts, _ := newTestServer(t, newScriptedStep(), 10)
	createTeam(t, ts, "alpha")
	resp := postJSON(t, ts, "/teams", linearTeamBody("alpha"))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate name: status %d", resp.StatusCode)
	}
}

func TestCreateTeamBadMetadata(t *testing.T) {
	ts, _ := newTestServer(t, newScriptedStep(), 10)
	body := linearTeamBody("meta")
	body["timeout_seconds"] = 99999
	resp := postJSON(t, ts, "/teams", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad metadata: status %d", resp.StatusCode)
	}
}

// A topology with a cycle is rejected with a CYCLE error and nothing is
// persisted.
func TestCreateTeamCycleRejected(t *testing.T) {
	ts, st := newTestServer(t, newScriptedStep(), 10)
	body := linearTeamBody("cyclic")
	topo := body["topology"].(topology.Config)
	topo.Edges = append(topo.Edges, topology.Edge{Source: "A2", Target: "A1"})
	body["topology"] = topo

	resp := postJSON(t, ts, "/teams", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("cycle: status %d", resp.StatusCode)
	}
	var out struct {
		Code   string `json:"code"`
		Errors []struct {
			Code string `json:"code"`
			Path string `json:"path"`
		} `json:"errors"`
	}
	decodeJSON(t, resp, &out)
	found := false
	for _, e := range out.Errors {
		if e.Code == topology.CodeCycle {
			found = true
		}
	}
	if !found {
		t.Fatalf("no CYCLE error in %+v", out)
	}

	teams, _ := st.ListTeams(context.Background())
	if len(teams) != 0 {
		t.Fatalf("team persisted despite validation failure: %v", teams)
	}
}

func TestValidateDryRun(t *testing.T) {
	ts, _ := newTestServer(t, newScriptedStep(), 10)
	teamID := createTeam(t, ts, "validator")
	resp := postJSON(t, ts, "/teams/"+teamID+"/validate", linearTeamBody("x")["topology"])
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("validate: status %d", resp.StatusCode)
	}
	var res topology.ValidationResult
	decodeJSON(t, resp, &res)
	if !res.Valid {
		t.Fatalf("expected valid result: %+v", res)
	}
}

func TestTriggerAndComplete(t *testing.T) {
	step := newScriptedStep()
	step.outputs["A1"] = "pong"
	step.outputs["A2"] = "pong-pong"
	ts, _ := newTestServer(t, step, 10)
	teamID := createTeam(t, ts, "runs")

	resp := postJSON(t, ts, "/teams/"+teamID+"/executions", map[string]any{"task": "ping"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("trigger: status %d", resp.StatusCode)
	}
	var e struct {
		ID string `json:"id"`
	}
	decodeJSON(t, resp, &e)

	body := waitExecutionStatus(t, ts, e.ID, "SUCCESS")
	results := body["node_results"].(map[string]any)
	a1 := results["A1"].(map[string]any)
	if a1["output"] != "pong" {
		t.Fatalf("A1 output = %v", a1["output"])
	}
}

func TestTriggerMissingTask(t *testing.T) {
	ts, _ := newTestServer(t, newScriptedStep(), 10)
	teamID := createTeam(t, ts, "notask")
	resp := postJSON(t, ts, "/teams/"+teamID+"/executions", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing task: status %d", resp.StatusCode)
	}
}

// Concurrency cap surfaces as 429 with an explicit error code.
func TestTriggerConcurrencyLimit(t *testing.T) {
	step := newScriptedStep()
	step.block["A1"] = true
	ts, _ := newTestServer(t, step, 1)
	teamID := createTeam(t, ts, "capped")

	resp := postJSON(t, ts, "/teams/"+teamID+"/executions", map[string]any{"task": "1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first trigger: status %d", resp.StatusCode)
	}
	var first struct {
		ID string `json:"id"`
	}
	decodeJSON(t, resp, &first)

	resp = postJSON(t, ts, "/teams/"+teamID+"/executions", map[string]any{"task": "2"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second trigger: status %d", resp.StatusCode)
	}
	var out map[string]string
	decodeJSON(t, resp, &out)
	if out["error_code"] != "CONCURRENCY_LIMIT" {
		t.Fatalf("error_code = %q", out["error_code"])
	}

	// Cancelling the first frees the slot.
	cancelResp := postJSON(t, ts, "/executions/"+first.ID+"/cancel", nil)
	if cancelResp.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel: status %d", cancelResp.StatusCode)
	}
	waitExecutionStatus(t, ts, first.ID, "CANCELLED")

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp = postJSON(t, ts, "/teams/"+teamID+"/executions", map[string]any{"task": "3"})
		if resp.StatusCode == http.StatusCreated {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot never freed, last status %d", resp.StatusCode)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCancelNotRunning(t *testing.T) {
	step := newScriptedStep()
	ts, _ := newTestServer(t, step, 10)
	teamID := createTeam(t, ts, "done")

	resp := postJSON(t, ts, "/teams/"+teamID+"/executions", map[string]any{"task": "x"})
	var e struct {
		ID string `json:"id"`
	}
	decodeJSON(t, resp, &e)
	waitExecutionStatus(t, ts, e.ID, "SUCCESS")

	cancelResp := postJSON(t, ts, "/executions/"+e.ID+"/cancel", nil)
	if cancelResp.StatusCode != http.StatusConflict {
		t.Fatalf("cancel finished execution: status %d", cancelResp.StatusCode)
	}
}

func TestDeleteTeamWhileRunning(t *testing.T) {
	step := newScriptedStep()
	step.block["A1"] = true
	ts, _ := newTestServer(t, step, 10)
	teamID := createTeam(t, ts, "deletable")

	resp := postJSON(t, ts, "/teams/"+teamID+"/executions", map[string]any{"task": "x"})
	var e struct {
		ID string `json:"id"`
	}
	decodeJSON(t, resp, &e)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/teams/"+teamID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if delResp.StatusCode != http.StatusConflict {
		t.Fatalf("delete while running: status %d", delResp.StatusCode)
	}

	postJSON(t, ts, "/executions/"+e.ID+"/cancel", nil)
	waitExecutionStatus(t, ts, e.ID, "CANCELLED")

	delResp2, _ := http.DefaultClient.Do(req)
	if delResp2.StatusCode != http.StatusNoContent {
		t.Fatalf("delete after cancel: status %d", delResp2.StatusCode)
	}
}

// SSE resume: after reading up to sequence N, reconnecting with
// Last-Event-ID: N yields N+1 onward with no duplicates.
func TestStreamResume(t *testing.T) {
	step := newScriptedStep()
	step.outputs["A1"] = "pong"
	step.outputs["A2"] = "pong-pong"
	ts, _ := newTestServer(t, step, 10)
	teamID := createTeam(t, ts, "streamed")

	resp := postJSON(t, ts, "/teams/"+teamID+"/executions", map[string]any{"task": "ping"})
	var e struct {
		ID string `json:"id"`
	}
	decodeJSON(t, resp, &e)
	waitExecutionStatus(t, ts, e.ID, "SUCCESS")

	ids := readStreamIDs(t, ts, e.ID, 0)
	if len(ids) < 8 {
		t.Fatalf("expected at least 8 events, got %v", ids)
	}
	for i, id := range ids {
		if id != int64(i+1) {
			t.Fatalf("stream has a gap: %v", ids)
		}
	}

	resumed := readStreamIDs(t, ts, e.ID, 5)
	if len(resumed) == 0 || resumed[0] != 6 {
		t.Fatalf("resume should start at 6, got %v", resumed)
	}
	if resumed[len(resumed)-1] != ids[len(ids)-1] {
		t.Fatalf("resume should reach the terminal event: %v vs %v", resumed, ids)
	}
}

func readStreamIDs(t *testing.T, ts *httptest.Server, execID string, since int64) []int64 {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/executions/"+execID+"/stream", nil)
	if since > 0 {
		req.Header.Set("Last-Event-ID", fmt.Sprintf("%d", since))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	var ids []int64
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.HasPrefix(line, "id: ") {
			var id int64
			fmt.Sscanf(line, "id: %d", &id)
			ids = append(ids, id)
		}
	}
	return ids
}

func TestLogsEndpointFilters(t *testing.T) {
	step := newScriptedStep()
	step.outputs["A1"] = "pong"
	step.outputs["A2"] = "pong-pong"
	ts, _ := newTestServer(t, step, 10)
	teamID := createTeam(t, ts, "logged")

	resp := postJSON(t, ts, "/teams/"+teamID+"/executions", map[string]any{"task": "ping"})
	var e struct {
		ID string `json:"id"`
	}
	decodeJSON(t, resp, &e)
	waitExecutionStatus(t, ts, e.ID, "SUCCESS")

	logResp := getJSON(t, ts, "/executions/"+e.ID+"/logs?event_type=node_completed")
	var events []map[string]any
	decodeJSON(t, logResp, &events)
	if len(events) != 2 {
		t.Fatalf("expected 2 node_completed events, got %d", len(events))
	}
	for _, ev := range events {
		if ev["type"] != "node_completed" {
			t.Fatalf("filter leaked event %v", ev["type"])
		}
	}
}

// No credential pattern survives the API boundary.
func TestResponsesAreRedacted(t *testing.T) {
	secret := "sk-abcdefghijklmnopqrstuvwxyz0123456789"
	step := newScriptedStep()
	step.outputs["A1"] = "found key " + secret
	step.outputs["A2"] = "relaying " + secret
	ts, _ := newTestServer(t, step, 10)
	teamID := createTeam(t, ts, "secrets")

	resp := postJSON(t, ts, "/teams/"+teamID+"/executions", map[string]any{"task": "leak"})
	var e struct {
		ID string `json:"id"`
	}
	decodeJSON(t, resp, &e)
	waitExecutionStatus(t, ts, e.ID, "SUCCESS")

	raw := getJSON(t, ts, "/executions/"+e.ID)
	buf := new(bytes.Buffer)
	buf.ReadFrom(raw.Body)
	raw.Body.Close()
	if strings.Contains(buf.String(), secret) {
		t.Fatal("secret leaked through the execution endpoint")
	}
	if !strings.Contains(buf.String(), "***REDACTED***") {
		t.Fatal("mask missing from redacted response")
	}
}

func TestGetUnknownExecution(t *testing.T) {
	ts, _ := newTestServer(t, newScriptedStep(), 10)
	resp := getJSON(t, ts, "/executions/00000000-0000-0000-0000-000000000000")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown execution: status %d", resp.StatusCode)
	}
}
