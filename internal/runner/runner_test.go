package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/agent-mesh/internal/agent"
	"github.com/nidhogg/agent-mesh/internal/bus"
	"github.com/nidhogg/agent-mesh/internal/topology"
)

// memLog is an in-memory bus.LogStore.
type memLog struct {
	mu   sync.Mutex
	rows []bus.Event
}

func (m *memLog) AppendEvent(ctx context.Context, ev *bus.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, *ev)
	return nil
}

func (m *memLog) ListEvents(ctx context.Context, executionID string, afterSeq, beforeSeq int64) ([]bus.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []bus.Event
	for _, ev := range m.rows {
		if ev.Sequence <= afterSeq {
			continue
		}
		if beforeSeq > 0 && ev.Sequence >= beforeSeq {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *memLog) types() []bus.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bus.EventType, len(m.rows))
	for i, ev := range m.rows {
		out[i] = ev.Type
	}
	return out
}

// fakeStep is a deterministic StepExecutor.
type fakeStep struct {
	mu       sync.Mutex
	outputs  map[string]string
	errs     map[string]error
	block    map[string]bool // block until context cancellation
	calls    []string
	synth    string
	synthErr error
}

func newFakeStep() *fakeStep {
	return &fakeStep{
		outputs:  make(map[string]string),
		errs:     make(map[string]error),
		block:    make(map[string]bool),
		synthErr: errors.New("no synthesizer configured"),
	}
}

func (f *fakeStep) Run(ctx context.Context, executionID string, node topology.Node, in agent.StepInput) (string, int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, node.ID)
	blocked := f.block[node.ID]
	out, err := f.outputs[node.ID], f.errs[node.ID]
	f.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return "", 1, ctx.Err()
	}
	if err != nil {
		return "", 1, err
	}
	return out, 1, nil
}

func (f *fakeStep) Complete(ctx context.Context, executionID string, cfg topology.AgentConfig, system, user string) (string, error) {
	return f.synth, f.synthErr
}

func (f *fakeStep) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func buildTestGraph(t *testing.T, cfg *topology.Config) *topology.Graph {
	t.Helper()
	g, err := topology.BuildGraph(cfg)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return g
}

func newTestRunner(t *testing.T, step StepExecutor) (*Runner, *memLog, *bus.Bus) {
	t.Helper()
	log := &memLog{}
	b := bus.New(log, time.Minute, zap.NewNop())
	return New(step, b, zap.NewNop()), log, b
}

func supervisor(id string, strategy topology.Strategy) topology.Node {
	return topology.Node{ID: id, Name: id, Kind: topology.KindGlobalSupervisor, Strategy: strategy}
}

func worker(id string) topology.Node {
	return topology.Node{ID: id, Name: id, Kind: topology.KindAgent}
}

// Happy-path linear chain: the log records the exact progression and the
// outputs land in node results.
func TestRunLinearChain(t *testing.T) {
	step := newFakeStep()
	step.outputs["A1"] = "pong"
	step.outputs["A2"] = "pong-pong"

	r, log, b := newTestRunner(t, step)
	b.Open("e1")

	g := buildTestGraph(t, &topology.Config{
		Nodes: []topology.Node{supervisor("G", topology.StrategySequential), worker("A1"), worker("A2")},
		Edges: []topology.Edge{
			{Source: "G", Target: "A1"},
			{Source: "A1", Target: "A2"},
		},
		EntryPoint: "G",
	})

	outcome := r.Run(context.Background(), "e1", g, Input{Task: "ping"}, 10, nil)
	if outcome.Failed || outcome.Cancelled {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if outcome.NodeResults["A1"].Output != "pong" {
		t.Fatalf("A1 output = %q", outcome.NodeResults["A1"].Output)
	}
	if outcome.NodeResults["A2"].Output != "pong-pong" {
		t.Fatalf("A2 output = %q", outcome.NodeResults["A2"].Output)
	}
	// Synthesis has no configured completer, so aggregation falls back
	// to terminal concatenation.
	if outcome.Output.Raw != "pong-pong" {
		t.Fatalf("aggregated output = %q", outcome.Output.Raw)
	}

	want := []bus.EventType{
		bus.EventExecutionStarted,
		bus.EventNodeEntered,        // G
		bus.EventSupervisorDecision, // G -> A1
		bus.EventNodeEntered,        // A1
		bus.EventNodeCompleted,      // A1
		bus.EventNodeEntered,        // A2
		bus.EventNodeCompleted,      // A2
	}
	got := log.types()
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (all: %v)", i, got[i], want[i], got)
		}
	}
	for i, ev := range log.rows {
		if ev.Sequence != int64(i+1) {
			t.Fatalf("sequence gap at %d: %d", i, ev.Sequence)
		}
	}
}

// A failed node fails the execution, skips its descendants, and leaves
// independent branches untouched.
func TestRunSkipOnFailure(t *testing.T) {
	step := newFakeStep()
	step.errs["A1"] = errors.New("API error 400: bad request")
	step.outputs["A2"] = "done"

	r, _, b := newTestRunner(t, step)
	b.Open("e1")

	g := buildTestGraph(t, &topology.Config{
		Nodes: []topology.Node{supervisor("G", topology.StrategyParallel), worker("A1"), worker("A2"), worker("A3")},
		Edges: []topology.Edge{
			{Source: "G", Target: "A1"},
			{Source: "G", Target: "A2"},
			{Source: "A1", Target: "A3"},
		},
		EntryPoint: "G",
	})

	outcome := r.Run(context.Background(), "e1", g, Input{Task: "go"}, 10, nil)
	if !outcome.Failed {
		t.Fatal("expected failed outcome")
	}
	if outcome.NodeResults["A1"].Status != NodeFailed {
		t.Fatalf("A1 status = %s", outcome.NodeResults["A1"].Status)
	}
	if outcome.NodeResults["A3"].Status != NodeSkipped {
		t.Fatalf("A3 status = %s", outcome.NodeResults["A3"].Status)
	}
	if outcome.NodeResults["A3"].Error != "upstream failed: A1" {
		t.Fatalf("A3 error = %q", outcome.NodeResults["A3"].Error)
	}
	if outcome.NodeResults["A2"].Status != NodeSuccess {
		t.Fatalf("independent branch A2 status = %s", outcome.NodeResults["A2"].Status)
	}
	// The skipped node was never dispatched.
	for _, id := range step.callOrder() {
		if id == "A3" {
			t.Fatal("A3 was dispatched despite upstream failure")
		}
	}
}

func TestRunCancellation(t *testing.T) {
	step := newFakeStep()
	step.block["A1"] = true

	r, _, b := newTestRunner(t, step)
	b.Open("e1")

	g := buildTestGraph(t, &topology.Config{
		Nodes: []topology.Node{supervisor("G", topology.StrategySequential), worker("A1"), worker("A2")},
		Edges: []topology.Edge{
			{Source: "G", Target: "A1"},
			{Source: "A1", Target: "A2"},
		},
		EntryPoint: "G",
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	outcome := r.Run(ctx, "e1", g, Input{Task: "go"}, 10, nil)
	if !outcome.Cancelled {
		t.Fatalf("expected cancelled outcome, got %+v", outcome)
	}
	if outcome.NodeResults["A1"].Status != NodeSkipped || outcome.NodeResults["A1"].Error != "cancelled" {
		t.Fatalf("A1 = %+v", outcome.NodeResults["A1"])
	}
	if outcome.NodeResults["A2"].Status != NodeSkipped {
		t.Fatalf("A2 = %+v", outcome.NodeResults["A2"])
	}
}

// SEQUENTIAL dispatches one child at a time in declaration order.
func TestSequentialDispatchOrder(t *testing.T) {
	step := newFakeStep()
	step.outputs["A1"] = "1"
	step.outputs["A2"] = "2"
	step.outputs["A3"] = "3"

	r, _, b := newTestRunner(t, step)
	b.Open("e1")

	g := buildTestGraph(t, &topology.Config{
		Nodes: []topology.Node{supervisor("G", topology.StrategySequential), worker("A1"), worker("A2"), worker("A3")},
		Edges: []topology.Edge{
			{Source: "G", Target: "A1"},
			{Source: "G", Target: "A2"},
			{Source: "G", Target: "A3"},
		},
		EntryPoint: "G",
	})

	outcome := r.Run(context.Background(), "e1", g, Input{Task: "go"}, 10, nil)
	if outcome.Failed {
		t.Fatalf("unexpected failure: %+v", outcome)
	}
	got := step.callOrder()
	want := []string{"A1", "A2", "A3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", got, want)
		}
	}
}

// PRIORITY orders children by the numeric condition label, descending.
func TestPriorityDispatchOrder(t *testing.T) {
	step := newFakeStep()
	step.outputs["low"] = "l"
	step.outputs["high"] = "h"
	step.outputs["mid"] = "m"

	r, _, b := newTestRunner(t, step)
	b.Open("e1")

	g := buildTestGraph(t, &topology.Config{
		Nodes: []topology.Node{supervisor("G", topology.StrategyPriority), worker("low"), worker("high"), worker("mid")},
		Edges: []topology.Edge{
			{Source: "G", Target: "low", Condition: "1"},
			{Source: "G", Target: "high", Condition: "9"},
			{Source: "G", Target: "mid", Condition: "5"},
		},
		EntryPoint: "G",
	})

	outcome := r.Run(context.Background(), "e1", g, Input{Task: "go"}, 10, nil)
	if outcome.Failed {
		t.Fatalf("unexpected failure: %+v", outcome)
	}
	got := step.callOrder()
	want := []string{"high", "mid", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", got, want)
		}
	}
}

// A configured global supervisor synthesizes the final output.
func TestGlobalSupervisorSynthesis(t *testing.T) {
	step := newFakeStep()
	step.outputs["A1"] = "part one"
	step.outputs["A2"] = "part two"
	step.synth = "the whole"
	step.synthErr = nil

	r, _, b := newTestRunner(t, step)
	b.Open("e1")

	g := buildTestGraph(t, &topology.Config{
		Nodes: []topology.Node{supervisor("G", topology.StrategyParallel), worker("A1"), worker("A2")},
		Edges: []topology.Edge{
			{Source: "G", Target: "A1"},
			{Source: "G", Target: "A2"},
		},
		EntryPoint: "G",
	})

	outcome := r.Run(context.Background(), "e1", g, Input{Task: "go"}, 10, nil)
	if outcome.Failed {
		t.Fatalf("unexpected failure: %+v", outcome)
	}
	if outcome.Output.Raw != "the whole" {
		t.Fatalf("synthesized output = %q", outcome.Output.Raw)
	}
}

func TestRunFailsWhenLogUnavailable(t *testing.T) {
	step := newFakeStep()
	step.outputs["A1"] = "x"

	// No Open: every publish fails, which must fail the execution.
	log := &memLog{}
	b := bus.New(log, time.Minute, zap.NewNop())
	r := New(step, b, zap.NewNop())

	g := buildTestGraph(t, &topology.Config{
		Nodes:      []topology.Node{supervisor("G", topology.StrategySequential), worker("A1")},
		Edges:      []topology.Edge{{Source: "G", Target: "A1"}},
		EntryPoint: "G",
	})
	outcome := r.Run(context.Background(), fmt.Sprintf("missing-%d", time.Now().UnixNano()), g, Input{Task: "go"}, 10, nil)
	if !outcome.Failed {
		t.Fatalf("expected failure on unavailable log, got %+v", outcome)
	}
}
