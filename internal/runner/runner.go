package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/agent-mesh/internal/agent"
	"github.com/nidhogg/agent-mesh/internal/bus"
	"github.com/nidhogg/agent-mesh/internal/topology"
)

// NodeStatus tracks a single node's execution state.
type NodeStatus string

const (
	NodePending NodeStatus = "PENDING"
	NodeRunning NodeStatus = "RUNNING"
	NodeSuccess NodeStatus = "SUCCESS"
	NodeFailed  NodeStatus = "FAILED"
	NodeSkipped NodeStatus = "SKIPPED"
)

// NodeResult holds the per-node outcome of an execution.
type NodeResult struct {
	Status      NodeStatus `json:"status"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Input is the task handed to an execution.
type Input struct {
	Task       string         `json:"task"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Output is the aggregated execution result. Structured is set only when
// an output schema was supplied and validation succeeded.
type Output struct {
	Raw        string `json:"raw"`
	Structured any    `json:"structured,omitempty"`
}

// Outcome is what a DAG walk produced.
type Outcome struct {
	Failed       bool
	Cancelled    bool
	Output       *Output
	ParseError   string
	NodeResults  map[string]*NodeResult
	ErrorMessage string
}

// StepExecutor executes one node, and single completions for synthesis
// and structured-output correction.
type StepExecutor interface {
	Run(ctx context.Context, executionID string, node topology.Node, in agent.StepInput) (string, int, error)
	Complete(ctx context.Context, executionID string, cfg topology.AgentConfig, system, user string) (string, error)
}

// Runner drives one execution through its DAG.
type Runner struct {
	step   StepExecutor
	bus    *bus.Bus
	logger *zap.Logger
}

// New creates a graph runner.
func New(step StepExecutor, b *bus.Bus, logger *zap.Logger) *Runner {
	return &Runner{step: step, bus: b, logger: logger}
}

type completion struct {
	idx      int
	output   string
	attempts int
	err      error
}

// walk holds the mutable state of one DAG traversal.
type walk struct {
	r           *Runner
	ctx         context.Context
	executionID string
	g           *topology.Graph
	in          Input
	maxIter     int

	status   []NodeStatus
	results  map[string]*NodeResult
	gates    map[int]*gate
	compCh   chan completion
	inflight int
	fatal    error
}

// publish forwards to the bus and records a persistent log failure; a
// walk that cannot append to its log must not keep running.
func (w *walk) publish(ev *bus.Event) {
	if w.r.bus == nil {
		return
	}
	if err := w.r.bus.Publish(w.ctx, ev); err != nil && w.fatal == nil {
		w.fatal = err
	}
}

// Run executes the DAG to completion, cancellation, or failure. Every
// node state change is published before the walk blocks again.
func (r *Runner) Run(ctx context.Context, executionID string, g *topology.Graph, in Input, maxIterations int, outputSchema json.RawMessage) Outcome {
	w := &walk{
		r:           r,
		ctx:         ctx,
		executionID: executionID,
		g:           g,
		in:          in,
		maxIter:     maxIterations,
		status:      make([]NodeStatus, len(g.Nodes)),
		results:     make(map[string]*NodeResult, len(g.Nodes)),
		gates:       make(map[int]*gate),
		compCh:      make(chan completion, len(g.Nodes)),
	}
	for i := range g.Nodes {
		w.status[i] = NodePending
		w.results[g.Nodes[i].ID] = &NodeResult{Status: NodePending}
	}

	w.publish(&bus.Event{
		ExecutionID: executionID,
		Type:        bus.EventExecutionStarted,
		Message:     in.Task,
	})

	for {
		if ctx.Err() != nil {
			w.drainCancelled()
			return Outcome{Cancelled: true, NodeResults: w.results}
		}
		if w.fatal != nil {
			return Outcome{
				Failed:       true,
				NodeResults:  w.results,
				ErrorMessage: fmt.Sprintf("event log failure: %v", w.fatal),
			}
		}
		for w.dispatchReady() {
		}
		if w.inflight == 0 {
			break
		}
		select {
		case c := <-w.compCh:
			w.handleCompletion(c)
		case <-ctx.Done():
			// Handled at the loop head.
		}
	}

	return r.finish(ctx, executionID, g, in, outputSchema, w)
}

// dispatchReady launches every currently dispatchable node; it returns
// true when it made progress so supervisor completions cascade in the
// same pass.
func (w *walk) dispatchReady() bool {
	progress := false
	for i := range w.g.Nodes {
		if w.status[i] != NodePending || !w.isReady(i) {
			continue
		}
		progress = true
		if w.g.Nodes[i].IsSupervisor() {
			w.runSupervisor(i)
		} else {
			w.launchAgent(i)
		}
	}
	return progress
}

// isReady applies the readiness rule: every predecessor SUCCESS, and
// every supervising predecessor's dispatch gate open.
func (w *walk) isReady(i int) bool {
	for _, p := range w.g.In(i) {
		if w.status[p] != NodeSuccess {
			return false
		}
		if gt, ok := w.gates[p]; ok && !gt.allows(i, w.status) {
			return false
		}
	}
	return len(w.g.In(i)) > 0 || i == w.g.Entry()
}

// runSupervisor is synchronous: a supervisor's work is deciding the
// dispatch order of its direct children.
func (w *walk) runSupervisor(i int) {
	node := w.g.Nodes[i]
	now := time.Now().UTC()
	w.status[i] = NodeRunning
	nr := w.results[node.ID]
	nr.Status = NodeRunning
	nr.StartedAt = &now

	w.publish(&bus.Event{
		ExecutionID:  w.executionID,
		Type:         bus.EventNodeEntered,
		NodeID:       node.ID,
		SupervisorID: node.ID,
	})

	gt := newGate(w.g, i, node.Strategy)
	w.gates[i] = gt

	order := make([]string, len(gt.order))
	for k, c := range gt.order {
		order[k] = w.g.Nodes[c].ID
	}
	w.publish(&bus.Event{
		ExecutionID:  w.executionID,
		Type:         bus.EventSupervisorDecision,
		SupervisorID: node.ID,
		Data: map[string]any{
			"strategy": string(node.Strategy),
			"order":    order,
		},
	})

	done := time.Now().UTC()
	w.status[i] = NodeSuccess
	nr.Status = NodeSuccess
	nr.CompletedAt = &done
}

func (w *walk) launchAgent(i int) {
	node := w.g.Nodes[i]
	now := time.Now().UTC()
	w.status[i] = NodeRunning
	nr := w.results[node.ID]
	nr.Status = NodeRunning
	nr.StartedAt = &now

	w.publish(&bus.Event{
		ExecutionID: w.executionID,
		Type:        bus.EventNodeEntered,
		NodeID:      node.ID,
		AgentID:     node.ID,
	})

	in := agent.StepInput{
		Task:          w.in.Task,
		Parameters:    w.in.Parameters,
		Upstream:      w.upstreamOf(i),
		MaxIterations: w.maxIter,
	}

	w.inflight++
	go func() {
		out, attempts, err := w.r.step.Run(w.ctx, w.executionID, node, in)
		w.compCh <- completion{idx: i, output: out, attempts: attempts, err: err}
	}()
}

// upstreamOf summarizes the completed direct predecessors that produced
// output (supervisors coordinate, they don't emit text).
func (w *walk) upstreamOf(i int) []agent.Upstream {
	var ups []agent.Upstream
	for _, p := range w.g.In(i) {
		node := w.g.Nodes[p]
		nr := w.results[node.ID]
		if nr.Status == NodeSuccess && nr.Output != "" {
			ups = append(ups, agent.Upstream{NodeID: node.ID, Name: node.Name, Output: nr.Output})
		}
	}
	return ups
}

func (w *walk) handleCompletion(c completion) {
	w.inflight--
	node := w.g.Nodes[c.idx]
	nr := w.results[node.ID]
	done := time.Now().UTC()
	nr.CompletedAt = &done
	nr.Attempts = c.attempts

	if c.err != nil {
		w.status[c.idx] = NodeFailed
		nr.Status = NodeFailed
		nr.Error = c.err.Error()
		w.publish(&bus.Event{
			ExecutionID: w.executionID,
			Type:        bus.EventNodeFailed,
			NodeID:      node.ID,
			Message:     c.err.Error(),
			Data:        map[string]any{"attempts": c.attempts},
		})
		w.skipDescendants(c.idx)
		return
	}

	w.status[c.idx] = NodeSuccess
	nr.Status = NodeSuccess
	nr.Output = c.output
	w.publish(&bus.Event{
		ExecutionID: w.executionID,
		Type:        bus.EventNodeCompleted,
		NodeID:      node.ID,
		Data:        map[string]any{"attempts": c.attempts},
	})
}

// skipDescendants marks everything reachable from a failed node SKIPPED
// so it is never dispatched. Independent branches keep running.
func (w *walk) skipDescendants(failed int) {
	reason := "upstream failed: " + w.g.Nodes[failed].ID
	for _, d := range w.g.Descendants(failed) {
		if w.status[d] != NodePending {
			continue
		}
		w.markSkipped(d, reason)
	}
}

func (w *walk) markSkipped(i int, reason string) {
	node := w.g.Nodes[i]
	w.status[i] = NodeSkipped
	nr := w.results[node.ID]
	nr.Status = NodeSkipped
	nr.Error = reason
	w.publish(&bus.Event{
		ExecutionID: w.executionID,
		Type:        bus.EventNodeSkipped,
		NodeID:      node.ID,
		Message:     reason,
	})
}

// drainCancelled marks all non-terminal nodes SKIPPED and waits for
// in-flight steps to observe the cancelled context.
func (w *walk) drainCancelled() {
	for i := range w.g.Nodes {
		if w.status[i] == NodePending {
			w.markSkipped(i, "cancelled")
		}
	}
	for w.inflight > 0 {
		c := <-w.compCh
		w.inflight--
		if w.status[c.idx] == NodeRunning {
			w.markSkipped(c.idx, "cancelled")
		}
	}
}

// finish aggregates terminal outputs, runs global-supervisor synthesis,
// and applies the structured-output contract.
func (r *Runner) finish(ctx context.Context, executionID string, g *topology.Graph, in Input, outputSchema json.RawMessage, w *walk) Outcome {
	var failedNode string
	for i := range g.Nodes {
		if w.status[i] == NodeFailed {
			failedNode = g.Nodes[i].ID
			break
		}
	}

	var termOutputs []string
	var termNames []string
	for _, t := range g.Terminals() {
		if w.status[t] == NodeSuccess {
			termOutputs = append(termOutputs, w.results[g.Nodes[t].ID].Output)
			termNames = append(termNames, g.Nodes[t].Name)
		}
	}

	if failedNode != "" || len(termOutputs) == 0 {
		msg := "no terminal node succeeded"
		if failedNode != "" {
			msg = fmt.Sprintf("node %s failed: %s", failedNode, w.results[failedNode].Error)
		}
		return Outcome{Failed: true, NodeResults: w.results, ErrorMessage: msg}
	}

	raw := strings.Join(termOutputs, "\n\n")
	if gs := g.GlobalSupervisor(); gs >= 0 {
		if synth, err := r.synthesize(ctx, executionID, g.Nodes[gs], in.Task, termNames, termOutputs); err != nil {
			r.logger.Warn("synthesis failed, falling back to concatenation",
				zap.String("execution", executionID), zap.Error(err))
		} else if synth != "" {
			raw = synth
		}
	}

	out := &Output{Raw: raw}
	parseError := ""
	if len(outputSchema) > 0 {
		structured, finalRaw, perr := r.resolveStructured(ctx, executionID, g, outputSchema, raw)
		out.Raw = finalRaw
		out.Structured = structured
		parseError = perr
	}

	return Outcome{Output: out, ParseError: parseError, NodeResults: w.results}
}

// synthesize asks the global supervisor to merge terminal outputs into
// one final answer.
func (r *Runner) synthesize(ctx context.Context, executionID string, sup topology.Node, task string, names, outputs []string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\nResults to synthesize:\n", task)
	for i, out := range outputs {
		fmt.Fprintf(&b, "[%s]: %s\n", names[i], out)
	}
	b.WriteString("\nSynthesize these results into a single coherent answer.")

	system := sup.Agent.Instructions
	if system == "" {
		system = "You are the team supervisor. Combine the results from your agents into one final answer."
	}
	return r.step.Complete(ctx, executionID, sup.Agent, system, b.String())
}

// newGate orders a supervisor's direct children for dispatch.
func newGate(g *topology.Graph, sup int, strategy topology.Strategy) *gate {
	children := append([]int(nil), g.Out(sup)...)
	if strategy == topology.StrategyPriority {
		sort.SliceStable(children, func(a, b int) bool {
			return g.EdgePriority(sup, children[a]) > g.EdgePriority(sup, children[b])
		})
	}
	gt := &gate{strategy: strategy, order: children}
	if strategy == topology.StrategyHierarchical {
		byDepth := make(map[int][]int)
		var depths []int
		for _, c := range children {
			d := g.Depth(c)
			if _, ok := byDepth[d]; !ok {
				depths = append(depths, d)
			}
			byDepth[d] = append(byDepth[d], c)
		}
		sort.Ints(depths)
		for _, d := range depths {
			gt.levels = append(gt.levels, byDepth[d])
		}
	}
	return gt
}

type gate struct {
	strategy topology.Strategy
	order    []int
	levels   [][]int
}

// allows reports whether the gate's strategy permits dispatching child i
// given the current node states.
func (gt *gate) allows(i int, status []NodeStatus) bool {
	switch gt.strategy {
	case topology.StrategySequential, topology.StrategyRoundRobin, topology.StrategyPriority:
		for _, c := range gt.order {
			if c == i {
				return true
			}
			if !terminal(status[c]) {
				return false
			}
		}
		return true
	case topology.StrategyHierarchical:
		for _, level := range gt.levels {
			inLevel := false
			for _, c := range level {
				if c == i {
					inLevel = true
					break
				}
			}
			if inLevel {
				return true
			}
			for _, c := range level {
				if !terminal(status[c]) {
					return false
				}
			}
		}
		return true
	default:
		// PARALLEL and ADAPTIVE dispatch every ready child at once.
		return true
	}
}

func terminal(st NodeStatus) bool {
	return st == NodeSuccess || st == NodeFailed || st == NodeSkipped
}
