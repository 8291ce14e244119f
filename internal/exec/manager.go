package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/agent-mesh/internal/bus"
	"github.com/nidhogg/agent-mesh/internal/runner"
	"github.com/nidhogg/agent-mesh/internal/topology"
)

// GraphRunner drives one execution's DAG walk to an outcome.
type GraphRunner interface {
	Run(ctx context.Context, executionID string, g *topology.Graph, in runner.Input, maxIterations int, outputSchema json.RawMessage) runner.Outcome
}

// Manager admits, launches, tracks, cancels, and times out executions.
// It owns the process-wide admission semaphore and the table of in-flight
// executions.
type Manager struct {
	teams  TeamStore
	execs  ExecutionStore
	runner GraphRunner
	bus    *bus.Bus
	models topology.ModelResolver
	tools  topology.ToolResolver
	logger *zap.Logger

	sem            chan struct{}
	defaultTimeout time.Duration

	mu      sync.Mutex
	running map[uuid.UUID]*handle
}

// handle tracks one in-flight execution. The terminal status is claimed
// exactly once via a compare-and-swap under its own mutex; whoever wins
// (runner completion, watchdog, operator cancel) decides the outcome.
type handle struct {
	cancel context.CancelFunc

	mu           sync.Mutex
	status       Status
	errorMessage string
	released     bool
}

// claim attempts the RUNNING -> terminal transition. It returns false
// when another path already claimed a terminal status.
func (h *handle) claim(st Status, msg string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.IsTerminal() {
		return false
	}
	h.status = st
	h.errorMessage = msg
	return true
}

func (h *handle) terminal() (Status, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.errorMessage
}

// NewManager creates an execution manager with the given admission
// capacity and default per-execution timeout.
func NewManager(teams TeamStore, execs ExecutionStore, r GraphRunner, b *bus.Bus,
	models topology.ModelResolver, tools topology.ToolResolver,
	maxConcurrent int, defaultTimeout time.Duration, logger *zap.Logger) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 100
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 300 * time.Second
	}
	return &Manager{
		teams:          teams,
		execs:          execs,
		runner:         r,
		bus:            b,
		models:         models,
		tools:          tools,
		logger:         logger,
		sem:            make(chan struct{}, maxConcurrent),
		defaultTimeout: defaultTimeout,
		running:        make(map[uuid.UUID]*handle),
	}
}

// RecoverStartup rewrites every in-flight execution to FAILED. Called
// once at boot, before the API opens, so zombie rows never pollute the
// concurrency count.
func (m *Manager) RecoverStartup(ctx context.Context) error {
	n, err := m.execs.SweepInflight(ctx, "host restart")
	if err != nil {
		return fmt.Errorf("startup sweep: %w", err)
	}
	if n > 0 {
		m.logger.Warn("swept in-flight executions from previous run", zap.Int64("count", n))
	}
	return nil
}

// Trigger validates, admits, and launches a new execution for a team.
// The topology is re-validated against the current registries: models or
// tools may have been removed since the team was saved.
func (m *Manager) Trigger(ctx context.Context, teamID uuid.UUID, req TriggerRequest) (*Execution, error) {
	team, err := m.teams.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if team.Status != TeamActive {
		return nil, fmt.Errorf("%w: team %s is %s", ErrTeamNotActive, team.Name, team.Status)
	}

	if res := topology.Validate(&team.Topology, m.models, m.tools); !res.Valid {
		return nil, &topology.ValidationError{Result: res}
	}

	select {
	case m.sem <- struct{}{}:
	default:
		return nil, ErrConcurrencyLimit
	}

	snapshot := team.Topology.Clone()
	g, err := topology.BuildGraph(snapshot)
	if err != nil {
		<-m.sem
		return nil, fmt.Errorf("build graph: %w", err)
	}

	e := &Execution{
		ID:               uuid.New(),
		TeamID:           team.ID,
		Status:           StatusPending,
		TopologySnapshot: snapshot,
		Input:            runner.Input{Task: req.Task, Parameters: req.Parameters},
		OutputSchema:     req.OutputSchema,
		CreatedAt:        time.Now().UTC(),
	}
	if len(e.OutputSchema) == 0 {
		e.OutputSchema = snapshot.OutputSchema
	}
	if err := m.execs.CreateExecution(ctx, e); err != nil {
		<-m.sem
		return nil, fmt.Errorf("create execution: %w", err)
	}

	started := time.Now().UTC()
	e.Status = StatusRunning
	e.StartedAt = &started
	if err := m.execs.MarkRunning(ctx, e.ID, started); err != nil {
		<-m.sem
		return nil, fmt.Errorf("mark running: %w", err)
	}

	m.bus.Open(e.ID.String())

	timeout := m.defaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	} else if team.TimeoutSeconds > 0 {
		timeout = time.Duration(team.TimeoutSeconds) * time.Second
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	h := &handle{status: StatusRunning, cancel: cancelRun}
	m.mu.Lock()
	m.running[e.ID] = h
	m.mu.Unlock()

	go m.supervise(runCtx, e, g, h, team.MaxIterations, timeout)

	m.logger.Info("execution started",
		zap.String("execution", e.ID.String()),
		zap.String("team", team.Name),
		zap.Duration("timeout", timeout))
	return e, nil
}

// supervise runs the DAG walk under a watchdog and finalizes the record
// on every exit path: completion, cancellation, timeout, or panic.
func (m *Manager) supervise(runCtx context.Context, e *Execution, g *topology.Graph, h *handle, maxIterations int, timeout time.Duration) {
	defer h.cancel()

	watchdog := time.AfterFunc(timeout, func() {
		if h.claim(StatusTimeout, fmt.Sprintf("timeout after %ds", int(timeout.Seconds()))) {
			h.cancel()
		}
	})
	defer watchdog.Stop()

	defer func() {
		if r := recover(); r != nil {
			h.claim(StatusFailed, fmt.Sprintf("panic: %v", r))
			m.logger.Error("execution panicked",
				zap.String("execution", e.ID.String()),
				zap.Any("panic", r))
		}
		m.finalize(e, h)
	}()

	outcome := m.runner.Run(runCtx, e.ID.String(), g, e.Input, maxIterations, e.OutputSchema)

	switch {
	case outcome.Cancelled:
		// The canceller (operator or watchdog) already claimed the
		// terminal status.
	case outcome.Failed:
		h.claim(StatusFailed, outcome.ErrorMessage)
	default:
		h.claim(StatusSuccess, "")
	}

	e.Output = outcome.Output
	e.ParseError = outcome.ParseError
	e.NodeResults = outcome.NodeResults
}

// finalize persists the terminal record, publishes the terminal event
// (the last event on the stream), releases the admission slot exactly
// once, and drops the handle from the running table.
func (m *Manager) finalize(e *Execution, h *handle) {
	st, msg := h.terminal()
	if !st.IsTerminal() {
		// Reaching finalize without a claimed terminal status is a
		// programming error.
		panic(fmt.Sprintf("execution %s finalized in non-terminal status %s", e.ID, st))
	}

	now := time.Now().UTC()
	e.Status = st
	e.ErrorMessage = msg
	e.CompletedAt = &now
	if e.StartedAt != nil {
		e.DurationMS = now.Sub(*e.StartedAt).Milliseconds()
	}

	ctx, cancelPersist := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelPersist()
	if err := m.execs.FinalizeExecution(ctx, e); err != nil {
		m.logger.Error("finalize persist failed",
			zap.String("execution", e.ID.String()), zap.Error(err))
	}

	ev := &bus.Event{
		ExecutionID: e.ID.String(),
		Type:        terminalEventType(st),
		Message:     msg,
		Data:        map[string]any{"status": string(st), "duration_ms": e.DurationMS},
	}
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.Warn("terminal event publish failed",
			zap.String("execution", e.ID.String()), zap.Error(err))
	}

	h.mu.Lock()
	released := h.released
	h.released = true
	h.mu.Unlock()
	if released {
		panic(fmt.Sprintf("execution %s released its admission slot twice", e.ID))
	}
	<-m.sem

	m.mu.Lock()
	delete(m.running, e.ID)
	m.mu.Unlock()

	m.logger.Info("execution finished",
		zap.String("execution", e.ID.String()),
		zap.String("status", string(st)),
		zap.Int64("duration_ms", e.DurationMS))
}

// Cancel claims the CANCELLED terminal status and trips the execution's
// cooperative cancellation token. The background task observes the token,
// drains, and publishes the terminal event.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	h, ok := m.running[id]
	m.mu.Unlock()
	if !ok {
		if _, err := m.execs.GetExecution(ctx, id); err != nil {
			return err
		}
		return ErrNotRunning
	}
	if !h.claim(StatusCancelled, "cancelled by operator") {
		return ErrNotRunning
	}
	h.cancel()
	m.logger.Info("execution cancelled", zap.String("execution", id.String()))
	return nil
}

// Get returns one execution.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Execution, error) {
	return m.execs.GetExecution(ctx, id)
}

// List returns executions matching the filter, newest first.
func (m *Manager) List(ctx context.Context, f Filter) ([]*Execution, error) {
	f.Normalize()
	return m.execs.ListExecutions(ctx, f)
}

// HasRunning reports whether any execution of the team is RUNNING.
func (m *Manager) HasRunning(ctx context.Context, teamID uuid.UUID) (bool, error) {
	return m.execs.HasRunning(ctx, teamID)
}

// RunningCount reports the number of in-flight executions.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

func terminalEventType(st Status) bus.EventType {
	switch st {
	case StatusSuccess:
		return bus.EventExecutionCompleted
	case StatusTimeout:
		return bus.EventExecutionTimeout
	case StatusCancelled:
		return bus.EventExecutionCancelled
	default:
		return bus.EventExecutionFailed
	}
}
