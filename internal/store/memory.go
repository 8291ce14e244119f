package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nidhogg/agent-mesh/internal/bus"
	"github.com/nidhogg/agent-mesh/internal/exec"
)

// MemStore is an in-memory implementation of the team, execution, and
// log repositories. It backs tests and local development without
// PostgreSQL.
type MemStore struct {
	mu    sync.Mutex
	teams map[uuid.UUID]*exec.Team
	execs map[uuid.UUID]*exec.Execution
	logs  map[string][]bus.Event
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		teams: make(map[uuid.UUID]*exec.Team),
		execs: make(map[uuid.UUID]*exec.Execution),
		logs:  make(map[string][]bus.Event),
	}
}

func (s *MemStore) CreateTeam(ctx context.Context, t *exec.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.teams {
		if existing.Name == t.Name {
			return exec.ErrDuplicateName
		}
	}
	cp := *t
	s.teams[t.ID] = &cp
	return nil
}

func (s *MemStore) GetTeam(ctx context.Context, id uuid.UUID) (*exec.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[id]
	if !ok {
		return nil, exec.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemStore) UpdateTeam(ctx context.Context, t *exec.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.teams[t.ID]; !ok {
		return exec.ErrNotFound
	}
	for id, existing := range s.teams {
		if id != t.ID && existing.Name == t.Name {
			return exec.ErrDuplicateName
		}
	}
	cp := *t
	s.teams[t.ID] = &cp
	return nil
}

func (s *MemStore) DeleteTeam(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.teams[id]; !ok {
		return exec.ErrNotFound
	}
	delete(s.teams, id)
	return nil
}

func (s *MemStore) ListTeams(ctx context.Context) ([]*exec.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*exec.Team, 0, len(s.teams))
	for _, t := range s.teams {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (s *MemStore) CreateExecution(ctx context.Context, e *exec.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.execs[e.ID] = &cp
	return nil
}

func (s *MemStore) GetExecution(ctx context.Context, id uuid.UUID) (*exec.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return nil, exec.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemStore) ListExecutions(ctx context.Context, f exec.Filter) ([]*exec.Execution, error) {
	f.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*exec.Execution
	for _, e := range s.execs {
		if f.TeamID != nil && e.TeamID != *f.TeamID {
			continue
		}
		if f.Status != nil && e.Status != *f.Status {
			continue
		}
		if f.StartedAfter != nil && (e.StartedAt == nil || e.StartedAt.Before(*f.StartedAfter)) {
			continue
		}
		if f.StartedBefore != nil && (e.StartedAt == nil || e.StartedAt.After(*f.StartedBefore)) {
			continue
		}
		cp := *e
		all = append(all, &cp)
	}
	sort.Slice(all, func(a, b int) bool { return all[a].CreatedAt.After(all[b].CreatedAt) })
	if f.Offset >= len(all) {
		return nil, nil
	}
	all = all[f.Offset:]
	if len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, nil
}

func (s *MemStore) MarkRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return exec.ErrNotFound
	}
	e.Status = exec.StatusRunning
	e.StartedAt = &startedAt
	return nil
}

func (s *MemStore) FinalizeExecution(ctx context.Context, fin *exec.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[fin.ID]
	if !ok {
		return exec.ErrNotFound
	}
	e.Status = fin.Status
	e.Output = fin.Output
	e.NodeResults = fin.NodeResults
	e.ParseError = fin.ParseError
	e.ErrorMessage = fin.ErrorMessage
	e.CompletedAt = fin.CompletedAt
	e.DurationMS = fin.DurationMS
	return nil
}

func (s *MemStore) SweepInflight(ctx context.Context, message string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for _, e := range s.execs {
		if e.Status == exec.StatusRunning || e.Status == exec.StatusPending {
			e.Status = exec.StatusFailed
			e.ErrorMessage = message
			e.CompletedAt = &now
			n++
		}
	}
	return n, nil
}

func (s *MemStore) HasRunning(ctx context.Context, teamID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.execs {
		if e.TeamID == teamID && e.Status == exec.StatusRunning {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) AppendEvent(ctx context.Context, ev *bus.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[ev.ExecutionID] = append(s.logs[ev.ExecutionID], *ev)
	return nil
}

func (s *MemStore) ListEvents(ctx context.Context, executionID string, afterSeq, beforeSeq int64) ([]bus.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bus.Event
	for _, ev := range s.logs[executionID] {
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

func (s *MemStore) QueryEvents(ctx context.Context, executionID string, f LogFilter) ([]bus.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bus.Event
	skipped := 0
	for _, ev := range s.logs[executionID] {
		if ev.Sequence <= f.SinceSequence {
			continue
		}
		if f.EventType != "" && string(ev.Type) != f.EventType {
			continue
		}
		if f.NodeID != "" && ev.NodeID != f.NodeID {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, ev)
		if len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) PurgeExecutionsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.execs {
		if int(n) >= limit {
			break
		}
		if e.Status == exec.StatusRunning || e.Status == exec.StatusPending {
			continue
		}
		if e.CreatedAt.Before(cutoff) {
			delete(s.execs, id)
			delete(s.logs, id.String())
			n++
		}
	}
	return n, nil
}
