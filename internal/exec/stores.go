package exec

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TeamStore is the persistence contract for team blueprints.
type TeamStore interface {
	CreateTeam(ctx context.Context, t *Team) error
	GetTeam(ctx context.Context, id uuid.UUID) (*Team, error)
	UpdateTeam(ctx context.Context, t *Team) error
	DeleteTeam(ctx context.Context, id uuid.UUID) error
	ListTeams(ctx context.Context) ([]*Team, error)
}

// ExecutionStore is the persistence contract for executions.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error)
	ListExecutions(ctx context.Context, f Filter) ([]*Execution, error)
	// MarkRunning moves a PENDING execution to RUNNING.
	MarkRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error
	// FinalizeExecution writes the terminal status, output, node results,
	// and timing in one statement.
	FinalizeExecution(ctx context.Context, e *Execution) error
	// SweepInflight rewrites every RUNNING and PENDING execution to
	// FAILED with the given message. Runs once at startup, before the
	// API opens.
	SweepInflight(ctx context.Context, message string) (int64, error)
	// HasRunning reports whether any execution of the team is RUNNING.
	HasRunning(ctx context.Context, teamID uuid.UUID) (bool, error)
}
