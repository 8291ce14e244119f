package exec

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nidhogg/agent-mesh/internal/runner"
	"github.com/nidhogg/agent-mesh/internal/topology"
)

// TeamStatus is the lifecycle state of a team blueprint.
type TeamStatus string

const (
	TeamActive   TeamStatus = "ACTIVE"
	TeamInactive TeamStatus = "INACTIVE"
	TeamError    TeamStatus = "ERROR"
)

// Team is a named, validated topology blueprint.
type Team struct {
	ID             uuid.UUID       `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Status         TeamStatus      `json:"status"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	MaxIterations  int             `json:"max_iterations"`
	Topology       topology.Config `json:"topology"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Status is the lifecycle state of an execution. Transitions follow a
// strict machine: PENDING -> RUNNING -> exactly one terminal state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusTimeout   Status = "TIMEOUT"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether the status is absorbing.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Execution is one run of a team against a frozen topology snapshot.
type Execution struct {
	ID               uuid.UUID                     `json:"id"`
	TeamID           uuid.UUID                     `json:"team_id"`
	Status           Status                        `json:"status"`
	TopologySnapshot *topology.Config              `json:"topology_snapshot"`
	Input            runner.Input                  `json:"input"`
	Output           *runner.Output                `json:"output,omitempty"`
	OutputSchema     json.RawMessage               `json:"output_schema,omitempty"`
	ParseError       string                        `json:"parse_error,omitempty"`
	NodeResults      map[string]*runner.NodeResult `json:"node_results,omitempty"`
	ErrorMessage     string                        `json:"error_message,omitempty"`
	CreatedAt        time.Time                     `json:"created_at"`
	StartedAt        *time.Time                    `json:"started_at,omitempty"`
	CompletedAt      *time.Time                    `json:"completed_at,omitempty"`
	DurationMS       int64                         `json:"duration_ms,omitempty"`
}

// TriggerRequest is the input to Manager.Trigger.
type TriggerRequest struct {
	Task           string          `json:"task"`
	Parameters     map[string]any  `json:"parameters,omitempty"`
	OutputSchema   json.RawMessage `json:"output_schema,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// Filter narrows and paginates execution listings.
type Filter struct {
	TeamID        *uuid.UUID
	Status        *Status
	StartedAfter  *time.Time
	StartedBefore *time.Time
	Limit         int
	Offset        int
}

// Normalize applies the pagination defaults and caps.
func (f *Filter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}
