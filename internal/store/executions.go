package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/agent-mesh/internal/exec"
	"github.com/nidhogg/agent-mesh/internal/runner"
	"github.com/nidhogg/agent-mesh/internal/topology"
)

// CreateExecution inserts a new execution in PENDING with its frozen
// topology snapshot.
func (s *Store) CreateExecution(ctx context.Context, e *exec.Execution) error {
	snapshot, err := json.Marshal(e.TopologySnapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	input, err := json.Marshal(e.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	var schema []byte
	if len(e.OutputSchema) > 0 {
		schema = e.OutputSchema
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO executions (id, team_id, status, topology_snapshot, input, output_schema, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.TeamID, string(e.Status), snapshot, input, schema, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// MarkRunning moves a PENDING execution to RUNNING.
func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE executions SET status=$1, started_at=$2 WHERE id=$3 AND status=$4`,
		string(exec.StatusRunning), startedAt, id, string(exec.StatusPending))
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s not in PENDING", id)
	}
	return nil
}

// FinalizeExecution writes the terminal status, output, node results,
// and timing. The status guard keeps terminal states absorbing at the
// storage layer too.
func (s *Store) FinalizeExecution(ctx context.Context, e *exec.Execution) error {
	var output []byte
	if e.Output != nil {
		var err error
		output, err = json.Marshal(e.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
	}
	nodeResults, err := json.Marshal(e.NodeResults)
	if err != nil {
		return fmt.Errorf("marshal node results: %w", err)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE executions
		 SET status=$1, output=$2, node_results=$3, parse_error=NULLIF($4, ''),
		     error_message=NULLIF($5, ''), completed_at=$6, duration_ms=$7
		 WHERE id=$8 AND status=$9`,
		string(e.Status), output, nodeResults, e.ParseError,
		e.ErrorMessage, e.CompletedAt, e.DurationMS, e.ID, string(exec.StatusRunning))
	if err != nil {
		return fmt.Errorf("finalize execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s not in RUNNING at finalize", e.ID)
	}
	return nil
}

// SweepInflight rewrites all RUNNING and PENDING executions to FAILED in
// one transaction. Runs at startup before the API opens.
func (s *Store) SweepInflight(ctx context.Context, message string) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE executions
		 SET status=$1, error_message=$2, completed_at=NOW()
		 WHERE status IN ($3, $4)`,
		string(exec.StatusFailed), message,
		string(exec.StatusRunning), string(exec.StatusPending))
	if err != nil {
		return 0, fmt.Errorf("sweep inflight: %w", err)
	}
	return tag.RowsAffected(), nil
}

// HasRunning reports whether any execution of the team is RUNNING.
func (s *Store) HasRunning(ctx context.Context, teamID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM executions WHERE team_id=$1 AND status=$2)`,
		teamID, string(exec.StatusRunning)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has running: %w", err)
	}
	return exists, nil
}

// GetExecution fetches one execution.
func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (*exec.Execution, error) {
	row := s.db.QueryRow(ctx, executionColumns+` FROM executions WHERE id=$1`, id)
	return scanExecution(row)
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, f exec.Filter) ([]*exec.Execution, error) {
	query := executionColumns + ` FROM executions WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.TeamID != nil {
		query += ` AND team_id=` + arg(*f.TeamID)
	}
	if f.Status != nil {
		query += ` AND status=` + arg(string(*f.Status))
	}
	if f.StartedAfter != nil {
		query += ` AND started_at >= ` + arg(*f.StartedAfter)
	}
	if f.StartedBefore != nil {
		query += ` AND started_at <= ` + arg(*f.StartedBefore)
	}
	query += ` ORDER BY created_at DESC LIMIT ` + arg(f.Limit) + ` OFFSET ` + arg(f.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*exec.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeExecutionsBefore deletes up to limit executions created before the
// cutoff, with their logs, in one transaction.
func (s *Store) PurgeExecutionsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT id FROM executions WHERE created_at < $1 AND status NOT IN ($2, $3) LIMIT $4`,
		cutoff, string(exec.StatusRunning), string(exec.StatusPending), limit)
	if err != nil {
		return 0, fmt.Errorf("select expired: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM execution_logs WHERE execution_id = ANY($1)`, ids); err != nil {
		return 0, fmt.Errorf("delete expired logs: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM executions WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete expired executions: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

const executionColumns = `SELECT id, team_id, status, topology_snapshot, input, output,
	output_schema, parse_error, node_results, error_message, created_at,
	started_at, completed_at, duration_ms`

func scanExecution(row rowScanner) (*exec.Execution, error) {
	e := &exec.Execution{}
	var status string
	var snapshot, input, output, schema, nodeResults []byte
	var parseError, errorMessage *string
	var durationMS *int64
	err := row.Scan(&e.ID, &e.TeamID, &status, &snapshot, &input, &output,
		&schema, &parseError, &nodeResults, &errorMessage, &e.CreatedAt,
		&e.StartedAt, &e.CompletedAt, &durationMS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, exec.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	e.Status = exec.Status(status)
	var cfg topology.Config
	if err := json.Unmarshal(snapshot, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	e.TopologySnapshot = &cfg
	if err := json.Unmarshal(input, &e.Input); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	if len(output) > 0 {
		e.Output = &runner.Output{}
		if err := json.Unmarshal(output, e.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	if len(schema) > 0 {
		e.OutputSchema = json.RawMessage(schema)
	}
	if len(nodeResults) > 0 {
		if err := json.Unmarshal(nodeResults, &e.NodeResults); err != nil {
			return nil, fmt.Errorf("unmarshal node results: %w", err)
		}
	}
	if parseError != nil {
		e.ParseError = *parseError
	}
	if errorMessage != nil {
		e.ErrorMessage = *errorMessage
	}
	if durationMS != nil {
		e.DurationMS = *durationMS
	}
	return e, nil
}
