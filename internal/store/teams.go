package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nidhogg/agent-mesh/internal/exec"
	"github.com/nidhogg/agent-mesh/internal/topology"
)

// uniqueViolation is the PostgreSQL error code for unique constraints.
const uniqueViolation = "23505"

// CreateTeam inserts a new team blueprint.
func (s *Store) CreateTeam(ctx context.Context, t *exec.Team) error {
	topo, err := json.Marshal(t.Topology)
	if err != nil {
		return fmt.Errorf("marshal topology: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO teams (id, name, description, status, timeout_seconds, max_iterations, topology, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.Name, t.Description, string(t.Status), t.TimeoutSeconds, t.MaxIterations, topo, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return exec.ErrDuplicateName
		}
		return fmt.Errorf("insert team: %w", err)
	}
	return nil
}

// GetTeam fetches a team by id.
func (s *Store) GetTeam(ctx context.Context, id uuid.UUID) (*exec.Team, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, name, description, status, timeout_seconds, max_iterations, topology, created_at, updated_at
		 FROM teams WHERE id=$1`, id)
	return scanTeam(row)
}

// UpdateTeam rewrites a team's mutable fields.
func (s *Store) UpdateTeam(ctx context.Context, t *exec.Team) error {
	topo, err := json.Marshal(t.Topology)
	if err != nil {
		return fmt.Errorf("marshal topology: %w", err)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE teams SET name=$1, description=$2, status=$3, timeout_seconds=$4,
		        max_iterations=$5, topology=$6, updated_at=NOW()
		 WHERE id=$7`,
		t.Name, t.Description, string(t.Status), t.TimeoutSeconds, t.MaxIterations, topo, t.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return exec.ErrDuplicateName
		}
		return fmt.Errorf("update team: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return exec.ErrNotFound
	}
	return nil
}

// DeleteTeam removes a team. Callers must first check for running
// executions.
func (s *Store) DeleteTeam(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM teams WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete team: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return exec.ErrNotFound
	}
	return nil
}

// ListTeams returns all teams, newest first.
func (s *Store) ListTeams(ctx context.Context) ([]*exec.Team, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, description, status, timeout_seconds, max_iterations, topology, created_at, updated_at
		 FROM teams ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var teams []*exec.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTeam(row rowScanner) (*exec.Team, error) {
	t := &exec.Team{}
	var status string
	var topo []byte
	err := row.Scan(&t.ID, &t.Name, &t.Description, &status, &t.TimeoutSeconds,
		&t.MaxIterations, &topo, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, exec.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan team: %w", err)
	}
	t.Status = exec.TeamStatus(status)
	var cfg topology.Config
	if err := json.Unmarshal(topo, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal topology: %w", err)
	}
	t.Topology = cfg
	return t, nil
}
