package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/agent-mesh/internal/bus"
)

// AppendEvent persists one execution log row. The bus holds the
// per-execution sequence lock across this call, so rows arrive in
// sequence order with no gaps.
func (s *Store) AppendEvent(ctx context.Context, ev *bus.Event) error {
	var extra []byte
	if len(ev.Data) > 0 {
		var err error
		extra, err = json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshal extra data: %w", err)
		}
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO execution_logs (execution_id, sequence, timestamp, event_type, node_id, agent_id, supervisor_id, message, extra_data)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)`,
		ev.ExecutionID, ev.Sequence, ev.Timestamp, string(ev.Type),
		ev.NodeID, ev.AgentID, ev.SupervisorID, ev.Message, extra)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

// ListEvents returns a slice of an execution's log ordered by sequence:
// everything after afterSeq, and below beforeSeq when it is positive.
func (s *Store) ListEvents(ctx context.Context, executionID string, afterSeq, beforeSeq int64) ([]bus.Event, error) {
	query := `SELECT execution_id, sequence, timestamp, event_type,
	       COALESCE(node_id, ''), COALESCE(agent_id, ''), COALESCE(supervisor_id, ''),
	       COALESCE(message, ''), extra_data
	 FROM execution_logs WHERE execution_id=$1 AND sequence > $2`
	args := []any{executionID, afterSeq}
	if beforeSeq > 0 {
		query += ` AND sequence < $3`
		args = append(args, beforeSeq)
	}
	query += ` ORDER BY sequence`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []bus.Event
	for rows.Next() {
		var ev bus.Event
		var evType string
		var extra []byte
		if err := rows.Scan(&ev.ExecutionID, &ev.Sequence, &ev.Timestamp, &evType,
			&ev.NodeID, &ev.AgentID, &ev.SupervisorID, &ev.Message, &extra); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		ev.Type = bus.EventType(evType)
		if len(extra) > 0 {
			if err := json.Unmarshal(extra, &ev.Data); err != nil {
				return nil, fmt.Errorf("unmarshal extra data: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LogFilter narrows a log query beyond the sequence window.
type LogFilter struct {
	EventType     string
	NodeID        string
	SinceSequence int64
	Limit         int
	Offset        int
}

// QueryEvents is the paginated log listing behind the logs endpoint.
func (s *Store) QueryEvents(ctx context.Context, executionID string, f LogFilter) ([]bus.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	query := `SELECT execution_id, sequence, timestamp, event_type,
	       COALESCE(node_id, ''), COALESCE(agent_id, ''), COALESCE(supervisor_id, ''),
	       COALESCE(message, ''), extra_data
	 FROM execution_logs WHERE execution_id=$1 AND sequence > $2`
	args := []any{executionID, f.SinceSequence}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.EventType != "" {
		query += ` AND event_type=` + arg(f.EventType)
	}
	if f.NodeID != "" {
		query += ` AND node_id=` + arg(f.NodeID)
	}
	query += ` ORDER BY sequence LIMIT ` + arg(f.Limit) + ` OFFSET ` + arg(f.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []bus.Event
	for rows.Next() {
		var ev bus.Event
		var evType string
		var extra []byte
		if err := rows.Scan(&ev.ExecutionID, &ev.Sequence, &ev.Timestamp, &evType,
			&ev.NodeID, &ev.AgentID, &ev.SupervisorID, &ev.Message, &extra); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		ev.Type = bus.EventType(evType)
		if len(extra) > 0 {
			if err := json.Unmarshal(extra, &ev.Data); err != nil {
				return nil, fmt.Errorf("unmarshal extra data: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
