package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/flowcrm/internal/execution"
	"github.com/roach88/flowcrm/internal/graph"
)

// CreateExecution records a new execution in RUNNING state.
// Duplicate IDs are an error; execution IDs are generated fresh per run.
func (s *Store) CreateExecution(ctx context.Context, ex *execution.Execution) error {
	input, err := marshalObject(ex.Input)
	if err != nil {
		return fmt.Errorf("create execution: input: %w", err)
	}
	status := ex.Status
	if status == "" {
		status = execution.StatusRunning
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, tenant_id, workflow_id, parent_id, trigger, status, input, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ex.ID, ex.TenantID, ex.WorkflowID, ex.ParentID, string(ex.Trigger), string(status), input, formatTime(ex.StartedAt))
	if err != nil {
		return fmt.Errorf("create execution %s: %w", ex.ID, err)
	}
	return nil
}

// FinishExecution moves a RUNNING execution to a terminal status.
// Finishing an execution that is already terminal returns an error so a
// retried job cannot overwrite the first outcome.
func (s *Store) FinishExecution(ctx context.Context, id string, status execution.Status, output map[string]any, errMsg string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finish execution %s: status %s is not terminal", id, status)
	}
	out, err := marshalObject(output)
	if err != nil {
		return fmt.Errorf("finish execution: output: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, output = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, string(status), out, errMsg, formatTime(at), id, string(execution.StatusRunning))
	if err != nil {
		return fmt.Errorf("finish execution %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish execution: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish execution %s: not running: %w", id, ErrNotFound)
	}
	return nil
}

const executionColumns = `id, tenant_id, workflow_id, parent_id, trigger, status, input, output, error, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*execution.Execution, error) {
	var (
		ex              execution.Execution
		trigger, status string
		input, output   string
		startedAt       string
		completedAt     sql.NullString
	)
	if err := row.Scan(&ex.ID, &ex.TenantID, &ex.WorkflowID, &ex.ParentID, &trigger, &status,
		&input, &output, &ex.Error, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	ex.Trigger = execution.Trigger(trigger)
	ex.Status = execution.Status(status)

	var err error
	if ex.Input, err = unmarshalObject(input); err != nil {
		return nil, fmt.Errorf("execution %s input: %w", ex.ID, err)
	}
	if ex.Output, err = unmarshalObject(output); err != nil {
		return nil, fmt.Errorf("execution %s output: %w", ex.ID, err)
	}
	if ex.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		ex.CompletedAt = &t
	}
	return &ex, nil
}

// GetExecution returns one execution of the tenant.
func (s *Store) GetExecution(ctx context.Context, tenantID, id string) (*execution.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ? AND tenant_id = ?`, id, tenantID)
	ex, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return ex, nil
}

// LookupExecution returns an execution by ID without tenant scoping.
// Only the CLI trace command uses it; API handlers must use GetExecution.
func (s *Store) LookupExecution(ctx context.Context, id string) (*execution.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	ex, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup execution: %w", err)
	}
	return ex, nil
}

// ListExecutions returns the most recent executions of a workflow, newest
// first. A limit of zero or less means 50.
func (s *Store) ListExecutions(ctx context.Context, tenantID, workflowID string, limit int) ([]*execution.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE tenant_id = ? AND workflow_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, tenantID, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	out := []*execution.Execution{}
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}

// AppendNodeEvent appends a node status change to the execution log.
func (s *Store) AppendNodeEvent(ctx context.Context, ev execution.NodeEvent) error {
	out, err := marshalObject(ev.Output)
	if err != nil {
		return fmt.Errorf("append node event: output: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO node_events (execution_id, node_id, node_type, status, seq, output, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ExecutionID, ev.NodeID, string(ev.NodeType), string(ev.Status), ev.Seq, out, ev.Error, formatTime(ev.At))
	if err != nil {
		return fmt.Errorf("append node event %s/%s: %w", ev.ExecutionID, ev.NodeID, err)
	}
	return nil
}

// ListNodeEvents returns the node events of an execution ordered by seq.
// Ties (which only occur across process restarts) break on insertion order.
func (s *Store) ListNodeEvents(ctx context.Context, executionID string) ([]execution.NodeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, node_id, node_type, status, seq, output, error, at
		FROM node_events
		WHERE execution_id = ?
		ORDER BY seq ASC, id ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list node events: %w", err)
	}
	defer rows.Close()

	out := []execution.NodeEvent{}
	for rows.Next() {
		var (
			ev               execution.NodeEvent
			nodeType, status string
			output, at       string
		)
		if err := rows.Scan(&ev.ExecutionID, &ev.NodeID, &nodeType, &status, &ev.Seq, &output, &ev.Error, &at); err != nil {
			return nil, fmt.Errorf("scan node event: %w", err)
		}
		ev.NodeType = graph.NodeType(nodeType)
		ev.Status = execution.NodeStatus(status)
		if ev.Output, err = unmarshalObject(output); err != nil {
			return nil, err
		}
		if len(ev.Output) == 0 {
			ev.Output = nil
		}
		if ev.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node events: %w", err)
	}
	return out, nil
}

// ClaimTrigger records a trigger delivery for a workflow.
//
// The first caller for a (workflowID, key) pair claims it and gets
// claimed=true. Later callers get claimed=false and the execution ID the
// first delivery was bound to. Uses INSERT ... ON CONFLICT DO NOTHING and
// RowsAffected so the check and the insert are one statement.
func (s *Store) ClaimTrigger(ctx context.Context, workflowID, key, executionID string, at time.Time) (claimed bool, existingExecutionID string, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trigger_receipts (workflow_id, trigger_key, execution_id, received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workflow_id, trigger_key) DO NOTHING
	`, workflowID, key, executionID, formatTime(at))
	if err != nil {
		return false, "", fmt.Errorf("claim trigger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, "", fmt.Errorf("claim trigger: rows affected: %w", err)
	}
	if n == 1 {
		return true, executionID, nil
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT execution_id FROM trigger_receipts
		WHERE workflow_id = ? AND trigger_key = ?
	`, workflowID, key).Scan(&existingExecutionID)
	if err != nil {
		return false, "", fmt.Errorf("claim trigger: read existing: %w", err)
	}
	return false, existingExecutionID, nil
}

// MaxNodeEventSeq returns the highest seq recorded, or 0 for an empty log.
// The engine clock resumes after it on startup.
func (s *Store) MaxNodeEventSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM node_events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max node event seq: %w", err)
	}
	return seq.Int64, nil
}
