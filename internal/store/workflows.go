package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/flowcrm/internal/graph"
)

// SaveWorkflow creates or replaces a workflow. The header row is upserted
// and the node and connection sets are replaced in the same transaction,
// so readers never observe a half-saved graph.
//
// Saving a workflow ID that belongs to another tenant returns ErrNotFound.
// CreatedAt is preserved on update; UpdatedAt is set to now.
func (s *Store) SaveWorkflow(ctx context.Context, wf *graph.Workflow, now time.Time) error {
	return s.SaveWorkflows(ctx, []*graph.Workflow{wf}, now)
}

// SaveWorkflows saves a batch of workflows in one transaction. If any
// workflow fails to save, none of them are written.
func (s *Store) SaveWorkflows(ctx context.Context, wfs []*graph.Workflow, now time.Time) error {
	for _, wf := range wfs {
		if wf.ID == "" || wf.TenantID == "" {
			return fmt.Errorf("save workflow: id and tenant are required")
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, wf := range wfs {
			if err := saveWorkflowTx(ctx, tx, wf, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func saveWorkflowTx(ctx context.Context, tx *sql.Tx, wf *graph.Workflow, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO workflows (id, tenant_id, name, description, is_bundle, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			is_bundle = excluded.is_bundle,
			updated_at = excluded.updated_at
		WHERE workflows.tenant_id = excluded.tenant_id
	`,
		wf.ID, wf.TenantID, wf.Name, wf.Description, boolToInt(wf.IsBundle),
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("save workflow: upsert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save workflow: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("save workflow %s: %w", wf.ID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE workflow_id = ?`, wf.ID); err != nil {
		return fmt.Errorf("save workflow: clear connections: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE workflow_id = ?`, wf.ID); err != nil {
		return fmt.Errorf("save workflow: clear nodes: %w", err)
	}

	for i, node := range wf.Nodes {
		data, err := marshalObject(node.Data)
		if err != nil {
			return fmt.Errorf("save workflow: node %s: %w", node.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO nodes (workflow_id, id, ordinal, type, name, data, pos_x, pos_y)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, wf.ID, node.ID, i, string(node.Type), node.Name, data, node.Position.X, node.Position.Y); err != nil {
			return fmt.Errorf("save workflow: insert node %s: %w", node.ID, err)
		}
	}

	for i, c := range wf.Connections {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO connections (workflow_id, id, ordinal, from_node_id, to_node_id, from_output, to_input)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, wf.ID, c.ID, i, c.FromNodeID, c.ToNodeID, c.FromOutput, c.ToInput); err != nil {
			return fmt.Errorf("save workflow: insert connection %s: %w", c.ID, err)
		}
	}

	return nil
}

// GetWorkflow loads a workflow with its nodes and connections in
// declaration order.
func (s *Store) GetWorkflow(ctx context.Context, tenantID, id string) (*graph.Workflow, error) {
	wf, err := s.getWorkflowHeader(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, name, data, pos_x, pos_y
		FROM nodes WHERE workflow_id = ?
		ORDER BY ordinal ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			n    graph.Node
			typ  string
			data string
		)
		if err := rows.Scan(&n.ID, &typ, &n.Name, &data, &n.Position.X, &n.Position.Y); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.Type = graph.NodeType(typ)
		if n.Data, err = unmarshalObject(data); err != nil {
			return nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
		wf.Nodes = append(wf.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}

	crows, err := s.db.QueryContext(ctx, `
		SELECT id, from_node_id, to_node_id, from_output, to_input
		FROM connections WHERE workflow_id = ?
		ORDER BY ordinal ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer crows.Close()

	for crows.Next() {
		var c graph.Connection
		if err := crows.Scan(&c.ID, &c.FromNodeID, &c.ToNodeID, &c.FromOutput, &c.ToInput); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		wf.Connections = append(wf.Connections, c)
	}
	if err := crows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connections: %w", err)
	}

	if wf.Nodes == nil {
		wf.Nodes = []graph.Node{}
	}
	if wf.Connections == nil {
		wf.Connections = []graph.Connection{}
	}
	return wf, nil
}

func (s *Store) getWorkflowHeader(ctx context.Context, tenantID, id string) (*graph.Workflow, error) {
	var (
		wf                   graph.Workflow
		isBundle             int
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, description, is_bundle, created_at, updated_at
		FROM workflows WHERE id = ? AND tenant_id = ?
	`, id, tenantID).Scan(&wf.ID, &wf.TenantID, &wf.Name, &wf.Description, &isBundle, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	wf.IsBundle = isBundle != 0
	if wf.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if wf.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &wf, nil
}

// WorkflowSummary is a workflow header without its graph.
type WorkflowSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsBundle  bool      `json:"isBundle"`
	NodeCount int       `json:"nodeCount"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ListWorkflows returns the tenant's workflows ordered by name, then ID.
func (s *Store) ListWorkflows(ctx context.Context, tenantID string) ([]WorkflowSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.name, w.is_bundle, w.updated_at,
		       (SELECT COUNT(*) FROM nodes n WHERE n.workflow_id = w.id)
		FROM workflows w
		WHERE w.tenant_id = ?
		ORDER BY w.name ASC, w.id ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	out := []WorkflowSummary{}
	for rows.Next() {
		var (
			ws       WorkflowSummary
			isBundle int
			updated  string
		)
		if err := rows.Scan(&ws.ID, &ws.Name, &isBundle, &updated, &ws.NodeCount); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		ws.IsBundle = isBundle != 0
		if ws.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflows: %w", err)
	}
	return out, nil
}

// DeleteWorkflow removes a workflow, its graph and its executions.
func (s *Store) DeleteWorkflow(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete workflow: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
