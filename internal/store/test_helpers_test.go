package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/flowcrm/internal/execution"
	"github.com/roach88/flowcrm/internal/graph"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestWorkflow builds trigger → check → (true: tag) with minimal data.
func createTestWorkflow(id, tenantID string) *graph.Workflow {
	wf := &graph.Workflow{
		ID:       id,
		TenantID: tenantID,
		Name:     "route " + id,
		Nodes: []graph.Node{
			{ID: "trigger", Type: graph.NodeManualTrigger},
			{ID: "check", Type: graph.NodeIfElse, Data: map[string]any{
				"left": "{{trigger.plan}}", "operator": "equals", "right": "pro",
			}, Position: graph.Position{X: 120, Y: 40}},
			{ID: "tag", Type: graph.NodeSetVariable, Data: map[string]any{
				"values": map[string]any{"tier": "vip"},
			}},
		},
		Connections: []graph.Connection{
			{FromNodeID: "trigger", ToNodeID: "check"},
			{FromNodeID: "check", ToNodeID: "tag", FromOutput: graph.BranchTrue},
		},
	}
	wf.Normalize()
	return wf
}

// createTestExecution saves a workflow and starts an execution of it.
func createTestExecution(t *testing.T, s *Store, id, tenantID, workflowID string) *execution.Execution {
	t.Helper()
	if _, err := s.GetWorkflow(t.Context(), tenantID, workflowID); err != nil {
		if err := s.SaveWorkflow(t.Context(), createTestWorkflow(workflowID, tenantID), testTime); err != nil {
			t.Fatalf("SaveWorkflow() failed: %v", err)
		}
	}
	ex := &execution.Execution{
		ID:         id,
		TenantID:   tenantID,
		WorkflowID: workflowID,
		Trigger:    execution.TriggerManual,
		Status:     execution.StatusRunning,
		Input:      map[string]any{"plan": "pro"},
		StartedAt:  testTime,
	}
	if err := s.CreateExecution(t.Context(), ex); err != nil {
		t.Fatalf("CreateExecution() failed: %v", err)
	}
	return ex
}
