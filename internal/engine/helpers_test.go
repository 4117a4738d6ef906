package engine

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/flowcrm/internal/crm"
	"github.com/roach88/flowcrm/internal/execution"
	"github.com/roach88/flowcrm/internal/graph"
	"github.com/roach88/flowcrm/internal/nodes"
	"github.com/roach88/flowcrm/internal/store"
)

var testNow = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// recorder is a Publisher that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []execution.NodeEvent
}

func (r *recorder) Publish(ev execution.NodeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Events() []execution.NodeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]execution.NodeEvent(nil), r.events...)
}

func newTestRunner(t *testing.T, s *store.Store, opts ...RunnerOption) (*Runner, *recorder) {
	t.Helper()
	rec := &recorder{}
	registry := nodes.NewDefaultRegistry(nodes.Deps{CRM: crm.NewService(s.CRM())})
	base := []RunnerOption{
		WithPublisher(rec),
		WithNow(func() time.Time { return testNow }),
	}
	return NewRunner(s, registry, append(base, opts...)...), rec
}

func saveWorkflow(t *testing.T, s *store.Store, wf *graph.Workflow) {
	t.Helper()
	if wf.TenantID == "" {
		wf.TenantID = "acme"
	}
	wf.Normalize()
	require.NoError(t, s.SaveWorkflow(t.Context(), wf, testNow))
}

// lastStatus returns each node's final status.
func lastStatus(events []execution.NodeEvent) map[string]execution.NodeStatus {
	out := make(map[string]execution.NodeStatus)
	for _, ev := range events {
		out[ev.NodeID] = ev.Status
	}
	return out
}

// routingWorkflow: trigger → check → (true: vip, false: regular) → notify
func routingWorkflow() *graph.Workflow {
	return &graph.Workflow{
		ID:   "routing",
		Name: "lead routing",
		Nodes: []graph.Node{
			{ID: "trigger", Type: graph.NodeManualTrigger},
			{ID: "check", Type: graph.NodeIfElse, Data: map[string]any{
				"left": "{{trigger.plan}}", "operator": "equals", "right": "pro",
			}},
			{ID: "vip", Type: graph.NodeSetVariable, Data: map[string]any{
				"values": map[string]any{"tier": "vip"},
			}},
			{ID: "regular", Type: graph.NodeSetVariable, Data: map[string]any{
				"values": map[string]any{"tier": "regular"},
			}},
			{ID: "notify", Type: graph.NodeSetVariable, Data: map[string]any{
				"variableName": "message",
				"values":       map[string]any{"text": "{{vip.tier}}{{regular.tier}} lead {{trigger.email}}"},
			}},
		},
		Connections: []graph.Connection{
			{FromNodeID: "trigger", ToNodeID: "check"},
			{FromNodeID: "check", ToNodeID: "vip", FromOutput: graph.BranchTrue},
			{FromNodeID: "check", ToNodeID: "regular", FromOutput: graph.BranchFalse},
			{FromNodeID: "vip", ToNodeID: "notify"},
			{FromNodeID: "regular", ToNodeID: "notify"},
		},
	}
}
