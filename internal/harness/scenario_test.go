package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/lead_routing_pro.yaml")
	require.NoError(t, err)

	assert.Equal(t, "lead_routing_pro", scenario.Name)
	assert.Equal(t, []string{filepath.Join("testdata", "workflows", "lead-routing.yaml")}, scenario.Workflows)
	assert.Equal(t, "webhook", scenario.Trigger.Type)
	assert.Equal(t, "pro", scenario.Trigger.Payload["plan"])
	assert.Equal(t, 1200, scenario.Trigger.Payload["amount"])
	require.Len(t, scenario.Setup.Pipelines, 1)
	assert.Equal(t, []string{"Lead", "Won"}, scenario.Setup.Pipelines[0].Stages)
	require.Len(t, scenario.HTTP, 1)
	assert.Equal(t, 200, scenario.HTTP[0].Status)
	assert.Equal(t, "skipped", scenario.Expect.Nodes["regular"])
	assert.Len(t, scenario.Assertions, 6)
}

func TestLoadScenario_Errors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "wf.yaml", "id: x\n")

	const base = "name: s\ndescription: d\nworkflows: [wf.yaml]\n"
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing name", "description: d\nworkflows: [wf.yaml]\ntrigger: {workflow: x}\nexpect: {status: SUCCESS}\n", "name is required"},
		{"missing description", "name: s\nworkflows: [wf.yaml]\ntrigger: {workflow: x}\nexpect: {status: SUCCESS}\n", "description is required"},
		{"no workflows", "name: s\ndescription: d\ntrigger: {workflow: x}\nexpect: {status: SUCCESS}\n", "workflows list is required"},
		{"workflow file missing", "name: s\ndescription: d\nworkflows: [absent.yaml]\ntrigger: {workflow: x}\nexpect: {status: SUCCESS}\n", "workflow file not found"},
		{"no trigger workflow", base + "expect: {status: SUCCESS}\n", "trigger.workflow is required"},
		{"bad trigger type", base + "trigger: {workflow: x, type: cron}\nexpect: {status: SUCCESS}\n", "trigger.type must be manual or webhook"},
		{"no status", base + "trigger: {workflow: x}\n", "expect.status is required"},
		{"bad status", base + "trigger: {workflow: x}\nexpect: {status: DONE}\n", "unknown status"},
		{"bad node status", base + "trigger: {workflow: x}\nexpect: {status: SUCCESS, nodes: {a: ran}}\n", "expect.nodes.a"},
		{"pipeline without key", base + "setup: {pipelines: [{name: P, stages: [A]}]}\ntrigger: {workflow: x}\nexpect: {status: SUCCESS}\n", "key is required"},
		{"duplicate pipeline key", base + "setup: {pipelines: [{key: p, stages: [A]}, {key: p, stages: [B]}]}\ntrigger: {workflow: x}\nexpect: {status: SUCCESS}\n", "duplicate key"},
		{"relative stub path", base + "http: [{path: notify}]\ntrigger: {workflow: x}\nexpect: {status: SUCCESS}\n", "path must start with /"},
		{"unknown field", base + "trigger: {workflow: x}\nexpect: {status: SUCCESS}\nflow: []\n", "failed to parse YAML"},
		{"assertion without type", base + "trigger: {workflow: x}\nexpect: {status: SUCCESS}\nassertions: [{node: a}]\n", "type is required"},
		{"unknown assertion", base + "trigger: {workflow: x}\nexpect: {status: SUCCESS}\nassertions: [{type: trace_contains}]\n", "unknown assertion type"},
		{"short node_order", base + "trigger: {workflow: x}\nexpect: {status: SUCCESS}\nassertions: [{type: node_order, nodes: [a]}]\n", "at least two nodes"},
		{"node_count without node", base + "trigger: {workflow: x}\nexpect: {status: SUCCESS}\nassertions: [{type: node_count, count: 1}]\n", "node is required"},
		{"output without path", base + "trigger: {workflow: x}\nexpect: {status: SUCCESS}\nassertions: [{type: output, equals: 1}]\n", "path is required for output"},
		{"http_request without path", base + "trigger: {workflow: x}\nexpect: {status: SUCCESS}\nassertions: [{type: http_request}]\n", "path is required for http_request"},
		{"final_state without table", base + "trigger: {workflow: x}\nexpect: {status: SUCCESS}\nassertions: [{type: final_state, expect: {a: 1}}]\n", "table is required"},
		{"final_state without expect", base + "trigger: {workflow: x}\nexpect: {status: SUCCESS}\nassertions: [{type: final_state, table: deals}]\n", "expect is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.name+".yaml", tt.content)
			_, err := LoadScenario(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_AbsoluteWorkflowPath(t *testing.T) {
	wf, err := filepath.Abs("testdata/workflows/welcome.yaml")
	require.NoError(t, err)

	path := writeFile(t, t.TempDir(), "s.yaml",
		"name: s\ndescription: d\nworkflows: ["+wf+"]\ntrigger: {workflow: welcome}\nexpect: {status: SUCCESS}\n")
	scenario, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, []string{wf}, scenario.Workflows)
}
