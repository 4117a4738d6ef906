package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/flowcrm/internal/execution"
)

// Scenario defines one workflow test.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Workflows lists definition files to load. Relative paths are
	// resolved against the scenario file's directory.
	Workflows []string `yaml:"workflows"`

	// Tenant scopes every record. Defaults to DefaultTenant.
	Tenant string `yaml:"tenant,omitempty"`

	// ExecutionID is the ID of the top-level execution. Defaults to
	// DefaultExecutionID; bundle children get numbered suffixes.
	ExecutionID string `yaml:"execution_id,omitempty"`

	Setup      Setup       `yaml:"setup,omitempty"`
	HTTP       []HTTPStub  `yaml:"http,omitempty"`
	Trigger    TriggerStep `yaml:"trigger"`
	Expect     Expectation `yaml:"expect"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Defaults applied to scenarios that leave the fields empty.
const (
	DefaultTenant      = "test-tenant"
	DefaultExecutionID = "test-execution"
)

// Setup seeds CRM records before the trigger fires.
type Setup struct {
	Pipelines []PipelineSeed `yaml:"pipelines,omitempty"`
	Contacts  []ContactSeed  `yaml:"contacts,omitempty"`
}

// PipelineSeed creates a pipeline. Key names it in templates.
type PipelineSeed struct {
	Key    string   `yaml:"key"`
	Name   string   `yaml:"name"`
	Stages []string `yaml:"stages"`
}

// ContactSeed creates a contact.
type ContactSeed struct {
	Name    string   `yaml:"name"`
	Email   string   `yaml:"email"`
	Phone   string   `yaml:"phone,omitempty"`
	Company string   `yaml:"company,omitempty"`
	Tags    []string `yaml:"tags,omitempty"`
}

// HTTPStub is a canned response served by the stub server.
type HTTPStub struct {
	Path   string `yaml:"path"`
	Method string `yaml:"method,omitempty"` // any method when empty
	Status int    `yaml:"status,omitempty"` // 200 when zero
	Body   any    `yaml:"body,omitempty"`
}

// TriggerStep starts the execution under test.
type TriggerStep struct {
	Workflow  string         `yaml:"workflow"`
	Type      string         `yaml:"type,omitempty"` // manual (default) or webhook
	Payload   map[string]any `yaml:"payload,omitempty"`
	Variables map[string]any `yaml:"variables,omitempty"`
}

// Expectation is checked against the finished execution.
type Expectation struct {
	// Status is the expected execution status (SUCCESS, FAILED, ...).
	Status string `yaml:"status"`

	// Nodes maps node IDs to their expected final status.
	Nodes map[string]string `yaml:"nodes,omitempty"`

	// Output is a subset match against the execution output.
	Output map[string]any `yaml:"output,omitempty"`

	// Error must be a substring of the execution error.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the trace, output, HTTP traffic or CRM state.
type Assertion struct {
	Type string `yaml:"type"`

	// Nodes is the expected relative order (node_order).
	Nodes []string `yaml:"nodes,omitempty"`

	// Node and Count are used by node_count.
	Node  string `yaml:"node,omitempty"`
	Count int    `yaml:"count,omitempty"`

	// Path and Equals are used by output.
	Path   string `yaml:"path,omitempty"`
	Equals any    `yaml:"equals,omitempty"`

	// Method and Body (subset) are used by http_request, with Path.
	Method string         `yaml:"method,omitempty"`
	Body   map[string]any `yaml:"body,omitempty"`

	// Table, Where and Expect are used by final_state.
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertNodeOrder   = "node_order"
	AssertNodeCount   = "node_count"
	AssertOutput      = "output"
	AssertHTTPRequest = "http_request"
	AssertFinalState  = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected and workflow paths are resolved against
// the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	base := filepath.Dir(path)
	for i, wf := range scenario.Workflows {
		if !filepath.IsAbs(wf) {
			scenario.Workflows[i] = filepath.Join(base, wf)
		}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Workflows) == 0 {
		return fmt.Errorf("workflows list is required and must be non-empty")
	}
	for _, path := range s.Workflows {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return fmt.Errorf("workflow file not found: %s", path)
		}
	}

	if s.Trigger.Workflow == "" {
		return fmt.Errorf("trigger.workflow is required")
	}
	switch execution.Trigger(s.Trigger.Type) {
	case "", execution.TriggerManual, execution.TriggerWebhook:
	default:
		return fmt.Errorf("trigger.type must be manual or webhook, got %q", s.Trigger.Type)
	}

	switch execution.Status(s.Expect.Status) {
	case execution.StatusSuccess, execution.StatusFailed, execution.StatusCancelled:
	case "":
		return fmt.Errorf("expect.status is required")
	default:
		return fmt.Errorf("expect.status: unknown status %q", s.Expect.Status)
	}
	for node, status := range s.Expect.Nodes {
		switch execution.NodeStatus(status) {
		case execution.NodeSuccess, execution.NodeError, execution.NodeSkipped:
		default:
			return fmt.Errorf("expect.nodes.%s: unknown status %q", node, status)
		}
	}

	keys := make(map[string]bool)
	for i, p := range s.Setup.Pipelines {
		if p.Key == "" {
			return fmt.Errorf("setup.pipelines[%d]: key is required", i)
		}
		if keys[p.Key] {
			return fmt.Errorf("setup.pipelines[%d]: duplicate key %q", i, p.Key)
		}
		keys[p.Key] = true
	}
	for i, stub := range s.HTTP {
		if stub.Path == "" || stub.Path[0] != '/' {
			return fmt.Errorf("http[%d]: path must start with /", i)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertNodeOrder:
		if len(a.Nodes) < 2 {
			return fmt.Errorf("assertions[%d]: node_order needs at least two nodes", index)
		}
	case AssertNodeCount:
		if a.Node == "" {
			return fmt.Errorf("assertions[%d]: node is required for node_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for node_count", index)
		}
	case AssertOutput:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for output", index)
		}
	case AssertHTTPRequest:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for http_request", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
