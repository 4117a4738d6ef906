package harness

import "github.com/roach88/flowcrm/internal/execution"

// TraceEvent is one node status change of the execution under test.
type TraceEvent struct {
	Seq    int64  `json:"seq"`
	Node   string `json:"node"`
	Type   string `json:"type"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RecordedRequest is a request received by the stub HTTP server.
type RecordedRequest struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Body   any    `json:"body,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	ExecutionID string           `json:"execution_id"`
	Status      execution.Status `json:"status"`
	Error       string           `json:"error,omitempty"`
	Output      map[string]any   `json:"output,omitempty"`

	// Trace holds the node events of the top-level execution in Seq order.
	Trace []TraceEvent `json:"trace"`

	// Requests lists what the stub HTTP server received, in order.
	Requests []RecordedRequest `json:"requests,omitempty"`

	// Errors contains failed expectation and assertion messages.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddNodeEvent appends a node event to the trace.
func (r *Result) AddNodeEvent(ev execution.NodeEvent) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:    ev.Seq,
		Node:   ev.NodeID,
		Type:   string(ev.NodeType),
		Status: string(ev.Status),
		Error:  ev.Error,
	})
}

// FinalStatus returns each node's last reported status.
func (r *Result) FinalStatus() map[string]string {
	out := make(map[string]string, len(r.Trace))
	for _, ev := range r.Trace {
		out[ev.Node] = ev.Status
	}
	return out
}
