package graph

import (
	"fmt"
	"strings"
)

// Validation error codes (G001-G099)
const (
	ErrEmptyWorkflow      = "G001" // workflow has no nodes
	ErrDuplicateNode      = "G002" // node ID used twice
	ErrUnknownNodeType    = "G003" // node type has no executor
	ErrDanglingConnection = "G004" // connection references a missing node
	ErrInvalidBranch      = "G005" // IF_ELSE connection on a handle other than true/false
	ErrTriggerHasInput    = "G006" // trigger node has incoming connections
	ErrNoTrigger          = "G007" // no trigger (or bundle input) node
	ErrCycle              = "G008" // graph contains a cycle
	ErrSelfLoop           = "G009" // connection from a node to itself
	ErrMissingNodeID      = "G010" // node without an ID
	ErrDuplicateEdge      = "G011" // same endpoints and handles connected twice
	ErrDuplicateConnID    = "G012" // connection ID used twice
)

// ValidationError describes a structural problem in a workflow graph.
type ValidationError struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks the workflow for structural errors.
// Returns all errors found (does not fail-fast); nil means valid.
func Validate(wf *Workflow) []*ValidationError {
	var errs []*ValidationError
	add := func(code, field, format string, args ...any) {
		errs = append(errs, &ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if len(wf.Nodes) == 0 {
		add(ErrEmptyWorkflow, "nodes", "workflow %q has no nodes", wf.Name)
		return errs
	}

	types := make(map[string]NodeType, len(wf.Nodes))
	triggers := 0
	for i, n := range wf.Nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		if strings.TrimSpace(n.ID) == "" {
			add(ErrMissingNodeID, field, "node id is required")
			continue
		}
		if _, dup := types[n.ID]; dup {
			add(ErrDuplicateNode, field, "duplicate node id %q", n.ID)
			continue
		}
		types[n.ID] = n.Type
		if !KnownNodeTypes[n.Type] {
			add(ErrUnknownNodeType, field, "unknown node type %q", n.Type)
		}
		if n.Type.IsTrigger() {
			triggers++
		}
	}
	if triggers == 0 {
		add(ErrNoTrigger, "nodes", "workflow needs at least one trigger node")
	}

	edges := make(map[Connection]int, len(wf.Connections))
	connIDs := make(map[string]int, len(wf.Connections))
	for i, c := range wf.Connections {
		field := fmt.Sprintf("connections[%d]", i)

		full := c.withDefaults()
		edge := full
		edge.ID = ""
		if first, dup := edges[edge]; dup {
			add(ErrDuplicateEdge, field, "duplicates connections[%d] (%s:%s -> %s:%s)",
				first, edge.FromNodeID, edge.FromOutput, edge.ToNodeID, edge.ToInput)
			continue
		}
		edges[edge] = i
		if first, dup := connIDs[full.ID]; dup {
			add(ErrDuplicateConnID, field, "connection id %q already used by connections[%d]", full.ID, first)
		} else {
			connIDs[full.ID] = i
		}

		fromType, fromOK := types[c.FromNodeID]
		toType, toOK := types[c.ToNodeID]
		if !fromOK {
			add(ErrDanglingConnection, field, "source node %q does not exist", c.FromNodeID)
		}
		if !toOK {
			add(ErrDanglingConnection, field, "target node %q does not exist", c.ToNodeID)
		}
		if !fromOK || !toOK {
			continue
		}
		if c.FromNodeID == c.ToNodeID {
			add(ErrSelfLoop, field, "node %q connects to itself", c.FromNodeID)
			continue
		}
		if fromType.IsBranching() && c.FromOutput != BranchTrue && c.FromOutput != BranchFalse {
			add(ErrInvalidBranch, field, "%s node %q must connect on %q or %q, got %q",
				fromType, c.FromNodeID, BranchTrue, BranchFalse, c.FromOutput)
		}
		if toType.IsTrigger() {
			add(ErrTriggerHasInput, field, "trigger node %q cannot have incoming connections", c.ToNodeID)
		}
	}

	for _, cycle := range FindCycles(wf) {
		if len(cycle) == 1 {
			// self loops are reported above
			continue
		}
		add(ErrCycle, "connections", "cycle detected: %s", strings.Join(cycle, " → "))
	}

	return errs
}

// ValidationErrors joins a list of validation errors into one error.
// Returns nil for an empty list.
func ValidationErrors(errs []*ValidationError) error {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("invalid workflow: %s", strings.Join(msgs, "; "))
}
