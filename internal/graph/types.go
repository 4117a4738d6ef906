package graph

import (
	"fmt"
	"time"
)

// NodeType identifies the executor responsible for a node.
type NodeType string

const (
	NodeInitial         NodeType = "INITIAL"
	NodeManualTrigger   NodeType = "MANUAL_TRIGGER"
	NodeWebhookTrigger  NodeType = "WEBHOOK_TRIGGER"
	NodeIfElse          NodeType = "IF_ELSE"
	NodeSetVariable     NodeType = "SET_VARIABLE"
	NodeCreateContact   NodeType = "CREATE_CONTACT"
	NodeCreateDeal      NodeType = "CREATE_DEAL"
	NodeUpdateDealStage NodeType = "UPDATE_DEAL_STAGE"
	NodeHTTPRequest     NodeType = "HTTP_REQUEST"
	NodeDiscord         NodeType = "DISCORD"
	NodeSlack           NodeType = "SLACK"
	NodeBundle          NodeType = "BUNDLE"
	NodeBundleInput     NodeType = "BUNDLE_INPUT"
	NodeBundleOutput    NodeType = "BUNDLE_OUTPUT"
)

// KnownNodeTypes lists every node type the engine can execute.
var KnownNodeTypes = map[NodeType]bool{
	NodeInitial:         true,
	NodeManualTrigger:   true,
	NodeWebhookTrigger:  true,
	NodeIfElse:          true,
	NodeSetVariable:     true,
	NodeCreateContact:   true,
	NodeCreateDeal:      true,
	NodeUpdateDealStage: true,
	NodeHTTPRequest:     true,
	NodeDiscord:         true,
	NodeSlack:           true,
	NodeBundle:          true,
	NodeBundleInput:     true,
	NodeBundleOutput:    true,
}

// IsTrigger reports whether nodes of this type start an execution.
// Trigger nodes have no incoming connections and are always active.
func (t NodeType) IsTrigger() bool {
	switch t {
	case NodeInitial, NodeManualTrigger, NodeWebhookTrigger, NodeBundleInput:
		return true
	}
	return false
}

// IsBranching reports whether the node emits on the true/false handles.
func (t NodeType) IsBranching() bool {
	return t == NodeIfElse
}

// Handle names used by connections.
const (
	DefaultOutput = "source-1"
	DefaultInput  = "target-1"
	BranchTrue    = "true"
	BranchFalse   = "false"
)

// Position is the node's location on the editor canvas.
// The engine ignores it; it is persisted so editors can round-trip.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Node is a typed unit of work in a workflow.
type Node struct {
	ID       string         `json:"id" yaml:"id"`
	Type     NodeType       `json:"type" yaml:"type"`
	Name     string         `json:"name,omitempty" yaml:"name,omitempty"`
	Data     map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
	Position Position       `json:"position" yaml:"position"`
}

// VariableName returns the context key the node's output is stored under.
// Defaults to the node ID when data.variableName is unset.
func (n Node) VariableName() string {
	if v, ok := n.Data["variableName"].(string); ok && v != "" {
		return v
	}
	return n.ID
}

// Connection joins an output handle of one node to an input handle of another.
type Connection struct {
	ID         string `json:"id" yaml:"id"`
	FromNodeID string `json:"fromNodeId" yaml:"from"`
	ToNodeID   string `json:"toNodeId" yaml:"to"`
	FromOutput string `json:"fromOutput" yaml:"fromOutput,omitempty"`
	ToInput    string `json:"toInput" yaml:"toInput,omitempty"`
}

// Workflow is a persisted directed graph of nodes and connections.
//
// A workflow with IsBundle set is a reusable sub-workflow: it starts from
// BUNDLE_INPUT nodes and reports its result through BUNDLE_OUTPUT nodes.
type Workflow struct {
	ID          string       `json:"id" yaml:"id"`
	TenantID    string       `json:"tenantId" yaml:"tenant,omitempty"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	IsBundle    bool         `json:"isBundle,omitempty" yaml:"bundle,omitempty"`
	Nodes       []Node       `json:"nodes" yaml:"nodes"`
	Connections []Connection `json:"connections" yaml:"connections"`
	CreatedAt   time.Time    `json:"createdAt" yaml:"-"`
	UpdatedAt   time.Time    `json:"updatedAt" yaml:"-"`
}

// Node returns the node with the given ID.
func (w *Workflow) Node(id string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Incoming returns the connections that end at nodeID, in declaration order.
func (w *Workflow) Incoming(nodeID string) []Connection {
	var out []Connection
	for _, c := range w.Connections {
		if c.ToNodeID == nodeID {
			out = append(out, c)
		}
	}
	return out
}

// Outgoing returns the connections that start at nodeID, in declaration order.
func (w *Workflow) Outgoing(nodeID string) []Connection {
	var out []Connection
	for _, c := range w.Connections {
		if c.FromNodeID == nodeID {
			out = append(out, c)
		}
	}
	return out
}

// Normalize fills in default connection handles and derives missing
// connection IDs from their endpoints. Explicit values are kept as given.
func (w *Workflow) Normalize() {
	for i := range w.Connections {
		w.Connections[i] = w.Connections[i].withDefaults()
	}
}

func (c Connection) withDefaults() Connection {
	if c.FromOutput == "" {
		c.FromOutput = DefaultOutput
	}
	if c.ToInput == "" {
		c.ToInput = DefaultInput
	}
	if c.ID == "" {
		c.ID = fmt.Sprintf("%s:%s->%s:%s", c.FromNodeID, c.FromOutput, c.ToNodeID, c.ToInput)
	}
	return c
}
