// Package definition loads workflow definitions from files.
//
// Definitions are written in YAML or CUE. Both formats are checked against
// the embedded CUE schema (#Workflow in schema.cue) and then against the
// graph rules in package graph, so a definition that loads cleanly can be
// saved and executed.
//
// File layout (YAML):
//
//	id: lead-routing
//	name: Lead routing
//	nodes:
//	  - id: hook
//	    type: WEBHOOK_TRIGGER
//	  - id: check
//	    type: IF_ELSE
//	    data: {left: "{{trigger.plan}}", operator: equals, right: pro}
//	connections:
//	  - {from: hook, to: check}
//
// A CUE file carries the same fields at its top level.
package definition

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue/token"

	"github.com/roach88/flowcrm/internal/graph"
)

//go:embed schema.cue
var schemaSource string

// Error codes for definition loading.
const (
	ErrCodeRead     = "D001" // file could not be read
	ErrCodeSyntax   = "D002" // YAML or CUE syntax error, unknown field
	ErrCodeSchema   = "D003" // value does not satisfy #Workflow
	ErrCodeGraph    = "D004" // graph validation failed
	ErrCodeNoFiles  = "D005" // directory holds no definitions
	ErrCodeDupID    = "D006" // two files declare the same workflow ID
	ErrCodeFileType = "D007" // unsupported file extension
)

// LoadError reports a definition that could not be loaded.
type LoadError struct {
	Code    string
	File    string
	Message string
	Pos     token.Pos // CUE position if available

	// Err is the underlying cause, if any.
	Err error
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	if e.File != "" {
		return fmt.Sprintf("%s: %s: %s", e.File, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// document is the on-disk shape of a workflow. Tags are shared by the
// YAML decoder and the CUE encoder.
type document struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Tenant      string       `json:"tenant,omitempty" yaml:"tenant,omitempty"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Bundle      bool         `json:"bundle,omitempty" yaml:"bundle,omitempty"`
	Nodes       []docNode    `json:"nodes" yaml:"nodes"`
	Connections []docConnect `json:"connections,omitempty" yaml:"connections,omitempty"`
}

type docNode struct {
	ID       string          `json:"id" yaml:"id"`
	Type     string          `json:"type" yaml:"type"`
	Name     string          `json:"name,omitempty" yaml:"name,omitempty"`
	Data     map[string]any  `json:"data,omitempty" yaml:"data,omitempty"`
	Position *graph.Position `json:"position,omitempty" yaml:"position,omitempty"`
}

type docConnect struct {
	ID         string `json:"id,omitempty" yaml:"id,omitempty"`
	From       string `json:"from" yaml:"from"`
	To         string `json:"to" yaml:"to"`
	FromOutput string `json:"fromOutput,omitempty" yaml:"fromOutput,omitempty"`
	ToInput    string `json:"toInput,omitempty" yaml:"toInput,omitempty"`
}

func (d *document) workflow() *graph.Workflow {
	wf := &graph.Workflow{
		ID:          d.ID,
		TenantID:    d.Tenant,
		Name:        d.Name,
		Description: d.Description,
		IsBundle:    d.Bundle,
		Nodes:       make([]graph.Node, 0, len(d.Nodes)),
		Connections: make([]graph.Connection, 0, len(d.Connections)),
	}
	for _, n := range d.Nodes {
		node := graph.Node{ID: n.ID, Type: graph.NodeType(n.Type), Name: n.Name}
		if n.Data != nil {
			node.Data = normalizeNumbers(n.Data).(map[string]any)
		}
		if n.Position != nil {
			node.Position = *n.Position
		}
		wf.Nodes = append(wf.Nodes, node)
	}
	for _, c := range d.Connections {
		wf.Connections = append(wf.Connections, graph.Connection{
			ID:         c.ID,
			FromNodeID: c.From,
			ToNodeID:   c.To,
			FromOutput: c.FromOutput,
			ToInput:    c.ToInput,
		})
	}
	wf.Normalize()
	return wf
}
