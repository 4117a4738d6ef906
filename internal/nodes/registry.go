// Package nodes holds the executors for every workflow node type.
//
// An executor receives the node's configuration with all {{templates}}
// already resolved against the execution context and returns the node's
// output. Outputs are JSON-shaped: maps, slices, strings, float64, int,
// bool and nil.
package nodes

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/flowcrm/internal/graph"
)

// BundleRequest asks for a bundle workflow to run as a child execution.
type BundleRequest struct {
	TenantID          string
	BundleID          string
	ParentExecutionID string
	Inputs            map[string]any
	Depth             int
}

// BundleRunner runs bundle workflows. Implemented by the engine's Runner.
type BundleRunner interface {
	RunBundle(ctx context.Context, req BundleRequest) (map[string]any, error)
}

// Input is everything an executor may look at.
type Input struct {
	TenantID    string
	ExecutionID string
	Node        graph.Node

	// Config is Node.Data with templates resolved.
	Config map[string]any

	// Vars is the execution context: upstream outputs by variable name.
	// Executors must not modify it.
	Vars map[string]any

	// Trigger is the payload the execution was started with.
	Trigger map[string]any

	// Depth is the bundle nesting depth of the execution (0 for top level).
	Depth int

	Bundles BundleRunner
}

// Executor runs one node.
type Executor interface {
	Execute(ctx context.Context, in Input) (map[string]any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, in Input) (map[string]any, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, in Input) (map[string]any, error) {
	return f(ctx, in)
}

// Registry maps node types to executors.
//
// Thread-safety: safe for concurrent use. Registration normally happens
// once at startup.
type Registry struct {
	mu        sync.RWMutex
	executors map[graph.NodeType]Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[graph.NodeType]Executor)}
}

// Register binds an executor to a node type, replacing any previous one.
func (r *Registry) Register(t graph.NodeType, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[t] = e
}

// Lookup returns the executor for a node type.
func (r *Registry) Lookup(t graph.NodeType) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	return e, ok
}

// Types returns the registered node types in sorted order.
func (r *Registry) Types() []graph.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]graph.NodeType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ConfigError reports invalid node configuration. It is never retriable.
type ConfigError struct {
	NodeID  string
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("node %s: %s", e.NodeID, e.Message)
	}
	return fmt.Sprintf("node %s: %s: %s", e.NodeID, e.Field, e.Message)
}

// Retriable always returns false.
func (e *ConfigError) Retriable() bool { return false }

func configError(in Input, field, format string, args ...any) *ConfigError {
	return &ConfigError{NodeID: in.Node.ID, Field: field, Message: fmt.Sprintf(format, args...)}
}
