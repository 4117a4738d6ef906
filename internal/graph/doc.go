// Package graph defines the workflow graph model: typed nodes joined by
// connections, as persisted by the store and executed by the engine.
//
// A workflow is a directed graph. Nodes carry a type (trigger, conditional
// or action) and free-form configuration data. Connections join an output
// handle of one node to an input handle of another. IF_ELSE nodes emit on
// the "true" and "false" handles; every other node emits on "source-1".
//
// # Invariants
//
//   - Node IDs are unique within a workflow
//   - Every connection references nodes of the same workflow
//   - The graph is acyclic (checked by Validate and TopologicalSort)
//   - TopologicalSort is deterministic: ties are broken by node ID
package graph
