// Package engine executes workflows.
//
// ARCHITECTURE:
//
// Runner executes one workflow run synchronously:
//  1. Load the workflow for the tenant and record a RUNNING execution
//  2. Validate the graph and order it topologically
//  3. Seed the context with the trigger payload under "trigger"
//  4. Walk the nodes in order, running active nodes and skipping the rest
//  5. Record the terminal status and the final context
//
// Engine is the job queue in front of the Runner. Producers (HTTP
// handlers, the CLI) Submit requests; a single dispatch loop hands them to
// a bounded set of workers; failed attempts are retried with exponential
// backoff unless the error is non-retriable.
//
// ORDERING:
//
// Node status events are stamped with a monotonic logical clock (Clock).
// Within one execution, seq order is the order in which nodes changed
// state. Topological order breaks ties by node ID, so identical graphs
// always run in identical order.
//
// TERMINATION:
//
// Validation rejects cyclic graphs. The max-steps quota bounds the work of
// a single execution and the bundle depth limit bounds recursion through
// BUNDLE nodes.
package engine
