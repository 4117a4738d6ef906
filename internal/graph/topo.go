package graph

import (
	"fmt"
	"slices"
	"strings"
)

// CycleError is returned by TopologicalSort when the graph is not a DAG.
type CycleError struct {
	// Remaining lists the nodes that could not be ordered, sorted by ID.
	Remaining []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("workflow contains a cycle through nodes: %s", strings.Join(e.Remaining, ", "))
}

// TopologicalSort orders the workflow's nodes so every node comes after
// all nodes that connect into it.
//
// Kahn's algorithm with a sorted ready set: among nodes whose inputs are
// all satisfied, the smallest ID is emitted first. The same graph always
// yields the same order regardless of declaration order.
//
// Connections that reference unknown nodes are ignored; Validate reports
// them.
func TopologicalSort(wf *Workflow) ([]Node, error) {
	byID := make(map[string]Node, len(wf.Nodes))
	inDegree := make(map[string]int, len(wf.Nodes))
	for _, n := range wf.Nodes {
		byID[n.ID] = n
		inDegree[n.ID] = 0
	}

	adj := buildAdjacency(wf)
	for _, targets := range adj {
		for _, to := range targets {
			inDegree[to]++
		}
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	slices.Sort(ready)

	sorted := make([]Node, 0, len(wf.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		sorted = append(sorted, byID[id])

		for _, to := range adj[id] {
			inDegree[to]--
			if inDegree[to] == 0 {
				idx, _ := slices.BinarySearch(ready, to)
				ready = slices.Insert(ready, idx, to)
			}
		}
	}

	if len(sorted) != len(byID) {
		var remaining []string
		for id, deg := range inDegree {
			if deg > 0 {
				remaining = append(remaining, id)
			}
		}
		slices.Sort(remaining)
		return nil, &CycleError{Remaining: remaining}
	}

	return sorted, nil
}
