package graph

import (
	"slices"
)

// adjacency maps node ID → IDs of nodes it connects to.
type adjacency map[string][]string

func buildAdjacency(wf *Workflow) adjacency {
	adj := make(adjacency, len(wf.Nodes))
	for _, n := range wf.Nodes {
		adj[n.ID] = nil
	}
	for _, c := range wf.Connections {
		if _, ok := adj[c.FromNodeID]; !ok {
			continue
		}
		if _, ok := adj[c.ToNodeID]; !ok {
			continue
		}
		adj[c.FromNodeID] = append(adj[c.FromNodeID], c.ToNodeID)
	}
	return adj
}

// FindCycles returns every cycle in the workflow graph as a closed path
// (first element repeated at the end). Self loops are returned as a
// single-element slice. An acyclic graph returns nil.
//
// Strongly connected components are found with Tarjan's algorithm. Nodes
// are visited in sorted order so the output is stable across runs.
func FindCycles(wf *Workflow) [][]string {
	adj := buildAdjacency(wf)

	var cycles [][]string
	for _, scc := range tarjanSCC(adj) {
		if len(scc) == 1 {
			if slices.Contains(adj[scc[0]], scc[0]) {
				cycles = append(cycles, []string{scc[0]})
			}
			continue
		}
		cycles = append(cycles, cyclePath(scc, adj))
	}
	return cycles
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
func tarjanSCC(adj adjacency) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	ids := make([]string, 0, len(adj))
	for id := range adj {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if _, visited := indices[id]; !visited {
			strongConnect(id)
		}
	}

	return sccs
}

// cyclePath returns the shortest closed path from the SCC's smallest
// member back to itself. A breadth-first search over edges inside the
// SCC always finds one, since every member reaches every other.
func cyclePath(scc []string, adj adjacency) []string {
	members := make(map[string]bool, len(scc))
	for _, id := range scc {
		members[id] = true
	}

	start := scc[0]
	parent := map[string]string{start: ""}
	queue := []string{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, w := range adj[current] {
			if w == start {
				path := []string{start}
				for v := current; v != start; v = parent[v] {
					path = append(path, v)
				}
				path = append(path, start)
				slices.Reverse(path)
				return path
			}
			if _, seen := parent[w]; seen || !members[w] {
				continue
			}
			parent[w] = current
			queue = append(queue, w)
		}
	}
	return []string{start}
}
