package dag

import (
	"container/heap"
)

// CycleError returns a circular dependency error carrying a deterministic
// witness, or nil when the live graph is acyclic.
func (g *Graph) CycleError() error {
	path := g.findCycleDeterministic()
	if path == nil {
		return nil
	}
	return cycleError(path)
}

// Waves groups the live nodes into the batches the scheduler would launch,
// without mutating g. A cycle yields the waves found so far and the cycle
// error.
func (g *Graph) Waves() ([][]NodeID, error) {
	c := g.Clone()
	var out [][]NodeID
	for c.Len() > 0 {
		ready := c.Ready()
		if len(ready) == 0 {
			return out, c.CycleError()
		}
		for _, id := range ready {
			c.Remove(id)
		}
		out = append(out, ready)
	}
	return out, nil
}

type intMinHeap []NodeID

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(NodeID)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopologicalOrder returns a deterministic ordering of the live nodes, or
// nil plus a cycle error. Ties break by ascending ID.
func (g *Graph) TopologicalOrder() ([]NodeID, error) {
	indeg := make([]int, len(g.indeg))
	copy(indeg, g.indeg)

	ready := &intMinHeap{}
	heap.Init(ready)
	for i := range indeg {
		if !g.removed[i] && indeg[i] == 0 {
			heap.Push(ready, NodeID(i))
		}
	}

	out := make([]NodeID, 0, g.live)
	for ready.Len() > 0 {
		n := heap.Pop(ready).(NodeID)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			if g.removed[m] {
				continue
			}
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	if len(out) != g.live {
		return nil, g.CycleError()
	}
	return out, nil
}

// findCycleDeterministic performs a DFS over live nodes in ascending ID order
// and returns one cycle as names in edge direction, closed by repeating the
// first node. Returns nil when there is no cycle.
func (g *Graph) findCycleDeterministic() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make([]int, len(g.names))
	parent := make([]NodeID, len(g.names))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []NodeID

	var dfs func(u NodeID) bool
	dfs = func(u NodeID) bool {
		color[u] = gray
		for _, v := range g.outgoing[u] { // already sorted
			if g.removed[v] {
				continue
			}
			if color[v] == white {
				parent[v] = u
				if dfs(v) {
					return true
				}
				continue
			}
			if color[v] == gray {
				// Back-edge u -> v. Walk parents from u back to v.
				cycle = append(cycle, v)
				cur := u
				for cur != -1 && cur != v {
					cycle = append(cycle, cur)
					cur = parent[cur]
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := range g.names {
		if g.removed[i] || color[i] != white {
			continue
		}
		if dfs(NodeID(i)) {
			break
		}
	}

	if len(cycle) == 0 {
		return nil
	}

	out := make([]string, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		out = append(out, g.names[cycle[i]])
	}
	return out
}
