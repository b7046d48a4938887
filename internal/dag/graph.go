package dag

import (
	"sort"
)

// NodeID addresses a node inside one Graph. IDs are dense and assigned in
// insertion order; they are never reused, even after Remove.
type NodeID int

// Edge is a dependency relation by name: To depends on From.
type Edge struct {
	From string
	To   string
}

// Index maps package names to node IDs of a specific Graph.
type Index map[string]NodeID

type edgeKey struct {
	from NodeID
	to   NodeID
}

// Graph is a mutable dependency graph. It is not safe for concurrent
// mutation; the scheduler owns it for the duration of a run.
type Graph struct {
	names    []string
	outgoing [][]NodeID // sorted ascending
	incoming [][]NodeID // sorted ascending
	indeg    []int      // live incoming edges only
	removed  []bool
	edges    map[edgeKey]struct{}
	live     int
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{edges: make(map[edgeKey]struct{})}
}

// AddNode appends a node and returns its ID.
func (g *Graph) AddNode(name string) NodeID {
	id := NodeID(len(g.names))
	g.names = append(g.names, name)
	g.outgoing = append(g.outgoing, nil)
	g.incoming = append(g.incoming, nil)
	g.indeg = append(g.indeg, 0)
	g.removed = append(g.removed, false)
	g.live++
	return id
}

// AddEdge records that to depends on from. Duplicate edges collapse into one.
// A self-loop is accepted and will surface as a cycle when scheduling.
func (g *Graph) AddEdge(from, to NodeID) error {
	if !g.valid(from) || !g.valid(to) {
		return invalidf("edge references unknown node: %d -> %d", from, to)
	}
	if g.removed[from] || g.removed[to] {
		return invalidf("edge references removed node: %q -> %q", g.names[from], g.names[to])
	}
	k := edgeKey{from: from, to: to}
	if _, ok := g.edges[k]; ok {
		return nil
	}
	g.edges[k] = struct{}{}
	g.outgoing[from] = insertSorted(g.outgoing[from], to)
	g.incoming[to] = insertSorted(g.incoming[to], from)
	g.indeg[to]++
	return nil
}

func insertSorted(s []NodeID, v NodeID) []NodeID {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= v })
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func (g *Graph) valid(id NodeID) bool { return id >= 0 && int(id) < len(g.names) }

// Name returns the package name of id.
func (g *Graph) Name(id NodeID) string { return g.names[id] }

// Len returns the number of nodes not yet removed.
func (g *Graph) Len() int { return g.live }

// Contains reports whether id is part of the graph and not removed.
func (g *Graph) Contains(id NodeID) bool { return g.valid(id) && !g.removed[id] }

// Nodes returns the live node IDs in ascending order.
func (g *Graph) Nodes() []NodeID {
	out := make([]NodeID, 0, g.live)
	for i := range g.names {
		if !g.removed[i] {
			out = append(out, NodeID(i))
		}
	}
	return out
}

// Ready returns the live nodes with no live incoming edge, ascending.
func (g *Graph) Ready() []NodeID {
	var out []NodeID
	for i := range g.names {
		if !g.removed[i] && g.indeg[i] == 0 {
			out = append(out, NodeID(i))
		}
	}
	return out
}

// Remove deletes a node and releases its dependents.
func (g *Graph) Remove(id NodeID) {
	if !g.Contains(id) {
		return
	}
	g.removed[id] = true
	g.live--
	for _, m := range g.outgoing[id] {
		if !g.removed[m] {
			g.indeg[m]--
		}
	}
}

// Outgoing returns the live dependents of id.
func (g *Graph) Outgoing(id NodeID) []NodeID { return g.liveOf(g.outgoing[id]) }

// Incoming returns the live dependencies of id.
func (g *Graph) Incoming(id NodeID) []NodeID { return g.liveOf(g.incoming[id]) }

func (g *Graph) liveOf(ids []NodeID) []NodeID {
	out := make([]NodeID, 0, len(ids))
	for _, v := range ids {
		if !g.removed[v] {
			out = append(out, v)
		}
	}
	return out
}

// Edges returns the live edges ordered by (From ID, To ID).
func (g *Graph) Edges() []Edge {
	var out []Edge
	for i := range g.names {
		if g.removed[i] {
			continue
		}
		for _, to := range g.outgoing[i] {
			if g.removed[to] {
				continue
			}
			out = append(out, Edge{From: g.names[i], To: g.names[to]})
		}
	}
	return out
}

// Induced copies the subgraph spanned by keep into a fresh Graph. Nodes keep
// their relative order, so ascending IDs stay ascending.
func (g *Graph) Induced(keep []NodeID) (*Graph, Index) {
	ids := make([]NodeID, 0, len(keep))
	for _, id := range keep {
		if g.Contains(id) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	sub := New()
	idx := make(Index, len(ids))
	mapped := make(map[NodeID]NodeID, len(ids))
	for _, id := range ids {
		if _, dup := mapped[id]; dup {
			continue
		}
		nid := sub.AddNode(g.names[id])
		mapped[id] = nid
		idx[g.names[id]] = nid
	}
	for old, nid := range mapped {
		for _, to := range g.outgoing[old] {
			if nto, ok := mapped[to]; ok {
				// Both ends exist and are live in sub; cannot fail.
				_ = sub.AddEdge(nid, nto)
			}
		}
	}
	return sub, idx
}

// Clone returns an independent copy of the live graph with the same IDs.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		names:    append([]string(nil), g.names...),
		outgoing: make([][]NodeID, len(g.outgoing)),
		incoming: make([][]NodeID, len(g.incoming)),
		indeg:    append([]int(nil), g.indeg...),
		removed:  append([]bool(nil), g.removed...),
		edges:    make(map[edgeKey]struct{}, len(g.edges)),
		live:     g.live,
	}
	for i := range g.outgoing {
		c.outgoing[i] = append([]NodeID(nil), g.outgoing[i]...)
		c.incoming[i] = append([]NodeID(nil), g.incoming[i]...)
	}
	for k := range g.edges {
		c.edges[k] = struct{}{}
	}
	return c
}
