// Package dag holds the workspace dependency graph used by the scheduler.
//
// The graph is an index-addressed arena: nodes live in a slice and edges are
// stored as adjacency lists of NodeIDs in both directions, together with a
// live in-degree count per node. An edge From -> To means To depends on From.
//
// Acyclicity is not checked on construction. The scheduler discovers cycles
// lazily when a non-empty graph has no ready node, and asks the graph for a
// deterministic witness path at that point.
package dag
