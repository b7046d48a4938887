package dag

// Reduce narrows g to the part reachable from scope along outgoing edges,
// which is scope itself plus every package that transitively depends on it.
// An empty scope returns g and idx unchanged.
//
// The result is a fresh graph; g is not modified.
func Reduce(g *Graph, idx Index, scope string) (*Graph, Index, error) {
	if scope == "" {
		return g, idx, nil
	}
	root, ok := idx[scope]
	if !ok || !g.Contains(root) {
		return nil, nil, scopeError(scope)
	}

	seen := make(map[NodeID]bool)
	var keep []NodeID
	stack := []NodeID{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		keep = append(keep, n)
		out := g.Outgoing(n)
		for i := len(out) - 1; i >= 0; i-- {
			if !seen[out[i]] {
				stack = append(stack, out[i])
			}
		}
	}

	sub, subIdx := g.Induced(keep)
	return sub, subIdx, nil
}
