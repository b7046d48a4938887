package dag

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// randomDAG wires edges only from lower to higher index so the result is
// always acyclic.
func randomDAG(n int, seed int64) (*Graph, Index) {
	r := rand.New(rand.NewSource(seed))
	g := New()
	idx := Index{}
	ids := make([]NodeID, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("pkg%02d", i)
		ids[i] = g.AddNode(name)
		idx[name] = ids[i]
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if r.Intn(3) == 0 {
				_ = g.AddEdge(ids[i], ids[j])
			}
		}
	}
	return g, idx
}

func reachable(g *Graph, from NodeID) map[string]bool {
	seen := map[string]bool{}
	var walk func(NodeID)
	walk = func(n NodeID) {
		if seen[g.Name(n)] {
			return
		}
		seen[g.Name(n)] = true
		for _, m := range g.Outgoing(n) {
			walk(m)
		}
	}
	walk(from)
	return seen
}

func TestReduceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("reduced graph is exactly the scope closure", prop.ForAll(
		func(n int, seed int64, pick int) bool {
			g, idx := randomDAG(n, seed)
			scope := fmt.Sprintf("pkg%02d", pick%n)

			sub, subIdx, err := Reduce(g, idx, scope)
			if err != nil {
				return false
			}
			want := reachable(g, idx[scope])
			if sub.Len() != len(want) || len(subIdx) != len(want) {
				return false
			}
			for name := range want {
				if _, ok := subIdx[name]; !ok {
					return false
				}
			}
			for _, e := range sub.Edges() {
				if !want[e.From] || !want[e.To] {
					return false
				}
			}
			// Every original edge between kept nodes survives.
			kept := 0
			for _, e := range g.Edges() {
				if want[e.From] && want[e.To] {
					kept++
				}
			}
			return kept == len(sub.Edges())
		},
		gen.IntRange(1, 12),
		gen.Int64(),
		gen.IntRange(0, 11),
	))

	properties.Property("waves respect dependencies", prop.ForAll(
		func(n int, seed int64) bool {
			g, _ := randomDAG(n, seed)
			waves, err := g.Waves()
			if err != nil {
				return false
			}
			wave := map[NodeID]int{}
			total := 0
			for i, w := range waves {
				for _, id := range w {
					wave[id] = i
					total++
				}
			}
			if total != n {
				return false
			}
			for _, id := range g.Nodes() {
				for _, dep := range g.Incoming(id) {
					if wave[dep] >= wave[id] {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
