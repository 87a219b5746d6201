// Package reference computes shortest-path closures on the host with gonum.
// It is the oracle the device results are checked against.
package reference

import (
	"math"

	"github.com/fxnlabs/clstp/internal/problem"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// Closure returns the all-pairs shortest-path closure of m and whether the
// network is consistent (has no negative cycle). m is not modified. Diagonal
// entries of m other than zero are ignored.
func Closure(m *problem.Matrix) (*problem.Matrix, bool) {
	g := simple.NewWeightedDirectedGraph(0, math.Inf(1))
	for i := 0; i < m.N; i++ {
		g.AddNode(simple.Node(i))
	}
	for i := 0; i < m.N; i++ {
		for j := 0; j < m.N; j++ {
			w := m.At(i, j)
			if i == j || math.IsInf(float64(w), 1) {
				continue
			}
			g.SetWeightedEdge(g.NewWeightedEdge(simple.Node(i), simple.Node(j), float64(w)))
		}
	}

	paths, ok := path.FloydWarshall(g)
	out := &problem.Matrix{N: m.N, W: make([]float32, m.N*m.N)}
	for i := 0; i < m.N; i++ {
		for j := 0; j < m.N; j++ {
			out.Set(i, j, float32(paths.Weight(int64(i), int64(j))))
		}
	}
	return out, ok
}
