// Package problem holds dense difference-constraint networks. Entry (i, j) is
// the weight of edge i -> j, the bound in x_j <= x_i + w[i][j]; +Inf means
// unconstrained.
package problem

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Unconstrained is the weight of a missing edge.
var Unconstrained = float32(math.Inf(1))

// Matrix is an N×N row-major weight matrix.
type Matrix struct {
	N int
	W []float32
}

// New returns the empty network on n nodes: 0 on the diagonal, Unconstrained
// everywhere else.
func New(n int) *Matrix {
	m := &Matrix{N: n, W: make([]float32, n*n)}
	for i := range m.W {
		m.W[i] = Unconstrained
	}
	for i := 0; i < n; i++ {
		m.W[i*n+i] = 0
	}
	return m
}

// FromRows builds a matrix from a square slice of rows.
func FromRows(rows [][]float32) (*Matrix, error) {
	n := len(rows)
	m := &Matrix{N: n, W: make([]float32, 0, n*n)}
	for i, row := range rows {
		if len(row) != n {
			return nil, fmt.Errorf("row %d has %d columns, want %d", i, len(row), n)
		}
		m.W = append(m.W, row...)
	}
	return m, nil
}

func (m *Matrix) At(i, j int) float32 {
	return m.W[i*m.N+j]
}

func (m *Matrix) Set(i, j int, w float32) {
	m.W[i*m.N+j] = w
}

// Constrain adds the edge i -> j, keeping the tighter bound if one exists.
func (m *Matrix) Constrain(i, j int, w float32) {
	if w < m.At(i, j) {
		m.Set(i, j, w)
	}
}

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	w := make([]float32, len(m.W))
	copy(w, m.W)
	return &Matrix{N: m.N, W: w}
}

// Rows returns the matrix as a slice of row views.
func (m *Matrix) Rows() [][]float32 {
	rows := make([][]float32, m.N)
	for i := range rows {
		rows[i] = m.W[i*m.N : (i+1)*m.N]
	}
	return rows
}

// Consistent reports whether a closed matrix has no negative cycle, i.e. no
// negative diagonal entry.
func (m *Matrix) Consistent() bool {
	for i := 0; i < m.N; i++ {
		if m.At(i, i) < 0 {
			return false
		}
	}
	return true
}

// Random returns a network on n nodes with the given number of random
// constraints. Weights are drawn from ((r mod 10000) - 5000) / 3 and
// self-loops are skipped.
func Random(n, constraints int, rng *rand.Rand) *Matrix {
	m := New(n)
	if n < 2 {
		return m
	}
	for c := 0; c < constraints; c++ {
		i, j := rng.IntN(n), rng.IntN(n)
		if i == j {
			continue
		}
		m.Constrain(i, j, float32(rng.IntN(10000)-5000)/3)
	}
	return m
}

// Equal reports whether a and b agree entry-wise within tol, relative to the
// larger magnitude of the two entries and floored at 1. Infinite entries must
// match exactly.
func Equal(a, b *Matrix, tol float64) bool {
	if a.N != b.N || len(a.W) != len(b.W) {
		return false
	}
	for i, x := range a.W {
		y := b.W[i]
		if math.IsInf(float64(x), 0) || math.IsInf(float64(y), 0) {
			if x != y {
				return false
			}
			continue
		}
		scale := math.Max(1, math.Max(math.Abs(float64(x)), math.Abs(float64(y))))
		if math.Abs(float64(x-y)) > tol*scale {
			return false
		}
	}
	return true
}
