package graph

import (
	"errors"
	"fmt"
)

// Verification failures. Callers match them with errors.Is.
var (
	ErrPathLength      = errors.New("path length does not match graph size")
	ErrVertexRange     = errors.New("vertex out of range")
	ErrDuplicateVertex = errors.New("duplicate vertex")
	ErrMissingEdge     = errors.New("consecutive vertices are not adjacent")
	ErrNotRooted       = errors.New("path does not start at vertex 0")
	ErrSentinel        = errors.New("path contains an unused slot marker")
	ErrNonCanonical    = errors.New("path is not in canonical order")
)

// VerifyCycle checks that path visits every vertex of g exactly once and
// that every consecutive pair, including last to first, is an edge.
func VerifyCycle(g *Graph, path []uint16) error {
	n := g.Size()
	if n == 0 || len(path) != n {
		return fmt.Errorf("%w: got %d vertices for a graph of %d", ErrPathLength, len(path), n)
	}

	seen := make([]bool, n)
	for i, v := range path {
		if int(v) >= n {
			return fmt.Errorf("%w: vertex %d at position %d", ErrVertexRange, v, i)
		}
		if seen[v] {
			return fmt.Errorf("%w: vertex %d at position %d", ErrDuplicateVertex, v, i)
		}
		seen[v] = true
	}

	for i := range path {
		a, b := path[i], path[(i+1)%n]
		if !g.HasEdge(int(a), int(b)) {
			return fmt.Errorf("%w: %d-%d at position %d", ErrMissingEdge, a, b, i)
		}
	}
	return nil
}

// VerifyRooted is VerifyCycle for the two-stage scheme: the path must start
// at vertex 0 and may not contain the sentinel.
func VerifyRooted(g *Graph, path []uint16) error {
	for i, v := range path {
		if v == Sentinel {
			return fmt.Errorf("%w at position %d", ErrSentinel, i)
		}
	}
	if len(path) == 0 || path[0] != 0 {
		return ErrNotRooted
	}
	return VerifyCycle(g, path)
}

// VerifyCanonical rejects a cycle that has a cheaper equivalent obtained by
// reversing a segment: whenever path[i]-path[j] and path[i+1]-path[j+1] are
// both edges, path[j] must not be smaller than path[i+1].
func VerifyCanonical(g *Graph, path []uint16) error {
	n := len(path)
	for i := 0; i < n-1; i++ {
		for j := i + 2; j < n; j++ {
			next := (j + 1) % n
			if !g.HasEdge(int(path[i]), int(path[j])) || !g.HasEdge(int(path[i+1]), int(path[next])) {
				continue
			}
			if path[j] < path[i+1] {
				return fmt.Errorf("%w: positions %d and %d", ErrNonCanonical, i, j)
			}
		}
	}
	return nil
}
