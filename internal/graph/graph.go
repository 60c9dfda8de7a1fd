// Package graph builds the hash-seeded random graphs of the proof of work and
// verifies the Hamiltonian cycles miners submit over them.
package graph

// Sentinel marks an unused path slot.
const Sentinel uint16 = 0xFFFF

// Graph is an undirected graph stored as a symmetric adjacency bitset.
type Graph struct {
	size   int
	stride int
	bits   []uint64
}

// New returns an edgeless graph with size vertices.
func New(size int) *Graph {
	if size < 0 {
		size = 0
	}
	stride := (size + 63) / 64
	return &Graph{
		size:   size,
		stride: stride,
		bits:   make([]uint64, stride*size),
	}
}

// Size returns the number of vertices.
func (g *Graph) Size() int {
	return g.size
}

// HasEdge reports whether i and j are adjacent. Out of range vertices have no edges.
func (g *Graph) HasEdge(i, j int) bool {
	if i < 0 || j < 0 || i >= g.size || j >= g.size {
		return false
	}
	return g.bits[i*g.stride+j/64]&(1<<(uint(j)%64)) != 0
}

// SetEdge adds or removes the edge between i and j in both directions.
func (g *Graph) SetEdge(i, j int, present bool) {
	if i < 0 || j < 0 || i >= g.size || j >= g.size {
		return
	}
	g.set(i, j, present)
	g.set(j, i, present)
}

func (g *Graph) set(i, j int, present bool) {
	word := &g.bits[i*g.stride+j/64]
	mask := uint64(1) << (uint(j) % 64)
	if present {
		*word |= mask
	} else {
		*word &^= mask
	}
}

// EdgeCount returns the number of undirected edges, counting self loops once.
func (g *Graph) EdgeCount() int {
	count := 0
	for i := 0; i < g.size; i++ {
		for j := i; j < g.size; j++ {
			if g.HasEdge(i, j) {
				count++
			}
		}
	}
	return count
}
