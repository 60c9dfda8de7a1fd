package graph

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Generator turns a hash into a deterministic random graph. Implementations
// must reproduce the miners' generator bit for bit.
type Generator interface {
	Generate(seed chainhash.Hash, size, percentX10 int) *Graph
}

// Seed derives the engine seed from a hash: the little-endian uint64 of the
// first eight digest bytes, i.e. the last sixteen characters of the display
// hex read as a big-endian number.
func Seed(h chainhash.Hash) uint64 {
	return binary.LittleEndian.Uint64(h[:8])
}

// LeadingUint32 reads the first four bytes of the display order hash as a
// big-endian integer. Graph sizes are derived from it.
func LeadingUint32(h chainhash.Hash) uint32 {
	return uint32(h[31])<<24 | uint32(h[30])<<16 | uint32(h[29])<<8 | uint32(h[28])
}

// BitstreamGenerator is the legacy generator. Each upper triangle pair, in
// row-major order, takes the next bit of a stream built from the low 32 bits
// of successive engine outputs, most significant bit first.
type BitstreamGenerator struct{}

// Generate implements Generator. The percentage is ignored.
func (BitstreamGenerator) Generate(seed chainhash.Hash, size, _ int) *Graph {
	g := New(size)
	prng := NewMT64(Seed(seed))

	var word uint32
	remaining := 0
	for i := 0; i < size; i++ {
		for j := i + 1; j < size; j++ {
			if remaining == 0 {
				word = uint32(prng.Uint64())
				remaining = 32
			}
			remaining--
			if word>>uint(remaining)&1 == 1 {
				g.SetEdge(i, j, true)
			}
		}
	}
	return g
}

// ThresholdGenerator is the two-stage generator: each upper triangle pair,
// in row-major order, is an edge when a uniform draw from [0, 1000) falls
// below percentX10.
type ThresholdGenerator struct {
	// Uniform defaults to LemireUniform.
	Uniform UniformFunc
}

// Generate implements Generator.
func (t ThresholdGenerator) Generate(seed chainhash.Hash, size, percentX10 int) *Graph {
	uniform := t.Uniform
	if uniform == nil {
		uniform = LemireUniform
	}

	const draws = 1000
	threshold := uint64(max(percentX10, 0)) * draws / 1000

	g := New(size)
	prng := NewMT64(Seed(seed))
	for i := 0; i < size; i++ {
		for j := i + 1; j < size; j++ {
			if uniform(prng, draws) < threshold {
				g.SetEdge(i, j, true)
			}
		}
	}
	return g
}
