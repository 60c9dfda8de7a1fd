package graph

import "math/bits"

// MT64 is the 64-bit Mersenne Twister (mt19937_64). Graph generation depends
// on its exact output sequence.
type MT64 struct {
	state [mtN]uint64
	index int
}

const (
	mtN         = 312
	mtM         = 156
	mtMatrixA   = 0xB5026F5AA96619E9
	mtUpperMask = 0xFFFFFFFF80000000
	mtLowerMask = 0x000000007FFFFFFF

	// DefaultSeed is the seed of a default constructed engine.
	DefaultSeed = 5489
)

// NewMT64 returns an engine seeded with seed.
func NewMT64(seed uint64) *MT64 {
	m := &MT64{}
	m.Seed(seed)
	return m
}

// Seed resets the engine state.
func (m *MT64) Seed(seed uint64) {
	m.state[0] = seed
	for i := 1; i < mtN; i++ {
		prev := m.state[i-1]
		m.state[i] = 6364136223846793005*(prev^(prev>>62)) + uint64(i)
	}
	m.index = mtN
}

// Uint64 returns the next output.
func (m *MT64) Uint64() uint64 {
	if m.index >= mtN {
		m.twist()
	}

	x := m.state[m.index]
	m.index++

	x ^= (x >> 29) & 0x5555555555555555
	x ^= (x << 17) & 0x71D67FFFEDA60000
	x ^= (x << 37) & 0xFFF7EEE000000000
	x ^= x >> 43
	return x
}

func (m *MT64) twist() {
	for i := 0; i < mtN; i++ {
		y := (m.state[i] & mtUpperMask) | (m.state[(i+1)%mtN] & mtLowerMask)
		next := m.state[(i+mtM)%mtN] ^ (y >> 1)
		if y&1 != 0 {
			next ^= mtMatrixA
		}
		m.state[i] = next
	}
	m.index = 0
}

// UniformFunc draws a value uniformly from [0, n) using src.
type UniformFunc func(src *MT64, n uint64) uint64

// LemireUniform matches uniform_int_distribution over a full 64-bit engine
// in current libstdc++: a 128-bit multiply with rejection of the biased low
// product.
func LemireUniform(src *MT64, n uint64) uint64 {
	hi, lo := bits.Mul64(src.Uint64(), n)
	if lo < n {
		threshold := -n % n
		for lo < threshold {
			hi, lo = bits.Mul64(src.Uint64(), n)
		}
	}
	return hi
}

// ScaledUniform matches the divide-and-reject downscaling of libstdc++
// releases older than GCC 11.
func ScaledUniform(src *MT64, n uint64) uint64 {
	scaling := ^uint64(0) / n
	past := n * scaling
	for {
		v := src.Uint64()
		if v < past {
			return v / scaling
		}
	}
}
