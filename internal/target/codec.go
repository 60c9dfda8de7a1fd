// Package target converts between difficulties, 256-bit targets and the
// compact nbits encoding used by block headers.
//
// Targets are unsigned 256-bit integers rendered most significant byte first.
// Lower targets are harder. Difficulty is MaxTarget divided by a target, and
// the work credited for a share at that difficulty is the integer quotient
// scaled by WorkMultiplier. Reward windows and hashrate both use WorkFor*, so
// they weigh shares identically.
package target

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/blockchain"
)

const (
	// WorkMultiplier scales the integer difficulty of a share into its work weight.
	WorkMultiplier = 8
	// HashrateScale converts work per second into hashes per second.
	HashrateScale = 512

	// signBit is ignored when decoding compact targets.
	signBit = 0x00800000
)

var (
	maxTarget = mustParse("1fffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")

	// prefixCap is the easiest target a client may request at connect time.
	prefixCap = mustParse("1f00000000000000000000000000000000000000000000000000000000000000")

	// fullRange is 2^256-1, the numerator for client requested start difficulties.
	fullRange = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	workMultiplier = big.NewInt(WorkMultiplier)
)

func mustParse(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("target: bad constant " + s)
	}
	return v
}

// MaxTarget returns a copy of the easiest target the protocol allows.
func MaxTarget() *big.Int {
	return new(big.Int).Set(maxTarget)
}

// DifficultyToTarget returns MaxTarget / round(d). Difficulties below one,
// NaN and infinities clamp to MaxTarget; the result is never zero.
func DifficultyToTarget(d float64) *big.Int {
	if math.IsNaN(d) || math.IsInf(d, 0) || d < 1 {
		return MaxTarget()
	}

	divisor, _ := new(big.Float).SetFloat64(math.Round(d)).Int(nil)
	if divisor.Sign() <= 0 {
		return MaxTarget()
	}

	t := new(big.Int).Quo(maxTarget, divisor)
	if t.Sign() == 0 {
		t.SetInt64(1)
	}
	if t.Cmp(maxTarget) > 0 {
		return MaxTarget()
	}
	return t
}

// NbitsToTarget expands a compact encoding. The sign bit is ignored.
func NbitsToTarget(nbits uint32) *big.Int {
	return blockchain.CompactToBig(nbits &^ signBit)
}

// TargetToNbits packs a target into its compact encoding.
func TargetToNbits(t *big.Int) uint32 {
	if t == nil || t.Sign() <= 0 {
		return 0
	}
	return blockchain.BigToCompact(t)
}

// DifficultyForTarget returns MaxTarget / t as a float, or 0 for an empty target.
func DifficultyForTarget(t *big.Int) float64 {
	if t == nil || t.Sign() <= 0 {
		return 0
	}
	q := new(big.Float).Quo(new(big.Float).SetInt(maxTarget), new(big.Float).SetInt(t))
	f, _ := q.Float64()
	return f
}

// DifficultyForNbits returns the numeric difficulty of a compact target.
func DifficultyForNbits(nbits uint32) float64 {
	return DifficultyForTarget(NbitsToTarget(nbits))
}

// WorkForNbits returns floor(MaxTarget / target) * WorkMultiplier exactly.
func WorkForNbits(nbits uint32) *big.Int {
	t := NbitsToTarget(nbits)
	if t.Sign() <= 0 {
		return new(big.Int)
	}
	w := new(big.Int).Quo(maxTarget, t)
	return w.Mul(w, workMultiplier)
}

// WorkForTarget weighs a share target the way the block header would carry
// it, i.e. after a trip through the compact encoding.
func WorkForTarget(t *big.Int) *big.Int {
	return WorkForNbits(TargetToNbits(t))
}

// DifficultyForPrefix converts a client supplied hex target prefix into a
// start difficulty. The prefix is right-padded to 64 characters and capped at
// 1f00..00; the result is (2^256-1) / target, at least 1.
func DifficultyForPrefix(prefix string) (float64, error) {
	prefix = strings.ToLower(prefix)
	if prefix == "" || len(prefix) > 64 {
		return 0, fmt.Errorf("target prefix must be 1 to 64 hex characters, got %d", len(prefix))
	}
	userTarget, ok := new(big.Int).SetString(prefix+strings.Repeat("0", 64-len(prefix)), 16)
	if !ok {
		return 0, fmt.Errorf("target prefix %q is not hex", prefix)
	}
	if userTarget.Cmp(prefixCap) > 0 {
		userTarget.Set(prefixCap)
	}
	if userTarget.Sign() == 0 {
		return 0, fmt.Errorf("target prefix %q is zero", prefix)
	}

	d := new(big.Int).Quo(fullRange, userTarget)
	if !d.IsInt64() {
		return math.MaxInt64, nil
	}
	return float64(max(d.Int64(), 1)), nil
}

// Hex renders a target as 64 lowercase hex characters.
func Hex(t *big.Int) string {
	if t == nil {
		return strings.Repeat("0", 64)
	}
	return fmt.Sprintf("%064x", t)
}

// ParseHex parses a big-endian hex target of at most 64 characters.
func ParseHex(s string) (*big.Int, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if s == "" || len(s) > 64 {
		return nil, fmt.Errorf("target must be 1 to 64 hex characters, got %d", len(s))
	}
	if _, err := hex.DecodeString(strings.Repeat("0", len(s)%2) + s); err != nil {
		return nil, fmt.Errorf("target %q is not hex: %w", s, err)
	}
	t, _ := new(big.Int).SetString(s, 16)
	return t, nil
}

// ParseNbits parses the daemon's big-endian nbits hex, with or without 0x.
func ParseNbits(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(s) != 8 {
		return 0, fmt.Errorf("nbits must be 8 hex characters, got %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parse nbits %q: %w", s, err)
	}
	return uint32(v), nil
}

// NbitsHex renders nbits as 8 big-endian hex characters.
func NbitsHex(nbits uint32) string {
	return fmt.Sprintf("%08x", nbits)
}
