// Package jobs turns daemon block templates into per-connection jobs and
// keeps every live connection working on the current one.
package jobs

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/bardlex/hivepool/internal/coind"
	"github.com/bardlex/hivepool/internal/target"
)

// Template is an assembled block waiting for a solution. It is immutable once
// built and shared by every job issued from it.
type Template struct {
	BlockHex   string
	Nbits      uint32
	Target     *big.Int
	Difficulty float64
	Payload    []byte
	PayloadHex string
	ReceivedAt time.Time
}

// NewTemplate extracts the job payload from a raw block: the serialized block
// up to and including the first byte-aligned occurrence of the little-endian
// nbits.
func NewTemplate(raw *coind.RawBlock, now time.Time) (*Template, error) {
	if raw == nil {
		return nil, fmt.Errorf("no block")
	}
	nbits, err := target.ParseNbits(raw.Nbits)
	if err != nil {
		return nil, err
	}

	blockHex := strings.ToLower(raw.BlockHex)
	if _, err := hex.DecodeString(blockHex); err != nil {
		return nil, fmt.Errorf("block is not hex: %w", err)
	}

	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], nbits)
	needle := hex.EncodeToString(le[:])

	end := -1
	for i := 0; i+len(needle) <= len(blockHex); i += 2 {
		if blockHex[i:i+len(needle)] == needle {
			end = i + len(needle)
			break
		}
	}
	if end < 0 {
		return nil, fmt.Errorf("nbits %s not found in block", raw.Nbits)
	}

	payloadHex := blockHex[:end]
	payload, _ := hex.DecodeString(payloadHex)

	t := target.NbitsToTarget(nbits)
	if raw.Expanded != "" {
		expanded, err := target.ParseHex(raw.Expanded)
		if err != nil {
			return nil, fmt.Errorf("expanded target: %w", err)
		}
		if expanded.Cmp(t) != 0 {
			return nil, fmt.Errorf("expanded target %s does not match nbits %s", raw.Expanded, raw.Nbits)
		}
	}

	return &Template{
		BlockHex:   blockHex,
		Nbits:      nbits,
		Target:     t,
		Difficulty: target.DifficultyForNbits(nbits),
		Payload:    payload,
		PayloadHex: payloadHex,
		ReceivedAt: now,
	}, nil
}

// Job is one unit of work issued to a connection.
type Job struct {
	ID         string
	Target     *big.Int
	Difficulty float64
	Template   *Template
	IssuedAt   time.Time
}

// TargetHex renders the job target as sent on the wire.
func (j *Job) TargetHex() string {
	return target.Hex(j.Target)
}
