package messaging

import (
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// ShareEvent is one processed submission, published as JSON on TopicShares
type ShareEvent struct {
	MinerID    string    `json:"miner_id"`
	JobID      string    `json:"job_id"`
	IP         string    `json:"ip"`
	Status     string    `json:"status"`
	Difficulty float64   `json:"difficulty"`
	LatencyMs  float64   `json:"latency_ms"`
	At         time.Time `json:"at"`
}

// BlockFoundEvent is a solved block handed from poold to blocksubmit. It
// travels as a protobuf structpb.Struct.
type BlockFoundEvent struct {
	Hash     string
	BlockHex string
	MinerID  string
	JobID    string
	Nbits    uint32
	FoundAt  time.Time
}

// ToStruct encodes the event. Nbits travels as eight hex digits and FoundAt
// as RFC 3339 with nanoseconds.
func (e *BlockFoundEvent) ToStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"hash":      e.Hash,
		"block_hex": e.BlockHex,
		"miner_id":  e.MinerID,
		"job_id":    e.JobID,
		"nbits":     fmt.Sprintf("%08x", e.Nbits),
		"found_at":  e.FoundAt.UTC().Format(time.RFC3339Nano),
	})
}

// BlockFoundEventFromStruct decodes an event written by ToStruct.
func BlockFoundEventFromStruct(s *structpb.Struct) (*BlockFoundEvent, error) {
	fields := s.GetFields()
	str := func(key string) string { return fields[key].GetStringValue() }

	e := &BlockFoundEvent{
		Hash:     str("hash"),
		BlockHex: str("block_hex"),
		MinerID:  str("miner_id"),
		JobID:    str("job_id"),
	}
	if e.Hash == "" || e.BlockHex == "" {
		return nil, fmt.Errorf("block event missing hash or block data")
	}

	nbits, err := strconv.ParseUint(str("nbits"), 16, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid nbits %q: %w", str("nbits"), err)
	}
	e.Nbits = uint32(nbits)

	if raw := str("found_at"); raw != "" {
		if e.FoundAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return nil, fmt.Errorf("invalid found_at %q: %w", raw, err)
		}
	}
	return e, nil
}

// Block submission statuses
const (
	BlockStatusAccepted = "accepted"
	BlockStatusRejected = "rejected"
	BlockStatusError    = "error"
)

// BlockResult reports what the daemon said about a found block, published
// as JSON on TopicBlockResults
type BlockResult struct {
	BlockHash    string    `json:"block_hash"`
	MinerID      string    `json:"miner_id"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
	LatencyMs    float64   `json:"latency_ms"`
}
