package validation

import (
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Outcome is the verdict on a submission.
type Outcome int

const (
	// OutcomeRejected means the path or the hash failed the job.
	OutcomeRejected Outcome = iota
	// OutcomeAccepted means the share met the job target.
	OutcomeAccepted
	// OutcomeBlockFound means the share also met the network target.
	OutcomeBlockFound
	// OutcomeError means the submission could not be interpreted.
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRejected:
		return "rejected"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeBlockFound:
		return "block_found"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Valid reports whether the share should be credited.
func (o Outcome) Valid() bool {
	return o == OutcomeAccepted || o == OutcomeBlockFound
}

// Request is one decoded submission against a job.
type Request struct {
	Payload     []byte
	Nonce       []byte
	Path        []uint16
	JobTarget   *big.Int
	BlockTarget *big.Int
	SubmittedAt time.Time
}

// Result describes a validated submission. Header and Hash are set for
// accepted shares and found blocks.
type Result struct {
	Outcome     Outcome
	Hash        chainhash.Hash
	Header      []byte
	RuleVersion int
	Reason      string
}
