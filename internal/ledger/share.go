// Package ledger accounts for accepted work: the share model, proportional
// reward distribution, hashrate estimation and matured payment tracking.
package ledger

import (
	"errors"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/hivepool/internal/target"
)

// ErrDuplicateShare is returned by stores when a share hash was already
// recorded.
var ErrDuplicateShare = errors.New("duplicate share")

// Share is one accepted submission. It is immutable once built; ID is
// assigned by the store and orders shares by insertion.
type Share struct {
	ID        int64
	MinerID   string
	JobID     string
	Nonce     string
	Path      string
	Hash      string
	Target    string
	Work      *big.Int
	CreatedAt time.Time
}

// NewShare builds the share record for an accepted submission. Work is
// weighted by the job target so easier jobs earn proportionally less.
func NewShare(minerID, jobID, nonce, path string, hash chainhash.Hash, jobTarget *big.Int, at time.Time) *Share {
	return &Share{
		MinerID:   minerID,
		JobID:     jobID,
		Nonce:     nonce,
		Path:      path,
		Hash:      hash.String(),
		Target:    target.Hex(jobTarget),
		Work:      target.WorkForTarget(jobTarget),
		CreatedAt: at,
	}
}
