package postgres

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"
)

// Block statuses
const (
	BlockSubmitted = "submitted"
	BlockAccepted  = "accepted"
	BlockRejected  = "rejected"
)

// uniqueViolation is the SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Block represents a found block and what the daemon said about it
type Block struct {
	Hash    string    `db:"hash"`
	MinerID string    `db:"miner_id"`
	JobID   string    `db:"job_id"`
	Nbits   uint32    `db:"nbits"`
	Status  string    `db:"status"`
	Reason  string    `db:"reason"`
	FoundAt time.Time `db:"found_at"`
}

// MinerBalance is one row of the miners table
type MinerBalance struct {
	MinerID string `db:"miner_id"`
	Balance int64  `db:"balance"`
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// failure.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// parseWork reads a NUMERIC work column.
func parseWork(s string) (*big.Int, error) {
	w, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid work value %q", s)
	}
	return w, nil
}
