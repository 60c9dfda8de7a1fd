// Package submitter hands found blocks to the coin daemon and records the
// verdict. poold uses it directly as its block sink; blocksubmit drives it
// from Kafka.
package submitter

import (
	"context"
	"time"

	"github.com/bardlex/hivepool/internal/database/postgres"
	"github.com/bardlex/hivepool/internal/messaging"
	"github.com/bardlex/hivepool/internal/protocol"
	"github.com/bardlex/hivepool/pkg/errors"
	"github.com/bardlex/hivepool/pkg/log"
)

// Daemon submits serialized blocks.
type Daemon interface {
	SubmitBlock(ctx context.Context, blockHex string) error
}

// Recorder persists block outcomes.
type Recorder interface {
	RecordBlock(ctx context.Context, block *postgres.Block) error
}

// Submitter submits blocks and records what the daemon said.
type Submitter struct {
	daemon   Daemon
	recorder Recorder
	logger   *log.Logger
	now      func() time.Time
	onResult func(*protocol.FoundBlock, *messaging.BlockResult)
}

// New creates a submitter.
func New(daemon Daemon, recorder Recorder, logger *log.Logger) *Submitter {
	return &Submitter{
		daemon:   daemon,
		recorder: recorder,
		logger:   logger.WithComponent("block_submitter"),
		now:      time.Now,
	}
}

// OnResult registers a hook run after every submission.
func (s *Submitter) OnResult(fn func(*protocol.FoundBlock, *messaging.BlockResult)) {
	s.onResult = fn
}

// Submit sends block to the daemon and records the outcome. The daemon's
// answer is classified as accepted, rejected (the daemon gave a reason) or
// error (the call itself failed, so the outcome is unknown).
//
// Parameters:
//   - ctx: bounds the daemon call and the store write
//   - block: the solved block
//
// Returns:
//   - *messaging.BlockResult: the verdict, never nil
func (s *Submitter) Submit(ctx context.Context, block *protocol.FoundBlock) *messaging.BlockResult {
	logger := s.logger.WithFields("block_hash", block.Hash, "miner_id", block.MinerID)
	start := s.now()

	err := s.daemon.SubmitBlock(ctx, block.BlockHex)
	latency := s.now().Sub(start)
	logger.LogDuration("block_submission", latency)

	result := &messaging.BlockResult{
		BlockHash:   block.Hash,
		MinerID:     block.MinerID,
		Status:      messaging.BlockStatusAccepted,
		SubmittedAt: start,
		LatencyMs:   float64(latency) / float64(time.Millisecond),
	}
	row := &postgres.Block{
		Hash:    block.Hash,
		MinerID: block.MinerID,
		JobID:   block.JobID,
		Nbits:   block.Nbits,
		Status:  postgres.BlockAccepted,
		FoundAt: block.FoundAt,
	}

	switch {
	case err == nil:
		logger.LogBlockFound(block.Hash, block.MinerID, block.Nbits)
	case rejectionReason(err) != "":
		result.Status = messaging.BlockStatusRejected
		result.ErrorMessage = rejectionReason(err)
		row.Status, row.Reason = postgres.BlockRejected, result.ErrorMessage
		logger.Warn("block rejected by daemon", "reason", result.ErrorMessage)
	default:
		result.Status = messaging.BlockStatusError
		result.ErrorMessage = err.Error()
		row.Status, row.Reason = postgres.BlockSubmitted, result.ErrorMessage
		logger.WithError(err).Error("block submission failed")
	}

	if err := s.recorder.RecordBlock(ctx, row); err != nil {
		logger.WithError(err).Error("failed to record block")
	}
	if s.onResult != nil {
		s.onResult(block, result)
	}
	return result
}

// SubmitBlock implements protocol.BlockSink. It fails unless the daemon
// accepted the block.
func (s *Submitter) SubmitBlock(ctx context.Context, block *protocol.FoundBlock) error {
	result := s.Submit(ctx, block)
	if result.Status == messaging.BlockStatusAccepted {
		return nil
	}
	return errors.New(errors.ErrorTypeDaemon, "submit_block", "block not accepted").
		WithContext("status", result.Status).
		WithContext("reason", result.ErrorMessage)
}

// rejectionReason returns the daemon's reason for refusing a block, or "".
func rejectionReason(err error) string {
	if reason, ok := errors.GetContext(err)["reason"].(string); ok {
		return reason
	}
	return ""
}

// Compile-time interface compliance check
var _ protocol.BlockSink = (*Submitter)(nil)
