package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/bardlex/hivepool/internal/target"
	"github.com/bardlex/hivepool/pkg/errors"
)

const (
	// MinerWindow is the lookback for a single miner's hashrate.
	MinerWindow = 30 * time.Minute
	// PoolWindow is the lookback for the pool-wide hashrate.
	PoolWindow = 10 * time.Minute
)

// HashrateEstimator derives hashrates from recent share work.
type HashrateEstimator struct {
	shares   ShareReader
	pageSize int
	now      func() time.Time
}

// NewHashrateEstimator creates an estimator over shares.
func NewHashrateEstimator(shares ShareReader) *HashrateEstimator {
	return &HashrateEstimator{shares: shares, pageSize: DefaultPageSize, now: time.Now}
}

// Estimate returns hashes per second for minerID, or for the whole pool when
// minerID is empty. Fewer than two shares, or no time between the first and
// last, estimate zero.
func (e *HashrateEstimator) Estimate(ctx context.Context, minerID string) (float64, error) {
	window := PoolWindow
	if minerID != "" {
		window = MinerWindow
	}
	since := e.now().Add(-window)

	var (
		count       int
		total       = new(big.Int)
		first, last time.Time
		afterID     int64
	)
	for {
		page, err := e.shares.SharesSince(ctx, minerID, since, afterID, e.pageSize)
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "estimate_hashrate", "failed to read shares")
		}
		for _, share := range page {
			if count == 0 || share.CreatedAt.Before(first) {
				first = share.CreatedAt
			}
			if count == 0 || share.CreatedAt.After(last) {
				last = share.CreatedAt
			}
			if share.Work != nil {
				total.Add(total, share.Work)
			}
			count++
		}
		if len(page) < e.pageSize {
			break
		}
		afterID = page[len(page)-1].ID
	}

	if count < 2 {
		return 0, nil
	}
	elapsed := last.Sub(first).Seconds()
	if elapsed <= 0 {
		return 0, nil
	}

	perSecond, _ := new(big.Float).Quo(new(big.Float).SetInt(total), big.NewFloat(elapsed)).Float64()
	return perSecond * target.HashrateScale, nil
}
