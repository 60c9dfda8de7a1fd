package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/bardlex/hivepool/internal/target"
	"github.com/bardlex/hivepool/pkg/errors"
	"github.com/bardlex/hivepool/pkg/log"
)

// DefaultPageSize bounds every share scan.
const DefaultPageSize = 1000

// ShareReader pages through stored shares by id.
type ShareReader interface {
	// SharesBefore returns shares created at or before until, newest first,
	// with id below beforeID (0 for no bound).
	SharesBefore(ctx context.Context, until time.Time, beforeID int64, limit int) ([]*Share, error)
	// SharesSince returns shares created at or after since, oldest first, with
	// id above afterID. An empty minerID selects every miner.
	SharesSince(ctx context.Context, minerID string, since time.Time, afterID int64, limit int) ([]*Share, error)
}

// BalanceCreditor applies reward credits in one call.
type BalanceCreditor interface {
	CreditBalances(ctx context.Context, credits map[string]btcutil.Amount) error
}

// Distribution is the outcome of one reward split.
type Distribution struct {
	Credits     map[string]btcutil.Amount
	TotalWork   *big.Int
	Shares      int
	Distributed btcutil.Amount
	Retained    btcutil.Amount
}

// RewardLedger splits block rewards over the shares that preceded the block.
type RewardLedger struct {
	shares   ShareReader
	balances BalanceCreditor
	pageSize int
	logger   *log.Logger
}

// NewRewardLedger creates a ledger.
func NewRewardLedger(shares ShareReader, balances BalanceCreditor, logger *log.Logger) *RewardLedger {
	return &RewardLedger{
		shares:   shares,
		balances: balances,
		pageSize: DefaultPageSize,
		logger:   logger.WithComponent("reward_ledger"),
	}
}

// Distribute credits reward to the miners whose shares form the block's reward
// window: shares at or before blockTime, newest first, until cumulative work
// exceeds twice the block's work. The share that crosses the limit is not
// counted. Each miner receives reward * minerWork / totalWork, rounded down;
// the remainder stays with the pool.
func (l *RewardLedger) Distribute(ctx context.Context, reward btcutil.Amount, nbits uint32, blockTime time.Time) (*Distribution, error) {
	limit := new(big.Int).Lsh(target.WorkForNbits(nbits), 1)
	cumulative := new(big.Int)
	work := make(map[string]*big.Int)
	counted := 0

	var beforeID int64
scan:
	for {
		page, err := l.shares.SharesBefore(ctx, blockTime, beforeID, l.pageSize)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "distribute", "failed to read reward window")
		}
		for _, share := range page {
			if share.Work == nil || share.Work.Sign() <= 0 {
				continue
			}
			cumulative.Add(cumulative, share.Work)
			if cumulative.Cmp(limit) > 0 {
				break scan
			}
			w, ok := work[share.MinerID]
			if !ok {
				w = new(big.Int)
				work[share.MinerID] = w
			}
			w.Add(w, share.Work)
			counted++
		}
		if len(page) < l.pageSize {
			break
		}
		beforeID = page[len(page)-1].ID
	}

	d := &Distribution{
		Credits:   make(map[string]btcutil.Amount, len(work)),
		TotalWork: new(big.Int),
		Shares:    counted,
	}
	if len(work) == 0 || reward <= 0 {
		d.Retained = max(reward, 0)
		return d, nil
	}

	for _, w := range work {
		d.TotalWork.Add(d.TotalWork, w)
	}

	total := big.NewInt(int64(reward))
	for minerID, w := range work {
		share := new(big.Int).Mul(total, w)
		share.Quo(share, d.TotalWork)
		if share.Sign() == 0 {
			continue
		}
		credit := btcutil.Amount(share.Int64())
		d.Credits[minerID] = credit
		d.Distributed += credit
	}
	d.Retained = reward - d.Distributed

	if len(d.Credits) > 0 {
		if err := l.balances.CreditBalances(ctx, d.Credits); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "distribute",
				fmt.Sprintf("failed to credit %d miners", len(d.Credits)))
		}
	}
	return d, nil
}
