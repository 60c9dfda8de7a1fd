package ledger

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"

	"github.com/bardlex/hivepool/internal/target"
	"github.com/bardlex/hivepool/pkg/errors"
	"github.com/bardlex/hivepool/pkg/log"
)

// WalletHistory is the daemon side of payment tracking.
type WalletHistory interface {
	ListTransactions(ctx context.Context, count, skip int) ([]btcjson.ListTransactionsResult, error)
	GetBlockHeader(ctx context.Context, hash string) (*btcjson.GetBlockHeaderVerboseResult, error)
}

// ProcessedStore remembers which payments were already distributed.
type ProcessedStore interface {
	IsProcessed(ctx context.Context, txid string) (bool, error)
	MarkProcessed(ctx context.Context, txid string) error
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	PoolAddress      string
	BatchSize        int
	MinConfirmations int64

	// OnDistributed, when set, is called after each credited payment.
	OnDistributed func(p Payment, d *Distribution)
}

// Payment is a matured block reward paid to the pool address.
type Payment struct {
	TxID      string
	BlockHash string
	Amount    btcutil.Amount
}

// Tracker finds matured block rewards in the pool wallet and distributes each
// one exactly once.
type Tracker struct {
	wallet WalletHistory
	store  ProcessedStore
	ledger *RewardLedger
	cfg    TrackerConfig
	logger *log.Logger
}

// NewTracker creates a tracker.
func NewTracker(wallet WalletHistory, store ProcessedStore, ledger *RewardLedger, cfg TrackerConfig, logger *log.Logger) *Tracker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MinConfirmations <= 0 {
		cfg.MinConfirmations = 100
	}
	return &Tracker{
		wallet: wallet,
		store:  store,
		ledger: ledger,
		cfg:    cfg,
		logger: logger.WithComponent("payment_tracker"),
	}
}

// MaturedPayments lists unprocessed payments to the pool address with more
// than MinConfirmations confirmations.
func (t *Tracker) MaturedPayments(ctx context.Context) ([]Payment, error) {
	var matured []Payment
	seen := make(map[string]bool)

	for skip := 0; ; skip += t.cfg.BatchSize {
		batch, err := t.wallet.ListTransactions(ctx, t.cfg.BatchSize, skip)
		if err != nil {
			return nil, err
		}
		for _, tx := range batch {
			if tx.Address != t.cfg.PoolAddress || tx.Confirmations <= t.cfg.MinConfirmations || tx.Amount <= 0 {
				continue
			}
			if seen[tx.TxID] {
				continue
			}
			seen[tx.TxID] = true

			amount, err := btcutil.NewAmount(tx.Amount)
			if err != nil {
				t.logger.WithError(err).Warn("skipping payment with unreadable amount", "txid", tx.TxID)
				continue
			}
			matured = append(matured, Payment{TxID: tx.TxID, BlockHash: tx.BlockHash, Amount: amount})
		}
		if len(batch) < t.cfg.BatchSize {
			break
		}
	}

	unprocessed := matured[:0]
	for _, p := range matured {
		done, err := t.store.IsProcessed(ctx, p.TxID)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "matured_payments", "failed to check processed payments")
		}
		if !done {
			unprocessed = append(unprocessed, p)
		}
	}
	return unprocessed, nil
}

// Run distributes every new matured payment and returns how many were
// distributed. A payment is marked processed before its rewards are credited,
// so a failed credit is reported but never paid twice.
func (t *Tracker) Run(ctx context.Context) (int, error) {
	payments, err := t.MaturedPayments(ctx)
	if err != nil {
		return 0, err
	}

	var errs []error
	distributed := 0
	for _, p := range payments {
		if err := ctx.Err(); err != nil {
			return distributed, err
		}

		header, err := t.wallet.GetBlockHeader(ctx, p.BlockHash)
		if err != nil {
			t.logger.WithError(err).Error("failed to read block header", "txid", p.TxID, "block_hash", p.BlockHash)
			errs = append(errs, err)
			continue
		}
		nbits, err := target.ParseNbits(header.Bits)
		if err != nil {
			errs = append(errs, errors.Wrap(err, errors.ErrorTypeDaemon, "getblockheader", "unreadable bits"))
			continue
		}

		if err := t.store.MarkProcessed(ctx, p.TxID); err != nil {
			errs = append(errs, errors.Wrap(err, errors.ErrorTypeDatabase, "mark_processed", "failed to mark payment"))
			continue
		}

		d, err := t.ledger.Distribute(ctx, p.Amount, nbits, time.Unix(header.Time, 0))
		if err != nil {
			se := errors.Wrap(err, errors.ErrorTypeConsistency, "distribute",
				"payment marked processed but not credited").
				WithContext("txid", p.TxID).
				WithContext("amount_sat", int64(p.Amount))
			t.logger.WithError(se).Error("reward distribution failed, manual credit required")
			errs = append(errs, se)
			continue
		}
		t.logger.LogRewardDistribution(p.TxID, int64(p.Amount), len(d.Credits), int64(d.Retained))
		if t.cfg.OnDistributed != nil {
			t.cfg.OnDistributed(p, d)
		}
		distributed++
	}
	return distributed, stderrors.Join(errs...)
}
