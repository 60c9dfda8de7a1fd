// Package payout sends accumulated miner balances to their addresses in
// batched wallet transactions.
package payout

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"

	"github.com/bardlex/hivepool/internal/coind"
	"github.com/bardlex/hivepool/pkg/errors"
	"github.com/bardlex/hivepool/pkg/log"
)

// minFeeRate is the fallback fee rate in satoshis per virtual byte.
const minFeeRate = 1

// Balance is a miner's unpaid balance.
type Balance struct {
	MinerID string
	Amount  btcutil.Amount
}

// Record describes one sent payout transaction.
type Record struct {
	TxID    string
	Outputs map[string]btcutil.Amount
	Miners  int
	Total   btcutil.Amount
	Fees    btcutil.Amount
	SentAt  time.Time
}

// BalanceStore is the ledger side of a payout.
type BalanceStore interface {
	MinersAbove(ctx context.Context, threshold btcutil.Amount) ([]Balance, error)
	// ZeroBalances sets the balances of minerIDs to zero and returns what
	// they held, atomically.
	ZeroBalances(ctx context.Context, minerIDs []string) (map[string]btcutil.Amount, error)
	RestoreBalances(ctx context.Context, balances map[string]btcutil.Amount) error
	RecordPayout(ctx context.Context, record *Record) error
}

// Wallet is the daemon side of a payout.
type Wallet interface {
	ValidateAddress(ctx context.Context, address string) (bool, error)
	CreateRawTransaction(ctx context.Context, outputs map[string]btcutil.Amount) (string, error)
	EstimateSmartFee(ctx context.Context, target int) (*btcjson.EstimateSmartFeeResult, error)
	FundRawTransaction(ctx context.Context, rawTx string, feeRate float64) (*coind.FundResult, error)
	SignRawTransaction(ctx context.Context, rawTx string) (*btcjson.SignRawTransactionWithWalletResult, error)
	SendRawTransaction(ctx context.Context, signedTx string) (string, error)
}

// Config configures a Sweeper.
type Config struct {
	Threshold          btcutil.Amount
	FeePerMille        int64
	FeeAddress         string
	BatchSize          int
	ConfirmationTarget int
}

// Summary totals one sweep.
type Summary struct {
	Batches int
	Miners  int
	Total   btcutil.Amount
	Fees    btcutil.Amount
	TxIDs   []string
}

// Sweeper pays out balances above the threshold.
type Sweeper struct {
	store  BalanceStore
	wallet Wallet
	cfg    Config
	logger *log.Logger
	now    func() time.Time
}

// NewSweeper creates a sweeper. BatchSize defaults to 50 outputs and
// ConfirmationTarget to 6 blocks.
func NewSweeper(store BalanceStore, wallet Wallet, cfg Config, logger *log.Logger) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ConfirmationTarget <= 0 {
		cfg.ConfirmationTarget = 6
	}
	return &Sweeper{
		store:  store,
		wallet: wallet,
		cfg:    cfg,
		logger: logger.WithComponent("payout_sweeper"),
		now:    time.Now,
	}
}

// Fee returns the pool fee withheld from balance, rounded down.
func (s *Sweeper) Fee(balance btcutil.Amount) btcutil.Amount {
	return balance * btcutil.Amount(s.cfg.FeePerMille) / 1000
}

// Sweep pays every eligible miner.
//
// Parameters:
//   - ctx: bounds every store and daemon call
//
// Returns:
//   - *Summary: what was sent, including batches sent before a failure
//   - error: the joined batch failures. A batch whose transaction could not
//     be sent has its balances restored and reports a consistency error.
func (s *Sweeper) Sweep(ctx context.Context) (*Summary, error) {
	miners, err := s.store.MinersAbove(ctx, s.cfg.Threshold)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "payout_sweep", "failed to list balances")
	}

	eligible := make([]string, 0, len(miners))
	for _, m := range miners {
		if m.Amount-s.Fee(m.Amount) <= 0 {
			continue
		}
		valid, err := s.wallet.ValidateAddress(ctx, m.MinerID)
		if err != nil {
			s.logger.WithError(err).Warn("address check failed, skipping miner", "miner_id", m.MinerID)
			continue
		}
		if !valid {
			s.logger.Warn("balance held by invalid address", "miner_id", m.MinerID, "balance_sat", int64(m.Amount))
			continue
		}
		eligible = append(eligible, m.MinerID)
	}

	summary := &Summary{}
	var errs []error
	for start := 0; start < len(eligible); start += s.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		end := min(start+s.cfg.BatchSize, len(eligible))
		record, err := s.payBatch(ctx, eligible[start:end])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if record == nil {
			continue
		}
		summary.Batches++
		summary.Miners += record.Miners
		summary.Total += record.Total
		summary.Fees += record.Fees
		summary.TxIDs = append(summary.TxIDs, record.TxID)
	}
	return summary, stderrors.Join(errs...)
}

func (s *Sweeper) payBatch(ctx context.Context, minerIDs []string) (*Record, error) {
	previous, err := s.store.ZeroBalances(ctx, minerIDs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "zero_balances", "failed to reserve balances")
	}

	outputs := make(map[string]btcutil.Amount, len(previous)+1)
	unpaid := make(map[string]btcutil.Amount)
	record := &Record{Outputs: outputs}
	for minerID, balance := range previous {
		fee := s.Fee(balance)
		if balance-fee <= 0 {
			if balance > 0 {
				unpaid[minerID] = balance
			}
			continue
		}
		outputs[minerID] += balance - fee
		record.Miners++
		record.Total += balance - fee
		record.Fees += fee
	}
	if len(unpaid) > 0 {
		if err := s.store.RestoreBalances(ctx, unpaid); err != nil {
			s.logger.WithError(err).Error("failed to restore balances below the fee", "miners", len(unpaid))
		}
	}
	if record.Miners == 0 {
		return nil, nil
	}
	if record.Fees > 0 && s.cfg.FeeAddress != "" {
		outputs[s.cfg.FeeAddress] += record.Fees
	}

	paid := make(map[string]btcutil.Amount, record.Miners)
	for minerID, balance := range previous {
		if _, ok := unpaid[minerID]; !ok && balance > 0 {
			paid[minerID] = balance
		}
	}

	txid, err := s.send(ctx, outputs)
	if err != nil {
		s.logger.LogPayout("", record.Miners, int64(record.Total), "failed")
		se := errors.Wrap(err, errors.ErrorTypeConsistency, "payout_sweep", "payout transaction failed").
			WithContext("miners", record.Miners).
			WithContext("total_sat", int64(record.Total))
		if rerr := s.store.RestoreBalances(ctx, paid); rerr != nil {
			s.logger.WithError(rerr).Error("balances zeroed without payout, manual restore required",
				"miners", len(paid), "total_sat", int64(record.Total+record.Fees))
			return nil, stderrors.Join(se, rerr)
		}
		return nil, se
	}

	record.TxID = txid
	record.SentAt = s.now()
	s.logger.LogPayout(txid, record.Miners, int64(record.Total), "sent")
	if err := s.store.RecordPayout(ctx, record); err != nil {
		s.logger.WithError(err).Warn("failed to record payout", "txid", txid)
	}
	return record, nil
}

// send runs createrawtransaction, fundrawtransaction, signing and broadcast.
func (s *Sweeper) send(ctx context.Context, outputs map[string]btcutil.Amount) (string, error) {
	raw, err := s.wallet.CreateRawTransaction(ctx, outputs)
	if err != nil {
		return "", err
	}
	funded, err := s.wallet.FundRawTransaction(ctx, raw, s.feeRate(ctx))
	if err != nil {
		return "", err
	}
	signed, err := s.wallet.SignRawTransaction(ctx, funded.Hex)
	if err != nil {
		return "", err
	}
	txid, err := s.wallet.SendRawTransaction(ctx, signed.Hex)
	if err != nil {
		return "", err
	}
	if txid == "" {
		return "", errors.New(errors.ErrorTypeDaemon, "sendrawtransaction", "no txid returned")
	}
	return txid, nil
}

// feeRate returns coins per kB for fundrawtransaction: the daemon estimate
// rounded up to whole satoshis per vbyte, or minFeeRate when the daemon has
// no estimate.
func (s *Sweeper) feeRate(ctx context.Context) float64 {
	satPerVByte := int64(minFeeRate)
	est, err := s.wallet.EstimateSmartFee(ctx, s.cfg.ConfirmationTarget)
	switch {
	case err != nil:
		s.logger.WithError(err).Debug("fee estimate unavailable, using fallback rate")
	case est == nil || est.FeeRate == nil || *est.FeeRate <= 0:
	default:
		perKB, err := btcutil.NewAmount(*est.FeeRate)
		if err != nil {
			break
		}
		satPerVByte = max((int64(perKB)+999)/1000, minFeeRate)
	}
	return btcutil.Amount(satPerVByte * 1000).ToBTC()
}
