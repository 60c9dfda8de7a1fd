package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lib/pq"

	"github.com/bardlex/hivepool/internal/ledger"
	"github.com/bardlex/hivepool/internal/payout"
)

// ShareRepository handles share-related database operations
type ShareRepository struct {
	db *sql.DB
}

// NewShareRepository creates a new share repository
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// CreateShare stores share and sets its ID. A share whose hash is already
// stored returns ledger.ErrDuplicateShare.
func (r *ShareRepository) CreateShare(ctx context.Context, share *ledger.Share) error {
	query := `
		INSERT INTO shares (miner_id, job_id, nonce, path, hash, target, work, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		share.MinerID, share.JobID, share.Nonce, share.Path,
		share.Hash, share.Target, share.Work.String(), share.CreatedAt,
	).Scan(&share.ID)

	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateShare
		}
		return fmt.Errorf("failed to create share: %w", err)
	}

	return nil
}

// SharesBefore returns shares created at or before until with id below
// beforeID (0 for no bound), newest first.
func (r *ShareRepository) SharesBefore(ctx context.Context, until time.Time, beforeID int64, limit int) ([]*ledger.Share, error) {
	query := `
		SELECT id, miner_id, job_id, nonce, path, hash, target, work, created_at
		FROM shares
		WHERE created_at <= $1 AND ($2::bigint = 0 OR id < $2::bigint)
		ORDER BY id DESC
		LIMIT $3`

	return r.query(ctx, query, until, beforeID, limit)
}

// SharesSince returns shares created at or after since with id above
// afterID, oldest first. An empty minerID selects every miner.
func (r *ShareRepository) SharesSince(ctx context.Context, minerID string, since time.Time, afterID int64, limit int) ([]*ledger.Share, error) {
	query := `
		SELECT id, miner_id, job_id, nonce, path, hash, target, work, created_at
		FROM shares
		WHERE created_at >= $1 AND id > $2::bigint AND ($3::text = '' OR miner_id = $3::text)
		ORDER BY id ASC
		LIMIT $4`

	return r.query(ctx, query, since, afterID, minerID, limit)
}

func (r *ShareRepository) query(ctx context.Context, query string, args ...any) ([]*ledger.Share, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var shares []*ledger.Share
	for rows.Next() {
		share := &ledger.Share{}
		var work string
		if err := rows.Scan(
			&share.ID, &share.MinerID, &share.JobID, &share.Nonce, &share.Path,
			&share.Hash, &share.Target, &work, &share.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		if share.Work, err = parseWork(work); err != nil {
			return nil, err
		}
		shares = append(shares, share)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shares: %w", err)
	}

	return shares, nil
}

// DeleteSharesBefore removes shares created before cutoff and returns how
// many were removed.
func (r *ShareRepository) DeleteSharesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM shares WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune shares: %w", err)
	}
	return res.RowsAffected()
}

// BalanceRepository handles miner balances
type BalanceRepository struct {
	db *sql.DB
}

// NewBalanceRepository creates a new balance repository
func NewBalanceRepository(db *sql.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

// Credit adds every amount to its miner's balance in one transaction,
// creating miners on first credit.
func (r *BalanceRepository) Credit(ctx context.Context, credits map[string]btcutil.Amount) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO miners (miner_id, balance, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (miner_id) DO UPDATE
		SET balance = miners.balance + EXCLUDED.balance, updated_at = now()`)
	if err != nil {
		return fmt.Errorf("failed to prepare credit: %w", err)
	}
	defer func() {
		_ = stmt.Close()
	}()

	for minerID, amount := range credits {
		if _, err := stmt.ExecContext(ctx, minerID, int64(amount)); err != nil {
			return fmt.Errorf("failed to credit %s: %w", minerID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit credits: %w", err)
	}
	return nil
}

// Zero sets the balances of minerIDs to zero and returns their previous
// values. The rows are locked for the duration of the statement.
func (r *BalanceRepository) Zero(ctx context.Context, minerIDs []string) (map[string]btcutil.Amount, error) {
	query := `
		UPDATE miners m SET balance = 0, updated_at = now()
		FROM (SELECT miner_id, balance FROM miners WHERE miner_id = ANY($1) FOR UPDATE) old
		WHERE m.miner_id = old.miner_id
		RETURNING old.miner_id, old.balance`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(minerIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to zero balances: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	previous := make(map[string]btcutil.Amount, len(minerIDs))
	for rows.Next() {
		var b MinerBalance
		if err := rows.Scan(&b.MinerID, &b.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		previous[b.MinerID] = btcutil.Amount(b.Balance)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating balances: %w", err)
	}
	return previous, nil
}

// Above returns miners whose balance exceeds threshold.
func (r *BalanceRepository) Above(ctx context.Context, threshold btcutil.Amount) ([]payout.Balance, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT miner_id, balance FROM miners WHERE balance > $1 ORDER BY miner_id`, int64(threshold))
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var balances []payout.Balance
	for rows.Next() {
		var b MinerBalance
		if err := rows.Scan(&b.MinerID, &b.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		balances = append(balances, payout.Balance{MinerID: b.MinerID, Amount: btcutil.Amount(b.Balance)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating balances: %w", err)
	}
	return balances, nil
}

// Get returns a miner's balance, zero for unknown miners.
func (r *BalanceRepository) Get(ctx context.Context, minerID string) (btcutil.Amount, error) {
	var balance int64
	err := r.db.QueryRowContext(ctx, `SELECT balance FROM miners WHERE miner_id = $1`, minerID).Scan(&balance)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return btcutil.Amount(balance), nil
}

// TransactionRepository remembers distributed payments
type TransactionRepository struct {
	db *sql.DB
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// IsProcessed reports whether txid was already distributed.
func (r *TransactionRepository) IsProcessed(ctx context.Context, txid string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_transactions WHERE txid = $1)`, txid).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check transaction: %w", err)
	}
	return exists, nil
}

// MarkProcessed records txid. Marking twice is not an error.
func (r *TransactionRepository) MarkProcessed(ctx context.Context, txid string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO processed_transactions (txid) VALUES ($1) ON CONFLICT (txid) DO NOTHING`, txid)
	if err != nil {
		return fmt.Errorf("failed to mark transaction: %w", err)
	}
	return nil
}

// BanRepository handles banned addresses
type BanRepository struct {
	db *sql.DB
}

// NewBanRepository creates a new ban repository
func NewBanRepository(db *sql.DB) *BanRepository {
	return &BanRepository{db: db}
}

// IsBanned reports whether ip is banned.
func (r *BanRepository) IsBanned(ctx context.Context, ip string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM banned_ips WHERE ip = $1)`, ip).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check ban: %w", err)
	}
	return exists, nil
}

// Ban records ip as banned. Banning twice keeps the first reason.
func (r *BanRepository) Ban(ctx context.Context, ip, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO banned_ips (ip, reason) VALUES ($1, $2) ON CONFLICT (ip) DO NOTHING`, ip, reason)
	if err != nil {
		return fmt.Errorf("failed to ban ip: %w", err)
	}
	return nil
}

// BlockRepository handles found blocks
type BlockRepository struct {
	db *sql.DB
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db *sql.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// UpsertBlock records a block, replacing the status of a known hash.
func (r *BlockRepository) UpsertBlock(ctx context.Context, block *Block) error {
	query := `
		INSERT INTO blocks (hash, miner_id, job_id, nbits, status, reason, found_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (hash) DO UPDATE SET status = EXCLUDED.status, reason = EXCLUDED.reason`

	_, err := r.db.ExecContext(ctx, query,
		block.Hash, block.MinerID, block.JobID, int64(block.Nbits), block.Status, block.Reason, block.FoundAt)
	if err != nil {
		return fmt.Errorf("failed to record block: %w", err)
	}
	return nil
}

// GetRecentBlocks returns the most recently found blocks
func (r *BlockRepository) GetRecentBlocks(ctx context.Context, limit int) ([]*Block, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT hash, miner_id, job_id, nbits, status, reason, found_at
		FROM blocks ORDER BY found_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var blocks []*Block
	for rows.Next() {
		block := &Block{}
		var nbits int64
		if err := rows.Scan(&block.Hash, &block.MinerID, &block.JobID, &nbits,
			&block.Status, &block.Reason, &block.FoundAt); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		block.Nbits = uint32(nbits)
		blocks = append(blocks, block)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocks: %w", err)
	}
	return blocks, nil
}

// PayoutRepository handles sent payouts
type PayoutRepository struct {
	db *sql.DB
}

// NewPayoutRepository creates a new payout repository
func NewPayoutRepository(db *sql.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

// CreatePayout records a sent payout transaction with its outputs in satoshis.
func (r *PayoutRepository) CreatePayout(ctx context.Context, record *payout.Record) error {
	outputs := make(map[string]int64, len(record.Outputs))
	for addr, amount := range record.Outputs {
		outputs[addr] = int64(amount)
	}
	encoded, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("failed to encode payout outputs: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO payouts (txid, miners, total, fees, outputs, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (txid) DO NOTHING`,
		record.TxID, record.Miners, int64(record.Total), int64(record.Fees), encoded, record.SentAt)
	if err != nil {
		return fmt.Errorf("failed to record payout: %w", err)
	}
	return nil
}
