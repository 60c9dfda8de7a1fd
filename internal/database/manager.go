// Package database coordinates hivepool's stores: PostgreSQL for durable
// state, Redis for ban lookups, flags and hashrate samples, and InfluxDB for
// time-series points.
package database

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/bardlex/hivepool/internal/database/influx"
	"github.com/bardlex/hivepool/internal/database/postgres"
	"github.com/bardlex/hivepool/internal/database/redis"
	"github.com/bardlex/hivepool/internal/ledger"
	"github.com/bardlex/hivepool/internal/payout"
	"github.com/bardlex/hivepool/pkg/circuit"
	"github.com/bardlex/hivepool/pkg/errors"
	"github.com/bardlex/hivepool/pkg/log"
	"github.com/bardlex/hivepool/pkg/retry"
)

const (
	// banCacheTTL bounds how long a negative ban lookup is trusted.
	banCacheTTL = time.Minute
	// hashrateRetention is how long hashrate samples stay in Redis.
	hashrateRetention = 24 * time.Hour
)

// Manager coordinates all database operations across PostgreSQL, Redis, and InfluxDB
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client // nil when InfluxDB is not configured

	// Repositories
	Shares       *postgres.ShareRepository
	Balances     *postgres.BalanceRepository
	Transactions *postgres.TransactionRepository
	Bans         *postgres.BanRepository
	Blocks       *postgres.BlockRepository
	Payouts      *postgres.PayoutRepository

	// Error handling
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	logger         *log.Logger
}

// Config holds configuration for all database systems. A nil Influx
// disables time-series writes.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// InfluxSettings locates the InfluxDB bucket. An empty URL disables it.
type InfluxSettings struct {
	URL, Token, Org, Bucket string
}

// NewConfig builds a Config with default pool sizes.
func NewConfig(postgresURL, redisURL string, influxSettings InfluxSettings) *Config {
	cfg := &Config{
		Postgres: postgres.DefaultConfig(postgresURL),
		Redis:    redis.DefaultConfig(redisURL),
	}
	if influxSettings.URL != "" {
		cfg.Influx = &influx.Config{
			URL:    influxSettings.URL,
			Token:  influxSettings.Token,
			Org:    influxSettings.Org,
			Bucket: influxSettings.Bucket,
		}
	}
	return cfg
}

// NewManager creates a new database manager with all connections
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	// Initialize PostgreSQL
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}

	// Initialize Redis
	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
			"failed to connect to Redis database")
		if closeErr := pgClient.Close(); closeErr != nil {
			return nil, origErr.WithContext("postgres_cleanup_error", closeErr.Error())
		}
		return nil, origErr
	}

	// Initialize InfluxDB
	var influxClient *influx.Client
	if cfg.Influx != nil && cfg.Influx.URL != "" {
		influxClient, err = influx.NewClient(cfg.Influx)
		if err != nil {
			var closeErrs []error
			if closeErr := pgClient.Close(); closeErr != nil {
				closeErrs = append(closeErrs, closeErr)
			}
			if closeErr := redisClient.Close(); closeErr != nil {
				closeErrs = append(closeErrs, closeErr)
			}

			origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database")

			if len(closeErrs) > 0 {
				return nil, origErr.WithContext("cleanup_errors", fmt.Sprintf("%v", closeErrs))
			}
			return nil, origErr
		}
	}

	// Configure error handling
	cbConfig := &circuit.Config{
		Name:            "postgres",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
		IsFailure: func(err error) bool {
			return !stderrors.Is(err, ledger.ErrDuplicateShare) &&
				!stderrors.Is(err, context.Canceled) &&
				!stderrors.Is(err, context.DeadlineExceeded)
		},
	}

	db := pgClient.DB()
	return &Manager{
		Postgres:       pgClient,
		Redis:          redisClient,
		Influx:         influxClient,
		Shares:         postgres.NewShareRepository(db),
		Balances:       postgres.NewBalanceRepository(db),
		Transactions:   postgres.NewTransactionRepository(db),
		Bans:           postgres.NewBanRepository(db),
		Blocks:         postgres.NewBlockRepository(db),
		Payouts:        postgres.NewPayoutRepository(db),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.DatabaseConfig(),
		logger:         logger.WithComponent("database"),
	}, nil
}

// Migrate applies the PostgreSQL schema.
func (m *Manager) Migrate(ctx context.Context) error {
	if err := m.Postgres.Migrate(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "migrate", "failed to apply schema")
	}
	return nil
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if err := m.Postgres.Close(); err != nil {
		errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
	}

	if err := m.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis close error: %w", err))
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	return stderrors.Join(errs...)
}

// Health checks the health of all database connections
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}

	if err := m.Redis.Health(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}

	return nil
}

// BreakerState exposes the PostgreSQL breaker for health reporting.
func (m *Manager) BreakerState() circuit.State {
	return m.circuitBreaker.GetState()
}

// protected runs a PostgreSQL operation behind the breaker with retries.
func (m *Manager) protected(ctx context.Context, operation string, fn func() error) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := fn(); err != nil {
				if stderrors.Is(err, ledger.ErrDuplicateShare) {
					return err
				}
				return errors.Wrap(err, errors.ErrorTypeDatabase, operation, "PostgreSQL operation failed")
			}
			return nil
		})
	})
}

// Shares

// SaveShare stores an accepted share. A hash that was already stored
// returns ledger.ErrDuplicateShare without retrying.
func (m *Manager) SaveShare(ctx context.Context, share *ledger.Share) error {
	return m.protected(ctx, "save_share", func() error {
		return m.Shares.CreateShare(ctx, share)
	})
}

// SharesBefore implements ledger.ShareReader.
func (m *Manager) SharesBefore(ctx context.Context, until time.Time, beforeID int64, limit int) ([]*ledger.Share, error) {
	var shares []*ledger.Share
	err := m.protected(ctx, "shares_before", func() error {
		var err error
		shares, err = m.Shares.SharesBefore(ctx, until, beforeID, limit)
		return err
	})
	return shares, err
}

// SharesSince implements ledger.ShareReader.
func (m *Manager) SharesSince(ctx context.Context, minerID string, since time.Time, afterID int64, limit int) ([]*ledger.Share, error) {
	var shares []*ledger.Share
	err := m.protected(ctx, "shares_since", func() error {
		var err error
		shares, err = m.Shares.SharesSince(ctx, minerID, since, afterID, limit)
		return err
	})
	return shares, err
}

// PruneShares deletes shares created before cutoff.
func (m *Manager) PruneShares(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := m.protected(ctx, "prune_shares", func() error {
		var err error
		n, err = m.Shares.DeleteSharesBefore(ctx, cutoff)
		return err
	})
	return n, err
}

// FlagMiner counts a misbehavior against minerID in Redis.
func (m *Manager) FlagMiner(ctx context.Context, minerID, reason string) error {
	n, err := m.Redis.FlagMiner(ctx, minerID, reason)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "flag_miner", "failed to flag miner").
			WithContext("miner_id", minerID)
	}
	m.logger.Info("miner flagged", "miner_id", minerID, "reason", reason, "count", n)
	return nil
}

// Balances

// CreditBalances implements ledger.BalanceCreditor. The credits apply in one
// transaction and are never retried, so a lost commit acknowledgement cannot
// credit twice.
func (m *Manager) CreditBalances(ctx context.Context, credits map[string]btcutil.Amount) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		if err := m.Balances.Credit(ctx, credits); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "credit_balances", "failed to credit balances").
				WithContext("miners", len(credits))
		}
		return nil
	})
}

// RestoreBalances adds previously zeroed balances back.
func (m *Manager) RestoreBalances(ctx context.Context, balances map[string]btcutil.Amount) error {
	return m.CreditBalances(ctx, balances)
}

// ZeroBalances implements payout.BalanceStore.
func (m *Manager) ZeroBalances(ctx context.Context, minerIDs []string) (map[string]btcutil.Amount, error) {
	var previous map[string]btcutil.Amount
	err := m.circuitBreaker.Execute(ctx, func() error {
		var err error
		previous, err = m.Balances.Zero(ctx, minerIDs)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "zero_balances", "failed to zero balances")
		}
		return nil
	})
	return previous, err
}

// MinersAbove implements payout.BalanceStore.
func (m *Manager) MinersAbove(ctx context.Context, threshold btcutil.Amount) ([]payout.Balance, error) {
	var balances []payout.Balance
	err := m.protected(ctx, "miners_above", func() error {
		var err error
		balances, err = m.Balances.Above(ctx, threshold)
		return err
	})
	return balances, err
}

// Processed payments

// IsProcessed implements ledger.ProcessedStore.
func (m *Manager) IsProcessed(ctx context.Context, txid string) (bool, error) {
	var done bool
	err := m.protected(ctx, "is_processed", func() error {
		var err error
		done, err = m.Transactions.IsProcessed(ctx, txid)
		return err
	})
	return done, err
}

// MarkProcessed implements ledger.ProcessedStore.
func (m *Manager) MarkProcessed(ctx context.Context, txid string) error {
	return m.protected(ctx, "mark_processed", func() error {
		return m.Transactions.MarkProcessed(ctx, txid)
	})
}

// Bans

// IsBanned checks the Redis cache first and falls back to PostgreSQL,
// caching what it finds. A Redis failure only skips the cache.
func (m *Manager) IsBanned(ctx context.Context, ip string) (bool, error) {
	banned, found, err := m.Redis.CachedBan(ctx, ip)
	if err != nil {
		m.logger.WithError(err).Debug("ban cache unavailable", "ip", ip)
	} else if found {
		return banned, nil
	}

	err = m.protected(ctx, "is_banned", func() error {
		var err error
		banned, err = m.Bans.IsBanned(ctx, ip)
		return err
	})
	if err != nil {
		return false, err
	}

	ttl := banCacheTTL
	if banned {
		ttl = 0
	}
	if err := m.Redis.CacheBan(ctx, ip, banned, ttl); err != nil {
		m.logger.WithError(err).Debug("failed to cache ban state", "ip", ip)
	}
	return banned, nil
}

// Ban records ip as banned in PostgreSQL and the cache.
func (m *Manager) Ban(ctx context.Context, ip string) error {
	if err := m.protected(ctx, "ban", func() error {
		return m.Bans.Ban(ctx, ip, "invalid share limit")
	}); err != nil {
		return err
	}
	if err := m.Redis.CacheBan(ctx, ip, true, 0); err != nil {
		m.logger.WithError(err).Warn("failed to cache ban", "ip", ip)
	}
	return nil
}

// Blocks and payouts

// RecordBlock records a found block and its submission status.
func (m *Manager) RecordBlock(ctx context.Context, block *postgres.Block) error {
	err := m.protected(ctx, "record_block", func() error {
		return m.Blocks.UpsertBlock(ctx, block)
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "record_block", "failed to store block").
			WithContext("block_hash", block.Hash).
			WithContext("miner_id", block.MinerID)
	}

	if m.Influx != nil {
		m.Influx.WriteBlock(block.Hash, block.MinerID, block.Nbits, block.Status, block.FoundAt)
	}
	return nil
}

// RecordPayout implements payout.BalanceStore.
func (m *Manager) RecordPayout(ctx context.Context, record *payout.Record) error {
	if m.Influx != nil {
		m.Influx.WritePayout(record.TxID, record.Miners, int64(record.Total), int64(record.Fees), "sent", record.SentAt)
	}
	return m.protected(ctx, "record_payout", func() error {
		return m.Payouts.CreatePayout(ctx, record)
	})
}

// RecordReward writes a distributed block reward to InfluxDB.
func (m *Manager) RecordReward(p ledger.Payment, d *ledger.Distribution, at time.Time) {
	if m.Influx != nil {
		m.Influx.WriteReward(p.TxID, int64(p.Amount), int64(d.Retained), len(d.Credits), at)
	}
}

// Hashrate

// RecordHashrate stores a hashrate estimate for minerID, or for the pool
// when minerID is empty. Both writes are best effort.
func (m *Manager) RecordHashrate(ctx context.Context, minerID string, hashrate float64, at time.Time) {
	if err := m.Redis.SetHashrate(ctx, minerID, hashrate, at, hashrateRetention); err != nil {
		m.logger.WithError(err).Warn("failed to store hashrate sample", "miner_id", minerID)
	}
	if m.Influx != nil {
		m.Influx.WriteHashrate(minerID, hashrate, at)
	}
}

// StartPeriodicTasks flushes InfluxDB writes every 10 seconds until ctx ends.
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	if m.Influx == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()
}
