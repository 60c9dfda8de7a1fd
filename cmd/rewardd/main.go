// Package main implements rewardd, the hivepool reward service.
// It credits matured block rewards to miner balances, pays balances out,
// prunes old shares and snapshots the pool hashrate on cron schedules.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/robfig/cron/v3"

	"github.com/bardlex/hivepool/internal/coind"
	"github.com/bardlex/hivepool/internal/config"
	"github.com/bardlex/hivepool/internal/database"
	"github.com/bardlex/hivepool/internal/ledger"
	"github.com/bardlex/hivepool/internal/metrics"
	"github.com/bardlex/hivepool/internal/payout"
	"github.com/bardlex/hivepool/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting rewardd",
		"version", cfg.Version,
		"track_schedule", cfg.TrackSchedule,
		"payout_schedule", cfg.PayoutSchedule,
	)

	if cfg.PoolMiningAddress == "" {
		logger.Error("POOL_MINING_ADDRESS is required to track block rewards")
		os.Exit(1)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, err := NewRewardService(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize rewardd")
		os.Exit(1)
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := service.Start(ctx); err != nil {
		logger.WithError(err).Error("failed to start schedules")
		_ = service.Shutdown(context.Background())
		os.Exit(1)
	}

	// Wait for shutdown signal
	<-sigChan
	logger.Info("shutdown signal received")
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("rewardd stopped")
}

// Job names, also used as log components.
const (
	jobTrack    = "track_payments"
	jobPayout   = "payout_sweep"
	jobPrune    = "prune_shares"
	jobSnapshot = "hashrate_snapshot"
)

// Store is the part of database.Manager rewardd drives directly.
type Store interface {
	PruneShares(ctx context.Context, cutoff time.Time) (int64, error)
	RecordHashrate(ctx context.Context, minerID string, hashrate float64, at time.Time)
	RecordReward(p ledger.Payment, d *ledger.Distribution, at time.Time)
}

// RewardService runs the reward jobs on a cron scheduler.
type RewardService struct {
	cfg    *config.Config
	logger *log.Logger

	daemon   *coind.RPCClient
	db       *database.Manager
	store    Store
	recorder *metrics.Recorder

	tracker   *ledger.Tracker
	sweeper   *payout.Sweeper
	estimator *ledger.HashrateEstimator

	cron *cron.Cron
	now  func() time.Time
}

// NewRewardService connects to the daemon wallet and the stores.
func NewRewardService(ctx context.Context, cfg *config.Config, logger *log.Logger) (*RewardService, error) {
	daemon, err := coind.NewRPCClient(cfg.DaemonHost(), cfg.DaemonRPCUser, cfg.DaemonRPCPassword)
	if err != nil {
		return nil, err
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := daemon.Ping(pingCtx); err != nil {
		daemon.Close()
		return nil, fmt.Errorf("daemon unreachable: %w", err)
	}

	db, err := database.NewManager(database.NewConfig(cfg.PostgresURL, cfg.RedisURL, database.InfluxSettings{
		URL:    cfg.InfluxURL,
		Token:  cfg.InfluxToken,
		Org:    cfg.InfluxOrg,
		Bucket: cfg.InfluxBucket,
	}), logger)
	if err != nil {
		daemon.Close()
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		daemon.Close()
		return nil, stderrors.Join(err, db.Close())
	}

	recorder, err := metrics.NewRecorder("")
	if err != nil {
		daemon.Close()
		return nil, stderrors.Join(err, db.Close())
	}

	s := &RewardService{
		cfg:       cfg,
		logger:    logger.WithComponent("rewardd"),
		daemon:    daemon,
		db:        db,
		store:     db,
		recorder:  recorder,
		estimator: ledger.NewHashrateEstimator(db),
		now:       time.Now,
	}

	rewards := ledger.NewRewardLedger(db, db, logger)
	s.tracker = ledger.NewTracker(daemon, db, rewards, ledger.TrackerConfig{
		PoolAddress:      cfg.PoolMiningAddress,
		BatchSize:        cfg.TransactionBatchSize,
		MinConfirmations: cfg.MaturityConfirmations,
		OnDistributed:    s.onDistributed,
	}, logger)
	s.sweeper = payout.NewSweeper(db, daemon, payout.Config{
		Threshold:          btcutil.Amount(cfg.WithdrawThreshold),
		FeePerMille:        cfg.FeePerMille,
		FeeAddress:         cfg.PoolFeeAddress,
		BatchSize:          cfg.PayoutBatchSize,
		ConfirmationTarget: cfg.PayoutConfirmationTarget,
	}, logger)

	cl := cronLogger{s.logger.WithComponent("cron")}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return s, nil
}

// Start registers every job and starts the scheduler and the metrics
// endpoint.
func (s *RewardService) Start(ctx context.Context) error {
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{jobTrack, s.cfg.TrackSchedule, s.trackPayments},
		{jobPayout, s.cfg.PayoutSchedule, s.sweepPayouts},
		{jobPrune, s.cfg.PruneSchedule, s.pruneShares},
		{jobSnapshot, s.cfg.SnapshotSchedule, s.snapshotHashrate},
	}
	for _, job := range jobs {
		if _, err := s.cron.AddFunc(job.spec, s.wrap(ctx, job.name, job.run)); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", job.name, job.spec, err)
		}
		s.logger.Info("scheduled job", "job", job.name, "schedule", job.spec)
	}

	s.db.StartPeriodicTasks(ctx)
	go func() {
		if err := s.recorder.Serve(ctx, s.cfg.MetricsAddr, s.logger); err != nil {
			s.logger.WithError(err).Error("metrics server failed")
		}
	}()

	s.cron.Start()
	return nil
}

// wrap turns a job into a cron func that logs its outcome and duration.
func (s *RewardService) wrap(ctx context.Context, name string, run func(context.Context) error) func() {
	logger := s.logger.WithComponent(name)
	return func() {
		if ctx.Err() != nil {
			return
		}
		start := s.now()
		if err := run(ctx); err != nil {
			logger.WithError(err).Error("job failed")
			return
		}
		logger.LogDuration(name, s.now().Sub(start))
	}
}

func (s *RewardService) trackPayments(ctx context.Context) error {
	n, err := s.tracker.Run(ctx)
	if n > 0 {
		s.logger.Info("distributed matured payments", "payments", n)
	}
	return err
}

// onDistributed records a credited payment in InfluxDB and Prometheus.
func (s *RewardService) onDistributed(p ledger.Payment, d *ledger.Distribution) {
	s.store.RecordReward(p, d, s.now())
	s.recorder.RewardCredited(p.Amount.ToBTC())
}

func (s *RewardService) sweepPayouts(ctx context.Context) error {
	summary, err := s.sweeper.Sweep(ctx)
	if summary != nil {
		s.recorder.PayoutBatches("sent", summary.Batches, summary.Total.ToBTC())
		if summary.Batches > 0 {
			s.logger.Info("payout sweep finished",
				"batches", summary.Batches,
				"miners", summary.Miners,
				"total_sat", int64(summary.Total),
				"fees_sat", int64(summary.Fees),
			)
		}
	}
	if err != nil {
		s.recorder.PayoutBatches("failed", 1, 0)
	}
	return err
}

func (s *RewardService) pruneShares(ctx context.Context) error {
	cutoff := s.now().Add(-s.cfg.ShareRetention)
	n, err := s.store.PruneShares(ctx, cutoff)
	if err != nil {
		return err
	}
	s.logger.Info("pruned shares", "deleted", n, "cutoff", cutoff)
	return nil
}

func (s *RewardService) snapshotHashrate(ctx context.Context) error {
	hashrate, err := s.estimator.Estimate(ctx, "")
	if err != nil {
		return err
	}
	s.store.RecordHashrate(ctx, "", hashrate, s.now())
	s.recorder.SetHashrate("pool", hashrate)
	return nil
}

// Shutdown stops the scheduler, waits for running jobs and releases the
// stores and the daemon.
func (s *RewardService) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down rewardd")

	var errs []error
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("jobs still running: %w", ctx.Err()))
	}

	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	s.daemon.Close()
	return stderrors.Join(errs...)
}

// cronLogger adapts log.Logger to cron.Logger.
type cronLogger struct {
	logger *log.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).Error(msg, keysAndValues...)
}

var _ cron.Logger = cronLogger{}
