// Package main implements poold, the hivepool mining service.
// It serves miners over websocket, distributes jobs from daemon templates and
// validates their shares on a worker pool.
package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/hivepool/internal/coind"
	"github.com/bardlex/hivepool/internal/config"
	"github.com/bardlex/hivepool/internal/database"
	"github.com/bardlex/hivepool/internal/graph"
	"github.com/bardlex/hivepool/internal/jobs"
	"github.com/bardlex/hivepool/internal/messaging"
	"github.com/bardlex/hivepool/internal/metrics"
	"github.com/bardlex/hivepool/internal/protocol"
	"github.com/bardlex/hivepool/internal/submitter"
	"github.com/bardlex/hivepool/internal/validation"
	"github.com/bardlex/hivepool/internal/vardiff"
	"github.com/bardlex/hivepool/internal/workerpool"
	"github.com/bardlex/hivepool/pkg/errors"
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
	logger.Info("starting poold",
		"version", cfg.Version,
		"listen", cfg.ListenAddress(),
		"block_sink", cfg.BlockSinkMode,
		"worker_pool_size", cfg.WorkerPoolSize,
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, err := NewPoolService(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize poold")
		os.Exit(1)
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start the service
	go func() {
		if err := service.Start(ctx); err != nil {
			logger.WithError(err).Error("poold failed")
		}
		cancel()
	}()

	// Wait for a shutdown signal or a fatal error
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("poold stopped")
}

// PoolService wires the protocol server to the daemon, the stores and the
// optional Kafka pipeline.
type PoolService struct {
	cfg    *config.Config
	logger *log.Logger

	daemon   *coind.RPCClient
	db       *database.Manager
	kafka    *messaging.KafkaClient // nil when no brokers are configured
	recorder *metrics.Recorder

	validators  *workerpool.Pool[*validation.Request, *validation.Result]
	distributor *jobs.Distributor
	server      *protocol.Server
	watcher     *jobs.Watcher
	shareEvents *messaging.ShareEventPublisher
	httpServer  *http.Server

	notifier *coind.ZMQNotifier
	wg       sync.WaitGroup
}

// NewPoolService connects to the daemon and the stores and builds the
// protocol server.
func NewPoolService(ctx context.Context, cfg *config.Config, logger *log.Logger) (*PoolService, error) {
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
	logger.Info("connected to coin daemon", "host", cfg.DaemonRPCHost)

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

	s := &PoolService{cfg: cfg, logger: logger.WithComponent("poold"), daemon: daemon, db: db}
	if err := s.build(logger); err != nil {
		_ = s.close()
		return nil, err
	}
	return s, nil
}

// build assembles the share pipeline and the protocol server.
func (s *PoolService) build(logger *log.Logger) error {
	recorder, err := metrics.NewRecorder("")
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	s.recorder = recorder

	schedule, err := graph.DefaultSchedule(s.cfg.TwoStageActivation, s.cfg.CanonicalActivation,
		s.cfg.WorkerPercentX10, s.cfg.QueenPercentX10)
	if err != nil {
		return fmt.Errorf("rule schedule: %w", err)
	}
	validator := validation.NewShareValidator(schedule)
	s.validators = workerpool.New(s.cfg.WorkerPoolSize, validator.Validate, logger)

	if err := recorder.GaugeFunc("validations_pending", "Submissions waiting on the worker pool.", func() float64 {
		return float64(s.validators.Pending())
	}); err != nil {
		return err
	}
	if err := recorder.GaugeFunc("validation_worker_restarts", "Workers restarted after a panicking task.", func() float64 {
		return float64(s.validators.Restarts())
	}); err != nil {
		return err
	}

	observers := protocol.Observers{recorder, s.db.Observer()}

	if s.cfg.KafkaEnabled() {
		s.kafka = messaging.NewKafkaClient(s.cfg.KafkaBrokers, logger)
		s.shareEvents = messaging.NewShareEventPublisher(s.kafka, 0, logger)
		observers = append(observers, s.shareEvents)
	}

	var sink protocol.BlockSink
	switch s.cfg.BlockSinkMode {
	case config.BlockSinkKafka:
		sink = messaging.NewBlockPublisher(s.kafka)
	default:
		direct := submitter.New(s.daemon, s.db, logger)
		direct.OnResult(func(_ *protocol.FoundBlock, r *messaging.BlockResult) {
			recorder.BlockSubmitted(r.Status)
		})
		sink = direct
	}

	s.distributor = jobs.NewDistributor(logger)
	s.distributor.OnIssue(func(j *jobs.Job) {
		observers.JobIssued(j.Difficulty)
	})

	s.server, err = protocol.NewServer(protocolConfig(s.cfg), protocol.Deps{
		Distributor: s.distributor,
		Validator:   s.validators,
		Daemon:      s.daemon,
		Store:       s.db,
		Blocks:      sink,
		Observer:    observers,
	}, logger)
	if err != nil {
		return err
	}

	s.watcher = jobs.NewWatcher(s.daemon, jobs.WatcherConfig{
		PoolAddress:     s.cfg.PoolMiningAddress,
		RefreshInterval: s.cfg.TemplateRefresh,
	}, logger, s.onTemplate)

	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddress(),
		Handler:           s.server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// protocolConfig maps service configuration onto the protocol server.
func protocolConfig(cfg *config.Config) protocol.Config {
	return protocol.Config{
		Session: protocol.SessionConfig{
			MaxMessageSize:    cfg.MaxMessageSize,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			PingInterval:      cfg.PingInterval,
			OutboundQueueSize: cfg.OutboundQueueSize,
		},
		TrustForwardedFor: cfg.TrustForwardedFor,
		StartDifficulty:   cfg.StartDifficulty,
		StartTargetPrefix: cfg.StartTargetPrefix,
		Vardiff: vardiff.Config{
			Target:        cfg.VardiffTarget,
			Window:        cfg.VardiffWindow,
			Kp:            cfg.VardiffKp,
			Ki:            cfg.VardiffKi,
			Kd:            cfg.VardiffKd,
			IntegralLimit: cfg.VardiffIntegralLimit,
			Floor:         cfg.MinDifficulty,
		},
		StaleSweepInterval: cfg.StaleSweepInterval,
		StaleAfter:         cfg.StaleAfter,
		InvalidShareLimit:  cfg.InvalidShareLimit,
		BanOnInvalidLimit:  cfg.BanOnInvalidLimit,
		SubmitRateLimit:    cfg.SubmitRateLimit,
		SubmitBurst:        cfg.SubmitBurst,
		BlockSubmitTimeout: cfg.BlockSubmitTimeout,
	}
}

// onTemplate broadcasts a new template to every connected miner.
func (s *PoolService) onTemplate(t *jobs.Template) {
	s.logger.LogJobDistribution(t.Nbits, s.server.Registry().Count())
	s.server.OnTemplate(t)
}

// Start runs every background loop and serves miners until ctx ends or a
// loop fails fatally.
func (s *PoolService) Start(ctx context.Context) error {
	errCh := make(chan error, 4)

	s.db.StartPeriodicTasks(ctx)
	s.server.StartSweeper()

	s.goRun(func() {
		// Without templates there is no work to hand out.
		if err := s.watcher.Run(ctx); err != nil && ctx.Err() == nil {
			if errors.IsFatal(err) {
				s.logger.WithError(err).Error("daemon refused the RPC credentials")
			}
			errCh <- fmt.Errorf("template watcher: %w", err)
		}
	})

	if s.cfg.DaemonZMQAddr != "" {
		if err := s.startNotifier(ctx); err != nil {
			s.logger.WithError(err).Warn("ZMQ notifications disabled, relying on long polling")
		}
	}

	if s.kafka != nil {
		s.goRun(func() { s.shareEvents.Run(ctx) })
		if s.cfg.BlockSinkMode == config.BlockSinkKafka {
			s.goRun(func() {
				_ = s.kafka.StartJSONConsumer(ctx, messaging.TopicBlockResults, messaging.GroupBlockResults, s.handleBlockResult)
			})
		}
	}

	s.goRun(func() {
		if err := s.recorder.Serve(ctx, s.cfg.MetricsAddr, s.logger); err != nil {
			s.logger.WithError(err).Error("metrics server failed")
		}
	})

	s.goRun(func() {
		s.logger.Info("protocol server listening", "address", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
		}
	})

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *PoolService) goRun(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// startNotifier refreshes the template on every hashblock notification.
func (s *PoolService) startNotifier(ctx context.Context) error {
	notifier, err := coind.NewZMQNotifier(s.cfg.DaemonZMQAddr, s.logger)
	if err != nil {
		return err
	}
	if err := notifier.Subscribe(coind.TopicHashBlock); err != nil {
		return stderrors.Join(err, notifier.Close())
	}
	if err := notifier.Connect(); err != nil {
		return stderrors.Join(err, notifier.Close())
	}
	s.notifier = notifier

	handler := coind.NewBlockNotificationHandler(s.logger, func(string) error {
		s.watcher.Refresh()
		return nil
	})
	s.goRun(func() { _ = notifier.Listen(ctx, handler.HandleMessage) })
	return nil
}

// handleBlockResult logs and counts what blocksubmit reported for a block.
func (s *PoolService) handleBlockResult(_ context.Context, key string, data []byte) error {
	var result messaging.BlockResult
	if err := json.Unmarshal(data, &result); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "decode_block_result",
			"failed to decode block result").WithContext("key", key)
	}

	s.recorder.BlockSubmitted(result.Status)
	logger := s.logger.WithFields("block_hash", result.BlockHash, "miner_id", result.MinerID, "latency_ms", result.LatencyMs)
	if result.Status == messaging.BlockStatusAccepted {
		logger.Info("block accepted by daemon")
	} else {
		logger.Warn("block not accepted", "status", result.Status, "reason", result.ErrorMessage)
	}
	return nil
}

// Shutdown stops accepting miners, closes every session, stops the worker
// pool and then releases Kafka, the stores and the daemon.
func (s *PoolService) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down poold")

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("protocol server: %w", err))
		}
	}
	if s.validators != nil {
		s.validators.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("background loops did not stop before the shutdown deadline")
	}

	if err := s.close(); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

// close releases external connections.
func (s *PoolService) close() error {
	var errs []error
	if s.notifier != nil {
		if err := s.notifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("zmq: %w", err))
		}
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka: %w", err))
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	s.daemon.Close()
	return stderrors.Join(errs...)
}
