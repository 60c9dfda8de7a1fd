// Package main implements blocksubmit, the hivepool block submission service.
// It consumes found blocks from Kafka, submits them to the coin daemon and
// publishes the daemon's verdict.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/hivepool/internal/coind"
	"github.com/bardlex/hivepool/internal/config"
	"github.com/bardlex/hivepool/internal/database"
	"github.com/bardlex/hivepool/internal/messaging"
	"github.com/bardlex/hivepool/internal/protocol"
	"github.com/bardlex/hivepool/internal/submitter"
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
	logger.Info("starting blocksubmit",
		"version", cfg.Version,
		"daemon_host", cfg.DaemonRPCHost,
		"daemon_port", cfg.DaemonRPCPort,
	)

	if !cfg.KafkaEnabled() {
		logger.Error("blocksubmit requires KAFKA_BROKERS")
		os.Exit(1)
	}

	// Create daemon client
	daemon, err := coind.NewRPCClient(cfg.DaemonHost(), cfg.DaemonRPCUser, cfg.DaemonRPCPassword)
	if err != nil {
		logger.WithError(err).Error("failed to create daemon RPC client")
		os.Exit(1)
	}
	defer daemon.Close()

	// Test daemon connection with context
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := daemon.Ping(pingCtx); err != nil {
		logger.WithError(err).Error("failed to connect to coin daemon")
		os.Exit(1)
	}
	logger.Info("connected to coin daemon")

	// Create database manager
	db, err := database.NewManager(database.NewConfig(cfg.PostgresURL, cfg.RedisURL, database.InfluxSettings{
		URL:    cfg.InfluxURL,
		Token:  cfg.InfluxToken,
		Org:    cfg.InfluxOrg,
		Bucket: cfg.InfluxBucket,
	}), logger)
	if err != nil {
		logger.WithError(err).Error("failed to create database manager")
		os.Exit(1)
	}
	if err := db.Migrate(pingCtx); err != nil {
		logger.WithError(err).Error("failed to migrate database")
		_ = db.Close()
		os.Exit(1)
	}

	// Create Kafka client
	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)

	// Create the block submitter
	bs := NewBlockSubmitter(cfg, logger, submitter.New(daemon, db, logger), kafkaClient)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start the submitter
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := bs.Start(ctx); err != nil && !stderrors.Is(err, context.Canceled) {
			logger.WithError(err).Error("block submitter failed")
			cancel()
		}
	}()

	// Wait for shutdown signal
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("consumer did not stop before the shutdown deadline")
	}

	var errs []error
	if err := kafkaClient.Close(); err != nil {
		errs = append(errs, fmt.Errorf("kafka: %w", err))
	}
	if err := db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	if err := stderrors.Join(errs...); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	stats := bs.Stats()
	logger.Info("blocksubmit stopped",
		"submitted", stats.TotalSubmitted,
		"accepted", stats.TotalAccepted,
		"rejected", stats.TotalRejected,
	)
}

// BlockSink is the submitting side of BlockSubmitter.
type BlockSink interface {
	Submit(ctx context.Context, block *protocol.FoundBlock) *messaging.BlockResult
}

// BlockSubmitter feeds found blocks from Kafka to the daemon.
type BlockSubmitter struct {
	cfg       *config.Config
	logger    *log.Logger
	sink      BlockSink
	publisher messaging.Publisher
	consumer  *messaging.KafkaClient

	mu    sync.Mutex
	stats SubmissionStats
}

// SubmissionStats counts submissions since start.
type SubmissionStats struct {
	TotalSubmitted   int64
	TotalAccepted    int64
	TotalRejected    int64
	TotalErrors      int64
	AverageLatencyMs float64
	LastSubmissionAt time.Time
}

// NewBlockSubmitter creates a new block submitter
func NewBlockSubmitter(cfg *config.Config, logger *log.Logger, sink BlockSink, kafkaClient *messaging.KafkaClient) *BlockSubmitter {
	bs := &BlockSubmitter{
		cfg:      cfg,
		logger:   logger.WithComponent("blocksubmit"),
		sink:     sink,
		consumer: kafkaClient,
	}
	if kafkaClient != nil {
		bs.publisher = kafkaClient
	}
	return bs
}

// Start consumes TopicBlocksFound until ctx ends.
func (bs *BlockSubmitter) Start(ctx context.Context) error {
	bs.logger.Info("block submitter starting", "topic", messaging.TopicBlocksFound)
	return bs.consumer.StartConsumer(ctx, messaging.TopicBlocksFound, messaging.GroupBlockSubmit,
		func() proto.Message { return &structpb.Struct{} },
		messaging.HandlerFunc(bs.HandleMessage))
}

// HandleMessage submits one found block and publishes the result. Results
// are published with a fresh context so a verdict reached during shutdown
// is still reported.
func (bs *BlockSubmitter) HandleMessage(ctx context.Context, key string, msg proto.Message) error {
	s, ok := msg.(*structpb.Struct)
	if !ok {
		return errors.New(errors.ErrorTypeValidation, "handle_block", "unexpected message type").
			WithContext("key", key)
	}
	event, err := messaging.BlockFoundEventFromStruct(s)
	if err != nil {
		return err
	}

	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bs.submitTimeout())
	defer cancel()

	result := bs.sink.Submit(submitCtx, &protocol.FoundBlock{
		Hash:     event.Hash,
		BlockHex: event.BlockHex,
		MinerID:  event.MinerID,
		JobID:    event.JobID,
		Nbits:    event.Nbits,
		FoundAt:  event.FoundAt,
	})
	bs.record(result)

	if err := bs.publisher.PublishJSON(submitCtx, messaging.TopicBlockResults, result.BlockHash, result); err != nil {
		bs.logger.WithError(err).Error("failed to publish block result", "block_hash", result.BlockHash)
	}
	return nil
}

func (bs *BlockSubmitter) submitTimeout() time.Duration {
	if bs.cfg != nil && bs.cfg.BlockSubmitTimeout > 0 {
		return bs.cfg.BlockSubmitTimeout
	}
	return 30 * time.Second
}

func (bs *BlockSubmitter) record(result *messaging.BlockResult) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	n := float64(bs.stats.TotalSubmitted)
	bs.stats.AverageLatencyMs = (bs.stats.AverageLatencyMs*n + result.LatencyMs) / (n + 1)
	bs.stats.TotalSubmitted++
	bs.stats.LastSubmissionAt = result.SubmittedAt
	switch result.Status {
	case messaging.BlockStatusAccepted:
		bs.stats.TotalAccepted++
	case messaging.BlockStatusRejected:
		bs.stats.TotalRejected++
	default:
		bs.stats.TotalErrors++
	}
}

// Stats returns submission statistics
func (bs *BlockSubmitter) Stats() SubmissionStats {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.stats
}
