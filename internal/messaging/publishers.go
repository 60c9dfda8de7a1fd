package messaging

import (
	"context"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/bardlex/hivepool/internal/protocol"
	"github.com/bardlex/hivepool/pkg/log"
)

// Publisher is the producing side of KafkaClient.
type Publisher interface {
	PublishProto(ctx context.Context, topic, key string, msg proto.Message) error
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// BlockPublisher hands found blocks to blocksubmit over Kafka.
type BlockPublisher struct {
	publisher Publisher
}

// NewBlockPublisher creates a protocol.BlockSink backed by publisher.
func NewBlockPublisher(publisher Publisher) *BlockPublisher {
	return &BlockPublisher{publisher: publisher}
}

// SubmitBlock publishes block on TopicBlocksFound keyed by its hash.
func (p *BlockPublisher) SubmitBlock(ctx context.Context, block *protocol.FoundBlock) error {
	event := &BlockFoundEvent{
		Hash:     block.Hash,
		BlockHex: block.BlockHex,
		MinerID:  block.MinerID,
		JobID:    block.JobID,
		Nbits:    block.Nbits,
		FoundAt:  block.FoundAt,
	}
	msg, err := event.ToStruct()
	if err != nil {
		return err
	}
	return p.publisher.PublishProto(ctx, TopicBlocksFound, block.Hash, msg)
}

// ShareEventPublisher streams share events to TopicShares. Events are queued
// without blocking and dropped when the queue is full.
type ShareEventPublisher struct {
	publisher Publisher
	queue     chan ShareEvent
	dropped   atomic.Int64
	logger    *log.Logger
}

// NewShareEventPublisher creates a publisher queueing up to size events.
func NewShareEventPublisher(publisher Publisher, size int, logger *log.Logger) *ShareEventPublisher {
	if size <= 0 {
		size = 1024
	}
	return &ShareEventPublisher{
		publisher: publisher,
		queue:     make(chan ShareEvent, size),
		logger:    logger.WithComponent("share_events"),
	}
}

// Run publishes queued events until ctx ends.
func (p *ShareEventPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			if err := p.publisher.PublishJSON(ctx, TopicShares, ev.MinerID, ev); err != nil && ctx.Err() == nil {
				p.logger.WithError(err).Warn("failed to publish share event", "miner_id", ev.MinerID)
			}
		}
	}
}

// Dropped returns how many events were discarded on a full queue.
func (p *ShareEventPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// ShareProcessed implements protocol.Observer.
func (p *ShareEventPublisher) ShareProcessed(ev protocol.ShareEvent) {
	msg := ShareEvent{
		MinerID:    ev.MinerID,
		JobID:      ev.JobID,
		IP:         ev.IP,
		Status:     ev.Status,
		Difficulty: ev.Difficulty,
		LatencyMs:  float64(ev.Latency) / float64(time.Millisecond),
		At:         ev.At,
	}
	select {
	case p.queue <- msg:
	default:
		p.dropped.Add(1)
	}
}

func (p *ShareEventPublisher) Connected(string)                {}
func (p *ShareEventPublisher) Disconnected(string)             {}
func (p *ShareEventPublisher) JobIssued(float64)               {}
func (p *ShareEventPublisher) BlockFound(*protocol.FoundBlock) {}

// Compile-time interface compliance checks
var (
	_ Publisher          = (*KafkaClient)(nil)
	_ protocol.BlockSink = (*BlockPublisher)(nil)
	_ protocol.Observer  = (*ShareEventPublisher)(nil)
)
