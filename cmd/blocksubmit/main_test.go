package main

import (
	"context"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/hivepool/internal/config"
	"github.com/bardlex/hivepool/internal/messaging"
	"github.com/bardlex/hivepool/internal/protocol"
	"github.com/bardlex/hivepool/pkg/log"
)

type fakeSink struct {
	status string
	blocks []*protocol.FoundBlock
}

func (f *fakeSink) Submit(_ context.Context, block *protocol.FoundBlock) *messaging.BlockResult {
	f.blocks = append(f.blocks, block)
	return &messaging.BlockResult{
		BlockHash:   block.Hash,
		MinerID:     block.MinerID,
		Status:      f.status,
		SubmittedAt: time.Now(),
		LatencyMs:   4,
	}
}

type publishedJSON struct {
	topic, key string
	value      any
}

type fakePublisher struct {
	sent []publishedJSON
}

func (f *fakePublisher) PublishProto(context.Context, string, string, proto.Message) error {
	return nil
}

func (f *fakePublisher) PublishJSON(_ context.Context, topic, key string, v any) error {
	f.sent = append(f.sent, publishedJSON{topic, key, v})
	return nil
}

func newTestSubmitter(status string) (*BlockSubmitter, *fakeSink, *fakePublisher) {
	sink := &fakeSink{status: status}
	pub := &fakePublisher{}
	bs := NewBlockSubmitter(&config.Config{BlockSubmitTimeout: time.Second}, log.Discard(), sink, nil)
	bs.publisher = pub
	return bs, sink, pub
}

func foundBlockStruct(t *testing.T) *structpb.Struct {
	t.Helper()
	event := &messaging.BlockFoundEvent{
		Hash:     "00ab",
		BlockHex: "0100",
		MinerID:  "sh1abc",
		JobID:    "4",
		Nbits:    0x1d00ffff,
		FoundAt:  time.Now(),
	}
	s, err := event.ToStruct()
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestHandleMessageSubmitsAndPublishes(t *testing.T) {
	bs, sink, pub := newTestSubmitter(messaging.BlockStatusAccepted)

	if err := bs.HandleMessage(context.Background(), "00ab", foundBlockStruct(t)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	if len(sink.blocks) != 1 || sink.blocks[0].BlockHex != "0100" || sink.blocks[0].Nbits != 0x1d00ffff {
		t.Fatalf("submitted = %+v", sink.blocks)
	}
	if len(pub.sent) != 1 || pub.sent[0].topic != messaging.TopicBlockResults || pub.sent[0].key != "00ab" {
		t.Fatalf("published = %+v", pub.sent)
	}
	if r := pub.sent[0].value.(*messaging.BlockResult); r.Status != messaging.BlockStatusAccepted {
		t.Errorf("result = %+v", r)
	}
}

func TestHandleMessageSubmitsAfterCancel(t *testing.T) {
	bs, sink, _ := newTestSubmitter(messaging.BlockStatusAccepted)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := bs.HandleMessage(ctx, "00ab", foundBlockStruct(t)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if len(sink.blocks) != 1 {
		t.Error("a consumed block must still be submitted during shutdown")
	}
}

func TestHandleMessageRejectsMalformedEvents(t *testing.T) {
	bs, sink, pub := newTestSubmitter(messaging.BlockStatusAccepted)

	bad, err := structpb.NewStruct(map[string]any{"hash": "00ab"})
	if err != nil {
		t.Fatal(err)
	}
	if err := bs.HandleMessage(context.Background(), "00ab", bad); err == nil {
		t.Error("expected an error for an event without a block")
	}
	if err := bs.HandleMessage(context.Background(), "00ab", &structpb.Value{}); err == nil {
		t.Error("expected an error for a non-struct message")
	}
	if len(sink.blocks) != 0 || len(pub.sent) != 0 {
		t.Error("malformed events must not reach the daemon")
	}
}

func TestStats(t *testing.T) {
	tests := []struct {
		status                      string
		accepted, rejected, errored int64
	}{
		{messaging.BlockStatusAccepted, 1, 0, 0},
		{messaging.BlockStatusRejected, 0, 1, 0},
		{messaging.BlockStatusError, 0, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			bs, _, _ := newTestSubmitter(tt.status)
			for range 2 {
				if err := bs.HandleMessage(context.Background(), "00ab", foundBlockStruct(t)); err != nil {
					t.Fatal(err)
				}
			}

			stats := bs.Stats()
			if stats.TotalSubmitted != 2 || stats.TotalAccepted != 2*tt.accepted ||
				stats.TotalRejected != 2*tt.rejected || stats.TotalErrors != 2*tt.errored {
				t.Errorf("stats = %+v", stats)
			}
			if stats.AverageLatencyMs != 4 {
				t.Errorf("average latency = %v, want 4", stats.AverageLatencyMs)
			}
		})
	}
}
