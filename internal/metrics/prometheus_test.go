package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bardlex/hivepool/internal/protocol"
)

func TestRecorderObservesServerEvents(t *testing.T) {
	r, err := NewRecorder("")
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}

	r.Connected("10.0.0.1")
	r.Connected("10.0.0.2")
	r.Disconnected("10.0.0.1")
	r.JobIssued(512)
	r.ShareProcessed(protocol.ShareEvent{Status: protocol.StatusAccepted, Latency: 3 * time.Millisecond})
	r.ShareProcessed(protocol.ShareEvent{Status: protocol.StatusAccepted})
	r.ShareProcessed(protocol.ShareEvent{Status: protocol.StatusRejected})
	r.BlockFound(&protocol.FoundBlock{Hash: "00ab"})

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"connections", testutil.ToFloat64(r.connections), 1},
		{"opened", testutil.ToFloat64(r.connOpened), 2},
		{"jobs", testutil.ToFloat64(r.jobsIssued), 1},
		{"accepted", testutil.ToFloat64(r.shares.WithLabelValues(protocol.StatusAccepted)), 2},
		{"rejected", testutil.ToFloat64(r.shares.WithLabelValues(protocol.StatusRejected)), 1},
		{"blocks", testutil.ToFloat64(r.blocksFound), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestPayoutBatchCountsOnlySentCoins(t *testing.T) {
	r, err := NewRecorder("test")
	if err != nil {
		t.Fatal(err)
	}

	r.PayoutBatches("sent", 2, 1.5)
	r.PayoutBatches("failed", 1, 2)

	if got := testutil.ToFloat64(r.payoutAmount); got != 1.5 {
		t.Errorf("payout coins = %v, want 1.5", got)
	}
	if got := testutil.ToFloat64(r.payouts.WithLabelValues("sent")); got != 2 {
		t.Errorf("sent batches = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.payouts.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed batches = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	r, err := NewRecorder("")
	if err != nil {
		t.Fatal(err)
	}
	r.SetHashrate("pool", 2048)
	r.BlockSubmitted("accepted")
	if err := r.GaugeFunc("validations_pending", "Submissions waiting for a worker.", func() float64 { return 3 }); err != nil {
		t.Fatalf("GaugeFunc() error = %v", err)
	}

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`hivepool_hashrate{scope="pool"} 2048`,
		`hivepool_block_submissions_total{status="accepted"} 1`,
		`hivepool_validations_pending 3`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
