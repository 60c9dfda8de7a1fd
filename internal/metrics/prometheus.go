// Package metrics exposes pool activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bardlex/hivepool/internal/protocol"
	"github.com/bardlex/hivepool/pkg/log"
)

// DefaultNamespace prefixes every metric when none is given.
const DefaultNamespace = "hivepool"

// Recorder implements protocol.Observer backed by Prometheus collectors on
// its own registry.
type Recorder struct {
	namespace string
	registry  *prometheus.Registry
	handler   http.Handler

	connections     prometheus.Gauge
	connOpened      prometheus.Counter
	shares          *prometheus.CounterVec
	shareLatency    prometheus.Histogram
	jobsIssued      prometheus.Counter
	jobDifficulty   prometheus.Histogram
	blocksFound     prometheus.Counter
	blockSubmits    *prometheus.CounterVec
	payouts         *prometheus.CounterVec
	payoutAmount    prometheus.Counter
	rewardsCredited prometheus.Counter
	hashrate        *prometheus.GaugeVec
}

// NewRecorder creates a Recorder and registers its collectors.
func NewRecorder(namespace string) (*Recorder, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()

	r := &Recorder{
		namespace:   namespace,
		registry:    reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "connections", Help: "Open miner connections."}),
		connOpened:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "connections_opened_total", Help: "Miner connections accepted."}),
		shares: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "shares_total", Help: "Processed submissions by status.",
		}, []string{"status"}),
		shareLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "share_processing_seconds", Help: "Time from submission to verdict.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		jobsIssued: prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "jobs_issued_total", Help: "Jobs sent to miners."}),
		jobDifficulty: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_difficulty", Help: "Difficulty of issued jobs.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 12),
		}),
		blocksFound: prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "blocks_found_total", Help: "Blocks found by miners."}),
		blockSubmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "block_submissions_total", Help: "Block submissions by result.",
		}, []string{"status"}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "payout_batches_total", Help: "Payout batches by result.",
		}, []string{"status"}),
		payoutAmount:    prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "payout_coins_total", Help: "Coins paid to miners."}),
		rewardsCredited: prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rewards_credited_coins_total", Help: "Block rewards credited to balances."}),
		hashrate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "hashrate", Help: "Estimated hashes per second.",
		}, []string{"scope"}),
	}

	collectors := []prometheus.Collector{
		r.connections, r.connOpened, r.shares, r.shareLatency, r.jobsIssued, r.jobDifficulty,
		r.blocksFound, r.blockSubmits, r.payouts, r.payoutAmount, r.rewardsCredited, r.hashrate,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	r.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	return r, nil
}

// Handler exposes the HTTP handler for scraping.
func (r *Recorder) Handler() http.Handler {
	return r.handler
}

// GaugeFunc registers a gauge sampled from fn at scrape time.
func (r *Recorder) GaugeFunc(name, help string, fn func() float64) error {
	return r.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: r.namespace, Name: name, Help: help,
	}, fn))
}

func (r *Recorder) Connected(string) {
	r.connections.Inc()
	r.connOpened.Inc()
}

func (r *Recorder) Disconnected(string) { r.connections.Dec() }

func (r *Recorder) JobIssued(difficulty float64) {
	r.jobsIssued.Inc()
	r.jobDifficulty.Observe(difficulty)
}

func (r *Recorder) ShareProcessed(ev protocol.ShareEvent) {
	r.shares.WithLabelValues(ev.Status).Inc()
	r.shareLatency.Observe(ev.Latency.Seconds())
}

func (r *Recorder) BlockFound(*protocol.FoundBlock) {
	r.blocksFound.Inc()
}

// BlockSubmitted counts a daemon verdict on a found block.
func (r *Recorder) BlockSubmitted(status string) {
	r.blockSubmits.WithLabelValues(status).Inc()
}

// PayoutBatches counts payout batches and, when sent, the coins they paid.
func (r *Recorder) PayoutBatches(status string, batches int, coins float64) {
	r.payouts.WithLabelValues(status).Add(float64(batches))
	if status == "sent" {
		r.payoutAmount.Add(coins)
	}
}

// RewardCredited adds a distributed block reward.
func (r *Recorder) RewardCredited(coins float64) {
	r.rewardsCredited.Add(coins)
}

// SetHashrate records the latest estimate for scope ("pool" or a miner id).
func (r *Recorder) SetHashrate(scope string, hashesPerSecond float64) {
	r.hashrate.WithLabelValues(scope).Set(hashesPerSecond)
}

// Serve runs the metrics endpoint on addr until ctx ends.
func (r *Recorder) Serve(ctx context.Context, addr string, logger *log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("metrics server shutdown failed")
		}
	}()

	logger.Info("metrics listening", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Compile-time interface compliance check
var _ protocol.Observer = (*Recorder)(nil)
