// Package influx writes hivepool's time-series points to InfluxDB: shares,
// blocks, hashrate, rewards, payouts and pool statistics.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// pointWriter is the part of api.WriteAPI the client uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI pointWriter
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}
	if err := c.Health(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return c, nil
}

// Close flushes pending points and closes the InfluxDB connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// Mining metrics

// WriteShare writes one processed submission
func (c *Client) WriteShare(minerID, status string, difficulty float64, latency time.Duration, at time.Time) {
	tags := map[string]string{
		"miner_id": minerID,
		"status":   status,
	}

	fields := map[string]any{
		"difficulty": difficulty,
		"latency_ms": float64(latency) / float64(time.Millisecond),
		"count":      1,
	}

	c.writeAPI.WritePoint(write.NewPoint("shares", tags, fields, at))
}

// WriteBlock writes a found block and its submission status
func (c *Client) WriteBlock(hash, minerID string, nbits uint32, status string, at time.Time) {
	tags := map[string]string{
		"miner_id": minerID,
		"status":   status,
	}

	fields := map[string]any{
		"hash":  hash,
		"nbits": strconv.FormatUint(uint64(nbits), 16),
		"count": 1,
	}

	c.writeAPI.WritePoint(write.NewPoint("blocks", tags, fields, at))
}

// WriteHashrate writes a hashrate estimate for minerID, or for the whole
// pool when minerID is empty
func (c *Client) WriteHashrate(minerID string, hashrate float64, at time.Time) {
	tags := map[string]string{"scope": "pool"}
	if minerID != "" {
		tags = map[string]string{"scope": "miner", "miner_id": minerID}
	}

	fields := map[string]any{
		"hashrate": hashrate,
	}

	c.writeAPI.WritePoint(write.NewPoint("hashrate", tags, fields, at))
}

// WriteReward writes one distributed block reward, amounts in satoshis
func (c *Client) WriteReward(txid string, reward, retained int64, miners int, at time.Time) {
	fields := map[string]any{
		"txid":     txid,
		"reward":   reward,
		"retained": retained,
		"miners":   miners,
	}

	c.writeAPI.WritePoint(write.NewPoint("rewards", map[string]string{}, fields, at))
}

// WritePayout writes one payout transaction, amounts in satoshis
func (c *Client) WritePayout(txid string, miners int, total, fees int64, status string, at time.Time) {
	tags := map[string]string{
		"status": status,
	}

	fields := map[string]any{
		"txid":   txid,
		"miners": miners,
		"total":  total,
		"fees":   fees,
		"count":  1,
	}

	c.writeAPI.WritePoint(write.NewPoint("payouts", tags, fields, at))
}

// Pool statistics

// WritePoolStats writes overall pool statistics
func (c *Client) WritePoolStats(connections int, hashrate float64, at time.Time) {
	fields := map[string]any{
		"connections": connections,
		"hashrate":    hashrate,
	}

	c.writeAPI.WritePoint(write.NewPoint("pool_stats", map[string]string{}, fields, at))
}
