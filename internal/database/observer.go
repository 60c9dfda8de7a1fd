package database

import (
	"github.com/bardlex/hivepool/internal/database/influx"
	"github.com/bardlex/hivepool/internal/ledger"
	"github.com/bardlex/hivepool/internal/payout"
	"github.com/bardlex/hivepool/internal/protocol"
)

// Compile-time interface compliance checks
var (
	_ protocol.Store         = (*Manager)(nil)
	_ ledger.ShareReader     = (*Manager)(nil)
	_ ledger.BalanceCreditor = (*Manager)(nil)
	_ ledger.ProcessedStore  = (*Manager)(nil)
	_ payout.BalanceStore    = (*Manager)(nil)
	_ protocol.Observer      = (*influxObserver)(nil)
)

// Observer returns a protocol.Observer writing share and block points to
// InfluxDB, or a no-op observer when InfluxDB is not configured.
func (m *Manager) Observer() protocol.Observer {
	if m.Influx == nil {
		return protocol.Observers{}
	}
	return &influxObserver{influx: m.Influx}
}

type influxObserver struct {
	influx *influx.Client
}

func (o *influxObserver) Connected(string)    {}
func (o *influxObserver) Disconnected(string) {}
func (o *influxObserver) JobIssued(float64)   {}

func (o *influxObserver) ShareProcessed(ev protocol.ShareEvent) {
	o.influx.WriteShare(ev.MinerID, ev.Status, ev.Difficulty, ev.Latency, ev.At)
}

func (o *influxObserver) BlockFound(block *protocol.FoundBlock) {
	o.influx.WriteBlock(block.Hash, block.MinerID, block.Nbits, "found", block.FoundAt)
}
