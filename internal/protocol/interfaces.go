package protocol

import (
	"context"
	"time"

	"github.com/bardlex/hivepool/internal/ledger"
	"github.com/bardlex/hivepool/internal/validation"
)

// AddressValidator checks miner addresses with the coin daemon.
type AddressValidator interface {
	ValidateAddress(ctx context.Context, address string) (bool, error)
}

// Validator runs share validation off the connection goroutine.
type Validator interface {
	Submit(ctx context.Context, req *validation.Request) (*validation.Result, error)
}

// ShareStore persists accepted shares. SaveShare returns an error matching
// ledger.ErrDuplicateShare when the hash was already recorded.
type ShareStore interface {
	SaveShare(ctx context.Context, share *ledger.Share) error
	FlagMiner(ctx context.Context, minerID, reason string) error
}

// BanStore answers and records IP bans.
type BanStore interface {
	IsBanned(ctx context.Context, ip string) (bool, error)
	Ban(ctx context.Context, ip string) error
}

// Store is everything the server persists.
type Store interface {
	ShareStore
	BanStore
}

// FoundBlock is a solved block ready for the daemon.
type FoundBlock struct {
	Hash     string
	BlockHex string
	MinerID  string
	JobID    string
	Nbits    uint32
	FoundAt  time.Time
}

// BlockSink takes found blocks, either submitting them directly or handing
// them to another service.
type BlockSink interface {
	SubmitBlock(ctx context.Context, block *FoundBlock) error
}

// Share statuses reported to observers.
const (
	StatusAccepted    = "accepted"
	StatusRejected    = "rejected"
	StatusDuplicate   = "duplicate"
	StatusMismatch    = "job_mismatch"
	StatusMalformed   = "malformed"
	StatusRateLimited = "rate_limited"
	StatusStoreError  = "store_error"
)

// ShareEvent describes one processed submission.
type ShareEvent struct {
	MinerID    string
	JobID      string
	IP         string
	Status     string
	Difficulty float64
	Latency    time.Duration
	At         time.Time
}

// Observer receives server events for instrumentation. Calls must not block.
type Observer interface {
	Connected(ip string)
	Disconnected(ip string)
	JobIssued(difficulty float64)
	ShareProcessed(ev ShareEvent)
	BlockFound(block *FoundBlock)
}

// Observers fans events out to every member.
type Observers []Observer

func (o Observers) Connected(ip string) {
	for _, obs := range o {
		obs.Connected(ip)
	}
}

func (o Observers) Disconnected(ip string) {
	for _, obs := range o {
		obs.Disconnected(ip)
	}
}

func (o Observers) JobIssued(difficulty float64) {
	for _, obs := range o {
		obs.JobIssued(difficulty)
	}
}

func (o Observers) ShareProcessed(ev ShareEvent) {
	for _, obs := range o {
		obs.ShareProcessed(ev)
	}
}

func (o Observers) BlockFound(block *FoundBlock) {
	for _, obs := range o {
		obs.BlockFound(block)
	}
}
