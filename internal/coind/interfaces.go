package coind

import (
	"context"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
)

// Daemon is the full set of daemon calls the pool services make. Consumers
// declare the narrower interface they need; this one documents the surface
// and pins RPCClient to it.
type Daemon interface {
	// Templates and blocks
	GetBlockTemplate(ctx context.Context, longPollID string) (*btcjson.GetBlockTemplateResult, error)
	GetNewBlockRaw(ctx context.Context, address string) (*RawBlock, error)
	SubmitBlock(ctx context.Context, blockHex string) error
	GetBlockHeader(ctx context.Context, hash string) (*btcjson.GetBlockHeaderVerboseResult, error)

	// Addresses and wallet history
	ValidateAddress(ctx context.Context, address string) (bool, error)
	ListTransactions(ctx context.Context, count, skip int) ([]btcjson.ListTransactionsResult, error)

	// Payouts
	CreateRawTransaction(ctx context.Context, outputs map[string]btcutil.Amount) (string, error)
	EstimateSmartFee(ctx context.Context, target int) (*btcjson.EstimateSmartFeeResult, error)
	FundRawTransaction(ctx context.Context, rawTx string, feeRate float64) (*FundResult, error)
	SignRawTransaction(ctx context.Context, rawTx string) (*btcjson.SignRawTransactionWithWalletResult, error)
	SendRawTransaction(ctx context.Context, signedTx string) (string, error)

	Ping(ctx context.Context) error
	Close()
}

// Notifier is the ZMQ subscription contract.
type Notifier interface {
	Subscribe(topic string) error
	Connect() error
	Listen(ctx context.Context, handler func(topic string, data []byte) error) error
	Close() error
}

// Compile-time interface compliance checks
var (
	_ Daemon   = (*RPCClient)(nil)
	_ Notifier = (*ZMQNotifier)(nil)
)
