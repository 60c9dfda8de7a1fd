// Package coind talks to the coin daemon: JSON-RPC for templates, addresses,
// wallet history and payouts, and ZMQ for new block notifications.
package coind

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/bardlex/hivepool/pkg/circuit"
	"github.com/bardlex/hivepool/pkg/errors"
	"github.com/bardlex/hivepool/pkg/retry"
)

// rawClient is the part of rpcclient.Client the pool uses. The daemon's block
// and address formats differ from bitcoin's, so every call goes through raw
// requests and is decoded into btcjson result types where they fit.
type rawClient interface {
	RawRequest(method string, params []json.RawMessage) (json.RawMessage, error)
	Shutdown()
}

// RPCClient provides a high-level interface to the coin daemon's JSON-RPC API.
// Reads are retried with backoff behind a circuit breaker; calls that move
// coins or submit blocks are attempted once.
type RPCClient struct {
	client         rawClient
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewRPCClient creates a daemon RPC client in HTTP POST mode.
//
// Parameters:
//   - host: daemon host and port, optionally followed by /wallet/<name>
//   - username: RPC authentication username
//   - password: RPC authentication password
//
// Returns:
//   - *RPCClient: Configured RPC client ready for use
//   - error: Any error encountered during client creation
func NewRPCClient(host, username, password string) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         host,
		User:         username,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDaemon, "rpc_client_creation",
			"failed to create daemon RPC client").
			WithContext("host", host)
	}

	return newRPCClient(client), nil
}

func newRPCClient(client rawClient) *RPCClient {
	return &RPCClient{
		client: client,
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "coind",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         10 * time.Second,
			ResetTimeout:    30 * time.Second,
			IsFailure:       circuit.CountRemote,
		}),
		retryConfig: retry.NetworkConfig(),
	}
}

// Close shuts down the underlying client.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// call performs one raw request, giving up when ctx ends. The request itself
// keeps running until the HTTP round trip returns.
func (c *RPCClient) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	raw := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, method, "failed to encode parameter")
		}
		raw = append(raw, b)
	}

	type reply struct {
		result json.RawMessage
		err    error
	}
	done := make(chan reply, 1)
	go func() {
		result, err := c.client.RawRequest(method, raw)
		done <- reply{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, method, "daemon call abandoned")
	case r := <-done:
		if r.err != nil {
			return nil, classify(r.err, method)
		}
		return r.result, nil
	}
}

// classify maps transport and RPC failures onto the error taxonomy. HTTP 401
// and 403 mean the credentials or rpcallowip need an operator.
func classify(err error, method string) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "status code: 401"), strings.Contains(msg, "status code: 403"):
		return errors.Wrap(err, errors.ErrorTypeAuthorization, method, "daemon refused the credentials")
	case strings.Contains(msg, "status code: 5"):
		se := errors.Wrap(err, errors.ErrorTypeDaemon, method, "daemon returned a server error")
		se.Retryable = true
		return se
	}

	var rpcErr *btcjson.RPCError
	if stderrors.As(err, &rpcErr) {
		return errors.Wrap(err, errors.ErrorTypeDaemon, method, "daemon rejected the call").
			WithContext("rpc_code", int(rpcErr.Code))
	}
	return errors.Wrap(err, errors.ErrorTypeDaemon, method, "daemon call failed")
}

// read runs an idempotent call with retries behind the breaker and decodes
// the result into T.
func read[T any](ctx context.Context, c *RPCClient, method string, params ...any) (T, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (T, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (T, error) {
			return decode[T](c.call(ctx, method, params...))
		})
	})
}

// once runs a non-idempotent call behind the breaker without retries.
func once[T any](ctx context.Context, c *RPCClient, method string, params ...any) (T, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (T, error) {
		return decode[T](c.call(ctx, method, params...))
	})
}

func decode[T any](raw json.RawMessage, err error) (T, error) {
	var out T
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, errors.Wrap(err, errors.ErrorTypeDaemon, "decode_result",
			"unexpected daemon response").
			WithContext("response", truncate(string(raw), 256))
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// GetBlockTemplate blocks until the daemon's template differs from
// longPollID, or returns immediately when longPollID is empty. Retrying is
// left to the caller, which owns the backoff policy.
func (c *RPCClient) GetBlockTemplate(ctx context.Context, longPollID string) (*btcjson.GetBlockTemplateResult, error) {
	req := &btcjson.TemplateRequest{
		Mode:         "template",
		Capabilities: []string{"coinbasetxn", "workid", "coinbase/append", "longpoll", "segwit"},
		Rules:        []string{"segwit"},
		LongPollID:   longPollID,
	}
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*btcjson.GetBlockTemplateResult, error) {
		return decode[*btcjson.GetBlockTemplateResult](c.call(ctx, "getblocktemplate", req))
	})
}

// GetNewBlockRaw asks the daemon to assemble a block paying address.
func (c *RPCClient) GetNewBlockRaw(ctx context.Context, address string) (*RawBlock, error) {
	block, err := read[*RawBlock](ctx, c, "getnewblockraw", address)
	if err != nil {
		return nil, err
	}
	if block == nil || block.BlockHex == "" || block.Nbits == "" {
		return nil, errors.New(errors.ErrorTypeDaemon, "getnewblockraw", "daemon returned an empty block")
	}
	return block, nil
}

// ValidateAddress reports whether the daemon accepts address. An RPC error
// is returned as an error, not as an invalid address.
func (c *RPCClient) ValidateAddress(ctx context.Context, address string) (bool, error) {
	res, err := read[btcjson.ValidateAddressWalletResult](ctx, c, "validateaddress", address)
	if err != nil {
		return false, err
	}
	return res.IsValid, nil
}

// SubmitBlock submits a solved block. The daemon answers null on success and
// a rejection reason otherwise.
func (c *RPCClient) SubmitBlock(ctx context.Context, blockHex string) error {
	if blockHex == "" {
		return errors.New(errors.ErrorTypeValidation, "submitblock", "empty block")
	}
	reason, err := once[*string](ctx, c, "submitblock", blockHex)
	if err != nil {
		return err
	}
	if reason != nil && *reason != "" {
		return errors.New(errors.ErrorTypeDaemon, "submitblock", "block rejected: "+*reason).
			WithContext("reason", *reason)
	}
	return nil
}

// ListTransactions returns count wallet transactions after skipping skip.
func (c *RPCClient) ListTransactions(ctx context.Context, count, skip int) ([]btcjson.ListTransactionsResult, error) {
	return read[[]btcjson.ListTransactionsResult](ctx, c, "listtransactions", "*", count, skip)
}

// GetBlockHeader returns the verbose header for a block hash.
func (c *RPCClient) GetBlockHeader(ctx context.Context, hash string) (*btcjson.GetBlockHeaderVerboseResult, error) {
	return read[*btcjson.GetBlockHeaderVerboseResult](ctx, c, "getblockheader", hash, true)
}

// CreateRawTransaction builds an unfunded transaction paying outputs.
func (c *RPCClient) CreateRawTransaction(ctx context.Context, outputs map[string]btcutil.Amount) (string, error) {
	if len(outputs) == 0 {
		return "", errors.New(errors.ErrorTypeValidation, "createrawtransaction", "no outputs")
	}
	amounts := make(map[string]json.RawMessage, len(outputs))
	for addr, amount := range outputs {
		amounts[addr] = json.RawMessage(coinAmount(amount))
	}
	return once[string](ctx, c, "createrawtransaction", []any{}, amounts)
}

// EstimateSmartFee returns the fee estimate for confirmation within target blocks.
func (c *RPCClient) EstimateSmartFee(ctx context.Context, target int) (*btcjson.EstimateSmartFeeResult, error) {
	return read[*btcjson.EstimateSmartFeeResult](ctx, c, "estimatesmartfee", target)
}

// FundRawTransaction adds wallet inputs and change at feeRate coins per kB.
func (c *RPCClient) FundRawTransaction(ctx context.Context, rawTx string, feeRate float64) (*FundResult, error) {
	opts := map[string]any{"feeRate": feeRate}
	return once[*FundResult](ctx, c, "fundrawtransaction", rawTx, opts)
}

// SignRawTransaction signs with the wallet's keys.
func (c *RPCClient) SignRawTransaction(ctx context.Context, rawTx string) (*btcjson.SignRawTransactionWithWalletResult, error) {
	res, err := once[*btcjson.SignRawTransactionWithWalletResult](ctx, c, "signrawtransactionwithwallet", rawTx)
	if err != nil {
		return nil, err
	}
	if res == nil || !res.Complete {
		return nil, errors.New(errors.ErrorTypeDaemon, "signrawtransactionwithwallet", "transaction not fully signed")
	}
	return res, nil
}

// SendRawTransaction broadcasts a signed transaction and returns its txid.
func (c *RPCClient) SendRawTransaction(ctx context.Context, signedTx string) (string, error) {
	return once[string](ctx, c, "sendrawtransaction", signedTx)
}

// Ping tests connectivity to the daemon.
func (c *RPCClient) Ping(ctx context.Context) error {
	_, err := read[json.RawMessage](ctx, c, "ping")
	return err
}

// BreakerState exposes the breaker for health reporting.
func (c *RPCClient) BreakerState() circuit.State {
	return c.circuitBreaker.GetState()
}
