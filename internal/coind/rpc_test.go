package coind

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"

	poolerrors "github.com/bardlex/hivepool/pkg/errors"
)

type call struct {
	method string
	params []json.RawMessage
}

// fakeRaw answers raw requests from a per-method table.
type fakeRaw struct {
	mu        sync.Mutex
	calls     []call
	responses map[string]string
	errs      map[string]error
	block     chan struct{}
}

func newFakeRaw() *fakeRaw {
	return &fakeRaw{responses: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeRaw) RawRequest(method string, params []json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{method, params})
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err := f.errs[method]; err != nil {
		return nil, err
	}
	return json.RawMessage(f.responses[method]), nil
}

func (f *fakeRaw) Shutdown() {}

func (f *fakeRaw) callsTo(method string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func TestGetNewBlockRaw(t *testing.T) {
	raw := newFakeRaw()
	raw.responses["getnewblockraw"] = `{"blockhex":"00aa","nbits":"1d00ffff","expanded":"00ff"}`
	c := newRPCClient(raw)

	block, err := c.GetNewBlockRaw(context.Background(), "sh1qpool")
	if err != nil {
		t.Fatalf("GetNewBlockRaw() error = %v", err)
	}
	if block.BlockHex != "00aa" || block.Nbits != "1d00ffff" || block.Expanded != "00ff" {
		t.Errorf("unexpected block %+v", block)
	}
	if got := string(raw.callsTo("getnewblockraw")[0].params[0]); got != `"sh1qpool"` {
		t.Errorf("address param = %s", got)
	}

	raw.responses["getnewblockraw"] = `{}`
	if _, err := c.GetNewBlockRaw(context.Background(), "sh1qpool"); err == nil {
		t.Error("empty block must be an error")
	}
}

func TestGetBlockTemplateSendsLongPollID(t *testing.T) {
	raw := newFakeRaw()
	raw.responses["getblocktemplate"] = `{"height":10,"bits":"1d00ffff","longpollid":"abc11"}`
	c := newRPCClient(raw)

	tmpl, err := c.GetBlockTemplate(context.Background(), "abc10")
	if err != nil {
		t.Fatalf("GetBlockTemplate() error = %v", err)
	}
	if tmpl.LongPollID != "abc11" || tmpl.Height != 10 {
		t.Errorf("unexpected template %+v", tmpl)
	}

	var req btcjson.TemplateRequest
	if err := json.Unmarshal(raw.callsTo("getblocktemplate")[0].params[0], &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.LongPollID != "abc10" {
		t.Errorf("longpollid = %q, want abc10", req.LongPollID)
	}
}

func TestAuthorizationFailureIsFatal(t *testing.T) {
	for _, status := range []string{"401", "403"} {
		t.Run(status, func(t *testing.T) {
			raw := newFakeRaw()
			raw.errs["getblocktemplate"] = errors.New("status code: " + status + `, response: ""`)
			c := newRPCClient(raw)

			_, err := c.GetBlockTemplate(context.Background(), "")
			if !poolerrors.IsFatal(err) {
				t.Fatalf("error %v is not fatal", err)
			}
			if poolerrors.IsRetryable(err) {
				t.Error("authorization failures must not be retryable")
			}
		})
	}
}

func TestReadsRetryTransientFailures(t *testing.T) {
	raw := newFakeRaw()
	raw.errs["validateaddress"] = errors.New("connection refused")
	c := newRPCClient(raw)
	c.retryConfig.BaseDelay = time.Millisecond
	c.retryConfig.MaxDelay = time.Millisecond

	if _, err := c.ValidateAddress(context.Background(), "sh1qminer"); err == nil {
		t.Fatal("expected error")
	}
	if got := len(raw.callsTo("validateaddress")); got != c.retryConfig.MaxAttempts {
		t.Errorf("attempts = %d, want %d", got, c.retryConfig.MaxAttempts)
	}
}

func TestValidateAddress(t *testing.T) {
	raw := newFakeRaw()
	raw.responses["validateaddress"] = `{"isvalid":true,"address":"sh1qminer"}`
	c := newRPCClient(raw)

	ok, err := c.ValidateAddress(context.Background(), "sh1qminer")
	if err != nil || !ok {
		t.Errorf("ValidateAddress() = %v, %v", ok, err)
	}

	raw.responses["validateaddress"] = `{"isvalid":false}`
	if ok, _ := c.ValidateAddress(context.Background(), "nope"); ok {
		t.Error("invalid address reported valid")
	}
}

func TestSubmitBlock(t *testing.T) {
	raw := newFakeRaw()
	raw.responses["submitblock"] = `null`
	c := newRPCClient(raw)

	if err := c.SubmitBlock(context.Background(), "00ff"); err != nil {
		t.Errorf("SubmitBlock() error = %v", err)
	}

	raw.responses["submitblock"] = `"high-hash"`
	err := c.SubmitBlock(context.Background(), "00ff")
	if err == nil || !strings.Contains(err.Error(), "high-hash") {
		t.Errorf("SubmitBlock() error = %v, want rejection reason", err)
	}

	raw.errs["submitblock"] = errors.New("connection refused")
	_ = c.SubmitBlock(context.Background(), "00ff")
	if got := len(raw.callsTo("submitblock")); got != 3 {
		t.Errorf("submitblock calls = %d, want 3 (no retries)", got)
	}
}

func TestCreateRawTransactionAmounts(t *testing.T) {
	raw := newFakeRaw()
	raw.responses["createrawtransaction"] = `"0200"`
	c := newRPCClient(raw)

	hex, err := c.CreateRawTransaction(context.Background(), map[string]btcutil.Amount{
		"sh1qa": 123456789,
		"sh1qb": 1,
	})
	if err != nil || hex != "0200" {
		t.Fatalf("CreateRawTransaction() = %q, %v", hex, err)
	}

	params := raw.callsTo("createrawtransaction")[0].params
	if string(params[0]) != "[]" {
		t.Errorf("inputs = %s, want []", params[0])
	}
	got := string(params[1])
	for _, want := range []string{`"sh1qa":1.23456789`, `"sh1qb":0.00000001`} {
		if !strings.Contains(got, want) {
			t.Errorf("outputs %s missing %s", got, want)
		}
	}
}

func TestSignRawTransactionIncomplete(t *testing.T) {
	raw := newFakeRaw()
	raw.responses["signrawtransactionwithwallet"] = `{"hex":"02","complete":false}`
	c := newRPCClient(raw)

	if _, err := c.SignRawTransaction(context.Background(), "02"); err == nil {
		t.Error("incomplete signature must fail")
	}
}

func TestCallHonorsContext(t *testing.T) {
	raw := newFakeRaw()
	raw.block = make(chan struct{})
	defer close(raw.block)
	c := newRPCClient(raw)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := c.GetBlockTemplate(ctx, "lp"); err == nil {
		t.Fatal("expected error from abandoned call")
	}
	if time.Since(start) > time.Second {
		t.Error("call did not return when the context ended")
	}
}

func TestCoinAmount(t *testing.T) {
	tests := []struct {
		in   btcutil.Amount
		want string
	}{
		{0, "0.00000000"},
		{1, "0.00000001"},
		{100000000, "1.00000000"},
		{123456789, "1.23456789"},
		{-5, "-0.00000005"},
	}
	for _, tt := range tests {
		if got := coinAmount(tt.in); got != tt.want {
			t.Errorf("coinAmount(%d) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
