package payout

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"

	"github.com/bardlex/hivepool/internal/coind"
	"github.com/bardlex/hivepool/pkg/errors"
	"github.com/bardlex/hivepool/pkg/log"
)

type fakeStore struct {
	mu       sync.Mutex
	balances map[string]btcutil.Amount
	records  []*Record
}

func (f *fakeStore) MinersAbove(_ context.Context, threshold btcutil.Amount) ([]Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Balance
	for id, amount := range f.balances {
		if amount > threshold {
			out = append(out, Balance{MinerID: id, Amount: amount})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinerID < out[j].MinerID })
	return out, nil
}

func (f *fakeStore) ZeroBalances(_ context.Context, minerIDs []string) (map[string]btcutil.Amount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := make(map[string]btcutil.Amount, len(minerIDs))
	for _, id := range minerIDs {
		prev[id] = f.balances[id]
		f.balances[id] = 0
	}
	return prev, nil
}

func (f *fakeStore) RestoreBalances(_ context.Context, balances map[string]btcutil.Amount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, amount := range balances {
		f.balances[id] += amount
	}
	return nil
}

func (f *fakeStore) RecordPayout(_ context.Context, record *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

type fakeWallet struct {
	invalid  map[string]bool
	feeRate  *float64
	feeErr   error
	sendErr  error
	created  []map[string]btcutil.Amount
	fundRate []float64
	sent     int
}

func (w *fakeWallet) ValidateAddress(_ context.Context, address string) (bool, error) {
	return !w.invalid[address], nil
}

func (w *fakeWallet) CreateRawTransaction(_ context.Context, outputs map[string]btcutil.Amount) (string, error) {
	copied := make(map[string]btcutil.Amount, len(outputs))
	for k, v := range outputs {
		copied[k] = v
	}
	w.created = append(w.created, copied)
	return "raw", nil
}

func (w *fakeWallet) EstimateSmartFee(context.Context, int) (*btcjson.EstimateSmartFeeResult, error) {
	if w.feeErr != nil {
		return nil, w.feeErr
	}
	return &btcjson.EstimateSmartFeeResult{FeeRate: w.feeRate}, nil
}

func (w *fakeWallet) FundRawTransaction(_ context.Context, rawTx string, feeRate float64) (*coind.FundResult, error) {
	w.fundRate = append(w.fundRate, feeRate)
	return &coind.FundResult{Hex: rawTx + "-funded"}, nil
}

func (w *fakeWallet) SignRawTransaction(_ context.Context, rawTx string) (*btcjson.SignRawTransactionWithWalletResult, error) {
	return &btcjson.SignRawTransactionWithWalletResult{Hex: rawTx + "-signed", Complete: true}, nil
}

func (w *fakeWallet) SendRawTransaction(context.Context, string) (string, error) {
	if w.sendErr != nil {
		return "", w.sendErr
	}
	w.sent++
	return "tx" + string(rune('0'+w.sent)), nil
}

func newSweeper(store *fakeStore, wallet *fakeWallet, cfg Config) *Sweeper {
	return NewSweeper(store, wallet, cfg, log.Discard())
}

func TestSweepPaysMinersAndFeeAddress(t *testing.T) {
	rate := 0.00002
	store := &fakeStore{balances: map[string]btcutil.Amount{"a": 1000, "b": 2000, "small": 100}}
	wallet := &fakeWallet{feeRate: &rate}
	s := newSweeper(store, wallet, Config{Threshold: 500, FeePerMille: 10, FeeAddress: "fees"})

	summary, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if len(wallet.created) != 1 {
		t.Fatalf("created %d transactions, want 1", len(wallet.created))
	}
	want := map[string]btcutil.Amount{"a": 990, "b": 1980, "fees": 30}
	got := wallet.created[0]
	if len(got) != len(want) {
		t.Fatalf("outputs = %v, want %v", got, want)
	}
	for addr, amount := range want {
		if got[addr] != amount {
			t.Errorf("output[%s] = %d, want %d", addr, got[addr], amount)
		}
	}
	if wallet.fundRate[0] != 0.00002 {
		t.Errorf("fee rate = %v, want 0.00002", wallet.fundRate[0])
	}

	if store.balances["a"] != 0 || store.balances["b"] != 0 || store.balances["small"] != 100 {
		t.Errorf("balances = %v", store.balances)
	}
	if summary.Miners != 2 || summary.Total != 2970 || summary.Fees != 30 || summary.Batches != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if len(store.records) != 1 || store.records[0].TxID != "tx1" {
		t.Errorf("records = %+v", store.records)
	}
}

func TestSweepFeeRateFallback(t *testing.T) {
	tests := []struct {
		name    string
		rate    *float64
		feeErr  error
		wantBTC float64
	}{
		{name: "estimate error", feeErr: stderrors.New("insufficient data"), wantBTC: 0.00001},
		{name: "no estimate", wantBTC: 0.00001},
		{name: "fraction rounds up", rate: ptr(0.0000101), wantBTC: 0.00002},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{balances: map[string]btcutil.Amount{"a": 1000}}
			wallet := &fakeWallet{feeRate: tt.rate, feeErr: tt.feeErr}
			if _, err := newSweeper(store, wallet, Config{}).Sweep(context.Background()); err != nil {
				t.Fatalf("Sweep() error = %v", err)
			}
			if len(wallet.fundRate) != 1 || wallet.fundRate[0] != tt.wantBTC {
				t.Errorf("fee rate = %v, want %v", wallet.fundRate, tt.wantBTC)
			}
		})
	}
}

func TestSweepSkipsInvalidAddresses(t *testing.T) {
	store := &fakeStore{balances: map[string]btcutil.Amount{"good": 1000, "bad": 1000}}
	wallet := &fakeWallet{invalid: map[string]bool{"bad": true}}

	if _, err := newSweeper(store, wallet, Config{}).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if _, ok := wallet.created[0]["bad"]; ok {
		t.Error("invalid address was paid")
	}
	if store.balances["bad"] != 1000 {
		t.Errorf("invalid address balance = %d, want untouched", store.balances["bad"])
	}
}

func TestSweepBatches(t *testing.T) {
	store := &fakeStore{balances: map[string]btcutil.Amount{"a": 1000, "b": 1000, "c": 1000}}
	wallet := &fakeWallet{}

	summary, err := newSweeper(store, wallet, Config{BatchSize: 2}).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(wallet.created) != 2 || len(wallet.created[0]) != 2 || len(wallet.created[1]) != 1 {
		t.Errorf("transactions = %v, want batches of 2 and 1", wallet.created)
	}
	if summary.Batches != 2 || len(summary.TxIDs) != 2 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestSweepRestoresBalancesOnFailure(t *testing.T) {
	store := &fakeStore{balances: map[string]btcutil.Amount{"a": 1000, "b": 2000}}
	wallet := &fakeWallet{sendErr: stderrors.New("bad-txns-inputs-missingorspent")}

	summary, err := newSweeper(store, wallet, Config{FeePerMille: 10, FeeAddress: "fees"}).Sweep(context.Background())
	if err == nil {
		t.Fatal("Sweep() succeeded despite the send failure")
	}
	if !errors.HasType(err, errors.ErrorTypeConsistency) {
		t.Errorf("error %v is not a consistency error", err)
	}
	if store.balances["a"] != 1000 || store.balances["b"] != 2000 {
		t.Errorf("balances = %v, want restored", store.balances)
	}
	if summary.Batches != 0 || len(store.records) != 0 {
		t.Errorf("failed batch was recorded: %+v", summary)
	}
}

func TestSweepNothingAfterFee(t *testing.T) {
	store := &fakeStore{balances: map[string]btcutil.Amount{"a": 1000}}
	wallet := &fakeWallet{}

	if _, err := newSweeper(store, wallet, Config{FeePerMille: 1000}).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(wallet.created) != 0 {
		t.Errorf("sent %v although the fee takes the whole balance", wallet.created)
	}
	if store.balances["a"] != 1000 {
		t.Errorf("balance = %d, want untouched", store.balances["a"])
	}
}

func TestFee(t *testing.T) {
	s := newSweeper(&fakeStore{}, &fakeWallet{}, Config{FeePerMille: 15})
	tests := []struct {
		balance, want btcutil.Amount
	}{
		{0, 0},
		{66, 0},
		{67, 1},
		{100_000_000, 1_500_000},
	}
	for _, tt := range tests {
		if got := s.Fee(tt.balance); got != tt.want {
			t.Errorf("Fee(%d) = %d, want %d", tt.balance, got, tt.want)
		}
	}
}

func ptr(f float64) *float64 { return &f }
