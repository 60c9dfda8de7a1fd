package validation

import (
	"bytes"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/hivepool/internal/graph"
)

const s = graph.Sentinel

var (
	twoStageAt  = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	canonicalAt = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// anyHash is above every 256-bit hash, noHash below all of them.
	anyHash = new(big.Int).Lsh(big.NewInt(1), 256)
	noHash  = big.NewInt(0)
)

// completeGenerator connects every pair of vertices, so any permutation is a
// Hamiltonian cycle.
type completeGenerator struct {
	seeds []chainhash.Hash
}

func (c *completeGenerator) Generate(seed chainhash.Hash, size, _ int) *graph.Graph {
	c.seeds = append(c.seeds, seed)
	g := graph.New(size)
	for i := 0; i < size; i++ {
		for j := i + 1; j < size; j++ {
			g.SetEdge(i, j, true)
		}
	}
	return g
}

type panicGenerator struct{}

func (panicGenerator) Generate(chainhash.Hash, int, int) *graph.Graph {
	panic("generator exploded")
}

// testValidator uses 5 vertex legacy graphs and 5+3 vertex two-stage graphs
// over 8 path slots.
func testValidator(t *testing.T, gen graph.Generator) *ShareValidator {
	t.Helper()

	legacy := graph.RuleSet{Version: 1, Scheme: graph.SchemeLegacy, PathSlots: 8, MinGrid: 5, MaxGrid: 5}
	two := graph.RuleSet{
		Version: 2, Scheme: graph.SchemeTwoStage, ActiveFrom: twoStageAt, PathSlots: 8,
		WorkerMin: 5, WorkerMax: 5, TotalGrid: 8, WorkerPercentX10: 500, QueenPercentX10: 125,
	}
	canonical := two
	canonical.Version = 3
	canonical.ActiveFrom = canonicalAt
	canonical.EnforceCanonical = true

	schedule, err := graph.NewSchedule(legacy, two, canonical)
	if err != nil {
		t.Fatalf("NewSchedule: %v", err)
	}
	return NewShareValidator(schedule, WithGenerators(gen, gen))
}

func request(path []uint16, at time.Time, jobTarget, blockTarget *big.Int) *Request {
	return &Request{
		Payload:     bytes.Repeat([]byte{0x42}, 76),
		Nonce:       []byte{1, 2, 3, 4},
		Path:        path,
		JobTarget:   jobTarget,
		BlockTarget: blockTarget,
		SubmittedAt: at,
	}
}

func TestValidateOutcomes(t *testing.T) {
	legacyAt := twoStageAt.Add(-time.Hour)
	beforeCanonical := canonicalAt.Add(-time.Hour)
	afterCanonical := canonicalAt.Add(time.Hour)

	tests := []struct {
		name        string
		path        []uint16
		at          time.Time
		jobTarget   *big.Int
		blockTarget *big.Int
		want        Outcome
		version     int
	}{
		{"legacy accepted", []uint16{0, 1, 2, 3, 4, s, s, s}, legacyAt, anyHash, noHash, OutcomeAccepted, 1},
		{"legacy block found", []uint16{4, 2, 0, 1, 3, s, s, s}, legacyAt, anyHash, anyHash, OutcomeBlockFound, 1},
		{"hash above job target", []uint16{0, 1, 2, 3, 4, s, s, s}, legacyAt, big.NewInt(1), noHash, OutcomeRejected, 1},
		{"legacy duplicate vertex", []uint16{0, 0, 1, 2, 3, s, s, s}, legacyAt, anyHash, noHash, OutcomeRejected, 1},
		{"legacy short cycle", []uint16{0, 1, 2, 3, s, s, s, s}, legacyAt, anyHash, noHash, OutcomeRejected, 1},
		{"legacy trailing vertex", []uint16{0, 1, 2, 3, 4, 0, s, s}, legacyAt, anyHash, noHash, OutcomeRejected, 1},
		{"two-stage accepted", []uint16{0, 1, 2, 3, 4, 0, 1, 2}, beforeCanonical, anyHash, noHash, OutcomeAccepted, 2},
		{"two-stage worker not rooted", []uint16{1, 0, 2, 3, 4, 0, 1, 2}, beforeCanonical, anyHash, noHash, OutcomeRejected, 2},
		{"two-stage queen not rooted", []uint16{0, 1, 2, 3, 4, 2, 1, 0}, beforeCanonical, anyHash, noHash, OutcomeRejected, 2},
		{"two-stage sentinel", []uint16{0, 1, 2, 3, 4, 0, 1, s}, beforeCanonical, anyHash, noHash, OutcomeRejected, 2},
		{"non-canonical before activation", []uint16{0, 2, 1, 3, 4, 0, 1, 2}, beforeCanonical, anyHash, noHash, OutcomeAccepted, 2},
		{"non-canonical after activation", []uint16{0, 2, 1, 3, 4, 0, 1, 2}, afterCanonical, anyHash, noHash, OutcomeRejected, 3},
		{"canonical after activation", []uint16{0, 1, 2, 3, 4, 0, 1, 2}, afterCanonical, anyHash, anyHash, OutcomeBlockFound, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := testValidator(t, &completeGenerator{})
			res := v.Validate(request(tt.path, tt.at, tt.jobTarget, tt.blockTarget))

			if res.Outcome != tt.want {
				t.Fatalf("Validate() outcome = %s (%s), want %s", res.Outcome, res.Reason, tt.want)
			}
			if res.RuleVersion != tt.version {
				t.Errorf("rule version = %d, want %d", res.RuleVersion, tt.version)
			}
			if res.Outcome.Valid() && len(res.Header) != 76+4+16 {
				t.Errorf("header has %d bytes, want %d", len(res.Header), 76+4+16)
			}
			if res.Outcome == OutcomeRejected && res.Reason == "" {
				t.Error("rejections must carry a reason")
			}
		})
	}
}

func TestValidateMalformedInput(t *testing.T) {
	v := testValidator(t, &completeGenerator{})
	path := []uint16{0, 1, 2, 3, 4, s, s, s}
	at := twoStageAt.Add(-time.Hour)

	shortNonce := request(path, at, anyHash, noHash)
	shortNonce.Nonce = []byte{1, 2, 3}

	noTarget := request(path, at, nil, noHash)

	wrongSlots := request(path[:7], at, anyHash, noHash)

	emptyPayload := request(path, at, anyHash, noHash)
	emptyPayload.Payload = nil

	for name, req := range map[string]*Request{
		"nil request":   nil,
		"short nonce":   shortNonce,
		"no target":     noTarget,
		"wrong slots":   wrongSlots,
		"empty payload": emptyPayload,
	} {
		t.Run(name, func(t *testing.T) {
			if res := v.Validate(req); res.Outcome != OutcomeError {
				t.Errorf("Validate() = %s, want error", res.Outcome)
			}
		})
	}
}

func TestValidateRecoversFromGeneratorPanic(t *testing.T) {
	v := testValidator(t, panicGenerator{})
	res := v.Validate(request([]uint16{0, 1, 2, 3, 4, s, s, s}, time.Time{}, anyHash, noHash))

	if res.Outcome != OutcomeError || !strings.Contains(res.Reason, "generator exploded") {
		t.Errorf("Validate() = %s %q, want recovered error", res.Outcome, res.Reason)
	}
}

func TestValidateHashesDeterministically(t *testing.T) {
	gen := &completeGenerator{}
	v := testValidator(t, gen)
	req := request([]uint16{0, 1, 2, 3, 4, 0, 1, 2}, canonicalAt, anyHash, noHash)

	first := v.Validate(req)
	second := v.Validate(req)
	if first.Hash != second.Hash {
		t.Fatal("same submission must hash identically")
	}

	want := chainhash.DoubleHashH(first.Header)
	if first.Hash != want {
		t.Errorf("share hash %s, want double SHA-256 of the header %s", first.Hash, want)
	}

	// Worker graph from the placeholder hash, queen graph from the worker solution.
	if len(gen.seeds) < 2 {
		t.Fatalf("expected two generator calls, got %d", len(gen.seeds))
	}
	placeholder := headerBytes(req.Payload, req.Nonce, placeholderPath(8))
	if gen.seeds[0] != chainhash.DoubleHashH(placeholder) {
		t.Error("worker graph must be seeded by the placeholder header hash")
	}
	queenSeed, err := QueenSeed(req.Path[:5], gen.seeds[0])
	if err != nil {
		t.Fatalf("QueenSeed: %v", err)
	}
	if gen.seeds[1] != queenSeed {
		t.Error("queen graph must be seeded by the worker solution")
	}
}

func TestQueenSeedEncoding(t *testing.T) {
	var seed chainhash.Hash
	seed[0] = 0xaa

	got, err := QueenSeed([]uint16{0, 1, 0x0302}, seed)
	if err != nil {
		t.Fatalf("QueenSeed: %v", err)
	}

	raw := append([]byte{3, 0, 0, 1, 0, 2, 3}, seed[:]...)
	if want := chainhash.DoubleHashH(raw); got != want {
		t.Errorf("QueenSeed = %s, want %s", got, want)
	}
}
