// Package validation decides whether a (nonce, path) submission is a share,
// a block, or neither. Validation is pure: it never touches the store or the
// daemon, which makes it safe to run on the worker pool.
package validation

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/hivepool/internal/graph"
)

// ShareValidator checks submissions against the rule set in force when they
// were received.
type ShareValidator struct {
	schedule *graph.Schedule
	legacy   graph.Generator
	twoStage graph.Generator
}

// Option configures a ShareValidator.
type Option func(*ShareValidator)

// WithGenerators replaces the graph generators.
func WithGenerators(legacy, twoStage graph.Generator) Option {
	return func(v *ShareValidator) {
		v.legacy = legacy
		v.twoStage = twoStage
	}
}

// NewShareValidator creates a validator for the given rule schedule
func NewShareValidator(schedule *graph.Schedule, opts ...Option) *ShareValidator {
	v := &ShareValidator{
		schedule: schedule,
		legacy:   graph.BitstreamGenerator{},
		twoStage: graph.ThresholdGenerator{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs the full check. It never panics; malformed input yields
// OutcomeError.
func (v *ShareValidator) Validate(req *Request) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			res = &Result{Outcome: OutcomeError, Reason: fmt.Sprintf("validation panic: %v", r)}
		}
	}()

	if err := validateRequest(req); err != nil {
		return &Result{Outcome: OutcomeError, Reason: err.Error()}
	}

	rules := v.schedule.At(req.SubmittedAt)
	if len(req.Path) != rules.PathSlots {
		return &Result{
			Outcome:     OutcomeError,
			RuleVersion: rules.Version,
			Reason:      fmt.Sprintf("path has %d slots, want %d", len(req.Path), rules.PathSlots),
		}
	}

	seed := chainhash.DoubleHashH(headerBytes(req.Payload, req.Nonce, placeholderPath(rules.PathSlots)))

	var err error
	switch rules.Scheme {
	case graph.SchemeLegacy:
		err = v.verifyLegacy(rules, seed, req.Path)
	case graph.SchemeTwoStage:
		err = v.verifyTwoStage(rules, seed, req.Path)
	default:
		err = fmt.Errorf("unknown scheme %s", rules.Scheme)
	}
	if err != nil {
		return &Result{Outcome: OutcomeRejected, RuleVersion: rules.Version, Reason: err.Error()}
	}

	header := headerBytes(req.Payload, req.Nonce, req.Path)
	hash := chainhash.DoubleHashH(header)
	value := blockchain.HashToBig(&hash)

	res = &Result{Hash: hash, Header: header, RuleVersion: rules.Version}
	switch {
	case value.Cmp(req.JobTarget) >= 0:
		res.Outcome = OutcomeRejected
		res.Reason = "hash above job target"
		res.Header = nil
	case req.BlockTarget != nil && value.Cmp(req.BlockTarget) < 0:
		res.Outcome = OutcomeBlockFound
	default:
		res.Outcome = OutcomeAccepted
	}
	return res
}

// validateRequest checks the fields are present
func validateRequest(req *Request) error {
	if req == nil {
		return fmt.Errorf("empty request")
	}
	if len(req.Payload) == 0 {
		return fmt.Errorf("job payload is empty")
	}
	if len(req.Nonce) != graph.NonceSize {
		return fmt.Errorf("nonce must be %d bytes, got %d", graph.NonceSize, len(req.Nonce))
	}
	if req.JobTarget == nil || req.JobTarget.Sign() <= 0 {
		return fmt.Errorf("job target is missing")
	}
	return nil
}

// verifyLegacy checks one cycle over the bitstream graph, followed only by
// unused slots.
func (v *ShareValidator) verifyLegacy(rules graph.RuleSet, seed chainhash.Hash, path []uint16) error {
	size := rules.GridSize(seed)
	if size > len(path) {
		return fmt.Errorf("graph of %d vertices does not fit %d slots", size, len(path))
	}
	for i, vertex := range path[size:] {
		if vertex != graph.Sentinel {
			return fmt.Errorf("slot %d after the cycle is not empty", size+i)
		}
	}

	g := v.legacy.Generate(seed, size, 0)
	if err := graph.VerifyCycle(g, path[:size]); err != nil {
		return fmt.Errorf("cycle: %w", err)
	}
	return nil
}

// verifyTwoStage checks the worker cycle, then the queen cycle over a graph
// seeded by the worker solution.
func (v *ShareValidator) verifyTwoStage(rules graph.RuleSet, seed chainhash.Hash, path []uint16) error {
	workerSize := rules.WorkerSize(seed)
	queenSize := rules.QueenSize(workerSize)
	if workerSize+queenSize > len(path) || queenSize <= 0 {
		return fmt.Errorf("worker %d and queen %d do not fit %d slots", workerSize, queenSize, len(path))
	}
	for i, vertex := range path[workerSize+queenSize:] {
		if vertex != graph.Sentinel {
			return fmt.Errorf("slot %d after the queen cycle is not empty", workerSize+queenSize+i)
		}
	}

	worker := path[:workerSize]
	workerGraph := v.twoStage.Generate(seed, workerSize, rules.WorkerPercentX10)
	if err := rules.VerifySubPath(workerGraph, worker); err != nil {
		return fmt.Errorf("worker cycle: %w", err)
	}

	queenSeed, err := QueenSeed(worker, seed)
	if err != nil {
		return err
	}
	queenGraph := v.twoStage.Generate(queenSeed, queenSize, rules.QueenPercentX10)
	if err := rules.VerifySubPath(queenGraph, path[workerSize:workerSize+queenSize]); err != nil {
		return fmt.Errorf("queen cycle: %w", err)
	}
	return nil
}

// QueenSeed hashes the length-prefixed little-endian worker path followed by
// the first stage hash.
func QueenSeed(worker []uint16, seed chainhash.Hash) (chainhash.Hash, error) {
	var buf bytes.Buffer
	buf.Grow(9 + 2*len(worker) + chainhash.HashSize)
	if err := wire.WriteVarInt(&buf, 0, uint64(len(worker))); err != nil {
		return chainhash.Hash{}, fmt.Errorf("encode worker length: %w", err)
	}
	var slot [2]byte
	for _, vertex := range worker {
		binary.LittleEndian.PutUint16(slot[:], vertex)
		buf.Write(slot[:])
	}
	buf.Write(seed[:])
	return chainhash.DoubleHashH(buf.Bytes()), nil
}

func headerBytes(payload, nonce []byte, path []uint16) []byte {
	header := make([]byte, 0, len(payload)+len(nonce)+2*len(path))
	header = append(header, payload...)
	header = append(header, nonce...)
	for _, vertex := range path {
		header = binary.LittleEndian.AppendUint16(header, vertex)
	}
	return header
}

func placeholderPath(slots int) []uint16 {
	path := make([]uint16, slots)
	for i := range path {
		path[i] = graph.Sentinel
	}
	return path
}
