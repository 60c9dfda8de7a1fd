package graph

import (
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Scheme selects how a submitted path is interpreted.
type Scheme int

const (
	// SchemeLegacy is a single cycle over one bitstream graph.
	SchemeLegacy Scheme = iota
	// SchemeTwoStage is a worker cycle followed by a queen cycle.
	SchemeTwoStage
)

func (s Scheme) String() string {
	switch s {
	case SchemeLegacy:
		return "legacy"
	case SchemeTwoStage:
		return "two-stage"
	default:
		return "unknown"
	}
}

// Protocol constants shared by every rule set.
const (
	PathSlots = 2008
	NonceSize = 4

	LegacyMinGrid = 2000
	LegacyMaxGrid = 2008

	WorkerMinGrid = 1892
	WorkerMaxGrid = 1920
	TotalGrid     = 2008
)

// RuleSet is one version of the share validation rules.
type RuleSet struct {
	Version    int
	Scheme     Scheme
	ActiveFrom time.Time

	PathSlots int

	// Legacy sizes are MinGrid + x % (MaxGrid - MinGrid).
	MinGrid int
	MaxGrid int

	// Two-stage worker sizes are WorkerMin + x % (WorkerMax - WorkerMin);
	// the queen takes the rest of TotalGrid.
	WorkerMin int
	WorkerMax int
	TotalGrid int

	WorkerPercentX10 int
	QueenPercentX10  int
	EnforceCanonical bool
}

// LegacyRules returns the original rule set.
func LegacyRules() RuleSet {
	return RuleSet{
		Version:   1,
		Scheme:    SchemeLegacy,
		PathSlots: PathSlots,
		MinGrid:   LegacyMinGrid,
		MaxGrid:   LegacyMaxGrid,
	}
}

// TwoStageRules returns the worker/queen rule set activated at from.
func TwoStageRules(from time.Time, workerPercentX10, queenPercentX10 int) RuleSet {
	return RuleSet{
		Version:          2,
		Scheme:           SchemeTwoStage,
		ActiveFrom:       from,
		PathSlots:        PathSlots,
		WorkerMin:        WorkerMinGrid,
		WorkerMax:        WorkerMaxGrid,
		TotalGrid:        TotalGrid,
		WorkerPercentX10: workerPercentX10,
		QueenPercentX10:  queenPercentX10,
	}
}

// GridSize returns the legacy graph size for h.
func (r RuleSet) GridSize(h chainhash.Hash) int {
	return sizeInRange(h, r.MinGrid, r.MaxGrid)
}

// WorkerSize returns the two-stage worker graph size for h.
func (r RuleSet) WorkerSize(h chainhash.Hash) int {
	return sizeInRange(h, r.WorkerMin, r.WorkerMax)
}

// QueenSize returns the queen graph size paired with a worker size.
func (r RuleSet) QueenSize(workerSize int) int {
	return r.TotalGrid - workerSize
}

func sizeInRange(h chainhash.Hash, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + int(LeadingUint32(h)%uint32(hi-lo))
}

// VerifySubPath checks one two-stage cycle, including canonical order when
// the rule set enforces it.
func (r RuleSet) VerifySubPath(g *Graph, path []uint16) error {
	if err := VerifyRooted(g, path); err != nil {
		return err
	}
	if r.EnforceCanonical {
		return VerifyCanonical(g, path)
	}
	return nil
}

// Schedule selects the rule set in force at a given time.
type Schedule struct {
	rules []RuleSet
}

// NewSchedule orders rules by activation. The earliest rule set applies to
// any time before its own activation as well.
func NewSchedule(rules ...RuleSet) (*Schedule, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("schedule needs at least one rule set")
	}
	sorted := append([]RuleSet(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ActiveFrom.Before(sorted[j].ActiveFrom)
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].ActiveFrom.Equal(sorted[i-1].ActiveFrom) {
			return nil, fmt.Errorf("rule sets %d and %d share activation %s",
				sorted[i-1].Version, sorted[i].Version, sorted[i].ActiveFrom)
		}
	}
	return &Schedule{rules: sorted}, nil
}

// DefaultSchedule builds legacy rules, then two-stage rules from twoStage,
// then canonical ordering from canonical. Zero times leave a stage out.
func DefaultSchedule(twoStage, canonical time.Time, workerPercentX10, queenPercentX10 int) (*Schedule, error) {
	rules := []RuleSet{LegacyRules()}

	if !twoStage.IsZero() {
		rules = append(rules, TwoStageRules(twoStage, workerPercentX10, queenPercentX10))
	}
	if !canonical.IsZero() {
		if twoStage.IsZero() || canonical.Before(twoStage) {
			return nil, fmt.Errorf("canonical ordering (%s) requires an earlier two-stage activation", canonical)
		}
		rs := TwoStageRules(canonical, workerPercentX10, queenPercentX10)
		rs.Version = 3
		rs.EnforceCanonical = true
		if canonical.Equal(twoStage) {
			rules[len(rules)-1] = rs
		} else {
			rules = append(rules, rs)
		}
	}
	return NewSchedule(rules...)
}

// At returns the rule set in force at t.
func (s *Schedule) At(t time.Time) RuleSet {
	current := s.rules[0]
	for _, rs := range s.rules[1:] {
		if t.Before(rs.ActiveFrom) {
			break
		}
		current = rs
	}
	return current
}

// Rules returns the rule sets in activation order.
func (s *Schedule) Rules() []RuleSet {
	return append([]RuleSet(nil), s.rules...)
}
