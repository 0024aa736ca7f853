package gamemath

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// MaxFractionDigits is the precision probabilities are stored with.
const MaxFractionDigits = 5

var (
	Hundred = decimal.NewFromInt(100)
	// Epsilon is the tolerance allowed between a table sum and 100.
	Epsilon = decimal.New(1, -4)
)

var ErrEmptyTable = errors.New("gamemath: probability table has no entries")

// ValidationError is returned when a set of entries cannot become a live table.
// CurrentSum is always the sum of the submitted entries.
type ValidationError struct {
	CurrentSum decimal.Decimal
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid probability table: %s (sum %s)", e.Reason, e.CurrentSum.String())
}

// Entry is the probability (in percent) of one prize.
type Entry struct {
	PrizeID     int64           `json:"prizeId"`
	Probability decimal.Decimal `json:"probability"`
}

// Table is one (game, mode) probability table. A published *Table is never mutated.
type Table struct {
	GameKey          string           `json:"gameKey"`
	Mode             Mode             `json:"mode"`
	Version          int64            `json:"version"`
	Entries          []Entry          `json:"entries"`
	SweepstakeTarget *decimal.Decimal `json:"sweepstakeTarget,omitempty"`
	UpdatedAt        time.Time        `json:"updatedAt"`
	UpdatedBy        string           `json:"updatedBy"`
}

// Sum adds up the probabilities of the given entries.
func Sum(entries []Entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Probability)
	}
	return total
}

// Normalize returns a copy of entries ordered by prize id ascending.
func Normalize(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool { return out[i].PrizeID < out[j].PrizeID })
	return out
}

// Validate checks every entry and the 100 ± Epsilon sum.
func Validate(entries []Entry) error {
	sum := Sum(entries)
	if len(entries) == 0 {
		return &ValidationError{CurrentSum: sum, Reason: "no entries"}
	}
	seen := make(map[int64]struct{}, len(entries))
	for _, e := range entries {
		if _, dup := seen[e.PrizeID]; dup {
			return &ValidationError{CurrentSum: sum, Reason: fmt.Sprintf("prize %d listed twice", e.PrizeID)}
		}
		seen[e.PrizeID] = struct{}{}
		if e.Probability.IsNegative() {
			return &ValidationError{CurrentSum: sum, Reason: fmt.Sprintf("prize %d has a negative probability", e.PrizeID)}
		}
		if e.Probability.GreaterThan(Hundred) {
			return &ValidationError{CurrentSum: sum, Reason: fmt.Sprintf("prize %d exceeds 100", e.PrizeID)}
		}
		if !e.Probability.Equal(e.Probability.Truncate(MaxFractionDigits)) {
			return &ValidationError{CurrentSum: sum, Reason: fmt.Sprintf("prize %d has more than %d decimal places", e.PrizeID, MaxFractionDigits)}
		}
	}
	if sum.Sub(Hundred).Abs().GreaterThan(Epsilon) {
		return &ValidationError{CurrentSum: sum, Reason: "probabilities must total 100%"}
	}
	return nil
}

// Check re-validates a stored table before it is used to draw outcomes.
func (t *Table) Check() error {
	if t == nil || len(t.Entries) == 0 {
		return ErrEmptyTable
	}
	for i := 1; i < len(t.Entries); i++ {
		if t.Entries[i-1].PrizeID >= t.Entries[i].PrizeID {
			return &ValidationError{CurrentSum: t.Sum(), Reason: "entries out of prize order"}
		}
	}
	return Validate(t.Entries)
}

func (t *Table) Sum() decimal.Decimal {
	if t == nil {
		return decimal.Zero
	}
	return Sum(t.Entries)
}

// Probability returns the probability of prizeID, zero when absent.
func (t *Table) Probability(prizeID int64) decimal.Decimal {
	for _, e := range t.Entries {
		if e.PrizeID == prizeID {
			return e.Probability
		}
	}
	return decimal.Zero
}

// WinRate is the total probability of every prize except noWinID.
func (t *Table) WinRate(noWinID int64) decimal.Decimal {
	return t.Sum().Sub(t.Probability(noWinID))
}

// Clone returns a deep copy that may be modified freely.
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	c := *t
	c.Entries = append([]Entry(nil), t.Entries...)
	if t.SweepstakeTarget != nil {
		v := *t.SweepstakeTarget
		c.SweepstakeTarget = &v
	}
	return &c
}
