package gamemath

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTarget = errors.New("gamemath: target win rate must be between 0 and 100")
	ErrNoWinPrize    = errors.New("gamemath: game needs exactly one no-win prize")
	ErrNoPrizes      = errors.New("gamemath: game has no winning prizes")
)

// PrizeValue is the part of a prize definition the distribution helpers need.
type PrizeValue struct {
	ID    int64
	Value decimal.Decimal
	NoWin bool
}

func splitPrizes(prizes []PrizeValue) (named []PrizeValue, noWin PrizeValue, err error) {
	found := 0
	for _, p := range prizes {
		if p.NoWin {
			noWin = p
			found++
			continue
		}
		named = append(named, p)
	}
	if found != 1 {
		return nil, PrizeValue{}, ErrNoWinPrize
	}
	sort.Slice(named, func(i, j int) bool { return named[i].ID < named[j].ID })
	return named, noWin, nil
}

func finish(named []PrizeValue, probs map[int64]decimal.Decimal, noWin PrizeValue, noWinProb decimal.Decimal) []Entry {
	out := make([]Entry, 0, len(named)+1)
	for _, p := range named {
		out = append(out, Entry{PrizeID: p.ID, Probability: probs[p.ID]})
	}
	out = append(out, Entry{PrizeID: noWin.ID, Probability: noWinProb})
	return Normalize(out)
}

// Sweepstake weights every paying prize by maxValue/value, scales the weights so
// that they total target and gives the no-win prize 100 - target. Rounding
// residue goes to the most likely prize.
func Sweepstake(prizes []PrizeValue, target decimal.Decimal) ([]Entry, error) {
	if target.IsNegative() || target.GreaterThan(Hundred) {
		return nil, ErrInvalidTarget
	}
	target = target.Truncate(MaxFractionDigits)
	named, noWin, err := splitPrizes(prizes)
	if err != nil {
		return nil, err
	}
	var paying []PrizeValue
	maxValue := decimal.Zero
	for _, p := range named {
		if !p.Value.IsPositive() {
			continue
		}
		paying = append(paying, p)
		if p.Value.GreaterThan(maxValue) {
			maxValue = p.Value
		}
	}
	if len(paying) == 0 && target.IsPositive() {
		return nil, ErrNoPrizes
	}
	weights := make(map[int64]decimal.Decimal, len(paying))
	total := decimal.Zero
	heaviest := -1
	for i, p := range paying {
		w := maxValue.Div(p.Value)
		weights[p.ID] = w
		total = total.Add(w)
		if heaviest < 0 || w.GreaterThan(weights[paying[heaviest].ID]) {
			heaviest = i
		}
	}
	probs := make(map[int64]decimal.Decimal, len(named))
	assigned := decimal.Zero
	for _, p := range paying {
		v := weights[p.ID].Mul(target).Div(total).Truncate(MaxFractionDigits)
		probs[p.ID] = v
		assigned = assigned.Add(v)
	}
	if heaviest >= 0 {
		id := paying[heaviest].ID
		probs[id] = probs[id].Add(target.Sub(assigned))
	}
	return finish(named, probs, noWin, Hundred.Sub(target)), nil
}

// Equal splits 100% evenly across the named prizes; the no-win prize gets 0.
// The residue of the split goes to the last prize.
func Equal(prizes []PrizeValue) ([]Entry, error) {
	named, noWin, err := splitPrizes(prizes)
	if err != nil {
		return nil, err
	}
	if len(named) == 0 {
		return nil, ErrNoPrizes
	}
	share := Hundred.Div(decimal.NewFromInt(int64(len(named)))).Truncate(MaxFractionDigits)
	probs := make(map[int64]decimal.Decimal, len(named))
	for _, p := range named {
		probs[p.ID] = share
	}
	residue := Hundred.Sub(share.Mul(decimal.NewFromInt(int64(len(named)))))
	lastID := named[len(named)-1].ID
	probs[lastID] = probs[lastID].Add(residue)
	return finish(named, probs, noWin, decimal.Zero), nil
}

var defaultTiers = []struct {
	min  decimal.Decimal
	prob decimal.Decimal
}{
	{decimal.NewFromInt(100000), decimal.RequireFromString("0.001")},
	{decimal.NewFromInt(10000), decimal.RequireFromString("0.01")},
	{decimal.NewFromInt(1000), decimal.RequireFromString("0.1")},
	{decimal.NewFromInt(100), decimal.RequireFromString("0.5")},
	{decimal.NewFromInt(50), decimal.NewFromInt(1)},
	{decimal.NewFromInt(10), decimal.NewFromInt(3)},
	{decimal.NewFromInt(5), decimal.NewFromInt(5)},
}

// DefaultProbability is the stock probability for a prize of the given value.
func DefaultProbability(value decimal.Decimal) decimal.Decimal {
	for _, t := range defaultTiers {
		if value.GreaterThanOrEqual(t.min) {
			return t.prob
		}
	}
	return decimal.NewFromInt(10)
}

// TierDefaults assigns DefaultProbability to each named prize and the remainder
// to the no-win prize. Tiers adding up to more than 100 are scaled down.
func TierDefaults(prizes []PrizeValue) ([]Entry, error) {
	named, noWin, err := splitPrizes(prizes)
	if err != nil {
		return nil, err
	}
	probs := make(map[int64]decimal.Decimal, len(named))
	total := decimal.Zero
	for _, p := range named {
		v := DefaultProbability(p.Value)
		probs[p.ID] = v
		total = total.Add(v)
	}
	if total.GreaterThan(Hundred) {
		scaled := decimal.Zero
		for _, p := range named {
			v := probs[p.ID].Mul(Hundred).Div(total).Truncate(MaxFractionDigits)
			probs[p.ID] = v
			scaled = scaled.Add(v)
		}
		total = scaled
	}
	return finish(named, probs, noWin, Hundred.Sub(total)), nil
}
