package cashback

import (
	"sort"

	"github.com/shopspring/decimal"
)

// levelThresholds maps anchor levels to the total wagered they require.
// Levels between anchors are interpolated linearly.
var levelThresholds = map[int]int64{
	1:   0,
	2:   50,
	5:   150,
	10:  400,
	20:  1200,
	30:  3000,
	50:  8000,
	70:  20000,
	100: 50000,
}

const MaxLevel = 100

var anchorLevels = func() []int {
	out := make([]int, 0, len(levelThresholds))
	for l := range levelThresholds {
		out = append(out, l)
	}
	sort.Ints(out)
	return out
}()

// RequiredForLevel is the total wagered needed to reach level n.
func RequiredForLevel(n int) decimal.Decimal {
	if v, ok := levelThresholds[n]; ok {
		return decimal.NewFromInt(v)
	}
	for i := 0; i < len(anchorLevels)-1; i++ {
		lo, hi := anchorLevels[i], anchorLevels[i+1]
		if n > lo && n < hi {
			loAmt, hiAmt := levelThresholds[lo], levelThresholds[hi]
			step := decimal.NewFromInt(int64(n-lo) * (hiAmt - loAmt)).Div(decimal.NewFromInt(int64(hi - lo)))
			return decimal.NewFromInt(loAmt).Add(step).Round(0)
		}
	}
	return decimal.NewFromInt(50000 + int64(n-100)*1000)
}

// Level returns the player level for a total wagered amount, capped at MaxLevel.
func Level(totalWagered decimal.Decimal) int {
	for level := MaxLevel; level >= 1; level-- {
		if totalWagered.GreaterThanOrEqual(RequiredForLevel(level)) {
			return level
		}
	}
	return 1
}

type Tier struct {
	Name       string          `json:"name"`
	MinLevel   int             `json:"minLevel"`
	Percentage decimal.Decimal `json:"percentage"`
}

// TierTable decides who earns cashback and at what rate.
type TierTable struct {
	Tiers     []Tier
	MinLevel  int
	MinAmount decimal.Decimal
}

func DefaultTiers() TierTable {
	return TierTable{
		Tiers: []Tier{
			{Name: "diamond", MinLevel: 100, Percentage: decimal.NewFromInt(24)},
			{Name: "platinum", MinLevel: 75, Percentage: decimal.NewFromInt(12)},
			{Name: "gold", MinLevel: 50, Percentage: decimal.NewFromInt(6)},
			{Name: "silver", MinLevel: 25, Percentage: decimal.NewFromInt(3)},
			{Name: "bronze", MinLevel: 2, Percentage: decimal.RequireFromString("1.5")},
		},
		MinLevel:  2,
		MinAmount: decimal.RequireFromString("0.50"),
	}
}

// Tier returns the highest tier whose MinLevel is reached.
func (tt TierTable) Tier(level int) (Tier, bool) {
	if level < tt.MinLevel {
		return Tier{}, false
	}
	best, found := Tier{}, false
	for _, t := range tt.Tiers {
		if level >= t.MinLevel && (!found || t.MinLevel > best.MinLevel) {
			best, found = t, true
		}
	}
	return best, found
}
