package scratch

import (
	"errors"
	"fmt"

	"github.com/maniabrasil/raspadinha-rgs/gamemath"
	"github.com/maniabrasil/raspadinha-rgs/games"
)

var ErrNotEnoughSymbols = errors.New("scratch: not enough prize symbols for card layout")

// Deal lays out a card for an outcome that has already been drawn. A winning
// outcome appears exactly MatchCount times; every other cell holds a decoy
// drawn uniformly from the remaining prizes, and no decoy reaches MatchCount.
// The no-win prize is never placed on a card.
func Deal(g games.Game, prizes []games.Prize, outcome games.Prize, src gamemath.RandomSource) ([]int64, error) {
	var symbols []int64
	for _, p := range prizes {
		if p.NoWin || p.ID == outcome.ID {
			continue
		}
		symbols = append(symbols, p.ID)
	}
	cells := make([]int64, 0, g.Cells)
	if !outcome.NoWin {
		for i := 0; i < g.MatchCount; i++ {
			cells = append(cells, outcome.ID)
		}
	}
	limit := g.MatchCount - 1
	if len(symbols)*limit < g.Cells-len(cells) {
		return nil, fmt.Errorf("%w: %s", ErrNotEnoughSymbols, g.Key)
	}
	used := make(map[int64]int, len(symbols))
	for len(cells) < g.Cells {
		// Draw among symbols that still have room so the loop always terminates.
		open := symbols[:0:0]
		for _, s := range symbols {
			if used[s] < limit {
				open = append(open, s)
			}
		}
		n, err := src.Intn(int64(len(open)))
		if err != nil {
			return nil, err
		}
		s := open[n]
		used[s]++
		cells = append(cells, s)
	}
	if err := gamemath.Shuffle(src, len(cells), func(i, j int) { cells[i], cells[j] = cells[j], cells[i] }); err != nil {
		return nil, err
	}
	return cells, nil
}

// Winner returns the prize id that appears at least match times among cells.
func Winner(cells []int64, match int) (int64, bool) {
	count := make(map[int64]int, len(cells))
	for _, c := range cells {
		count[c]++
		if count[c] >= match {
			return c, true
		}
	}
	return 0, false
}

// RevealedWinner is Winner restricted to the cells marked in mask.
func RevealedWinner(cells []int64, mask uint32, match int) (int64, bool) {
	var shown []int64
	for i, c := range cells {
		if mask&(1<<uint(i)) != 0 {
			shown = append(shown, c)
		}
	}
	return Winner(shown, match)
}
