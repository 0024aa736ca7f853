package scratch

import (
	"errors"
	"testing"

	"github.com/maniabrasil/raspadinha-rgs/gamemath"
	"github.com/maniabrasil/raspadinha-rgs/games"
)

func pixCard(t *testing.T) (games.Game, []games.Prize) {
	t.Helper()
	r := games.Defaults()
	g, _ := r.Game(games.KeyPix)
	prizes, _ := r.Prizes(games.KeyPix)
	return g, prizes
}

func TestDeal_WinningCardHasExactlyOneTriple(t *testing.T) {
	g, prizes := pixCard(t)
	src := gamemath.NewSeededSource(42)
	outcome := prizes[5]
	for i := 0; i < 2000; i++ {
		cells, err := Deal(g, prizes, outcome, src)
		if err != nil {
			t.Fatal(err)
		}
		if len(cells) != g.Cells {
			t.Fatalf("got %d cells", len(cells))
		}
		count := map[int64]int{}
		for _, c := range cells {
			count[c]++
		}
		if count[outcome.ID] != g.MatchCount {
			t.Fatalf("winning prize appears %d times", count[outcome.ID])
		}
		for id, n := range count {
			if id != outcome.ID && n >= g.MatchCount {
				t.Fatalf("decoy %d appears %d times", id, n)
			}
		}
		if w, ok := Winner(cells, g.MatchCount); !ok || w != outcome.ID {
			t.Fatalf("Winner = %d,%v", w, ok)
		}
	}
}

func TestDeal_LosingCardHasNoTriple(t *testing.T) {
	g, prizes := pixCard(t)
	var noWin games.Prize
	for _, p := range prizes {
		if p.NoWin {
			noWin = p
		}
	}
	src := gamemath.NewSeededSource(7)
	for i := 0; i < 2000; i++ {
		cells, err := Deal(g, prizes, noWin, src)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := Winner(cells, g.MatchCount); ok {
			t.Fatalf("losing card has a match: %v", cells)
		}
		for _, c := range cells {
			if c == noWin.ID {
				t.Fatal("no-win prize dealt onto the card")
			}
		}
	}
}

func TestDeal_DecoysVary(t *testing.T) {
	g, prizes := pixCard(t)
	src := gamemath.NewSeededSource(99)
	seen := map[int64]bool{}
	for i := 0; i < 200; i++ {
		cells, _ := Deal(g, prizes, prizes[1], src)
		for _, c := range cells {
			seen[c] = true
		}
	}
	if len(seen) < len(prizes)-1 {
		t.Errorf("only %d distinct symbols seen across 200 cards", len(seen))
	}
}

func TestDeal_WinnerPositionVaries(t *testing.T) {
	g, prizes := pixCard(t)
	src := gamemath.NewSeededSource(3)
	positions := map[int]int{}
	for i := 0; i < 900; i++ {
		cells, _ := Deal(g, prizes, prizes[2], src)
		for idx, c := range cells {
			if c == prizes[2].ID {
				positions[idx]++
			}
		}
	}
	for idx := 0; idx < g.Cells; idx++ {
		if positions[idx] < 150 || positions[idx] > 450 {
			t.Errorf("cell %d held the prize %d times out of 900 cards", idx, positions[idx])
		}
	}
}

func TestDeal_TooFewSymbols(t *testing.T) {
	g, prizes := pixCard(t)
	_, err := Deal(g, prizes[:3], prizes[1], gamemath.NewSeededSource(1))
	if !errors.Is(err, ErrNotEnoughSymbols) {
		t.Errorf("got %v", err)
	}
}

func TestRevealedWinner(t *testing.T) {
	cells := []int64{5, 7, 5, 8, 5, 9, 7, 8, 9}
	if _, ok := RevealedWinner(cells, 0b000000101, 3); ok {
		t.Error("two revealed fives are not a win")
	}
	if w, ok := RevealedWinner(cells, 0b000010101, 3); !ok || w != 5 {
		t.Errorf("got %d,%v", w, ok)
	}
}
