package games

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/maniabrasil/raspadinha-rgs/gamemath"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownGame  = errors.New("unknown game")
	ErrUnknownPrize = errors.New("unknown prize")
	ErrInvalidBet   = errors.New("bet is not an allowed multiple of the game cost")
)

// Game is a scratch card product. Only Active changes after registration.
type Game struct {
	Key         string          `json:"gameKey"`
	Name        string          `json:"name"`
	Cost        decimal.Decimal `json:"cost"`
	Multipliers []int64         `json:"multipliers"`
	Cells       int             `json:"cells"`
	MatchCount  int             `json:"matchCount"`
	Active      bool            `json:"active"`
}

// Prize is one entry of a game's prize catalog. Exactly one prize per game is
// the synthetic no-win outcome (NoWin, value 0); it is never shown on a card.
type Prize struct {
	ID      int64           `json:"id"`
	GameKey string          `json:"gameKey"`
	Value   decimal.Decimal `json:"value"`
	Name    string          `json:"name"`
	Asset   string          `json:"asset,omitempty"`
	Order   int             `json:"order"`
	NoWin   bool            `json:"noWin,omitempty"`
}

// BetMultiplier returns m when bet equals Cost × m for an allowed m.
func (g Game) BetMultiplier(bet decimal.Decimal) (int64, error) {
	for _, m := range g.Multipliers {
		if g.Cost.Mul(decimal.NewFromInt(m)).Equal(bet) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %s for %s", ErrInvalidBet, bet.StringFixed(2), g.Key)
}

type entry struct {
	game   Game
	prizes []Prize
}

// Registry holds the prize catalog of every game.
type Registry struct {
	mu    sync.RWMutex
	games map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{games: make(map[string]*entry)}
}

// MaxCells is the largest card whose reveal mask fits the signed 32-bit
// revealed_mask column.
const MaxCells = 31

func validate(g Game, prizes []Prize) error {
	if g.Key == "" {
		return errors.New("game key is required")
	}
	if !g.Cost.IsPositive() || len(g.Multipliers) == 0 {
		return fmt.Errorf("game %s: cost and multipliers are required", g.Key)
	}
	if g.MatchCount < 2 || g.Cells < g.MatchCount || g.Cells > MaxCells {
		return fmt.Errorf("game %s: invalid card layout %d/%d", g.Key, g.Cells, g.MatchCount)
	}
	ids := make(map[int64]struct{}, len(prizes))
	noWin, named := 0, 0
	for _, p := range prizes {
		if _, dup := ids[p.ID]; dup || p.ID <= 0 {
			return fmt.Errorf("game %s: bad or duplicate prize id %d", g.Key, p.ID)
		}
		ids[p.ID] = struct{}{}
		if p.GameKey != g.Key {
			return fmt.Errorf("game %s: prize %d belongs to %s", g.Key, p.ID, p.GameKey)
		}
		if p.Value.IsNegative() {
			return fmt.Errorf("game %s: prize %d has a negative value", g.Key, p.ID)
		}
		if p.NoWin {
			if !p.Value.IsZero() {
				return fmt.Errorf("game %s: no-win prize must have value 0", g.Key)
			}
			noWin++
			continue
		}
		named++
	}
	if noWin != 1 {
		return fmt.Errorf("game %s: %w", g.Key, gamemath.ErrNoWinPrize)
	}
	// A losing card needs enough distinct symbols to fill every cell without a match.
	spare := g.MatchCount - 1
	if named*spare < g.Cells || (named-1)*spare < g.Cells-g.MatchCount {
		return fmt.Errorf("game %s: %d prizes cannot fill a %d-cell card", g.Key, named, g.Cells)
	}
	return nil
}

// Register adds or replaces a game and its prizes.
func (r *Registry) Register(g Game, prizes []Prize) error {
	if err := validate(g, prizes); err != nil {
		return err
	}
	list := append([]Prize(nil), prizes...)
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	g.Multipliers = append([]int64(nil), g.Multipliers...)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.games[g.Key] = &entry{game: g, prizes: list}
	return nil
}

func (r *Registry) Game(key string) (Game, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.games[key]
	if !ok {
		return Game{}, false
	}
	return e.game, true
}

// ListGames returns every game ordered by key.
func (r *Registry) ListGames() []Game {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Game, 0, len(r.games))
	for _, e := range r.games {
		out = append(out, e.game)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Prizes returns the catalog of a game ordered by prize id.
func (r *Registry) Prizes(key string) ([]Prize, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.games[key]
	if !ok {
		return nil, false
	}
	return append([]Prize(nil), e.prizes...), true
}

func (r *Registry) Prize(key string, id int64) (Prize, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.games[key]
	if !ok {
		return Prize{}, false
	}
	for _, p := range e.prizes {
		if p.ID == id {
			return p, true
		}
	}
	return Prize{}, false
}

// NoWin returns the synthetic no-win prize of a game.
func (r *Registry) NoWin(key string) (Prize, bool) {
	prizes, ok := r.Prizes(key)
	if !ok {
		return Prize{}, false
	}
	for _, p := range prizes {
		if p.NoWin {
			return p, true
		}
	}
	return Prize{}, false
}

// PrizeValues adapts a game's catalog for the distribution helpers.
func (r *Registry) PrizeValues(key string) ([]gamemath.PrizeValue, bool) {
	prizes, ok := r.Prizes(key)
	if !ok {
		return nil, false
	}
	out := make([]gamemath.PrizeValue, len(prizes))
	for i, p := range prizes {
		out[i] = gamemath.PrizeValue{ID: p.ID, Value: p.Value, NoWin: p.NoWin}
	}
	return out, true
}

func (r *Registry) SetActive(key string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.games[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGame, key)
	}
	e.game.Active = active
	return nil
}
