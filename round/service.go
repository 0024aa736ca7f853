package round

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maniabrasil/raspadinha-rgs/events"
	"github.com/maniabrasil/raspadinha-rgs/gamemath"
	"github.com/maniabrasil/raspadinha-rgs/games"
	"github.com/maniabrasil/raspadinha-rgs/games/scratch"
	"github.com/maniabrasil/raspadinha-rgs/operator"
	"github.com/maniabrasil/raspadinha-rgs/wallet"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TableSource returns the live probability table of a game and mode.
type TableSource interface {
	Table(ctx context.Context, gameKey string, mode gamemath.Mode) (*gamemath.Table, error)
}

type Notifier interface {
	Notify(ctx context.Context, ev operator.Event) error
}

// GameStatus reports whether a game is open for new rounds. When set it wins
// over the catalog flag, which only tracks toggles made on this process.
type GameStatus interface {
	Active(ctx context.Context, gameKey string) (bool, error)
}

type Config struct {
	// IdleTimeout is how long an open round may sit untouched before the sweep closes it.
	IdleTimeout time.Duration
	// RefundExpired refunds the bet of rounds that expire before any reveal.
	RefundExpired bool
	// BigWinThreshold triggers an operator alert for credits at or above it. Zero disables it.
	BigWinThreshold decimal.Decimal
	SweepBatch      int
}

type Service struct {
	store     Store
	tables    TableSource
	catalog   *games.Registry
	rng       gamemath.RandomSource
	publisher events.Publisher
	notifier  Notifier
	status    GameStatus
	cfg       Config
	log       *zap.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithRandomSource(src gamemath.RandomSource) Option { return func(s *Service) { s.rng = src } }

func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithGameStatus(gs GameStatus) Option { return func(s *Service) { s.status = gs } }

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store Store, tables TableSource, catalog *games.Registry, cfg Config, opts ...Option) *Service {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 200
	}
	s := &Service{
		store:     store,
		tables:    tables,
		catalog:   catalog,
		rng:       gamemath.CryptoSource{},
		publisher: events.NopPublisher{},
		cfg:       cfg,
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type CreateRequest struct {
	PlayerID string
	GameKey  string
	Mode     gamemath.Mode
	Bet      decimal.Decimal
	// RoundID is optional. Reusing it replays the original round.
	RoundID string
}

// Create debits the bet and commits the drawn outcome in one transaction.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Round, error) {
	if req.PlayerID == "" {
		return nil, errors.New("player id is required")
	}
	if req.RoundID != "" {
		if existing, err := s.replay(ctx, req); existing != nil || err != nil {
			return existing, err
		}
	}
	game, ok := s.catalog.Game(req.GameKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s", games.ErrUnknownGame, req.GameKey)
	}
	active := game.Active
	if s.status != nil {
		var err error
		if active, err = s.status.Active(ctx, game.Key); err != nil {
			return nil, err
		}
		if active != game.Active {
			_ = s.catalog.SetActive(game.Key, active)
		}
	}
	if !active {
		return nil, fmt.Errorf("%w: %s", ErrGameInactive, game.Key)
	}
	multiplier, err := game.BetMultiplier(req.Bet)
	if err != nil {
		return nil, err
	}
	table, err := s.tables.Table(ctx, game.Key, req.Mode)
	if err != nil {
		return nil, err
	}
	drawn, err := gamemath.Select(table, s.rng)
	if err != nil {
		return nil, err
	}
	prize, ok := s.catalog.Prize(game.Key, drawn.PrizeID)
	if !ok {
		return nil, fmt.Errorf("drawn prize %d is not in the %s catalog", drawn.PrizeID, game.Key)
	}
	prizes, _ := s.catalog.Prizes(game.Key)
	cells, err := scratch.Deal(game, prizes, prize, s.rng)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	id := req.RoundID
	if id == "" {
		id = uuid.NewString()
	}
	r := &Round{
		ID:           id,
		PlayerID:     req.PlayerID,
		GameKey:      game.Key,
		Mode:         req.Mode,
		Bet:          req.Bet,
		Multiplier:   multiplier,
		PrizeID:      prize.ID,
		PrizeName:    prize.Name,
		PrizeValue:   prize.Value,
		Win:          !prize.NoWin,
		Payout:       prize.Value.Mul(decimal.NewFromInt(multiplier)),
		TableVersion: table.Version,
		MatchCount:   game.MatchCount,
		Cells:        cells,
		Status:       StatusCreated,
		Credited:     decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.store.InTx(ctx, func(tx Tx) error {
		balance, err := tx.LockWallet(ctx, r.PlayerID, r.Mode)
		if err != nil {
			return err
		}
		if balance.LessThan(r.Bet) {
			return wallet.ErrInsufficientBalance
		}
		debit := wallet.NewEntry(r.PlayerID, r.Mode, wallet.KindBet, r.Bet.Neg(), now)
		debit.RoundID = r.ID
		debit.Ref = "bet:" + r.ID
		if err := tx.PostEntry(ctx, debit); err != nil {
			return err
		}
		return tx.InsertRound(ctx, r)
	})
	if errors.Is(err, ErrDuplicate) || errors.Is(err, wallet.ErrDuplicateRef) {
		if existing, rerr := s.replay(ctx, req); existing != nil || rerr != nil {
			return existing, rerr
		}
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("round created",
		zap.String("round", r.ID),
		zap.String("player", r.PlayerID),
		zap.String("game", r.GameKey),
		zap.String("mode", string(r.Mode)),
		zap.String("bet", r.Bet.StringFixed(2)),
		zap.Int64("tableVersion", r.TableVersion))
	return r.Clone(), nil
}

// replay returns the round already stored under req.RoundID, or nil.
func (s *Service) replay(ctx context.Context, req CreateRequest) (*Round, error) {
	existing, err := s.store.Round(ctx, req.RoundID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.PlayerID != req.PlayerID || existing.GameKey != req.GameKey ||
		existing.Mode != req.Mode || !existing.Bet.Equal(req.Bet) {
		return nil, ErrDuplicate
	}
	return existing, nil
}

// RevealResult exposes one revealed cell. Won and Prize are set only when the
// revealed cells already show a match.
type RevealResult struct {
	RoundID     string      `json:"roundId"`
	CellIndex   int         `json:"cellIndex"`
	Cell        Cell        `json:"cellValue"`
	AllRevealed bool        `json:"allRevealed"`
	Won         bool        `json:"won"`
	Prize       *Cell       `json:"prize,omitempty"`
	Settlement  *Settlement `json:"settlement,omitempty"`
}

// Cell is the client view of a card symbol.
type Cell struct {
	PrizeID int64           `json:"prizeId"`
	Name    string          `json:"name"`
	Value   decimal.Decimal `json:"value"`
	Asset   string          `json:"asset,omitempty"`
}

func (s *Service) cell(gameKey string, prizeID int64) Cell {
	p, _ := s.catalog.Prize(gameKey, prizeID)
	return Cell{PrizeID: p.ID, Name: p.Name, Value: p.Value, Asset: p.Asset}
}

// Reveal uncovers one cell. Revealing the last cell settles the round.
func (s *Service) Reveal(ctx context.Context, playerID, roundID string, index int) (*RevealResult, error) {
	var r *Round
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		r, err = tx.LockRound(ctx, roundID)
		if err != nil {
			return err
		}
		if r.PlayerID != playerID {
			return ErrNotFound
		}
		if r.Terminal() {
			return fmt.Errorf("%w: %s", ErrInvalidState, r.Status)
		}
		if index < 0 || index >= len(r.Cells) || r.IsRevealed(index) {
			return fmt.Errorf("%w: %d", ErrOutOfRange, index)
		}
		r.Revealed |= 1 << uint(index)
		r.Status = StatusInProgress
		r.UpdatedAt = s.now().UTC()
		return tx.SaveRound(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	res := &RevealResult{
		RoundID:     r.ID,
		CellIndex:   index,
		Cell:        s.cell(r.GameKey, r.Cells[index]),
		AllRevealed: r.AllRevealed(),
	}
	if id, ok := scratch.RevealedWinner(r.Cells, r.Revealed, r.MatchCount); ok {
		prize := s.cell(r.GameKey, id)
		res.Won, res.Prize = true, &prize
	}
	if res.AllRevealed {
		st, err := s.Finalize(ctx, playerID, r.ID)
		if err != nil {
			// The sweep settles revealed rounds that missed their credit.
			s.log.Error("finalize after last reveal failed", zap.String("round", r.ID), zap.Error(err))
		} else {
			res.Settlement = st
		}
	}
	return res, nil
}

// Settlement is the outcome of closing a round.
type Settlement struct {
	RoundID        string          `json:"roundId"`
	Status         Status          `json:"status"`
	Won            bool            `json:"won"`
	Prize          *Cell           `json:"prize,omitempty"`
	Credited       decimal.Decimal `json:"credited"`
	Balance        decimal.Decimal `json:"balance"`
	Cells          []Cell          `json:"cells"`
	AlreadySettled bool            `json:"alreadySettled"`
}

func (s *Service) settlement(r *Round, balance decimal.Decimal, already bool) *Settlement {
	st := &Settlement{
		RoundID:        r.ID,
		Status:         r.Status,
		Won:            r.Status == StatusResolved && r.Win,
		Credited:       r.Credited,
		Balance:        balance,
		AlreadySettled: already,
	}
	if st.Won {
		prize := s.cell(r.GameKey, r.PrizeID)
		st.Prize = &prize
	}
	for _, id := range r.Cells {
		st.Cells = append(st.Cells, s.cell(r.GameKey, id))
	}
	return st
}

// Finalize credits the committed prize and resolves the round. Calling it on a
// settled round returns the stored settlement without crediting again. An
// empty playerID skips the ownership check.
func (s *Service) Finalize(ctx context.Context, playerID, roundID string) (*Settlement, error) {
	return s.close(ctx, playerID, roundID, false)
}

// Expire closes an abandoned round: never revealed rounds expire (with a
// refund when configured), partly revealed ones are finalized.
func (s *Service) Expire(ctx context.Context, roundID string) (*Settlement, error) {
	return s.close(ctx, "", roundID, true)
}

func (s *Service) close(ctx context.Context, playerID, roundID string, expire bool) (*Settlement, error) {
	var (
		r       *Round
		balance decimal.Decimal
		already bool
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		r, err = tx.LockRound(ctx, roundID)
		if err != nil {
			return err
		}
		if playerID != "" && r.PlayerID != playerID {
			return ErrNotFound
		}
		if balance, err = tx.LockWallet(ctx, r.PlayerID, r.Mode); err != nil {
			return err
		}
		if r.Terminal() {
			already = true
			return nil
		}
		now := s.now().UTC()
		var credit *wallet.Entry
		if expire && r.Status == StatusCreated {
			r.Status = StatusExpired
			r.Credited = decimal.Zero
			if s.cfg.RefundExpired {
				credit = wallet.NewEntry(r.PlayerID, r.Mode, wallet.KindRefund, r.Bet, now)
				credit.Ref = "refund:" + r.ID
			}
		} else {
			payout := r.PrizeValue.Mul(decimal.NewFromInt(r.Multiplier))
			if !payout.Equal(r.Payout) {
				return fmt.Errorf("round %s: payout %s does not match committed %s", r.ID, payout, r.Payout)
			}
			r.Status = StatusResolved
			r.Revealed = r.FullMask()
			r.Credited = decimal.Zero
			if payout.IsPositive() {
				credit = wallet.NewEntry(r.PlayerID, r.Mode, wallet.KindWin, payout, now)
				credit.Ref = "win:" + r.ID
			}
		}
		if credit != nil {
			credit.RoundID = r.ID
			if err := tx.PostEntry(ctx, credit); err != nil {
				return err
			}
			r.Credited = credit.Amount
			balance = credit.BalanceAfter
		}
		r.UpdatedAt = now
		r.SettledAt = &now
		return tx.SaveRound(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	if !already {
		s.afterSettle(ctx, r)
	}
	return s.settlement(r, balance, already), nil
}

func (s *Service) afterSettle(ctx context.Context, r *Round) {
	s.log.Info("round settled",
		zap.String("round", r.ID),
		zap.String("player", r.PlayerID),
		zap.String("status", string(r.Status)),
		zap.Int64("prize", r.PrizeID),
		zap.String("credited", r.Credited.StringFixed(2)))
	ev := events.RoundSettled{
		RoundID:   r.ID,
		PlayerID:  r.PlayerID,
		GameKey:   r.GameKey,
		Mode:      string(r.Mode),
		Status:    string(r.Status),
		Bet:       r.Bet,
		PrizeID:   r.PrizeID,
		Credited:  r.Credited,
		SettledAt: *r.SettledAt,
	}
	if err := s.publisher.PublishRoundSettled(ctx, ev); err != nil {
		s.log.Warn("publish round settled", zap.String("round", r.ID), zap.Error(err))
	}
	if s.notifier == nil || r.Mode != gamemath.ModeReal || r.Status != StatusResolved ||
		!s.cfg.BigWinThreshold.IsPositive() || r.Credited.LessThan(s.cfg.BigWinThreshold) {
		return
	}
	err := s.notifier.Notify(ctx, operator.Event{
		Type:       operator.EventBigWin,
		GameKey:    r.GameKey,
		Mode:       string(r.Mode),
		PlayerID:   r.PlayerID,
		RoundID:    r.ID,
		Amount:     r.Credited.StringFixed(2),
		Message:    r.PrizeName,
		OccurredAt: *r.SettledAt,
	})
	if err != nil {
		s.log.Warn("big win alert failed", zap.String("round", r.ID), zap.Error(err))
	}
}

type SweepResult struct {
	Expired   int `json:"expired"`
	Finalized int `json:"finalized"`
	Failed    int `json:"failed"`
}

// Sweep closes idle rounds and settles rounds whose cells were all revealed
// but whose credit never committed. It never redraws an outcome.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	cutoff := s.now().Add(-s.cfg.IdleTimeout)
	pending, err := s.store.Pending(ctx, cutoff, s.cfg.SweepBatch)
	if err != nil {
		return res, err
	}
	for _, r := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		var st *Settlement
		switch {
		case r.AllRevealed():
			st, err = s.Finalize(ctx, "", r.ID)
		case r.UpdatedAt.Before(cutoff):
			st, err = s.Expire(ctx, r.ID)
		default:
			continue
		}
		if err != nil {
			res.Failed++
			s.log.Error("sweep round", zap.String("round", r.ID), zap.Error(err))
			continue
		}
		if st.AlreadySettled {
			continue
		}
		if st.Status == StatusExpired {
			res.Expired++
		} else {
			res.Finalized++
		}
	}
	if res.Expired+res.Finalized+res.Failed > 0 {
		s.log.Info("round sweep", zap.Int("expired", res.Expired), zap.Int("finalized", res.Finalized), zap.Int("failed", res.Failed))
	}
	return res, nil
}

// View is the client-safe projection of a round: hidden cells are nil and the
// outcome is only shown once the round is settled.
type View struct {
	RoundID    string           `json:"roundId"`
	GameKey    string           `json:"gameKey"`
	Mode       gamemath.Mode    `json:"mode"`
	Bet        decimal.Decimal  `json:"bet"`
	Multiplier int64            `json:"multiplier"`
	Status     Status           `json:"status"`
	CellCount  int              `json:"cellCount"`
	Cells      []*Cell          `json:"cells"`
	Won        *bool            `json:"won,omitempty"`
	Prize      *Cell            `json:"prize,omitempty"`
	Credited   *decimal.Decimal `json:"credited,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
}

func (s *Service) View(ctx context.Context, playerID, roundID string) (*View, error) {
	r, err := s.store.Round(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if r.PlayerID != playerID {
		return nil, ErrNotFound
	}
	return s.Project(r), nil
}

// Project builds the client view of r.
func (s *Service) Project(r *Round) *View {
	v := &View{
		RoundID:    r.ID,
		GameKey:    r.GameKey,
		Mode:       r.Mode,
		Bet:        r.Bet,
		Multiplier: r.Multiplier,
		Status:     r.Status,
		CellCount:  len(r.Cells),
		Cells:      make([]*Cell, len(r.Cells)),
		CreatedAt:  r.CreatedAt,
	}
	for i, id := range r.Cells {
		if r.IsRevealed(i) {
			c := s.cell(r.GameKey, id)
			v.Cells[i] = &c
		}
	}
	if r.Terminal() {
		won := r.Status == StatusResolved && r.Win
		credited := r.Credited
		v.Won, v.Credited = &won, &credited
		if won {
			prize := s.cell(r.GameKey, r.PrizeID)
			v.Prize = &prize
		}
	}
	return v
}
