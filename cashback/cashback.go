// Package cashback computes the daily loss-back batch from ledger entries.
package cashback

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/maniabrasil/raspadinha-rgs/gamemath"
	"github.com/maniabrasil/raspadinha-rgs/operator"
	"github.com/maniabrasil/raspadinha-rgs/wallet"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("cashback record not found")

type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
)

// Record is one player's cashback for one period. Only the batch creates them.
type Record struct {
	ID               int64           `json:"id"`
	PlayerID         string          `json:"playerId"`
	Period           string          `json:"period"`
	Level            int             `json:"level"`
	Tier             string          `json:"tier"`
	Percentage       decimal.Decimal `json:"percentage"`
	TotalDeposits    decimal.Decimal `json:"totalDeposits"`
	TotalWithdrawals decimal.Decimal `json:"totalWithdrawals"`
	TotalWagered     decimal.Decimal `json:"totalWagered"`
	CurrentBalance   decimal.Decimal `json:"currentBalance"`
	NetLoss          decimal.Decimal `json:"netLoss"`
	Amount           decimal.Decimal `json:"amount"`
	Status           Status          `json:"status"`
	CreatedAt        time.Time       `json:"createdAt"`
	ProcessedAt      *time.Time      `json:"processedAt,omitempty"`
}

// Totals aggregates a player's real-money ledger up to the end of a period.
type Totals struct {
	PlayerID    string
	Deposits    decimal.Decimal
	Withdrawals decimal.Decimal
	Wagered     decimal.Decimal
	Balance     decimal.Decimal
}

// Summarize folds real-mode entries created before periodEnd into per-player totals.
func Summarize(entries []wallet.Entry, periodEnd time.Time) []Totals {
	byPlayer := map[string]*Totals{}
	for _, e := range entries {
		if e.Mode != gamemath.ModeReal || !e.CreatedAt.Before(periodEnd) {
			continue
		}
		t, ok := byPlayer[e.PlayerID]
		if !ok {
			t = &Totals{PlayerID: e.PlayerID}
			byPlayer[e.PlayerID] = t
		}
		t.Balance = t.Balance.Add(e.Amount)
		switch e.Kind {
		case wallet.KindDeposit:
			t.Deposits = t.Deposits.Add(e.Amount)
		case wallet.KindWithdrawal:
			t.Withdrawals = t.Withdrawals.Sub(e.Amount)
		case wallet.KindBet, wallet.KindRefund:
			t.Wagered = t.Wagered.Sub(e.Amount)
		}
	}
	out := make([]Totals, 0, len(byPlayer))
	for _, t := range byPlayer {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out
}

// Compute derives the record for one player, or false when nothing is owed.
// Net loss is deposits minus withdrawals minus the balance left.
func (tt TierTable) Compute(t Totals, period string) (Record, bool) {
	level := Level(t.Wagered)
	tier, ok := tt.Tier(level)
	if !ok {
		return Record{}, false
	}
	netLoss := t.Deposits.Sub(t.Withdrawals.Add(t.Balance))
	if !netLoss.IsPositive() {
		return Record{}, false
	}
	amount := netLoss.Mul(tier.Percentage).Div(gamemath.Hundred).Round(2)
	if amount.LessThan(tt.MinAmount) {
		return Record{}, false
	}
	return Record{
		PlayerID:         t.PlayerID,
		Period:           period,
		Level:            level,
		Tier:             tier.Name,
		Percentage:       tier.Percentage,
		TotalDeposits:    t.Deposits,
		TotalWithdrawals: t.Withdrawals,
		TotalWagered:     t.Wagered,
		CurrentBalance:   t.Balance,
		NetLoss:          netLoss,
		Amount:           amount,
		Status:           StatusPending,
	}, true
}

type Filter struct {
	Period string
	Status Status
	IDs    []int64
}

// Tx extends a wallet transaction with cashback record locks.
type Tx interface {
	wallet.Tx
	LockRecord(ctx context.Context, id int64) (*Record, error)
	SaveRecord(ctx context.Context, r *Record) error
}

type Store interface {
	Totals(ctx context.Context, periodEnd time.Time) ([]Totals, error)
	// InsertPending stores recs, skipping players that already have a record
	// for the period, and reports how many were new.
	InsertPending(ctx context.Context, recs []Record) (int, error)
	Records(ctx context.Context, f Filter) ([]Record, error)
	InTx(ctx context.Context, fn func(Tx) error) error
}

type Notifier interface {
	Notify(ctx context.Context, ev operator.Event) error
}

type Aggregator struct {
	store    Store
	tiers    TierTable
	loc      *time.Location
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time
}

type Option func(*Aggregator)

func WithTiers(tt TierTable) Option { return func(a *Aggregator) { a.tiers = tt } }

// WithLocation sets the calendar used to name periods.
func WithLocation(loc *time.Location) Option { return func(a *Aggregator) { a.loc = loc } }

func WithNotifier(n Notifier) Option { return func(a *Aggregator) { a.notifier = n } }

func WithLogger(l *zap.Logger) Option { return func(a *Aggregator) { a.log = l } }

func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

func NewAggregator(store Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		store: store,
		tiers: DefaultTiers(),
		loc:   time.UTC,
		log:   zap.NewNop(),
		now:   time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Period names the calendar day that ends at periodEnd.
func (a *Aggregator) Period(periodEnd time.Time) string {
	return periodEnd.In(a.loc).Add(-time.Nanosecond).Format("2006-01-02")
}

type ComputeResult struct {
	Period  string   `json:"period"`
	Created int      `json:"created"`
	Records []Record `json:"records"`
}

// ComputePending creates pending records for every player owed cashback for
// the period ending at periodEnd. Running it again for the same period adds nothing.
func (a *Aggregator) ComputePending(ctx context.Context, periodEnd time.Time) (*ComputeResult, error) {
	period := a.Period(periodEnd)
	totals, err := a.store.Totals(ctx, periodEnd)
	if err != nil {
		return nil, err
	}
	now := a.now().UTC()
	var recs []Record
	for _, t := range totals {
		rec, ok := a.tiers.Compute(t, period)
		if !ok {
			continue
		}
		rec.CreatedAt = now
		recs = append(recs, rec)
	}
	created, err := a.store.InsertPending(ctx, recs)
	if err != nil {
		return nil, err
	}
	all, err := a.store.Records(ctx, Filter{Period: period})
	if err != nil {
		return nil, err
	}
	a.log.Info("cashback computed", zap.String("period", period), zap.Int("players", len(totals)), zap.Int("created", created))
	return &ComputeResult{Period: period, Created: created, Records: all}, nil
}

type ProcessResult struct {
	ProcessedCount int             `json:"processedCount"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	Skipped        int             `json:"skipped"`
}

// Process credits pending records to the players' real balance. With no ids
// every pending record is processed. Records already processed are skipped.
func (a *Aggregator) Process(ctx context.Context, ids []int64) (*ProcessResult, error) {
	if len(ids) == 0 {
		pending, err := a.store.Records(ctx, Filter{Status: StatusPending})
		if err != nil {
			return nil, err
		}
		for _, r := range pending {
			ids = append(ids, r.ID)
		}
	}
	res := &ProcessResult{TotalAmount: decimal.Zero}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		amount, done, err := a.processOne(ctx, id)
		if errors.Is(err, ErrNotFound) {
			res.Skipped++
			continue
		}
		if err != nil {
			return res, err
		}
		if !done {
			res.Skipped++
			continue
		}
		res.ProcessedCount++
		res.TotalAmount = res.TotalAmount.Add(amount)
	}
	a.log.Info("cashback processed",
		zap.Int("processed", res.ProcessedCount),
		zap.Int("skipped", res.Skipped),
		zap.String("total", res.TotalAmount.StringFixed(2)))
	if res.ProcessedCount > 0 && a.notifier != nil {
		err := a.notifier.Notify(ctx, operator.Event{
			Type:       operator.EventCashbackBatch,
			Mode:       string(gamemath.ModeReal),
			Amount:     res.TotalAmount.StringFixed(2),
			Message:    "cashback credited",
			OccurredAt: a.now(),
		})
		if err != nil {
			a.log.Warn("cashback alert failed", zap.Error(err))
		}
	}
	return res, nil
}

func (a *Aggregator) processOne(ctx context.Context, id int64) (decimal.Decimal, bool, error) {
	var amount decimal.Decimal
	var done bool
	err := a.store.InTx(ctx, func(tx Tx) error {
		rec, err := tx.LockRecord(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status != StatusPending {
			return nil
		}
		if _, err := tx.LockWallet(ctx, rec.PlayerID, gamemath.ModeReal); err != nil {
			return err
		}
		now := a.now().UTC()
		credit := wallet.NewEntry(rec.PlayerID, gamemath.ModeReal, wallet.KindCashback, rec.Amount, now)
		credit.Ref = "cashback:" + rec.Period + ":" + rec.PlayerID
		if err := tx.PostEntry(ctx, credit); err != nil {
			return err
		}
		rec.Status = StatusProcessed
		rec.ProcessedAt = &now
		if err := tx.SaveRecord(ctx, rec); err != nil {
			return err
		}
		amount, done = rec.Amount, true
		return nil
	})
	return amount, done, err
}
