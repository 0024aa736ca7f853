// Package wallet holds the per-mode balance buckets and the ledger entries
// that move them.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maniabrasil/raspadinha-rgs/gamemath"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateRef is returned when an entry reuses an idempotency reference.
	ErrDuplicateRef = errors.New("duplicate ledger reference")
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrNotLocked is returned when an entry is posted before LockWallet.
	ErrNotLocked = errors.New("wallet not locked in this transaction")
)

type Kind string

const (
	KindBet        Kind = "bet"
	KindWin        Kind = "win"
	KindRefund     Kind = "refund"
	KindDeposit    Kind = "deposit"
	KindWithdrawal Kind = "withdrawal"
	KindCashback   Kind = "cashback"
)

// Entry is one immutable ledger line. Amount is signed: debits are negative.
type Entry struct {
	ID           string          `json:"id"`
	PlayerID     string          `json:"playerId"`
	Mode         gamemath.Mode   `json:"mode"`
	Kind         Kind            `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balanceAfter"`
	RoundID      string          `json:"roundId,omitempty"`
	Ref          string          `json:"ref,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// NewEntry fills the id and timestamp of a ledger line.
func NewEntry(playerID string, mode gamemath.Mode, kind Kind, amount decimal.Decimal, now time.Time) *Entry {
	return &Entry{
		ID:        uuid.NewString(),
		PlayerID:  playerID,
		Mode:      mode,
		Kind:      kind,
		Amount:    amount,
		CreatedAt: now.UTC(),
	}
}

// Tx is the slice of a storage transaction that moves money. LockWallet is
// the per-player serialization point: it must be called before PostEntry and
// holds the wallet until the transaction ends.
type Tx interface {
	LockWallet(ctx context.Context, playerID string, mode gamemath.Mode) (decimal.Decimal, error)
	// PostEntry applies e.Amount, sets e.BalanceAfter and appends e. A negative
	// result fails with ErrInsufficientBalance and a reused Ref with ErrDuplicateRef.
	PostEntry(ctx context.Context, e *Entry) error
}

type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	Balance(ctx context.Context, playerID string, mode gamemath.Mode) (decimal.Decimal, error)
	Entries(ctx context.Context, playerID string, mode gamemath.Mode, limit int) ([]Entry, error)
}

// Service books money that enters or leaves a wallet from outside the games.
type Service struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func NewService(store Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, log: log, now: time.Now}
}

func (s *Service) Balance(ctx context.Context, playerID string, mode gamemath.Mode) (decimal.Decimal, error) {
	return s.store.Balance(ctx, playerID, mode)
}

func (s *Service) Entries(ctx context.Context, playerID string, mode gamemath.Mode, limit int) ([]Entry, error) {
	return s.store.Entries(ctx, playerID, mode, limit)
}

// Deposit credits amount. A repeated ref is accepted once and ignored afterwards.
func (s *Service) Deposit(ctx context.Context, playerID string, mode gamemath.Mode, amount decimal.Decimal, ref string) (decimal.Decimal, error) {
	return s.book(ctx, playerID, mode, KindDeposit, amount, ref)
}

// Withdraw debits amount, failing with ErrInsufficientBalance when it would go negative.
func (s *Service) Withdraw(ctx context.Context, playerID string, mode gamemath.Mode, amount decimal.Decimal, ref string) (decimal.Decimal, error) {
	return s.book(ctx, playerID, mode, KindWithdrawal, amount.Neg(), ref)
}

func (s *Service) book(ctx context.Context, playerID string, mode gamemath.Mode, kind Kind, amount decimal.Decimal, ref string) (decimal.Decimal, error) {
	if amount.IsZero() || (kind == KindDeposit) != amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if playerID == "" {
		return decimal.Zero, errors.New("player id is required")
	}
	var balance decimal.Decimal
	err := s.store.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockWallet(ctx, playerID, mode); err != nil {
			return err
		}
		e := NewEntry(playerID, mode, kind, amount, s.now())
		e.Ref = ref
		if err := tx.PostEntry(ctx, e); err != nil {
			return err
		}
		balance = e.BalanceAfter
		return nil
	})
	if errors.Is(err, ErrDuplicateRef) {
		s.log.Info("duplicate wallet booking ignored", zap.String("player", playerID), zap.String("ref", ref))
		return s.store.Balance(ctx, playerID, mode)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s %s: %w", kind, playerID, err)
	}
	s.log.Info("wallet booking",
		zap.String("player", playerID),
		zap.String("mode", string(mode)),
		zap.String("kind", string(kind)),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("balance", balance.StringFixed(2)))
	return balance, nil
}
