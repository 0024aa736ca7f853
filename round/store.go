package round

import (
	"context"
	"errors"
	"math/bits"
	"time"

	"github.com/maniabrasil/raspadinha-rgs/gamemath"
	"github.com/maniabrasil/raspadinha-rgs/wallet"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("round not found")
	// ErrInvalidState is returned for operations on a round that has moved past them.
	ErrInvalidState = errors.New("round is not open")
	ErrOutOfRange   = errors.New("cell index out of range or already revealed")
	ErrDuplicate    = errors.New("round id already used")
	ErrGameInactive = errors.New("game is not active")
)

type Status string

const (
	StatusCreated    Status = "created"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusExpired    Status = "expired"
)

// Round is a purchased card. The outcome fields are fixed when the round is
// created and never redrawn; Revealed is a bitmask over Cells.
type Round struct {
	ID           string          `json:"roundId"`
	PlayerID     string          `json:"playerId"`
	GameKey      string          `json:"gameKey"`
	Mode         gamemath.Mode   `json:"mode"`
	Bet          decimal.Decimal `json:"bet"`
	Multiplier   int64           `json:"multiplier"`
	PrizeID      int64           `json:"prizeId"`
	PrizeName    string          `json:"prizeName"`
	PrizeValue   decimal.Decimal `json:"prizeValue"`
	Win          bool            `json:"win"`
	Payout       decimal.Decimal `json:"payout"`
	TableVersion int64           `json:"tableVersion"`
	MatchCount   int             `json:"matchCount"`
	Cells        []int64         `json:"cells"`
	Revealed     uint32          `json:"revealed"`
	Status       Status          `json:"status"`
	Credited     decimal.Decimal `json:"credited"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	SettledAt    *time.Time      `json:"settledAt,omitempty"`
}

func (r *Round) Terminal() bool {
	return r.Status == StatusResolved || r.Status == StatusExpired
}

func (r *Round) FullMask() uint32 {
	return uint32(1)<<uint(len(r.Cells)) - 1
}

func (r *Round) AllRevealed() bool {
	return len(r.Cells) > 0 && r.Revealed == r.FullMask()
}

func (r *Round) IsRevealed(i int) bool {
	return r.Revealed&(1<<uint(i)) != 0
}

func (r *Round) RevealedCount() int {
	return bits.OnesCount32(r.Revealed)
}

// Clone returns a copy whose slices are not shared.
func (r *Round) Clone() *Round {
	c := *r
	c.Cells = append([]int64(nil), r.Cells...)
	if r.SettledAt != nil {
		t := *r.SettledAt
		c.SettledAt = &t
	}
	return &c
}

// Tx is a storage transaction covering rounds and wallets. Implementations
// lock the round row in LockRound until the transaction ends.
type Tx interface {
	wallet.Tx
	InsertRound(ctx context.Context, r *Round) error
	LockRound(ctx context.Context, id string) (*Round, error)
	SaveRound(ctx context.Context, r *Round) error
}

type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	Round(ctx context.Context, id string) (*Round, error)
	// Pending lists open rounds idle since before idleBefore together with
	// open rounds whose cells are all revealed.
	Pending(ctx context.Context, idleBefore time.Time, limit int) ([]*Round, error)
}
