package probability

import (
	"context"
	"errors"
	"time"

	"github.com/maniabrasil/raspadinha-rgs/gamemath"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("probability table not found")
	// ErrUnavailable means a stored table failed its integrity check. Rounds for
	// that game and mode are refused until an administrator writes a valid table.
	ErrUnavailable = errors.New("probability table unavailable")
)

// Action names the admin operation recorded in the audit log.
type Action string

const (
	ActionSet                  Action = "set"
	ActionDistributeSweepstake Action = "distribute_sweepstake"
	ActionDistributeEqually    Action = "distribute_equally"
	ActionResetDefaults        Action = "reset_defaults"
)

// AuditRecord is an append-only snapshot of one table replacement.
type AuditRecord struct {
	ID               int64            `json:"id"`
	GameKey          string           `json:"gameKey"`
	Mode             gamemath.Mode    `json:"mode"`
	Author           string           `json:"author"`
	Action           Action           `json:"action"`
	Version          int64            `json:"version"`
	Before           []gamemath.Entry `json:"before"`
	After            []gamemath.Entry `json:"after"`
	SweepstakeTarget *decimal.Decimal `json:"sweepstakeTarget,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
}

// Repository persists probability tables and their audit trail.
type Repository interface {
	// LoadTable returns ErrNotFound when the game/mode has no rows.
	LoadTable(ctx context.Context, gameKey string, mode gamemath.Mode) (*gamemath.Table, error)
	// ReplaceTable swaps every row of next.GameKey/next.Mode and appends rec in
	// one atomic step. It assigns the next version and fills rec.Before.
	ReplaceTable(ctx context.Context, next *gamemath.Table, rec AuditRecord) (*gamemath.Table, error)
	// AuditLog lists the newest records first.
	AuditLog(ctx context.Context, gameKey string, mode gamemath.Mode, limit int) ([]AuditRecord, error)
}

func tableKey(gameKey string, mode gamemath.Mode) string {
	return gameKey + "/" + string(mode)
}
