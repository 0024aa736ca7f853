package probability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/maniabrasil/raspadinha-rgs/gamemath"

	"github.com/shopspring/decimal"
)

// PGRepository stores tables in Postgres. The probability_tables head row is
// the per game/mode lock taken by every write.
type PGRepository struct {
	db *sql.DB
}

func NewPGRepository(db *sql.DB) *PGRepository {
	return &PGRepository{db: db}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadEntries(ctx context.Context, q queryer, gameKey string, mode gamemath.Mode) ([]gamemath.Entry, error) {
	rows, err := q.QueryContext(ctx, `SELECT prize_id, probability FROM game_prize_probabilities
		WHERE game_key = $1 AND mode = $2 ORDER BY prize_id`, gameKey, string(mode))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []gamemath.Entry
	for rows.Next() {
		var e gamemath.Entry
		if err := rows.Scan(&e.PrizeID, &e.Probability); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PGRepository) LoadTable(ctx context.Context, gameKey string, mode gamemath.Mode) (*gamemath.Table, error) {
	t := &gamemath.Table{GameKey: gameKey, Mode: mode}
	var target decimal.NullDecimal
	err := r.db.QueryRowContext(ctx, `SELECT version, sweepstake_target, updated_at, updated_by
		FROM probability_tables WHERE game_key = $1 AND mode = $2`, gameKey, string(mode)).
		Scan(&t.Version, &target, &t.UpdatedAt, &t.UpdatedBy)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && t.Version == 0) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if target.Valid {
		t.SweepstakeTarget = &target.Decimal
	}
	if t.Entries, err = loadEntries(ctx, r.db, gameKey, mode); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *PGRepository) ReplaceTable(ctx context.Context, next *gamemath.Table, rec AuditRecord) (*gamemath.Table, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	mode := string(next.Mode)
	if _, err := tx.ExecContext(ctx, `INSERT INTO probability_tables (game_key, mode, version, updated_by)
		VALUES ($1, $2, 0, '') ON CONFLICT (game_key, mode) DO NOTHING`, next.GameKey, mode); err != nil {
		return nil, err
	}
	var version int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM probability_tables
		WHERE game_key = $1 AND mode = $2 FOR UPDATE`, next.GameKey, mode).Scan(&version); err != nil {
		return nil, err
	}
	if version > 0 {
		if rec.Before, err = loadEntries(ctx, tx, next.GameKey, next.Mode); err != nil {
			return nil, err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM game_prize_probabilities WHERE game_key = $1 AND mode = $2`,
		next.GameKey, mode); err != nil {
		return nil, err
	}
	for _, e := range next.Entries {
		if _, err := tx.ExecContext(ctx, `INSERT INTO game_prize_probabilities (game_key, mode, prize_id, probability, updated_at, updated_by)
			VALUES ($1, $2, $3, $4, $5, $6)`, next.GameKey, mode, e.PrizeID, e.Probability, next.UpdatedAt, next.UpdatedBy); err != nil {
			return nil, fmt.Errorf("insert prize %d: %w", e.PrizeID, err)
		}
	}
	stored := next.Clone()
	stored.Version = version + 1
	var target decimal.NullDecimal
	if stored.SweepstakeTarget != nil {
		target = decimal.NewNullDecimal(*stored.SweepstakeTarget)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE probability_tables SET version = $3, sweepstake_target = $4, updated_at = $5, updated_by = $6
		WHERE game_key = $1 AND mode = $2`, next.GameKey, mode, stored.Version, target, stored.UpdatedAt, stored.UpdatedBy); err != nil {
		return nil, err
	}
	before, err := json.Marshal(rec.Before)
	if err != nil {
		return nil, err
	}
	after, err := json.Marshal(stored.Entries)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO probability_audit_log (game_key, mode, author, action, version, before_snapshot, after_snapshot, sweepstake_target, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		next.GameKey, mode, rec.Author, string(rec.Action), stored.Version, string(before), string(after), target, rec.CreatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stored, nil
}

func (r *PGRepository) AuditLog(ctx context.Context, gameKey string, mode gamemath.Mode, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id, author, action, version, before_snapshot, after_snapshot, sweepstake_target, created_at
		FROM probability_audit_log WHERE game_key = $1 AND mode = $2 ORDER BY id DESC LIMIT $3`, gameKey, string(mode), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditRecord
	for rows.Next() {
		rec := AuditRecord{GameKey: gameKey, Mode: mode}
		var action, before, after string
		var target decimal.NullDecimal
		if err := rows.Scan(&rec.ID, &rec.Author, &action, &rec.Version, &before, &after, &target, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Action = Action(action)
		if err := json.Unmarshal([]byte(before), &rec.Before); err != nil {
			return nil, fmt.Errorf("audit %d before: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(after), &rec.After); err != nil {
			return nil, fmt.Errorf("audit %d after: %w", rec.ID, err)
		}
		if target.Valid {
			rec.SweepstakeTarget = &target.Decimal
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
