// Package pgstore implements the wallet, round and cashback stores on
// Postgres. Per-player serialization is a row lock on the wallets row.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maniabrasil/raspadinha-rgs/cashback"
	"github.com/maniabrasil/raspadinha-rgs/gamemath"
	"github.com/maniabrasil/raspadinha-rgs/round"
	"github.com/maniabrasil/raspadinha-rgs/wallet"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Rounds() round.Store      { return roundStore{s} }
func (s *Store) Wallets() wallet.Store    { return walletStore{s} }
func (s *Store) Cashback() cashback.Store { return cashbackStore{s} }

func (s *Store) inTx(ctx context.Context, fn func(*tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	t := &tx{tx: sqlTx, locked: make(map[string]bool)}
	if err := fn(t); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

func isUnique(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation &&
		(constraint == "" || pgErr.ConstraintName == constraint)
}

type tx struct {
	tx     *sql.Tx
	locked map[string]bool
}

func walletKey(playerID string, mode gamemath.Mode) string {
	return playerID + "|" + string(mode)
}

func (t *tx) LockWallet(ctx context.Context, playerID string, mode gamemath.Mode) (decimal.Decimal, error) {
	if _, err := t.tx.ExecContext(ctx, `INSERT INTO wallets (player_id, mode, balance) VALUES ($1, $2, 0)
		ON CONFLICT (player_id, mode) DO NOTHING`, playerID, string(mode)); err != nil {
		return decimal.Zero, err
	}
	var balance decimal.Decimal
	if err := t.tx.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE player_id = $1 AND mode = $2 FOR UPDATE`,
		playerID, string(mode)).Scan(&balance); err != nil {
		return decimal.Zero, err
	}
	t.locked[walletKey(playerID, mode)] = true
	return balance, nil
}

func (t *tx) PostEntry(ctx context.Context, e *wallet.Entry) error {
	if !t.locked[walletKey(e.PlayerID, e.Mode)] {
		return wallet.ErrNotLocked
	}
	if e.Ref != "" {
		var exists bool
		if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM wallet_entries WHERE ref = $1)`, e.Ref).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return wallet.ErrDuplicateRef
		}
	}
	var balance decimal.Decimal
	if err := t.tx.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE player_id = $1 AND mode = $2`,
		e.PlayerID, string(e.Mode)).Scan(&balance); err != nil {
		return err
	}
	next := balance.Add(e.Amount)
	if next.IsNegative() {
		return wallet.ErrInsufficientBalance
	}
	if _, err := t.tx.ExecContext(ctx, `UPDATE wallets SET balance = $3, updated_at = $4 WHERE player_id = $1 AND mode = $2`,
		e.PlayerID, string(e.Mode), next, e.CreatedAt); err != nil {
		return err
	}
	var ref, roundID sql.NullString
	if e.Ref != "" {
		ref = sql.NullString{String: e.Ref, Valid: true}
	}
	if e.RoundID != "" {
		roundID = sql.NullString{String: e.RoundID, Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO wallet_entries (id, player_id, mode, kind, amount, balance_after, round_id, ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.PlayerID, string(e.Mode), string(e.Kind), e.Amount, next, roundID, ref, e.CreatedAt)
	if isUnique(err, "wallet_entries_ref_key") {
		return wallet.ErrDuplicateRef
	}
	if err != nil {
		return err
	}
	e.BalanceAfter = next
	return nil
}

const roundColumns = `id, player_id, game_key, mode, bet, multiplier, prize_id, prize_name, prize_value, win, payout,
	table_version, match_count, cells, revealed_mask, status, credited, created_at, updated_at, settled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRound(row rowScanner) (*round.Round, error) {
	var (
		r       round.Round
		mode    string
		status  string
		cells   string
		mask    int64
		settled sql.NullTime
	)
	err := row.Scan(&r.ID, &r.PlayerID, &r.GameKey, &mode, &r.Bet, &r.Multiplier, &r.PrizeID, &r.PrizeName,
		&r.PrizeValue, &r.Win, &r.Payout, &r.TableVersion, &r.MatchCount, &cells, &mask, &status, &r.Credited,
		&r.CreatedAt, &r.UpdatedAt, &settled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, round.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Mode, r.Status, r.Revealed = gamemath.Mode(mode), round.Status(status), uint32(mask)
	if err := json.Unmarshal([]byte(cells), &r.Cells); err != nil {
		return nil, fmt.Errorf("round %s cells: %w", r.ID, err)
	}
	if settled.Valid {
		at := settled.Time
		r.SettledAt = &at
	}
	return &r, nil
}

func (t *tx) InsertRound(ctx context.Context, r *round.Round) error {
	cells, err := json.Marshal(r.Cells)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO rounds (`+roundColumns+`, cell_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		r.ID, r.PlayerID, r.GameKey, string(r.Mode), r.Bet, r.Multiplier, r.PrizeID, r.PrizeName, r.PrizeValue,
		r.Win, r.Payout, r.TableVersion, r.MatchCount, string(cells), int64(r.Revealed), string(r.Status), r.Credited,
		r.CreatedAt, r.UpdatedAt, r.SettledAt, len(r.Cells))
	if isUnique(err, "rounds_pkey") {
		return round.ErrDuplicate
	}
	return err
}

func (t *tx) LockRound(ctx context.Context, id string) (*round.Round, error) {
	return scanRound(t.tx.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1 FOR UPDATE`, id))
}

func (t *tx) SaveRound(ctx context.Context, r *round.Round) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE rounds SET revealed_mask = $2, status = $3, credited = $4, updated_at = $5, settled_at = $6
		WHERE id = $1`, r.ID, int64(r.Revealed), string(r.Status), r.Credited, r.UpdatedAt, r.SettledAt)
	return err
}

const recordColumns = `id, player_id, period::text, level, tier, percentage, total_deposits, total_withdrawals, total_wagered,
	current_balance, net_loss, amount, status, created_at, processed_at`

func scanRecord(row rowScanner) (*cashback.Record, error) {
	var (
		r         cashback.Record
		status    string
		processed sql.NullTime
	)
	err := row.Scan(&r.ID, &r.PlayerID, &r.Period, &r.Level, &r.Tier, &r.Percentage, &r.TotalDeposits,
		&r.TotalWithdrawals, &r.TotalWagered, &r.CurrentBalance, &r.NetLoss, &r.Amount, &status, &r.CreatedAt, &processed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cashback.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = cashback.Status(status)
	if processed.Valid {
		at := processed.Time
		r.ProcessedAt = &at
	}
	return &r, nil
}

func (t *tx) LockRecord(ctx context.Context, id int64) (*cashback.Record, error) {
	return scanRecord(t.tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM cashback_records WHERE id = $1 FOR UPDATE`, id))
}

func (t *tx) SaveRecord(ctx context.Context, r *cashback.Record) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE cashback_records SET status = $2, processed_at = $3 WHERE id = $1`,
		r.ID, string(r.Status), r.ProcessedAt)
	return err
}

type roundStore struct{ s *Store }

func (rs roundStore) InTx(ctx context.Context, fn func(round.Tx) error) error {
	return rs.s.inTx(ctx, func(t *tx) error { return fn(t) })
}

func (rs roundStore) Round(ctx context.Context, id string) (*round.Round, error) {
	return scanRound(rs.s.db.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id))
}

func (rs roundStore) Pending(ctx context.Context, idleBefore time.Time, limit int) ([]*round.Round, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := rs.s.db.QueryContext(ctx, `SELECT `+roundColumns+` FROM rounds
		WHERE status IN ('created', 'in_progress')
		  AND (updated_at < $1 OR revealed_mask = (1 << cell_count) - 1)
		ORDER BY updated_at LIMIT $2`, idleBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*round.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type walletStore struct{ s *Store }

func (ws walletStore) InTx(ctx context.Context, fn func(wallet.Tx) error) error {
	return ws.s.inTx(ctx, func(t *tx) error { return fn(t) })
}

func (ws walletStore) Balance(ctx context.Context, playerID string, mode gamemath.Mode) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := ws.s.db.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE player_id = $1 AND mode = $2`,
		playerID, string(mode)).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	return balance, err
}

func (ws walletStore) Entries(ctx context.Context, playerID string, mode gamemath.Mode, limit int) ([]wallet.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := ws.s.db.QueryContext(ctx, `SELECT id, kind, amount, balance_after, COALESCE(round_id, ''), COALESCE(ref, ''), created_at
		FROM wallet_entries WHERE player_id = $1 AND mode = $2 ORDER BY created_at DESC LIMIT $3`, playerID, string(mode), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []wallet.Entry
	for rows.Next() {
		e := wallet.Entry{PlayerID: playerID, Mode: mode}
		var kind string
		if err := rows.Scan(&e.ID, &kind, &e.Amount, &e.BalanceAfter, &e.RoundID, &e.Ref, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = wallet.Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

type cashbackStore struct{ s *Store }

func (cs cashbackStore) InTx(ctx context.Context, fn func(cashback.Tx) error) error {
	return cs.s.inTx(ctx, func(t *tx) error { return fn(t) })
}

// Totals mirrors cashback.Summarize in SQL.
func (cs cashbackStore) Totals(ctx context.Context, periodEnd time.Time) ([]cashback.Totals, error) {
	rows, err := cs.s.db.QueryContext(ctx, `SELECT player_id,
			COALESCE(SUM(amount) FILTER (WHERE kind = 'deposit'), 0),
			COALESCE(-SUM(amount) FILTER (WHERE kind = 'withdrawal'), 0),
			COALESCE(-SUM(amount) FILTER (WHERE kind IN ('bet', 'refund')), 0),
			COALESCE(SUM(amount), 0)
		FROM wallet_entries WHERE mode = 'real' AND created_at < $1
		GROUP BY player_id ORDER BY player_id`, periodEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []cashback.Totals
	for rows.Next() {
		var t cashback.Totals
		if err := rows.Scan(&t.PlayerID, &t.Deposits, &t.Withdrawals, &t.Wagered, &t.Balance); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (cs cashbackStore) InsertPending(ctx context.Context, recs []cashback.Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	sqlTx, err := cs.s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer sqlTx.Rollback()
	created := 0
	for _, r := range recs {
		res, err := sqlTx.ExecContext(ctx, `INSERT INTO cashback_records (player_id, period, level, tier, percentage,
				total_deposits, total_withdrawals, total_wagered, current_balance, net_loss, amount, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (player_id, period) DO NOTHING`,
			r.PlayerID, r.Period, r.Level, r.Tier, r.Percentage, r.TotalDeposits, r.TotalWithdrawals, r.TotalWagered,
			r.CurrentBalance, r.NetLoss, r.Amount, string(r.Status), r.CreatedAt)
		if err != nil {
			return 0, fmt.Errorf("cashback for %s: %w", r.PlayerID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created++
		}
	}
	return created, sqlTx.Commit()
}

func (cs cashbackStore) Records(ctx context.Context, f cashback.Filter) ([]cashback.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM cashback_records WHERE ($1 = '' OR period::text = $1) AND ($2 = '' OR status = $2)`
	args := []any{f.Period, string(f.Status)}
	if len(f.IDs) > 0 {
		ids, err := json.Marshal(f.IDs)
		if err != nil {
			return nil, err
		}
		query += ` AND id IN (SELECT jsonb_array_elements_text($3::jsonb)::bigint)`
		args = append(args, string(ids))
	}
	rows, err := cs.s.db.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []cashback.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
