package games

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

func joinMultipliers(ms []int64) string {
	parts := make([]string, len(ms))
	for i, m := range ms {
		parts[i] = strconv.FormatInt(m, 10)
	}
	return strings.Join(parts, ",")
}

func parseMultipliers(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		m, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("multiplier %q: %w", part, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Sync inserts the registry's games and prizes into scratch_games/game_prizes.
// Rows that already exist are left alone so operator edits survive restarts.
func Sync(ctx context.Context, db *sql.DB, r *Registry) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, g := range r.ListGames() {
		if _, err := tx.ExecContext(ctx, `INSERT INTO scratch_games (game_key, name, cost, multipliers, cell_count, match_count, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (game_key) DO NOTHING`,
			g.Key, g.Name, g.Cost, joinMultipliers(g.Multipliers), g.Cells, g.MatchCount, g.Active); err != nil {
			return fmt.Errorf("sync game %s: %w", g.Key, err)
		}
		prizes, _ := r.Prizes(g.Key)
		for _, p := range prizes {
			if _, err := tx.ExecContext(ctx, `INSERT INTO game_prizes (id, game_key, prize_value, display_name, asset_path, sort_order, no_win)
				VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
				p.ID, p.GameKey, p.Value, p.Name, p.Asset, p.Order, p.NoWin); err != nil {
				return fmt.Errorf("sync prize %d: %w", p.ID, err)
			}
		}
	}
	return tx.Commit()
}

// LoadFromDB registers every game stored in scratch_games with its prizes.
func LoadFromDB(ctx context.Context, db *sql.DB, r *Registry) error {
	rows, err := db.QueryContext(ctx, `SELECT game_key, name, cost, multipliers, cell_count, match_count, active FROM scratch_games`)
	if err != nil {
		return err
	}
	var list []Game
	for rows.Next() {
		var g Game
		var multipliers string
		if err := rows.Scan(&g.Key, &g.Name, &g.Cost, &multipliers, &g.Cells, &g.MatchCount, &g.Active); err != nil {
			rows.Close()
			return err
		}
		if g.Multipliers, err = parseMultipliers(multipliers); err != nil {
			rows.Close()
			return fmt.Errorf("game %s: %w", g.Key, err)
		}
		list = append(list, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, g := range list {
		prizes, err := loadPrizes(ctx, db, g.Key)
		if err != nil {
			return err
		}
		if err := r.Register(g, prizes); err != nil {
			return err
		}
	}
	return nil
}

func loadPrizes(ctx context.Context, db *sql.DB, gameKey string) ([]Prize, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, prize_value, display_name, COALESCE(asset_path, ''), sort_order, no_win
		FROM game_prizes WHERE game_key = $1 ORDER BY id`, gameKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Prize
	for rows.Next() {
		p := Prize{GameKey: gameKey}
		var value decimal.Decimal
		if err := rows.Scan(&p.ID, &value, &p.Name, &p.Asset, &p.Order, &p.NoWin); err != nil {
			return nil, err
		}
		p.Value = value
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateActive persists a game's activation flag.
func UpdateActive(ctx context.Context, db *sql.DB, key string, active bool) error {
	res, err := db.ExecContext(ctx, `UPDATE scratch_games SET active = $2 WHERE game_key = $1`, key, active)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownGame, key)
	}
	return nil
}

// DBStatus reads activation flags straight from scratch_games so a toggle made
// by any replica applies to every replica's next round.
type DBStatus struct {
	db *sql.DB
}

func NewDBStatus(db *sql.DB) *DBStatus { return &DBStatus{db: db} }

func (s *DBStatus) Active(ctx context.Context, key string) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx, `SELECT active FROM scratch_games WHERE game_key = $1`, key).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ErrUnknownGame, key)
	}
	return active, err
}
