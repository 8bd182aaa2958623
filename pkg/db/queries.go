package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrEmptyIDSet is returned by id-filtered queries called without ids.
var ErrEmptyIDSet = errors.New("id set is empty")

// maxIDsPerQuery keeps IN (...) lists well below SQLite's variable limit.
const maxIDsPerQuery = 500

// ListBots returns every account flagged as a bot.
func (d *Database) ListBots(ctx context.Context) ([]Bot, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, name, balance, created_at
		FROM bots WHERE is_bot = 1
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query bots: %w", err)
	}
	defer rows.Close()

	var res []Bot
	for rows.Next() {
		var b Bot
		if err := rows.Scan(&b.ID, &b.Name, &b.Balance, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// ListStocks returns all instruments ordered by symbol.
func (d *Database) ListStocks(ctx context.Context) ([]Stock, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, name, price, shares_outstanding
		FROM stocks ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query stocks: %w", err)
	}
	defer rows.Close()

	var res []Stock
	for rows.Next() {
		var s Stock
		if err := rows.Scan(&s.ID, &s.Symbol, &s.Name, &s.Price, &s.SharesOutstanding); err != nil {
			return nil, fmt.Errorf("scan stock: %w", err)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ListOpenOrdersByBots returns OPEN orders owned by the given bots, oldest first.
func (d *Database) ListOpenOrdersByBots(ctx context.Context, botIDs []string) ([]Order, error) {
	if len(botIDs) == 0 {
		return nil, ErrEmptyIDSet
	}

	var res []Order
	for _, ids := range chunk(botIDs, maxIDsPerQuery) {
		args := append([]any{StatusOpen}, stringArgs(ids)...)
		rows, err := d.DB.QueryContext(ctx, `
			SELECT id, bot_id, stock_id, side, qty, limit_price, reserved, status, created_at
			FROM orders
			WHERE status = ? AND bot_id IN (`+placeholders(len(ids))+`)
			ORDER BY created_at, id`, args...)
		if err != nil {
			return nil, fmt.Errorf("query open orders: %w", err)
		}
		orders, err := scanOrders(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, orders...)
	}
	return res, nil
}

func scanOrders(rows *sql.Rows) ([]Order, error) {
	defer rows.Close()

	var res []Order
	for rows.Next() {
		var (
			o     Order
			limit sql.NullInt64
		)
		if err := rows.Scan(&o.ID, &o.BotID, &o.StockID, &o.Side, &o.Qty, &limit, &o.Reserved, &o.Status, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if limit.Valid {
			v := limit.Int64
			o.LimitPrice = &v
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// ListHoldingsByBots returns non-empty portfolio rows for the given bots.
func (d *Database) ListHoldingsByBots(ctx context.Context, botIDs []string) ([]Holding, error) {
	if len(botIDs) == 0 {
		return nil, ErrEmptyIDSet
	}

	var res []Holding
	for _, ids := range chunk(botIDs, maxIDsPerQuery) {
		rows, err := d.DB.QueryContext(ctx, `
			SELECT bot_id, stock_id, shares
			FROM portfolios
			WHERE shares > 0 AND bot_id IN (`+placeholders(len(ids))+`)
			ORDER BY bot_id, stock_id`, stringArgs(ids)...)
		if err != nil {
			return nil, fmt.Errorf("query holdings: %w", err)
		}
		for rows.Next() {
			var h Holding
			if err := rows.Scan(&h.BotID, &h.StockID, &h.Shares); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan holding: %w", err)
			}
			res = append(res, h)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ListStrategiesByBots returns the active strategy of each given bot with its
// rules in declaration order. When a bot has several active strategies the
// most recently created one wins.
func (d *Database) ListStrategiesByBots(ctx context.Context, botIDs []string) ([]Strategy, error) {
	if len(botIDs) == 0 {
		return nil, ErrEmptyIDSet
	}

	var res []Strategy
	var stratIDs []string
	seen := make(map[string]bool)
	byID := make(map[string]int)
	for _, ids := range chunk(botIDs, maxIDsPerQuery) {
		rows, err := d.DB.QueryContext(ctx, `
			SELECT id, bot_id, name, is_active
			FROM strategies
			WHERE is_active = 1 AND bot_id IN (`+placeholders(len(ids))+`)
			ORDER BY created_at DESC, id`, stringArgs(ids)...)
		if err != nil {
			return nil, fmt.Errorf("query strategies: %w", err)
		}
		for rows.Next() {
			var s Strategy
			if err := rows.Scan(&s.ID, &s.BotID, &s.Name, &s.IsActive); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan strategy: %w", err)
			}
			if seen[s.BotID] {
				continue
			}
			seen[s.BotID] = true
			byID[s.ID] = len(res)
			stratIDs = append(stratIDs, s.ID)
			res = append(res, s)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}

	for _, ids := range chunk(stratIDs, maxIDsPerQuery) {
		rows, err := d.DB.QueryContext(ctx, `
			SELECT id, strategy_id, priority, COALESCE(conditions, ''), COALESCE(event, '')
			FROM rules
			WHERE strategy_id IN (`+placeholders(len(ids))+`)
			ORDER BY id`, stringArgs(ids)...)
		if err != nil {
			return nil, fmt.Errorf("query rules: %w", err)
		}
		for rows.Next() {
			var r RuleRow
			if err := rows.Scan(&r.ID, &r.StrategyID, &r.Priority, &r.Conditions, &r.Event); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan rule: %w", err)
			}
			idx := byID[r.StrategyID]
			res[idx].Rules = append(res[idx].Rules, r)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}
