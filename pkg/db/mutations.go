package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// maxRowsPerInsert bounds multi-row VALUES statements (9 columns per row).
const maxRowsPerInsert = 500

// ApplyMutations cancels the given OPEN orders and inserts new orders in one
// transaction. Cancelling a BUY order refunds its reservation to the owning
// bot; inserting a BUY order debits the bot by its reservation. Ids that are no
// longer OPEN are left untouched. Either half may be empty.
func (d *Database) ApplyMutations(ctx context.Context, cancelIDs []string, orders []Order) (MutationResult, error) {
	var res MutationResult
	if len(cancelIDs) == 0 && len(orders) == 0 {
		return res, nil
	}

	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if len(cancelIDs) > 0 {
		cancelled, refunded, err := cancelOrders(ctx, tx, cancelIDs)
		if err != nil {
			return res, err
		}
		res.Cancelled, res.Refunded = cancelled, refunded
	}

	if len(orders) > 0 {
		inserted, err := insertOrders(ctx, tx, orders)
		if err != nil {
			return res, err
		}
		res.Inserted = inserted

		debits := make(map[string]int64)
		var botOrder []string
		for _, o := range orders {
			if o.Reserved <= 0 {
				continue
			}
			if _, ok := debits[o.BotID]; !ok {
				botOrder = append(botOrder, o.BotID)
			}
			debits[o.BotID] += o.Reserved
		}
		for _, botID := range botOrder {
			if err := adjustBalance(ctx, tx, botID, -debits[botID]); err != nil {
				return res, err
			}
			res.Debited += debits[botID]
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit mutations: %w", err)
	}
	return res, nil
}

func cancelOrders(ctx context.Context, tx *sql.Tx, ids []string) (cancelled, refunded int64, err error) {
	for _, part := range chunk(ids, maxIDsPerQuery) {
		in := placeholders(len(part))
		args := append([]any{StatusOpen}, stringArgs(part)...)

		// Refunds must be read before the status flip hides the rows.
		rows, err := tx.QueryContext(ctx, `
			SELECT bot_id, SUM(reserved)
			FROM orders
			WHERE status = ? AND side = 'BUY' AND reserved > 0 AND id IN (`+in+`)
			GROUP BY bot_id
			ORDER BY bot_id`, args...)
		if err != nil {
			return 0, 0, fmt.Errorf("query refunds: %w", err)
		}
		refunds := make(map[string]int64)
		var botOrder []string
		for rows.Next() {
			var botID string
			var amount int64
			if err := rows.Scan(&botID, &amount); err != nil {
				rows.Close()
				return 0, 0, fmt.Errorf("scan refund: %w", err)
			}
			refunds[botID] = amount
			botOrder = append(botOrder, botID)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return 0, 0, err
		}

		updArgs := append([]any{StatusCancelled, StatusOpen}, stringArgs(part)...)
		result, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = ?
			WHERE status = ? AND id IN (`+in+`)`, updArgs...)
		if err != nil {
			return 0, 0, fmt.Errorf("cancel orders: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, 0, fmt.Errorf("cancel orders rows affected: %w", err)
		}
		cancelled += n

		for _, botID := range botOrder {
			if err := adjustBalance(ctx, tx, botID, refunds[botID]); err != nil {
				return 0, 0, err
			}
			refunded += refunds[botID]
		}
	}
	return cancelled, refunded, nil
}

func insertOrders(ctx context.Context, tx *sql.Tx, orders []Order) (int64, error) {
	var inserted int64
	now := time.Now().UTC()
	for start := 0; start < len(orders); start += maxRowsPerInsert {
		end := start + maxRowsPerInsert
		if end > len(orders) {
			end = len(orders)
		}
		batch := orders[start:end]

		values := make([]string, 0, len(batch))
		args := make([]any, 0, len(batch)*9)
		for _, o := range batch {
			createdAt := o.CreatedAt
			if createdAt.IsZero() {
				createdAt = now
			}
			status := o.Status
			if status == "" {
				status = StatusOpen
			}
			var limit any
			if o.LimitPrice != nil {
				limit = *o.LimitPrice
			}
			values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args, o.ID, o.BotID, o.StockID, o.Side, o.Qty, limit, o.Reserved, status, createdAt)
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO orders (id, bot_id, stock_id, side, qty, limit_price, reserved, status, created_at)
			VALUES `+strings.Join(values, ", "), args...)
		if err != nil {
			return inserted, fmt.Errorf("insert orders: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("insert orders rows affected: %w", err)
		}
		inserted += n
	}
	return inserted, nil
}

func adjustBalance(ctx context.Context, tx *sql.Tx, botID string, delta int64) error {
	if delta == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE bots SET balance = balance + ? WHERE id = ?`, delta, botID); err != nil {
		return fmt.Errorf("adjust balance for bot %s: %w", botID, err)
	}
	return nil
}
