// Package pgstore is the PostgreSQL backend of the tick pipeline. It serves
// the same reads and the same atomic bulk write as the SQLite store in
// pkg/db, through gorm.
package pgstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trading-bots/pkg/db"
	"trading-bots/pkg/logging"
)

const (
	// Postgres allows 65535 bind parameters per statement.
	maxIDsPerQuery   = 1000
	maxRowsPerInsert = 500
)

// Store reads snapshots from and writes tick mutations to PostgreSQL.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// New wraps an open gorm handle.
func New(gdb *gorm.DB, log *zap.Logger) *Store {
	return &Store{db: gdb, log: logging.OrNop(log)}
}

// Migrate creates or updates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// ListBots returns every account flagged as a bot.
func (s *Store) ListBots(ctx context.Context) ([]db.Bot, error) {
	var recs []botRecord
	if err := s.db.WithContext(ctx).
		Where("is_bot = ?", true).
		Order("created_at, id").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query bots: %w", err)
	}
	res := make([]db.Bot, 0, len(recs))
	for _, r := range recs {
		res = append(res, db.Bot{ID: r.ID, Name: r.Name, Balance: r.Balance, CreatedAt: r.CreatedAt})
	}
	return res, nil
}

// ListStocks returns all instruments ordered by symbol.
func (s *Store) ListStocks(ctx context.Context) ([]db.Stock, error) {
	var recs []stockRecord
	if err := s.db.WithContext(ctx).Order("symbol").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query stocks: %w", err)
	}
	res := make([]db.Stock, 0, len(recs))
	for _, r := range recs {
		res = append(res, db.Stock{
			ID:                r.ID,
			Symbol:            r.Symbol,
			Name:              r.Name,
			Price:             r.Price,
			SharesOutstanding: r.SharesOutstanding,
		})
	}
	return res, nil
}

// ListOpenOrdersByBots returns OPEN orders owned by the given bots, oldest first.
func (s *Store) ListOpenOrdersByBots(ctx context.Context, botIDs []string) ([]db.Order, error) {
	if len(botIDs) == 0 {
		return nil, db.ErrEmptyIDSet
	}
	var res []db.Order
	for _, ids := range chunk(botIDs, maxIDsPerQuery) {
		var recs []orderRecord
		if err := openOrders(s.db.WithContext(ctx), ids).Find(&recs).Error; err != nil {
			return nil, fmt.Errorf("query open orders: %w", err)
		}
		for _, r := range recs {
			res = append(res, r.toOrder())
		}
	}
	return res, nil
}

func openOrders(tx *gorm.DB, botIDs []string) *gorm.DB {
	return tx.Where("status = ? AND bot_id IN ?", db.StatusOpen, botIDs).Order("created_at, id")
}

// ListHoldingsByBots returns non-empty portfolio rows for the given bots.
func (s *Store) ListHoldingsByBots(ctx context.Context, botIDs []string) ([]db.Holding, error) {
	if len(botIDs) == 0 {
		return nil, db.ErrEmptyIDSet
	}
	var res []db.Holding
	for _, ids := range chunk(botIDs, maxIDsPerQuery) {
		var recs []holdingRecord
		if err := s.db.WithContext(ctx).
			Where("shares > 0 AND bot_id IN ?", ids).
			Order("bot_id, stock_id").
			Find(&recs).Error; err != nil {
			return nil, fmt.Errorf("query holdings: %w", err)
		}
		for _, r := range recs {
			res = append(res, db.Holding{BotID: r.BotID, StockID: r.StockID, Shares: r.Shares})
		}
	}
	return res, nil
}

// ListStrategiesByBots returns the newest active strategy of each given bot
// with its rules in declaration order.
func (s *Store) ListStrategiesByBots(ctx context.Context, botIDs []string) ([]db.Strategy, error) {
	if len(botIDs) == 0 {
		return nil, db.ErrEmptyIDSet
	}

	var res []db.Strategy
	var stratIDs []string
	seen := make(map[string]bool)
	byID := make(map[string]int)
	for _, ids := range chunk(botIDs, maxIDsPerQuery) {
		var recs []strategyRecord
		if err := s.db.WithContext(ctx).
			Where("is_active = ? AND bot_id IN ?", true, ids).
			Order("created_at DESC, id").
			Find(&recs).Error; err != nil {
			return nil, fmt.Errorf("query strategies: %w", err)
		}
		for _, r := range recs {
			if seen[r.BotID] {
				continue
			}
			seen[r.BotID] = true
			byID[r.ID] = len(res)
			stratIDs = append(stratIDs, r.ID)
			res = append(res, db.Strategy{ID: r.ID, BotID: r.BotID, Name: r.Name, IsActive: r.IsActive})
		}
	}

	for _, ids := range chunk(stratIDs, maxIDsPerQuery) {
		var recs []ruleRecord
		if err := s.db.WithContext(ctx).
			Where("strategy_id IN ?", ids).
			Order("id").
			Find(&recs).Error; err != nil {
			return nil, fmt.Errorf("query rules: %w", err)
		}
		for _, r := range recs {
			idx := byID[r.StrategyID]
			res[idx].Rules = append(res[idx].Rules, db.RuleRow{
				ID:         r.ID,
				StrategyID: r.StrategyID,
				Priority:   r.Priority,
				Conditions: deref(r.Conditions),
				Event:      deref(r.Event),
			})
		}
	}
	return res, nil
}

// ApplyMutations cancels the given OPEN orders and inserts new orders in one
// transaction, refunding cancelled BUY reservations and debiting new ones.
// Ids that are no longer OPEN are left untouched.
func (s *Store) ApplyMutations(ctx context.Context, cancelIDs []string, orders []db.Order) (db.MutationResult, error) {
	var res db.MutationResult
	if len(cancelIDs) == 0 && len(orders) == 0 {
		return res, nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res = db.MutationResult{}

		refunds := make(map[string]int64)
		for _, ids := range chunk(cancelIDs, maxIDsPerQuery) {
			// RETURNING reports exactly the rows this statement flipped, so a
			// concurrent cancel can never be refunded twice.
			var flipped []orderRecord
			result := tx.Model(&flipped).
				Clauses(clause.Returning{Columns: []clause.Column{{Name: "id"}, {Name: "bot_id"}, {Name: "side"}, {Name: "reserved"}}}).
				Where("status = ? AND id IN ?", db.StatusOpen, ids).
				Update("status", db.StatusCancelled)
			if result.Error != nil {
				return fmt.Errorf("cancel orders: %w", result.Error)
			}
			res.Cancelled += result.RowsAffected
			for _, o := range flipped {
				if o.Side == db.SideBuy && o.Reserved > 0 {
					refunds[o.BotID] += o.Reserved
				}
			}
		}
		for _, botID := range sortedKeys(refunds) {
			if err := adjustBalance(tx, botID, refunds[botID]); err != nil {
				return err
			}
			res.Refunded += refunds[botID]
		}

		if len(orders) == 0 {
			return nil
		}
		now := time.Now().UTC()
		recs := make([]orderRecord, 0, len(orders))
		debits := make(map[string]int64)
		for _, o := range orders {
			recs = append(recs, fromOrder(o, now))
			if o.Reserved > 0 {
				debits[o.BotID] += o.Reserved
			}
		}
		result := tx.CreateInBatches(&recs, maxRowsPerInsert)
		if result.Error != nil {
			return fmt.Errorf("insert orders: %w", result.Error)
		}
		res.Inserted = result.RowsAffected

		for _, botID := range sortedKeys(debits) {
			if err := adjustBalance(tx, botID, -debits[botID]); err != nil {
				return err
			}
			res.Debited += debits[botID]
		}
		return nil
	})
	if err != nil {
		return db.MutationResult{}, err
	}
	return res, nil
}

func adjustBalance(tx *gorm.DB, botID string, delta int64) error {
	if delta == 0 {
		return nil
	}
	if err := tx.Model(&botRecord{}).
		Where("id = ?", botID).
		UpdateColumn("balance", gorm.Expr("balance + ?", delta)).Error; err != nil {
		return fmt.Errorf("adjust balance for bot %s: %w", botID, err)
	}
	return nil
}

func (r orderRecord) toOrder() db.Order {
	return db.Order{
		ID:         r.ID,
		BotID:      r.BotID,
		StockID:    r.StockID,
		Side:       r.Side,
		Qty:        r.Qty,
		LimitPrice: r.LimitPrice,
		Reserved:   r.Reserved,
		Status:     r.Status,
		CreatedAt:  r.CreatedAt,
	}
}

func fromOrder(o db.Order, now time.Time) orderRecord {
	rec := orderRecord{
		ID:         o.ID,
		BotID:      o.BotID,
		StockID:    o.StockID,
		Side:       o.Side,
		Qty:        o.Qty,
		LimitPrice: o.LimitPrice,
		Reserved:   o.Reserved,
		Status:     o.Status,
		CreatedAt:  o.CreatedAt,
	}
	if rec.Status == "" {
		rec.Status = db.StatusOpen
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	return rec
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// sortedKeys fixes the balance update order so concurrent writers lock bot
// rows in the same sequence.
func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
