package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trading-bots/pkg/db"
)

// SyncFixture upserts the fixture. Rules of every listed strategy are
// replaced wholesale.
func (s *Store) SyncFixture(ctx context.Context, f db.Fixture) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, b := range f.Bots {
			rec := botRecord{ID: b.ID, Name: b.Name, Balance: b.Balance, IsBot: true}
			if err := upsert(tx, &rec, "id", "name", "balance"); err != nil {
				return fmt.Errorf("upsert bot %s: %w", b.ID, err)
			}
		}

		for _, st := range f.Stocks {
			rec := stockRecord{
				ID:                st.ID,
				Symbol:            st.Symbol,
				Name:              st.Name,
				Price:             st.Price,
				SharesOutstanding: st.SharesOutstanding,
			}
			if err := upsert(tx, &rec, "id", "symbol", "name", "price", "shares_outstanding"); err != nil {
				return fmt.Errorf("upsert stock %s: %w", st.Symbol, err)
			}
		}

		for _, h := range f.Holdings {
			rec := holdingRecord{BotID: h.BotID, StockID: h.StockID, Shares: h.Shares}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "bot_id"}, {Name: "stock_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"shares"}),
			}).Create(&rec).Error
			if err != nil {
				return fmt.Errorf("upsert holding %s/%s: %w", h.BotID, h.StockID, err)
			}
		}

		for _, o := range f.Orders {
			rec := fromOrder(db.Order{
				ID:         o.ID,
				BotID:      o.BotID,
				StockID:    o.StockID,
				Side:       o.Side,
				Qty:        o.Qty,
				LimitPrice: o.LimitPrice,
				Reserved:   o.Reserved,
				Status:     o.Status,
			}, time.Now().UTC())
			if err := upsert(tx, &rec, "id", "status"); err != nil {
				return fmt.Errorf("upsert order %s: %w", o.ID, err)
			}
		}

		for _, st := range f.Strategies {
			rec := strategyRecord{ID: st.ID, BotID: st.BotID, Name: st.Name, IsActive: true}
			if err := upsert(tx, &rec, "id", "bot_id", "name", "is_active"); err != nil {
				return fmt.Errorf("upsert strategy %s: %w", st.ID, err)
			}
			if err := tx.Where("strategy_id = ?", st.ID).Delete(&ruleRecord{}).Error; err != nil {
				return fmt.Errorf("reset rules for strategy %s: %w", st.ID, err)
			}
			for i, r := range st.Rules {
				conditions, err := marshalOptional(r.Conditions)
				if err != nil {
					return fmt.Errorf("marshal conditions of rule %d in %s: %w", i, st.ID, err)
				}
				event, err := marshalOptional(r.Event)
				if err != nil {
					return fmt.Errorf("marshal event of rule %d in %s: %w", i, st.ID, err)
				}
				rule := ruleRecord{StrategyID: st.ID, Priority: r.Priority, Conditions: conditions, Event: event}
				if err := tx.Create(&rule).Error; err != nil {
					return fmt.Errorf("insert rule %d in %s: %w", i, st.ID, err)
				}
			}
		}
		return nil
	})
}

// upsert inserts rec, or updates the listed columns when the key exists.
func upsert(tx *gorm.DB, rec any, key string, columns ...string) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: key}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(rec).Error
}

// marshalOptional returns nil (SQL NULL) for an absent tree.
func marshalOptional(v map[string]any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}
