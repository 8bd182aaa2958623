package db

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Fixture is the YAML layout used to seed bots, stocks, holdings, open orders
// and strategies out-of-band.
type Fixture struct {
	Bots       []FixtureBot      `yaml:"bots"`
	Stocks     []FixtureStock    `yaml:"stocks"`
	Holdings   []FixtureHolding  `yaml:"holdings"`
	Orders     []FixtureOrder    `yaml:"orders"`
	Strategies []FixtureStrategy `yaml:"strategies"`
}

type FixtureBot struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Balance int64  `yaml:"balance"`
}

type FixtureStock struct {
	ID                string `yaml:"id"`
	Symbol            string `yaml:"symbol"`
	Name              string `yaml:"name"`
	Price             int64  `yaml:"price"`
	SharesOutstanding int64  `yaml:"shares_outstanding"`
}

type FixtureHolding struct {
	BotID   string `yaml:"bot_id"`
	StockID string `yaml:"stock_id"`
	Shares  int64  `yaml:"shares"`
}

type FixtureOrder struct {
	ID         string `yaml:"id"`
	BotID      string `yaml:"bot_id"`
	StockID    string `yaml:"stock_id"`
	Side       string `yaml:"side"`
	Qty        int64  `yaml:"qty"`
	LimitPrice *int64 `yaml:"limit_price"`
	Reserved   int64  `yaml:"reserved"`
	Status     string `yaml:"status"`
}

type FixtureStrategy struct {
	ID    string        `yaml:"id"`
	BotID string        `yaml:"bot_id"`
	Name  string        `yaml:"name"`
	Rules []FixtureRule `yaml:"rules"`
}

// FixtureRule keeps conditions and event as free-form trees; they are stored as
// JSON and validated only when a tick registers them.
type FixtureRule struct {
	Priority   int            `yaml:"priority"`
	Conditions map[string]any `yaml:"conditions"`
	Event      map[string]any `yaml:"event"`
}

// LoadFixture reads a fixture from a YAML file.
func LoadFixture(path string) (Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, err
	}
	f, err := ParseFixture(data)
	if err != nil {
		return Fixture{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// ParseFixture decodes a YAML fixture document.
func ParseFixture(data []byte) (Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("parse fixture: %w", err)
	}
	return f, nil
}

// SyncFixture upserts the fixture into the database. Rules of every listed
// strategy are replaced wholesale.
func (d *Database) SyncFixture(ctx context.Context, f Fixture) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, b := range f.Bots {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bots (id, name, balance, is_bot) VALUES (?, ?, ?, 1)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, balance = excluded.balance
		`, b.ID, b.Name, b.Balance); err != nil {
			return fmt.Errorf("upsert bot %s: %w", b.ID, err)
		}
	}

	for _, s := range f.Stocks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stocks (id, symbol, name, price, shares_outstanding) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				symbol = excluded.symbol,
				name = excluded.name,
				price = excluded.price,
				shares_outstanding = excluded.shares_outstanding
		`, s.ID, s.Symbol, s.Name, s.Price, s.SharesOutstanding); err != nil {
			return fmt.Errorf("upsert stock %s: %w", s.Symbol, err)
		}
	}

	for _, h := range f.Holdings {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO portfolios (bot_id, stock_id, shares) VALUES (?, ?, ?)
			ON CONFLICT(bot_id, stock_id) DO UPDATE SET shares = excluded.shares
		`, h.BotID, h.StockID, h.Shares); err != nil {
			return fmt.Errorf("upsert holding %s/%s: %w", h.BotID, h.StockID, err)
		}
	}

	for _, o := range f.Orders {
		status := o.Status
		if status == "" {
			status = StatusOpen
		}
		var limit any
		if o.LimitPrice != nil {
			limit = *o.LimitPrice
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orders (id, bot_id, stock_id, side, qty, limit_price, reserved, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET status = excluded.status
		`, o.ID, o.BotID, o.StockID, o.Side, o.Qty, limit, o.Reserved, status); err != nil {
			return fmt.Errorf("upsert order %s: %w", o.ID, err)
		}
	}

	for _, s := range f.Strategies {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO strategies (id, bot_id, name, is_active) VALUES (?, ?, ?, 1)
			ON CONFLICT(id) DO UPDATE SET bot_id = excluded.bot_id, name = excluded.name, is_active = 1
		`, s.ID, s.BotID, s.Name); err != nil {
			return fmt.Errorf("upsert strategy %s: %w", s.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE strategy_id = ?`, s.ID); err != nil {
			return fmt.Errorf("reset rules for strategy %s: %w", s.ID, err)
		}
		for i, r := range s.Rules {
			conditions, err := marshalOptional(r.Conditions)
			if err != nil {
				return fmt.Errorf("marshal conditions of rule %d in %s: %w", i, s.ID, err)
			}
			event, err := marshalOptional(r.Event)
			if err != nil {
				return fmt.Errorf("marshal event of rule %d in %s: %w", i, s.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO rules (strategy_id, priority, conditions, event) VALUES (?, ?, ?, ?)
			`, s.ID, r.Priority, conditions, event); err != nil {
				return fmt.Errorf("insert rule %d in %s: %w", i, s.ID, err)
			}
		}
	}

	return tx.Commit()
}

// marshalOptional returns nil (SQL NULL) for an absent tree.
func marshalOptional(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
