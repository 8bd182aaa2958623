package pgstore

import "time"

// Table layout mirrors the SQLite schema in pkg/db so both backends read the
// same fixtures and serve the same tick pipeline.

type botRecord struct {
	ID        string    `gorm:"primaryKey;type:text"`
	Name      string    `gorm:"type:text;not null"`
	Balance   int64     `gorm:"not null;default:0"`
	IsBot     bool      `gorm:"not null;default:true;index"`
	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
}

func (botRecord) TableName() string { return "bots" }

type stockRecord struct {
	ID                string `gorm:"primaryKey;type:text"`
	Symbol            string `gorm:"type:text;not null;uniqueIndex"`
	Name              string `gorm:"type:text;not null"`
	Price             int64  `gorm:"not null"`
	SharesOutstanding int64  `gorm:"not null;default:0"`
}

func (stockRecord) TableName() string { return "stocks" }

type holdingRecord struct {
	BotID   string `gorm:"primaryKey;type:text"`
	StockID string `gorm:"primaryKey;type:text"`
	Shares  int64  `gorm:"not null;default:0;check:shares >= 0"`
}

func (holdingRecord) TableName() string { return "portfolios" }

type orderRecord struct {
	ID         string `gorm:"primaryKey;type:text"`
	BotID      string `gorm:"type:text;not null;index:idx_orders_bot_status,priority:1"`
	StockID    string `gorm:"type:text;not null"`
	Side       string `gorm:"type:text;not null"`
	Qty        int64  `gorm:"not null"`
	LimitPrice *int64
	Reserved   int64     `gorm:"not null;default:0"`
	Status     string    `gorm:"type:text;not null;index:idx_orders_bot_status,priority:2"`
	CreatedAt  time.Time `gorm:"type:timestamptz"`
}

func (orderRecord) TableName() string { return "orders" }

type strategyRecord struct {
	ID        string    `gorm:"primaryKey;type:text"`
	BotID     string    `gorm:"type:text;not null;index"`
	Name      string    `gorm:"type:text;not null"`
	IsActive  bool      `gorm:"not null;default:true"`
	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
}

func (strategyRecord) TableName() string { return "strategies" }

// ruleRecord keeps conditions and event as text: malformed documents must
// survive storage so the tick can report and drop them.
type ruleRecord struct {
	ID         int64   `gorm:"primaryKey;autoIncrement"`
	StrategyID string  `gorm:"type:text;not null;index"`
	Priority   int     `gorm:"not null;default:1"`
	Conditions *string `gorm:"type:text"`
	Event      *string `gorm:"type:text"`
}

func (ruleRecord) TableName() string { return "rules" }

func allModels() []any {
	return []any{
		&botRecord{},
		&stockRecord{},
		&holdingRecord{},
		&orderRecord{},
		&strategyRecord{},
		&ruleRecord{},
	}
}
