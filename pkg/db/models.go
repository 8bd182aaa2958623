package db

import (
	"time"
)

// Order sides and statuses as stored in the orders table.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	StatusOpen      = "OPEN"
	StatusCancelled = "CANCELLED"
	StatusFilled    = "FILLED"
)

// Bot is a simulated trading account. Balance is in minor currency units (cents).
type Bot struct {
	ID        string
	Name      string
	Balance   int64
	CreatedAt time.Time
}

// Stock is a tradeable instrument. Price is in minor currency units.
type Stock struct {
	ID                string
	Symbol            string
	Name              string
	Price             int64
	SharesOutstanding int64
}

// Holding is one portfolio row: shares of a stock owned by a bot.
type Holding struct {
	BotID   string
	StockID string
	Shares  int64
}

// Order is a bot order. LimitPrice is nil for market orders; Reserved is the
// cash committed by a BUY order at placement, refunded if the order is cancelled.
type Order struct {
	ID         string    `json:"id"`
	BotID      string    `json:"bot_id"`
	StockID    string    `json:"stock_id"`
	Side       string    `json:"side"`
	Qty        int64     `json:"qty"`
	LimitPrice *int64    `json:"limit_price,omitempty"`
	Reserved   int64     `json:"reserved"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Strategy is a bot's active rule set.
type Strategy struct {
	ID       string
	BotID    string
	Name     string
	IsActive bool
	Rules    []RuleRow
}

// RuleRow is a stored rule. Conditions and Event hold raw JSON and may be empty
// when the row is malformed; decoding is left to the rules package.
type RuleRow struct {
	ID         int64
	StrategyID string
	Priority   int
	Conditions string
	Event      string
}

// MutationResult reports what a bulk write actually changed.
type MutationResult struct {
	Cancelled int64 `json:"cancelled"`
	Inserted  int64 `json:"inserted"`
	Refunded  int64 `json:"refunded"` // cash returned to bots from cancelled BUY reservations
	Debited   int64 `json:"debited"`  // cash reserved by newly inserted BUY orders
}
