// Package facts derives the bounded fact set a rule set is evaluated against.
package facts

import "math"

// Fact names understood by rule conditions.
const (
	HasPosition      = "hasPosition"
	SharesOwned      = "sharesOwned"
	CurrentPrice     = "currentPrice"
	Volatility       = "volatility"
	OpenOrders       = "openOrders"
	RSI              = "rsi"
	EmaFastAboveSlow = "emaFastAboveSlow"
)

// Position is one (bot, stock) pair under evaluation.
type Position struct {
	StockID string
	Shares  int64
	Price   int64 // minor units
}

// Set maps fact name to value. Values are bool or float64 only.
type Set map[string]any

// Build returns the fact set for pos. A nil pos is the synthetic "no position"
// pair and yields zero/false for every position-derived fact. openOrders is
// the count of the bot's OPEN orders relevant to the position.
//
// volatility is a synthetic placeholder derived from the holding size; rsi
// and emaFastAboveSlow are booleans that mirror hasPosition. None of them is a
// market indicator.
func Build(pos *Position, openOrders int) Set {
	var shares, price float64
	if pos != nil {
		shares = float64(max(pos.Shares, 0))
		price = float64(max(pos.Price, 0))
	}
	has := shares > 0

	return Set{
		HasPosition:      has,
		SharesOwned:      shares,
		CurrentPrice:     price,
		Volatility:       math.Min(0.10, 0.02+math.Min(0.05, shares/10000)),
		OpenOrders:       float64(max(openOrders, 0)),
		RSI:              has,
		EmaFastAboveSlow: has,
	}
}
