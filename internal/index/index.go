// Package index turns a flat snapshot into constant-time lookups.
package index

import (
	"trading-bots/internal/balance"
	"trading-bots/internal/snapshot"
	"trading-bots/pkg/db"
)

// HoldingKey identifies a (bot, stock) position.
type HoldingKey struct {
	BotID   string
	StockID string
}

// Index holds the per-tick lookups derived from one snapshot. Everything but
// the ledger is read-only after Organize returns.
type Index struct {
	OrdersByBot    map[string][]db.Order
	Holdings       map[HoldingKey]int64
	HoldingsByBot  map[string][]db.Holding
	Stocks         map[string]db.Stock
	StocksBySymbol map[string]db.Stock
	StockIDs       []string // snapshot order
	StrategyByBot  map[string]db.Strategy
	Ledger         *balance.Ledger
}

// Organize builds the index. It performs no I/O and running it twice on the
// same snapshot yields identical maps.
func Organize(snap *snapshot.Snapshot) *Index {
	ix := &Index{
		OrdersByBot:    make(map[string][]db.Order),
		Holdings:       make(map[HoldingKey]int64),
		HoldingsByBot:  make(map[string][]db.Holding),
		Stocks:         make(map[string]db.Stock),
		StocksBySymbol: make(map[string]db.Stock),
		StrategyByBot:  make(map[string]db.Strategy),
		Ledger:         balance.NewLedger(),
	}
	if snap == nil {
		return ix
	}

	for _, b := range snap.Bots {
		ix.Ledger.Seed(b.ID, b.Balance)
	}
	for _, s := range snap.Stocks {
		if _, dup := ix.Stocks[s.ID]; !dup {
			ix.StockIDs = append(ix.StockIDs, s.ID)
		}
		ix.Stocks[s.ID] = s
		ix.StocksBySymbol[s.Symbol] = s
	}
	for _, o := range snap.OpenOrders {
		if o.Status != db.StatusOpen {
			continue
		}
		ix.OrdersByBot[o.BotID] = append(ix.OrdersByBot[o.BotID], o)
	}
	for _, h := range snap.Holdings {
		if h.Shares <= 0 {
			continue
		}
		key := HoldingKey{BotID: h.BotID, StockID: h.StockID}
		if _, dup := ix.Holdings[key]; dup {
			continue
		}
		ix.Holdings[key] = h.Shares
		ix.HoldingsByBot[h.BotID] = append(ix.HoldingsByBot[h.BotID], h)
	}
	for _, st := range snap.Strategies {
		if _, ok := ix.StrategyByBot[st.BotID]; ok {
			continue
		}
		ix.StrategyByBot[st.BotID] = st
	}
	return ix
}

// SharesOwned returns the bot's shares of stock, zero when absent.
func (ix *Index) SharesOwned(botID, stockID string) int64 {
	return ix.Holdings[HoldingKey{BotID: botID, StockID: stockID}]
}

// OpenOrders returns the bot's OPEN orders, restricted to stockID unless it is empty.
func (ix *Index) OpenOrders(botID, stockID string) []db.Order {
	all := ix.OrdersByBot[botID]
	if stockID == "" {
		return all
	}
	var out []db.Order
	for _, o := range all {
		if o.StockID == stockID {
			out = append(out, o)
		}
	}
	return out
}
