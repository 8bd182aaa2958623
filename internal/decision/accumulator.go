// Package decision turns fired rule events into concrete order mutations.
package decision

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-bots/internal/facts"
	"trading-bots/internal/index"
	"trading-bots/internal/rules"
	"trading-bots/pkg/db"
	"trading-bots/pkg/logging"
)

// Skip reasons.
const (
	ReasonZeroSize       = "size rounds to zero"
	ReasonBadSize        = "sizePct not positive"
	ReasonUnknownSymbol  = "unknown symbol"
	ReasonNoInstrument   = "no instrument"
	ReasonNoPrice        = "no price"
	ReasonInsufficient   = "insufficient balance"
	ReasonNothingToSell  = "nothing to sell"
	ReasonUnhandledEvent = "unhandled event type"
)

// Skip records an event that produced no mutation.
type Skip struct {
	Event   rules.EventType `json:"event"`
	StockID string          `json:"stock_id,omitempty"`
	Reason  string          `json:"reason"`
}

// Outcome is what one (bot, position) pass contributed to the tick.
type Outcome struct {
	Cancelled []string   `json:"cancelled,omitempty"`
	Placed    []db.Order `json:"placed,omitempty"`
	Skipped   []Skip     `json:"skipped,omitempty"`
}

// Empty reports whether the pass produced no mutation.
func (o Outcome) Empty() bool { return len(o.Cancelled) == 0 && len(o.Placed) == 0 }

// Accumulator applies events against the tick's index. BUY sizing reads and
// reserves through the index ledger, so a bot's later decisions see the cash
// its earlier ones committed. SELL sizing tracks shares the same way.
//
// An Accumulator is not safe for concurrent use; bots processed in parallel
// need one Accumulator each (the ledger itself is shared safely).
type Accumulator struct {
	ix  *index.Index
	log *zap.Logger

	cancelled map[string]struct{}
	sellable  map[index.HoldingKey]int64

	now   func() time.Time
	newID func() string
}

// New creates an accumulator drawing on ix and its ledger.
func New(ix *index.Index, log *zap.Logger) *Accumulator {
	return &Accumulator{
		ix:        ix,
		log:       logging.OrNop(log),
		cancelled: make(map[string]struct{}),
		sellable:  make(map[index.HoldingKey]int64),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// Apply converts the ordered events fired for botID at pos (nil for the
// synthetic no-position pass) into mutations.
func (a *Accumulator) Apply(botID string, pos *facts.Position, events []rules.Event) Outcome {
	var out Outcome
	seen := make(map[string]struct{})

	for _, ev := range events {
		switch ev.Type {
		case rules.EventCancel:
			for _, id := range a.cancelTargets(botID, pos, ev) {
				if _, dup := a.cancelled[id]; dup {
					continue
				}
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				out.Cancelled = append(out.Cancelled, id)
			}
		case rules.EventBuy:
			o, skip := a.buy(botID, pos, ev)
			if skip != nil {
				out.Skipped = append(out.Skipped, *skip)
				continue
			}
			out.Placed = append(out.Placed, o)
		case rules.EventSell:
			o, skip := a.sell(botID, pos, ev)
			if skip != nil {
				out.Skipped = append(out.Skipped, *skip)
				continue
			}
			out.Placed = append(out.Placed, o)
		default:
			out.Skipped = append(out.Skipped, Skip{Event: ev.Type, Reason: ReasonUnhandledEvent})
		}
	}

	for id := range seen {
		a.cancelled[id] = struct{}{}
	}
	return out
}

// target resolves the stock an event acts on: the symbol param when given,
// else the position's stock, else the first listed stock.
func (a *Accumulator) target(pos *facts.Position, ev rules.Event) (db.Stock, string) {
	if sym := ev.String(rules.ParamSymbol); sym != "" {
		st, ok := a.ix.StocksBySymbol[sym]
		if !ok {
			return db.Stock{}, ReasonUnknownSymbol
		}
		return st, ""
	}
	if pos != nil {
		if st, ok := a.ix.Stocks[pos.StockID]; ok {
			return st, ""
		}
		return db.Stock{}, ReasonNoInstrument
	}
	if len(a.ix.StockIDs) == 0 {
		return db.Stock{}, ReasonNoInstrument
	}
	return a.ix.Stocks[a.ix.StockIDs[0]], ""
}

func (a *Accumulator) cancelTargets(botID string, pos *facts.Position, ev rules.Event) []string {
	stockID := ""
	switch {
	case ev.String(rules.ParamScope) == rules.ScopeBot:
	case ev.String(rules.ParamSymbol) != "":
		st, ok := a.ix.StocksBySymbol[ev.String(rules.ParamSymbol)]
		if !ok {
			return nil
		}
		stockID = st.ID
	case pos != nil:
		stockID = pos.StockID
	}

	var ids []string
	for _, o := range a.ix.OpenOrders(botID, stockID) {
		if o.Status == db.StatusOpen {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

func (a *Accumulator) buy(botID string, pos *facts.Position, ev rules.Event) (db.Order, *Skip) {
	st, reason := a.target(pos, ev)
	if reason != "" {
		return db.Order{}, &Skip{Event: ev.Type, Reason: reason}
	}
	pct, ok := sizePct(ev)
	if !ok {
		return db.Order{}, &Skip{Event: ev.Type, StockID: st.ID, Reason: ReasonBadSize}
	}
	limit := limitPrice(ev)
	price := st.Price
	if limit != nil {
		price = *limit
	}
	if price <= 0 {
		return db.Order{}, &Skip{Event: ev.Type, StockID: st.ID, Reason: ReasonNoPrice}
	}

	remaining := a.ix.Ledger.Available(botID)
	budget := decimal.NewFromInt(remaining).Mul(pct).Floor()
	q, _ := budget.QuoRem(decimal.NewFromInt(price), 0)
	qty := q.IntPart()
	if qty < 1 {
		return db.Order{}, &Skip{Event: ev.Type, StockID: st.ID, Reason: ReasonZeroSize}
	}

	cost := qty * price
	if err := a.ix.Ledger.Reserve(botID, cost); err != nil {
		a.log.Warn("reservation rejected", zap.String("bot_id", botID), zap.Error(err))
		return db.Order{}, &Skip{Event: ev.Type, StockID: st.ID, Reason: ReasonInsufficient}
	}
	return a.order(botID, st.ID, db.SideBuy, qty, limit, cost), nil
}

func (a *Accumulator) sell(botID string, pos *facts.Position, ev rules.Event) (db.Order, *Skip) {
	st, reason := a.target(pos, ev)
	if reason != "" {
		return db.Order{}, &Skip{Event: ev.Type, Reason: reason}
	}
	pct, ok := sizePct(ev)
	if !ok {
		return db.Order{}, &Skip{Event: ev.Type, StockID: st.ID, Reason: ReasonBadSize}
	}

	key := index.HoldingKey{BotID: botID, StockID: st.ID}
	held, tracked := a.sellable[key]
	if !tracked {
		held = a.ix.SharesOwned(botID, st.ID)
	}
	if held <= 0 {
		return db.Order{}, &Skip{Event: ev.Type, StockID: st.ID, Reason: ReasonNothingToSell}
	}

	qty := decimal.NewFromInt(held).Mul(pct).Floor().IntPart()
	if qty < 1 {
		return db.Order{}, &Skip{Event: ev.Type, StockID: st.ID, Reason: ReasonZeroSize}
	}
	a.sellable[key] = held - qty
	return a.order(botID, st.ID, db.SideSell, qty, limitPrice(ev), 0), nil
}

func (a *Accumulator) order(botID, stockID, side string, qty int64, limit *int64, reserved int64) db.Order {
	return db.Order{
		ID:         a.newID(),
		BotID:      botID,
		StockID:    stockID,
		Side:       side,
		Qty:        qty,
		LimitPrice: limit,
		Reserved:   reserved,
		Status:     db.StatusOpen,
		CreatedAt:  a.now(),
	}
}

// sizePct reads the sizing fraction. Absent means 1, above 1 clamps to 1,
// and non-positive or NaN values are rejected.
func sizePct(ev rules.Event) (decimal.Decimal, bool) {
	f, ok := ev.Float(rules.ParamSizePct)
	if !ok {
		if _, present := ev.Params[rules.ParamSizePct]; present {
			return decimal.Zero, false
		}
		return decimal.NewFromInt(1), true
	}
	if math.IsNaN(f) || f <= 0 {
		return decimal.Zero, false
	}
	if f > 1 {
		f = 1
	}
	return decimal.NewFromFloat(f), true
}

func limitPrice(ev rules.Event) *int64 {
	f, ok := ev.Float(rules.ParamLimitPrice)
	if !ok || math.IsNaN(f) || f < 1 || f > math.MaxInt64/2 {
		return nil
	}
	p := int64(math.Floor(f))
	return &p
}
