package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"trading-bots/internal/balance"
	"trading-bots/internal/events"
	"trading-bots/pkg/db"
)

type fakeStore struct {
	bots       []db.Bot
	stocks     []db.Stock
	orders     []db.Order
	holdings   []db.Holding
	strategies []db.Strategy

	loadErr  error
	block    chan struct{}
	entered  chan struct{}
	writeErr error

	mu      sync.Mutex
	writes  int
	cancels []string
	placed  []db.Order
}

func (f *fakeStore) ListBots(ctx context.Context) ([]db.Bot, error) {
	if f.entered != nil {
		close(f.entered)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.bots, f.loadErr
}
func (f *fakeStore) ListStocks(context.Context) ([]db.Stock, error) { return f.stocks, nil }
func (f *fakeStore) ListOpenOrdersByBots(context.Context, []string) ([]db.Order, error) {
	return f.orders, nil
}
func (f *fakeStore) ListHoldingsByBots(context.Context, []string) ([]db.Holding, error) {
	return f.holdings, nil
}
func (f *fakeStore) ListStrategiesByBots(context.Context, []string) ([]db.Strategy, error) {
	return f.strategies, nil
}

func (f *fakeStore) ApplyMutations(_ context.Context, cancelIDs []string, orders []db.Order) (db.MutationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.writeErr != nil {
		return db.MutationResult{}, f.writeErr
	}
	f.cancels = append(f.cancels, cancelIDs...)
	f.placed = append(f.placed, orders...)
	return db.MutationResult{Cancelled: int64(len(cancelIDs)), Inserted: int64(len(orders))}, nil
}

func ruleRow(id int64, priority int, conditions, event string) db.RuleRow {
	return db.RuleRow{ID: id, Priority: priority, Conditions: conditions, Event: event}
}

const (
	flatLowVol = `{"all":[{"fact":"hasPosition","operator":"equal","value":false},{"fact":"volatility","operator":"lessThan","value":0.035}]}`
	holding    = `{"all":[{"fact":"hasPosition","operator":"equal","value":true}]}`
	buyAll     = `{"type":"BUY","params":{"sizePct":1}}`
)

func strategy(id, botID string, rows ...db.RuleRow) db.Strategy {
	return db.Strategy{ID: id, BotID: botID, IsActive: true, Rules: rows}
}

func newRunner(store *fakeStore, shards int) (*Runner, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewRunner(Config{Store: store, Writer: store, Log: zap.New(core), Shards: shards}), logs
}

func decisionLines(logs *observer.ObservedLogs) []map[string]any {
	var out []map[string]any
	for _, e := range logs.FilterMessage("decision").All() {
		out = append(out, e.ContextMap())
	}
	return out
}

func TestRunTickEmptyMarketIssuesNoMutations(t *testing.T) {
	for _, store := range []*fakeStore{
		{stocks: []db.Stock{{ID: "S", Price: 1}}},
		{bots: []db.Bot{{ID: "B", Balance: 1}}},
	} {
		r, _ := newRunner(store, 1)
		rep, err := r.RunTick(context.Background())
		require.NoError(t, err)
		assert.True(t, rep.EmptyMarket)
		assert.Zero(t, store.writes)
		assert.Empty(t, rep.Decisions)
	}
}

func TestRunTickBuysWithFullBalance(t *testing.T) {
	store := &fakeStore{
		bots:       []db.Bot{{ID: "B", Balance: 1_000_000}},
		stocks:     []db.Stock{{ID: "S", Symbol: "S", Price: 100_000}},
		strategies: []db.Strategy{strategy("st", "B", ruleRow(1, 1, flatLowVol, buyAll))},
	}
	r, logs := newRunner(store, 1)

	rep, err := r.RunTick(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, store.writes)
	require.Len(t, store.placed, 1)
	o := store.placed[0]
	assert.Equal(t, "B", o.BotID)
	assert.Equal(t, "S", o.StockID)
	assert.Equal(t, db.SideBuy, o.Side)
	assert.Equal(t, int64(10), o.Qty)
	assert.Equal(t, int64(1_000_000), o.Reserved)

	assert.Equal(t, 1, rep.Placed)
	assert.Equal(t, 1, rep.Evaluations)
	require.Len(t, rep.Decisions, 1)
	assert.Equal(t, OutcomeFired, rep.Decisions[0].Outcome)

	lines := decisionLines(logs)
	require.Len(t, lines, 1)
	assert.Equal(t, "B", lines[0]["bot_id"])
	assert.Equal(t, "st", lines[0]["strategy_id"])
	assert.Equal(t, "fired", lines[0]["outcome"])
	assert.Equal(t, []any{"BUY"}, lines[0]["events"])
	assert.Equal(t, rep.TickID, lines[0]["tick"])

	last, ok := r.LastReport()
	require.True(t, ok)
	assert.Same(t, rep, last)
}

func TestRunTickSecondPositionSeesRemainingBalance(t *testing.T) {
	store := &fakeStore{
		bots: []db.Bot{{ID: "B", Balance: 1_000_000}},
		stocks: []db.Stock{
			{ID: "S1", Symbol: "AAA", Price: 300_000},
			{ID: "S2", Symbol: "BBB", Price: 30_000},
		},
		holdings: []db.Holding{
			{BotID: "B", StockID: "S1", Shares: 1},
			{BotID: "B", StockID: "S2", Shares: 1},
		},
		strategies: []db.Strategy{strategy("st", "B", ruleRow(1, 1, holding, buyAll))},
	}
	r, _ := newRunner(store, 1)

	_, err := r.RunTick(context.Background())
	require.NoError(t, err)

	require.Len(t, store.placed, 2)
	assert.Equal(t, int64(3), store.placed[0].Qty)
	assert.Equal(t, int64(3), store.placed[1].Qty)
	var committed int64
	for _, o := range store.placed {
		committed += o.Reserved
	}
	assert.Equal(t, int64(990_000), committed)
	assert.LessOrEqual(t, committed, int64(1_000_000))
}

func TestRunTickUnsupportedOperatorSkipsOnlyThatBot(t *testing.T) {
	bad := `{"all":[{"fact":"rsi","operator":"crossesAbove","value":30}]}`
	store := &fakeStore{
		bots:   []db.Bot{{ID: "bad", Balance: 1_000_000}, {ID: "good", Balance: 500_000}},
		stocks: []db.Stock{{ID: "S", Symbol: "S", Price: 100_000}},
		strategies: []db.Strategy{
			strategy("st-bad", "bad", ruleRow(1, 1, flatLowVol, buyAll), ruleRow(2, 1, bad, buyAll)),
			strategy("st-good", "good", ruleRow(3, 1, flatLowVol, buyAll)),
		},
	}
	r, logs := newRunner(store, 1)

	rep, err := r.RunTick(context.Background())
	require.NoError(t, err)

	require.Len(t, store.placed, 1)
	assert.Equal(t, "good", store.placed[0].BotID)
	assert.Equal(t, int64(5), store.placed[0].Qty)
	assert.Equal(t, 1, rep.RegistrationFailures)

	warns := logs.FilterLevelExact(zapcore.WarnLevel).FilterMessage("decision").All()
	require.Len(t, warns, 1)
	ctx := warns[0].ContextMap()
	assert.Equal(t, "bad", ctx["bot_id"])
	assert.Equal(t, "st-bad", ctx["strategy_id"])
	assert.Equal(t, "registration_failed", ctx["outcome"])
	assert.Contains(t, ctx["error"], "unsupported operator")
}

func TestRunTickZeroRulesIsNoOp(t *testing.T) {
	store := &fakeStore{
		bots:   []db.Bot{{ID: "empty", Balance: 1_000}, {ID: "none", Balance: 1_000}},
		stocks: []db.Stock{{ID: "S", Symbol: "S", Price: 10}},
		strategies: []db.Strategy{
			strategy("st", "empty", ruleRow(1, 1, "", buyAll)),
		},
	}
	r, logs := newRunner(store, 1)

	rep, err := r.RunTick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, store.writes)
	require.Len(t, rep.Decisions, 2)
	for _, d := range rep.Decisions {
		assert.Equal(t, OutcomeSkipped, d.Outcome)
		assert.Empty(t, d.Events)
	}
	assert.Equal(t, 1, logs.FilterMessage("dropping rule").Len())
	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestRunTickEvaluationFailureIsIsolated(t *testing.T) {
	undefined := `{"all":[{"fact":"macd","operator":"greaterThan","value":0}]}`
	store := &fakeStore{
		bots:   []db.Bot{{ID: "broken", Balance: 1_000}, {ID: "ok", Balance: 1_000}},
		stocks: []db.Stock{{ID: "S", Symbol: "S", Price: 100}},
		holdings: []db.Holding{
			{BotID: "broken", StockID: "S", Shares: 2},
		},
		strategies: []db.Strategy{
			strategy("st1", "broken", ruleRow(1, 1, undefined, buyAll)),
			strategy("st2", "ok", ruleRow(2, 1, flatLowVol, buyAll)),
		},
	}
	r, logs := newRunner(store, 1)

	rep, err := r.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.EvaluationFailures)
	require.Len(t, store.placed, 1)
	assert.Equal(t, "ok", store.placed[0].BotID)

	errs := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	require.Len(t, errs, 1)
	assert.Equal(t, "broken", errs[0].ContextMap()["bot_id"])
	assert.Equal(t, "S", errs[0].ContextMap()["stock_id"])
}

func TestRunTickCancelsOnlyOwnOpenOrders(t *testing.T) {
	cancelAll := `{"type":"CANCEL","params":{"scope":"bot"}}`
	always := `{"all":[{"fact":"sharesOwned","operator":"greaterThanInclusive","value":0}]}`
	store := &fakeStore{
		bots:   []db.Bot{{ID: "B"}, {ID: "C"}},
		stocks: []db.Stock{{ID: "S1", Symbol: "A", Price: 10}, {ID: "S2", Symbol: "B", Price: 10}},
		orders: []db.Order{
			{ID: "b1", BotID: "B", StockID: "S1", Status: db.StatusOpen},
			{ID: "b2", BotID: "B", StockID: "S2", Status: db.StatusOpen},
			{ID: "bx", BotID: "B", StockID: "S2", Status: db.StatusCancelled},
			{ID: "c1", BotID: "C", StockID: "S1", Status: db.StatusOpen},
			{ID: "zz", BotID: "ghost", StockID: "S1", Status: db.StatusOpen},
		},
		holdings: []db.Holding{
			{BotID: "B", StockID: "S1", Shares: 1},
			{BotID: "B", StockID: "S2", Shares: 1},
		},
		strategies: []db.Strategy{strategy("st", "B", ruleRow(1, 1, always, cancelAll))},
	}
	r, _ := newRunner(store, 1)

	rep, err := r.RunTick(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b1", "b2"}, store.cancels)
	assert.Equal(t, 2, rep.Cancelled)
	assert.Empty(t, store.placed)
}

func TestRunTickPersistenceFailuresAbort(t *testing.T) {
	boom := errors.New("database is locked")

	t.Run("snapshot", func(t *testing.T) {
		store := &fakeStore{loadErr: boom, stocks: []db.Stock{{ID: "S"}}}
		r, _ := newRunner(store, 1)
		rep, err := r.RunTick(context.Background())
		require.ErrorIs(t, err, boom)
		assert.Nil(t, rep)
		var te *TickError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, StageSnapshot, te.Stage)
		_, ok := r.LastReport()
		assert.False(t, ok)
		assert.Equal(t, uint64(1), r.Status().Metrics.TickFailures)
	})

	t.Run("execute", func(t *testing.T) {
		store := &fakeStore{
			bots:       []db.Bot{{ID: "B", Balance: 1_000_000}},
			stocks:     []db.Stock{{ID: "S", Symbol: "S", Price: 100_000}},
			strategies: []db.Strategy{strategy("st", "B", ruleRow(1, 1, flatLowVol, buyAll))},
			writeErr:   boom,
		}
		r, _ := newRunner(store, 1)
		sub, unsub := r.Bus().Subscribe(events.EventTickFailed, 1)
		defer unsub()

		_, err := r.RunTick(context.Background())
		var te *TickError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, StageExecute, te.Stage)
		assert.Equal(t, 1, store.writes, "no in-tick retry")
		assert.Equal(t, te, <-sub)
	})
}

func TestRunTickRejectsOverlap(t *testing.T) {
	store := &fakeStore{
		bots:    []db.Bot{{ID: "B"}},
		stocks:  []db.Stock{{ID: "S"}},
		block:   make(chan struct{}),
		entered: make(chan struct{}),
	}
	r, _ := newRunner(store, 1)

	done := make(chan error, 1)
	go func() {
		_, err := r.RunTick(context.Background())
		done <- err
	}()
	<-store.entered

	_, err := r.RunTick(context.Background())
	require.ErrorIs(t, err, ErrTickInProgress)
	assert.True(t, r.Status().Running)

	close(store.block)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("first tick did not finish")
	}
	assert.Equal(t, uint64(1), r.Status().Metrics.TicksRejected)
}

func TestRunTickShardsMatchSequential(t *testing.T) {
	build := func() *fakeStore {
		s := &fakeStore{stocks: []db.Stock{{ID: "S", Symbol: "S", Price: 7_000}}}
		for i := 0; i < 40; i++ {
			id := fmt.Sprintf("bot-%02d", i)
			s.bots = append(s.bots, db.Bot{ID: id, Balance: int64(10_000 + i*1_000)})
			s.strategies = append(s.strategies, strategy("st-"+id, id,
				ruleRow(int64(2*i+1), 2, flatLowVol, `{"type":"BUY","params":{"sizePct":0.5}}`),
				ruleRow(int64(2*i+2), 1, flatLowVol, buyAll)))
		}
		return s
	}

	type key struct {
		bot string
		qty int64
	}
	summarize := func(shards int) []key {
		store := build()
		r, _ := newRunner(store, shards)
		_, err := r.RunTick(context.Background())
		require.NoError(t, err)
		var out []key
		for _, o := range store.placed {
			out = append(out, key{o.BotID, o.Qty})
		}
		return out
	}

	seq := summarize(1)
	require.NotEmpty(t, seq)
	assert.Equal(t, seq, summarize(4))
	assert.Equal(t, seq, summarize(16))
}

func TestRunTickIndicatorFactsMirrorPosition(t *testing.T) {
	flatIndicators := `{"all":[{"fact":"rsi","operator":"equal","value":false},{"fact":"emaFastAboveSlow","operator":"equal","value":false}]}`
	store := &fakeStore{
		bots:       []db.Bot{{ID: "B", Balance: 350_000}},
		stocks:     []db.Stock{{ID: "S", Symbol: "S", Price: 100_000}},
		strategies: []db.Strategy{strategy("st", "B", ruleRow(1, 1, flatIndicators, buyAll))},
	}
	r, _ := newRunner(store, 1)

	rep, err := r.RunTick(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Decisions, 1)
	assert.Equal(t, OutcomeFired, rep.Decisions[0].Outcome)
	assert.Zero(t, rep.EvaluationFailures)
	require.Len(t, store.placed, 1)
	assert.Equal(t, int64(3), store.placed[0].Qty)

	assert.Equal(t, int64(50_000), rep.Decisions[0].BalanceLeft)
	require.Contains(t, rep.Ledger, "B")
	assert.Equal(t, balance.Balance{Start: 350_000, Available: 50_000, Committed: 300_000}, rep.Ledger["B"])
}
