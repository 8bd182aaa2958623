package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, ApplyMigrations(database))
	return database
}

func int64p(v int64) *int64 { return &v }

func seedMarket(t *testing.T, database *Database) {
	t.Helper()
	f := Fixture{
		Bots: []FixtureBot{
			{ID: "bot-a", Name: "Alpha", Balance: 1_000_000},
			{ID: "bot-b", Name: "Beta", Balance: 500_000},
		},
		Stocks: []FixtureStock{
			{ID: "stk-z", Symbol: "ZED", Name: "Zed Corp", Price: 2_500, SharesOutstanding: 1_000_000},
			{ID: "stk-a", Symbol: "ACME", Name: "Acme Inc", Price: 100_000, SharesOutstanding: 50_000},
		},
		Holdings: []FixtureHolding{
			{BotID: "bot-a", StockID: "stk-a", Shares: 12},
			{BotID: "bot-a", StockID: "stk-z", Shares: 0},
			{BotID: "bot-b", StockID: "stk-z", Shares: 40},
		},
		Orders: []FixtureOrder{
			{ID: "ord-1", BotID: "bot-a", StockID: "stk-a", Side: SideBuy, Qty: 2, LimitPrice: int64p(99_000), Reserved: 198_000},
			{ID: "ord-2", BotID: "bot-a", StockID: "stk-z", Side: SideSell, Qty: 5},
			{ID: "ord-3", BotID: "bot-b", StockID: "stk-z", Side: SideBuy, Qty: 1, Status: StatusCancelled},
		},
		Strategies: []FixtureStrategy{
			{
				ID: "strat-a", BotID: "bot-a", Name: "dip buyer",
				Rules: []FixtureRule{
					{
						Priority:   2,
						Conditions: map[string]any{"all": []any{map[string]any{"fact": "hasPosition", "operator": "equal", "value": false}}},
						Event:      map[string]any{"type": "BUY", "params": map[string]any{"sizePct": 1}},
					},
					{Priority: 1, Conditions: map[string]any{"all": []any{}}},
				},
			},
		},
	}
	require.NoError(t, database.SyncFixture(context.Background(), f))
}

func TestListBotsSkipsNonBots(t *testing.T) {
	database := newTestDB(t)
	seedMarket(t, database)
	ctx := context.Background()

	_, err := database.DB.Exec(`INSERT INTO bots (id, name, balance, is_bot) VALUES ('human', 'Human', 10, 0)`)
	require.NoError(t, err)

	bots, err := database.ListBots(ctx)
	require.NoError(t, err)
	require.Len(t, bots, 2)
	ids := []string{bots[0].ID, bots[1].ID}
	assert.ElementsMatch(t, []string{"bot-a", "bot-b"}, ids)
}

func TestListStocksOrderedBySymbol(t *testing.T) {
	database := newTestDB(t)
	seedMarket(t, database)

	stocks, err := database.ListStocks(context.Background())
	require.NoError(t, err)
	require.Len(t, stocks, 2)
	assert.Equal(t, "ACME", stocks[0].Symbol)
	assert.Equal(t, int64(100_000), stocks[0].Price)
	assert.Equal(t, "ZED", stocks[1].Symbol)
}

func TestIDFilteredQueriesRequireIDs(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	_, err := database.ListOpenOrdersByBots(ctx, nil)
	assert.ErrorIs(t, err, ErrEmptyIDSet)
	_, err = database.ListHoldingsByBots(ctx, nil)
	assert.ErrorIs(t, err, ErrEmptyIDSet)
	_, err = database.ListStrategiesByBots(ctx, nil)
	assert.ErrorIs(t, err, ErrEmptyIDSet)
}

func TestListOpenOrdersByBotsIsolation(t *testing.T) {
	database := newTestDB(t)
	seedMarket(t, database)
	ctx := context.Background()

	t.Run("bot A sees only its OPEN orders", func(t *testing.T) {
		orders, err := database.ListOpenOrdersByBots(ctx, []string{"bot-a"})
		require.NoError(t, err)
		require.Len(t, orders, 2)
		for _, o := range orders {
			assert.Equal(t, "bot-a", o.BotID)
			assert.Equal(t, StatusOpen, o.Status)
		}
		byID := map[string]Order{orders[0].ID: orders[0], orders[1].ID: orders[1]}
		require.NotNil(t, byID["ord-1"].LimitPrice)
		assert.Equal(t, int64(99_000), *byID["ord-1"].LimitPrice)
		assert.Equal(t, int64(198_000), byID["ord-1"].Reserved)
		assert.Nil(t, byID["ord-2"].LimitPrice)
	})

	t.Run("cancelled orders are excluded", func(t *testing.T) {
		orders, err := database.ListOpenOrdersByBots(ctx, []string{"bot-b"})
		require.NoError(t, err)
		assert.Empty(t, orders)
	})

	t.Run("unknown bot sees nothing", func(t *testing.T) {
		orders, err := database.ListOpenOrdersByBots(ctx, []string{"bot-unknown"})
		require.NoError(t, err)
		assert.Empty(t, orders)
	})
}

func TestListHoldingsByBotsSkipsEmptyPositions(t *testing.T) {
	database := newTestDB(t)
	seedMarket(t, database)

	holdings, err := database.ListHoldingsByBots(context.Background(), []string{"bot-a", "bot-b"})
	require.NoError(t, err)
	assert.Equal(t, []Holding{
		{BotID: "bot-a", StockID: "stk-a", Shares: 12},
		{BotID: "bot-b", StockID: "stk-z", Shares: 40},
	}, holdings)
}

func TestListStrategiesByBotsAttachesRulesInOrder(t *testing.T) {
	database := newTestDB(t)
	seedMarket(t, database)

	strategies, err := database.ListStrategiesByBots(context.Background(), []string{"bot-a", "bot-b"})
	require.NoError(t, err)
	require.Len(t, strategies, 1)

	s := strategies[0]
	assert.Equal(t, "strat-a", s.ID)
	assert.Equal(t, "bot-a", s.BotID)
	require.Len(t, s.Rules, 2)
	assert.Equal(t, 2, s.Rules[0].Priority)
	assert.JSONEq(t, `{"type":"BUY","params":{"sizePct":1}}`, s.Rules[0].Event)
	assert.Equal(t, "", s.Rules[1].Event, "missing event is surfaced as empty, not dropped")
}

func TestSyncFixtureReplacesRules(t *testing.T) {
	database := newTestDB(t)
	seedMarket(t, database)
	ctx := context.Background()

	err := database.SyncFixture(ctx, Fixture{Strategies: []FixtureStrategy{{ID: "strat-a", BotID: "bot-a", Name: "dip buyer"}}})
	require.NoError(t, err)

	strategies, err := database.ListStrategiesByBots(ctx, []string{"bot-a"})
	require.NoError(t, err)
	require.Len(t, strategies, 1)
	assert.Empty(t, strategies[0].Rules)
}
