// Package snapshot loads the point-in-time market view used by one tick.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trading-bots/pkg/db"
	"trading-bots/pkg/logging"
)

// Store is the read side of persistence needed to build a snapshot.
type Store interface {
	ListBots(ctx context.Context) ([]db.Bot, error)
	ListStocks(ctx context.Context) ([]db.Stock, error)
	ListOpenOrdersByBots(ctx context.Context, botIDs []string) ([]db.Order, error)
	ListHoldingsByBots(ctx context.Context, botIDs []string) ([]db.Holding, error)
	ListStrategiesByBots(ctx context.Context, botIDs []string) ([]db.Strategy, error)
}

// Snapshot is immutable once returned by Load; every later stage of the tick
// reads from it and nothing re-queries storage mid-tick.
type Snapshot struct {
	TakenAt    time.Time
	Bots       []db.Bot
	Stocks     []db.Stock
	OpenOrders []db.Order
	Holdings   []db.Holding
	Strategies []db.Strategy
}

// Empty reports whether the market has nothing to evaluate.
func (s *Snapshot) Empty() bool {
	return s == nil || len(s.Bots) == 0 || len(s.Stocks) == 0
}

// Loader fetches snapshots in two phases: bots and stocks concurrently, then
// orders, holdings and strategies for the fetched bot ids concurrently.
type Loader struct {
	store Store
	log   *zap.Logger
}

// NewLoader creates a loader reading from store.
func NewLoader(store Store, log *zap.Logger) *Loader {
	return &Loader{store: store, log: logging.OrNop(log)}
}

// Load returns the current snapshot. An empty roster or instrument list
// yields an empty snapshot and no error.
func (l *Loader) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{TakenAt: time.Now().UTC()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bots, err := l.store.ListBots(gctx)
		if err != nil {
			return fmt.Errorf("load bots: %w", err)
		}
		snap.Bots = bots
		return nil
	})
	g.Go(func() error {
		stocks, err := l.store.ListStocks(gctx)
		if err != nil {
			return fmt.Errorf("load stocks: %w", err)
		}
		snap.Stocks = stocks
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(snap.Bots) == 0 || len(snap.Stocks) == 0 {
		l.log.Info("empty market, nothing to evaluate",
			zap.Int("bots", len(snap.Bots)), zap.Int("stocks", len(snap.Stocks)))
		return &Snapshot{TakenAt: snap.TakenAt}, nil
	}

	botIDs := make([]string, len(snap.Bots))
	for i, b := range snap.Bots {
		botIDs[i] = b.ID
	}

	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		orders, err := l.store.ListOpenOrdersByBots(gctx, botIDs)
		if err != nil {
			return fmt.Errorf("load open orders: %w", err)
		}
		snap.OpenOrders = orders
		return nil
	})
	g.Go(func() error {
		holdings, err := l.store.ListHoldingsByBots(gctx, botIDs)
		if err != nil {
			return fmt.Errorf("load holdings: %w", err)
		}
		snap.Holdings = holdings
		return nil
	})
	g.Go(func() error {
		strategies, err := l.store.ListStrategiesByBots(gctx, botIDs)
		if err != nil {
			return fmt.Errorf("load strategies: %w", err)
		}
		snap.Strategies = strategies
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap.restrictToRoster()

	l.log.Debug("snapshot loaded",
		zap.Int("bots", len(snap.Bots)),
		zap.Int("stocks", len(snap.Stocks)),
		zap.Int("open_orders", len(snap.OpenOrders)),
		zap.Int("holdings", len(snap.Holdings)),
		zap.Int("strategies", len(snap.Strategies)))
	return snap, nil
}

// restrictToRoster drops rows that do not belong to a bot in the roster or
// that reference an unknown stock.
func (s *Snapshot) restrictToRoster() {
	bots := make(map[string]struct{}, len(s.Bots))
	for _, b := range s.Bots {
		bots[b.ID] = struct{}{}
	}
	stocks := make(map[string]struct{}, len(s.Stocks))
	for _, st := range s.Stocks {
		stocks[st.ID] = struct{}{}
	}

	orders := s.OpenOrders[:0:0]
	for _, o := range s.OpenOrders {
		_, okBot := bots[o.BotID]
		_, okStock := stocks[o.StockID]
		if okBot && okStock && o.Status == db.StatusOpen {
			orders = append(orders, o)
		}
	}
	s.OpenOrders = orders

	holdings := s.Holdings[:0:0]
	for _, h := range s.Holdings {
		_, okBot := bots[h.BotID]
		_, okStock := stocks[h.StockID]
		if okBot && okStock && h.Shares > 0 {
			holdings = append(holdings, h)
		}
	}
	s.Holdings = holdings

	strategies := s.Strategies[:0:0]
	for _, st := range s.Strategies {
		if _, ok := bots[st.BotID]; ok {
			strategies = append(strategies, st)
		}
	}
	s.Strategies = strategies
}
