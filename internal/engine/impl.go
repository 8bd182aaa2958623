package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"trading-bots/internal/decision"
	"trading-bots/internal/events"
	"trading-bots/internal/facts"
	"trading-bots/internal/index"
	"trading-bots/internal/monitor"
	"trading-bots/internal/persistence"
	"trading-bots/internal/rules"
	"trading-bots/internal/snapshot"
	"trading-bots/pkg/db"
	"trading-bots/pkg/logging"
)

// Runner composes the tick pipeline.
type Runner struct {
	loader  *snapshot.Loader
	writer  *persistence.BatchWriter
	bus     *events.Bus
	metrics *monitor.TickMetrics
	log     *zap.Logger
	shards  int
	dryRun  bool

	running atomic.Bool

	mu   sync.RWMutex
	last *Report
}

// Config holds the configuration for creating a runner.
type Config struct {
	Store   snapshot.Store
	Writer  persistence.Writer
	Bus     *events.Bus          // optional
	Metrics *monitor.TickMetrics // optional
	Log     *zap.Logger          // optional
	Shards  int                  // bots are split into this many parallel shards; <1 means 1
	DryRun  bool
}

// NewRunner creates a runner.
func NewRunner(cfg Config) *Runner {
	log := logging.OrNop(cfg.Log)
	shards := cfg.Shards
	if shards < 1 {
		shards = 1
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = monitor.NewTickMetrics()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	return &Runner{
		loader:  snapshot.NewLoader(cfg.Store, log),
		writer:  persistence.NewBatchWriter(cfg.Writer, cfg.DryRun, log),
		bus:     bus,
		metrics: metrics,
		log:     log,
		shards:  shards,
		dryRun:  cfg.DryRun,
	}
}

// RunTick runs one tick. Per-bot failures are logged and reported, never
// returned; a snapshot or write failure aborts the tick with a *TickError.
func (r *Runner) RunTick(ctx context.Context) (*Report, error) {
	if !r.running.CompareAndSwap(false, true) {
		r.metrics.TickRejected()
		return nil, ErrTickInProgress
	}
	defer r.running.Store(false)

	rep := &Report{TickID: uuid.NewString(), StartedAt: time.Now().UTC(), DryRun: r.dryRun}
	log := r.log.With(zap.String("tick", rep.TickID))
	tickTimer := monitor.NewTimer(r.metrics.TickLatency)
	r.bus.Publish(events.EventTickStarted, rep.TickID)

	t := monitor.NewTimer(r.metrics.SnapshotLatency)
	snap, err := r.loader.Load(ctx)
	t.Stop()
	if err != nil {
		return nil, r.fail(log, rep.TickID, StageSnapshot, err)
	}
	rep.Bots, rep.Stocks = len(snap.Bots), len(snap.Stocks)

	if snap.Empty() {
		rep.EmptyMarket = true
		return r.complete(log, rep, tickTimer), nil
	}

	t = monitor.NewTimer(r.metrics.EvaluateLatency)
	ix := index.Organize(snap)
	rep.Decisions = r.evaluate(log, ix, snap.Bots)
	rep.Ledger = ix.Ledger.Snapshot()
	t.Stop()

	var cancelIDs []string
	var orders []db.Order
	for _, d := range rep.Decisions {
		cancelIDs = append(cancelIDs, d.Cancelled...)
		orders = append(orders, d.Placed...)
		switch d.Outcome {
		case OutcomeRegistrationFailed:
			rep.RegistrationFailures++
		case OutcomeEvaluationFailed:
			rep.EvaluationFailures++
		case OutcomeNoAction, OutcomeFired:
			rep.Evaluations++
		}
	}
	rep.Cancelled, rep.Placed = len(cancelIDs), len(orders)

	t = monitor.NewTimer(r.metrics.ExecuteLatency)
	res, err := r.writer.Apply(ctx, cancelIDs, orders)
	t.Stop()
	if err != nil {
		return nil, r.fail(log, rep.TickID, StageExecute, err)
	}
	rep.Result = res

	for _, d := range rep.Decisions {
		r.bus.Publish(events.EventDecision, d)
	}
	return r.complete(log, rep, tickTimer), nil
}

func (r *Runner) complete(log *zap.Logger, rep *Report, timer *monitor.Timer) *Report {
	rep.Duration = timer.Stop()
	r.metrics.TickCompleted(rep.Placed, rep.Cancelled)

	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()

	log.Info("tick completed",
		zap.Duration("duration", rep.Duration),
		zap.Bool("empty_market", rep.EmptyMarket),
		zap.Bool("dry_run", rep.DryRun),
		zap.Int("bots", rep.Bots),
		zap.Int("evaluations", rep.Evaluations),
		zap.Int("placed", rep.Placed),
		zap.Int("cancelled", rep.Cancelled),
		zap.Int("registration_failures", rep.RegistrationFailures),
		zap.Int("evaluation_failures", rep.EvaluationFailures))
	r.bus.Publish(events.EventTickCompleted, rep)
	return rep
}

func (r *Runner) fail(log *zap.Logger, tickID, stage string, err error) error {
	tickErr := &TickError{TickID: tickID, Stage: stage, Err: err}
	r.metrics.TickFailed()
	log.Error("tick aborted", zap.String("stage", stage), zap.Error(err))
	r.bus.Publish(events.EventTickFailed, tickErr)
	return tickErr
}

// evaluate decides every bot. Bots are split into shards by id hash; each
// shard runs on its own goroutine with its own accumulator, so no two
// goroutines ever touch the same bot's ledger entry. Results keep roster order.
func (r *Runner) evaluate(log *zap.Logger, ix *index.Index, bots []db.Bot) []Decision {
	perBot := make([][]Decision, len(bots))

	shards := make([][]int, r.shards)
	for i, b := range bots {
		s := shardOf(b.ID, r.shards)
		shards[s] = append(shards[s], i)
	}

	var wg conc.WaitGroup
	for _, members := range shards {
		if len(members) == 0 {
			continue
		}
		wg.Go(func() {
			acc := decision.New(ix, log)
			for _, i := range members {
				perBot[i] = r.decideBot(log, ix, acc, bots[i])
			}
		})
	}
	wg.Wait()

	var out []Decision
	for _, ds := range perBot {
		out = append(out, ds...)
	}
	return out
}

func shardOf(botID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(botID))
	return int(h.Sum32() % uint32(n))
}

// decideBot runs the bot's rule set once per held position, or once with no
// position when it holds nothing.
func (r *Runner) decideBot(log *zap.Logger, ix *index.Index, acc *decision.Accumulator, bot db.Bot) (out []Decision) {
	st, hasStrategy := ix.StrategyByBot[bot.ID]
	base := Decision{BotID: bot.ID, StrategyID: st.ID}

	defer func() {
		if p := recover(); p != nil {
			d := base
			d.Outcome = OutcomeEvaluationFailed
			d.Error = fmt.Sprint(p)
			r.metrics.EvaluationFailed()
			logDecision(log, d)
			out = append(out, d)
		}
	}()

	var ruleSet []rules.Rule
	if hasStrategy {
		ruleSet = rules.FromRows(st.Rules, log)
	}
	if len(ruleSet) == 0 {
		d := base
		d.Outcome = OutcomeSkipped
		logDecision(log, d)
		return []Decision{d}
	}

	eng, err := rules.NewEngine(ruleSet)
	if err != nil {
		d := base
		d.Outcome = OutcomeRegistrationFailed
		d.Error = err.Error()
		r.metrics.RegistrationFailed()
		logDecision(log, d)
		return []Decision{d}
	}

	holdings := ix.HoldingsByBot[bot.ID]
	if len(holdings) == 0 {
		return []Decision{r.decidePosition(log, ix, acc, eng, base, nil)}
	}
	for _, h := range holdings {
		pos := &facts.Position{StockID: h.StockID, Shares: h.Shares, Price: ix.Stocks[h.StockID].Price}
		out = append(out, r.decidePosition(log, ix, acc, eng, base, pos))
	}
	return out
}

func (r *Runner) decidePosition(log *zap.Logger, ix *index.Index, acc *decision.Accumulator, eng *rules.Engine, base Decision, pos *facts.Position) (d Decision) {
	d = base
	if pos != nil {
		d.StockID = pos.StockID
	}

	defer func() {
		if p := recover(); p != nil {
			d.Outcome = OutcomeEvaluationFailed
			d.Error = fmt.Sprint(p)
			d.Cancelled, d.Placed, d.Skipped = nil, nil, nil
		}
		if d.Outcome == OutcomeEvaluationFailed {
			r.metrics.EvaluationFailed()
		}
		logDecision(log, d)
	}()

	fired, err := eng.Run(facts.Build(pos, len(ix.OpenOrders(d.BotID, d.StockID))))
	if err != nil {
		d.Outcome = OutcomeEvaluationFailed
		d.Error = err.Error()
		return d
	}
	r.metrics.Evaluated(len(fired))
	if len(fired) == 0 {
		d.Outcome = OutcomeNoAction
		return d
	}

	d.Outcome = OutcomeFired
	for _, ev := range fired {
		d.Events = append(d.Events, ev.Type)
	}
	res := acc.Apply(d.BotID, pos, fired)
	d.Cancelled, d.Placed, d.Skipped = res.Cancelled, res.Placed, res.Skipped
	if b, ok := ix.Ledger.Get(d.BotID); ok {
		d.BalanceLeft = b.Available
	}
	return d
}

// logDecision writes the structured per-(bot, position) report line.
func logDecision(log *zap.Logger, d Decision) {
	evs := make([]string, len(d.Events))
	for i, e := range d.Events {
		evs[i] = string(e)
	}
	fields := []zap.Field{
		zap.String("bot_id", d.BotID),
		zap.String("strategy_id", d.StrategyID),
		zap.String("stock_id", d.StockID),
		zap.String("outcome", string(d.Outcome)),
		zap.Strings("events", evs),
	}
	switch d.Outcome {
	case OutcomeRegistrationFailed:
		log.Warn("decision", append(fields, zap.String("error", d.Error))...)
	case OutcomeEvaluationFailed:
		log.Error("decision", append(fields, zap.String("error", d.Error))...)
	case OutcomeFired:
		log.Info("decision", append(fields,
			zap.Int("placed", len(d.Placed)),
			zap.Int("cancelled", len(d.Cancelled)),
			zap.Int("skipped", len(d.Skipped)),
			zap.Int64("balance_left", d.BalanceLeft))...)
	default:
		log.Info("decision", fields...)
	}
}

// LastReport returns the most recent completed tick.
func (r *Runner) LastReport() (*Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last, r.last != nil
}

// Status returns runner state and metrics.
func (r *Runner) Status() SystemStatus {
	s := SystemStatus{
		Running:  r.running.Load(),
		DryRun:   r.dryRun,
		Shards:   r.shards,
		Metrics:  r.metrics.GetSnapshot(),
		Executor: r.writer.GetMetrics(),
	}
	if last, ok := r.LastReport(); ok {
		s.LastTickID = last.TickID
		s.LastTickAt = last.StartedAt
	}
	return s
}

// Bus returns the bus reports are published on.
func (r *Runner) Bus() *events.Bus { return r.bus }
