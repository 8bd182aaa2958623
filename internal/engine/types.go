package engine

import (
	"errors"
	"fmt"
	"time"

	"trading-bots/internal/balance"
	"trading-bots/internal/decision"
	"trading-bots/internal/monitor"
	"trading-bots/internal/persistence"
	"trading-bots/internal/rules"
	"trading-bots/pkg/db"
)

// ErrTickInProgress is returned when a tick is requested while one runs.
var ErrTickInProgress = errors.New("tick already in progress")

// Tick stages that can abort a tick.
const (
	StageSnapshot = "snapshot"
	StageExecute  = "execute"
)

// TickError reports a tick aborted by a persistence failure.
type TickError struct {
	TickID string
	Stage  string
	Err    error
}

func (e *TickError) Error() string {
	return fmt.Sprintf("tick %s: %s: %v", e.TickID, e.Stage, e.Err)
}

func (e *TickError) Unwrap() error { return e.Err }

// Outcome classifies one (bot, position) evaluation.
type Outcome string

const (
	OutcomeNoAction           Outcome = "no_action"
	OutcomeFired              Outcome = "fired"
	OutcomeSkipped            Outcome = "skipped"
	OutcomeRegistrationFailed Outcome = "registration_failed"
	OutcomeEvaluationFailed   Outcome = "evaluation_failed"
)

// Decision is the per-(bot, position) result of a tick. StockID is empty for
// bot-level outcomes and for the no-position pass.
type Decision struct {
	BotID       string            `json:"bot_id"`
	StrategyID  string            `json:"strategy_id,omitempty"`
	StockID     string            `json:"stock_id,omitempty"`
	Outcome     Outcome           `json:"outcome"`
	Events      []rules.EventType `json:"events,omitempty"`
	Cancelled   []string          `json:"cancelled,omitempty"`
	Placed      []db.Order        `json:"placed,omitempty"`
	Skipped     []decision.Skip   `json:"skipped,omitempty"`
	BalanceLeft int64             `json:"balance_left,omitempty"` // ledger after a fired pass
	Error       string            `json:"error,omitempty"`
}

// Report summarises one completed tick.
type Report struct {
	TickID               string                     `json:"tick_id"`
	StartedAt            time.Time                  `json:"started_at"`
	Duration             time.Duration              `json:"duration_ns"`
	DryRun               bool                       `json:"dry_run"`
	EmptyMarket          bool                       `json:"empty_market"`
	Bots                 int                        `json:"bots"`
	Stocks               int                        `json:"stocks"`
	Evaluations          int                        `json:"evaluations"`
	Cancelled            int                        `json:"cancelled"`
	Placed               int                        `json:"placed"`
	RegistrationFailures int                        `json:"registration_failures"`
	EvaluationFailures   int                        `json:"evaluation_failures"`
	Result               db.MutationResult          `json:"result"`
	Decisions            []Decision                 `json:"decisions"`
	Ledger               map[string]balance.Balance `json:"ledger,omitempty"` // per-bot spend at the end of evaluation
}

// SystemStatus describes the runner for the ops surface.
type SystemStatus struct {
	Running    bool                           `json:"running"`
	DryRun     bool                           `json:"dry_run"`
	Shards     int                            `json:"shards"`
	LastTickID string                         `json:"last_tick_id,omitempty"`
	LastTickAt time.Time                      `json:"last_tick_at,omitempty"`
	Metrics    monitor.MetricsSnapshot        `json:"metrics"`
	Executor   persistence.BatchWriterMetrics `json:"executor"`
}
