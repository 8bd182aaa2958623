// Package rules holds the declarative rule model and the engine that runs a
// strategy's rules against a fact set.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"trading-bots/pkg/db"
	"trading-bots/pkg/logging"
)

// EventType is the closed set of actions a rule may emit.
type EventType string

const (
	EventBuy    EventType = "BUY"
	EventSell   EventType = "SELL"
	EventCancel EventType = "CANCEL"
)

// Valid reports whether t is one of the known actions.
func (t EventType) Valid() bool {
	switch t {
	case EventBuy, EventSell, EventCancel:
		return true
	}
	return false
}

// Well-known event params.
const (
	ParamSizePct    = "sizePct"
	ParamSymbol     = "symbol"
	ParamLimitPrice = "limitPrice"
	ParamScope      = "scope"

	ScopeBot = "bot"
)

// Condition compares one fact against a threshold.
type Condition struct {
	Fact     string `json:"fact" yaml:"fact"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value" yaml:"value"`
}

// Conditions is the condition tree of a rule. Only All is evaluated; a rule
// using Any is rejected at registration.
type Conditions struct {
	All []Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any []Condition `json:"any,omitempty" yaml:"any,omitempty"`
}

func (c Conditions) empty() bool { return len(c.All) == 0 && len(c.Any) == 0 }

// Event is the action a rule fires.
type Event struct {
	Type   EventType      `json:"type" yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Float returns a numeric param.
func (e Event) Float(key string) (float64, bool) {
	v, ok := e.Params[key]
	if !ok {
		return 0, false
	}
	f, ok := normalize(v).(float64)
	return f, ok
}

// String returns a string param, empty when absent.
func (e Event) String(key string) string {
	s, _ := e.Params[key].(string)
	return s
}

// Rule is one priority-ordered condition/action pair.
type Rule struct {
	ID         int64      `json:"id,omitempty" yaml:"id,omitempty"`
	Priority   int        `json:"priority" yaml:"priority"`
	Conditions Conditions `json:"conditions" yaml:"conditions"`
	Event      Event      `json:"event" yaml:"event"`
}

var errMalformed = errors.New("malformed rule")

// validateShape checks the rule has both conditions and an event.
func (r Rule) validateShape() error {
	if r.Conditions.empty() {
		return fmt.Errorf("%w: no conditions", errMalformed)
	}
	if r.Event.Type == "" {
		return fmt.Errorf("%w: no event", errMalformed)
	}
	return nil
}

// FromRows decodes stored rule rows. Rows that fail to decode or lack
// conditions or an event are dropped and logged at debug level.
func FromRows(rows []db.RuleRow, log *zap.Logger) []Rule {
	log = logging.OrNop(log)
	out := make([]Rule, 0, len(rows))
	for _, row := range rows {
		r, err := decodeRow(row)
		if err != nil {
			log.Debug("dropping rule",
				zap.String("strategy_id", row.StrategyID),
				zap.Int64("rule_id", row.ID),
				zap.Error(err))
			continue
		}
		out = append(out, r)
	}
	return out
}

func decodeRow(row db.RuleRow) (Rule, error) {
	r := Rule{ID: row.ID, Priority: row.Priority}
	if row.Conditions == "" || row.Event == "" {
		return r, fmt.Errorf("%w: missing conditions or event", errMalformed)
	}
	if err := json.Unmarshal([]byte(row.Conditions), &r.Conditions); err != nil {
		return r, fmt.Errorf("%w: conditions: %v", errMalformed, err)
	}
	if err := json.Unmarshal([]byte(row.Event), &r.Event); err != nil {
		return r, fmt.Errorf("%w: event: %v", errMalformed, err)
	}
	r.normalize()
	return r, r.validateShape()
}

func (r Rule) clone() Rule {
	out := r
	out.Conditions.All = append([]Condition(nil), r.Conditions.All...)
	out.Conditions.Any = append([]Condition(nil), r.Conditions.Any...)
	if r.Event.Params != nil {
		out.Event.Params = make(map[string]any, len(r.Event.Params))
		for k, v := range r.Event.Params {
			out.Event.Params[k] = v
		}
	}
	return out
}

// normalize coerces decoded numbers to float64 so JSON and YAML sources compare alike.
func (r *Rule) normalize() {
	if r.Priority < 1 {
		r.Priority = 1
	}
	for i := range r.Conditions.All {
		r.Conditions.All[i].Value = normalize(r.Conditions.All[i].Value)
	}
	for i := range r.Conditions.Any {
		r.Conditions.Any[i].Value = normalize(r.Conditions.Any[i].Value)
	}
	for k, v := range r.Event.Params {
		r.Event.Params[k] = normalize(v)
	}
}

func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return v
		}
		return f
	case []any:
		out := make([]any, len(n))
		for i, e := range n {
			out[i] = normalize(e)
		}
		return out
	}
	return v
}
