package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"trading-bots/internal/facts"
)

var (
	// Registration errors reject a whole rule set.
	ErrUnsupportedOperator   = errors.New("unsupported operator")
	ErrUnknownEventType      = errors.New("unknown event type")
	ErrUnsupportedCombinator = errors.New("unsupported condition combinator")
	ErrInvalidCondition      = errors.New("invalid condition")

	// Evaluation errors abandon a single run.
	ErrUndefinedFact = errors.New("undefined fact")
	ErrTypeMismatch  = errors.New("type mismatch")
)

// Engine is a registered, immutable rule set. It is safe for concurrent use.
type Engine struct {
	rules []Rule
}

// NewEngine validates and registers rules. Any invalid rule rejects the whole
// set. Registered rules run by descending priority, ties in the given order.
func NewEngine(rules []Rule) (*Engine, error) {
	sorted := make([]Rule, len(rules))
	for i, r := range rules {
		sorted[i] = r.clone()
		sorted[i].normalize()
	}

	for i, r := range sorted {
		if err := register(r); err != nil {
			return nil, fmt.Errorf("rule %d (id %d): %w", i, r.ID, err)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return &Engine{rules: sorted}, nil
}

func register(r Rule) error {
	if len(r.Conditions.Any) > 0 {
		return fmt.Errorf("%w: any", ErrUnsupportedCombinator)
	}
	if err := r.validateShape(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCondition, err)
	}
	if !r.Event.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, r.Event.Type)
	}
	for _, c := range r.Conditions.All {
		op, ok := operators[c.Operator]
		if !ok {
			return fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedOperator, c.Operator, strings.Join(SupportedOperators(), ", "))
		}
		if c.Fact == "" {
			return fmt.Errorf("%w: empty fact name", ErrInvalidCondition)
		}
		switch {
		case op.list:
			if _, ok := c.Value.([]any); !ok {
				return fmt.Errorf("%w: %s on %s needs a list, got %T", ErrInvalidCondition, c.Operator, c.Fact, c.Value)
			}
		case op.numeric:
			if _, ok := c.Value.(float64); !ok {
				return fmt.Errorf("%w: %s on %s needs a number, got %T", ErrInvalidCondition, c.Operator, c.Fact, c.Value)
			}
		}
	}
	return nil
}

// Len returns the number of registered rules.
func (e *Engine) Len() int { return len(e.rules) }

// Run evaluates every rule against fs and returns the events of the rules
// whose conditions all hold, in firing order. A rule's outcome never depends
// on another rule's.
func (e *Engine) Run(fs facts.Set) ([]Event, error) {
	var fired []Event
	for _, r := range e.rules {
		ok, err := matches(r.Conditions.All, fs)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", r.ID, err)
		}
		if ok {
			fired = append(fired, r.Event)
		}
	}
	return fired, nil
}

func matches(conds []Condition, fs facts.Set) (bool, error) {
	for _, c := range conds {
		v, ok := fs[c.Fact]
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrUndefinedFact, c.Fact)
		}
		hit, err := operators[c.Operator].eval(v, c.Value)
		if err != nil {
			return false, fmt.Errorf("%s %s: %w", c.Fact, c.Operator, err)
		}
		if !hit {
			return false, nil
		}
	}
	return true, nil
}
