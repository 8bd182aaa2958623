package rules

import (
	"fmt"
	"sort"
)

type operator struct {
	// list operators take a slice threshold; the rest take a scalar.
	list    bool
	numeric bool
	eval    func(fact, value any) (bool, error)
}

var operators = map[string]operator{
	"equal":                {eval: equal},
	"notEqual":             {eval: not(equal)},
	"lessThan":             {numeric: true, eval: compare(func(a, b float64) bool { return a < b })},
	"lessThanInclusive":    {numeric: true, eval: compare(func(a, b float64) bool { return a <= b })},
	"greaterThan":          {numeric: true, eval: compare(func(a, b float64) bool { return a > b })},
	"greaterThanInclusive": {numeric: true, eval: compare(func(a, b float64) bool { return a >= b })},
	"in":                   {list: true, eval: in},
	"notIn":                {list: true, eval: not(in)},
}

// SupportedOperators returns the operator names the engine accepts, sorted.
func SupportedOperators() []string {
	names := make([]string, 0, len(operators))
	for name := range operators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func not(f func(a, b any) (bool, error)) func(a, b any) (bool, error) {
	return func(a, b any) (bool, error) {
		ok, err := f(a, b)
		return !ok, err
	}
}

func equal(fact, value any) (bool, error) {
	switch f := fact.(type) {
	case bool:
		v, ok := value.(bool)
		if !ok {
			return false, mismatch(fact, value)
		}
		return f == v, nil
	case float64:
		v, ok := value.(float64)
		if !ok {
			return false, mismatch(fact, value)
		}
		return f == v, nil
	case string:
		v, ok := value.(string)
		if !ok {
			return false, mismatch(fact, value)
		}
		return f == v, nil
	}
	return false, mismatch(fact, value)
}

func compare(cmp func(a, b float64) bool) func(fact, value any) (bool, error) {
	return func(fact, value any) (bool, error) {
		f, ok1 := fact.(float64)
		v, ok2 := value.(float64)
		if !ok1 || !ok2 {
			return false, mismatch(fact, value)
		}
		return cmp(f, v), nil
	}
}

func in(fact, value any) (bool, error) {
	list, ok := value.([]any)
	if !ok {
		return false, mismatch(fact, value)
	}
	for _, candidate := range list {
		// elements of another type simply do not match
		if eq, err := equal(fact, candidate); err == nil && eq {
			return true, nil
		}
	}
	return false, nil
}

func mismatch(fact, value any) error {
	return fmt.Errorf("%w: fact %T vs value %T", ErrTypeMismatch, fact, value)
}
