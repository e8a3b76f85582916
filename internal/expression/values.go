package expression

import (
	"fmt"
	"strings"
	"time"
)

func compare(op string, a, b any) (bool, error) {
	switch op {
	case "==":
		return equal(a, b), nil
	case "!=":
		return !equal(a, b), nil
	}
	// A missing operand never satisfies an ordering.
	if a == nil || b == nil {
		return false, nil
	}
	c, err := order(a, b)
	if err != nil {
		return false, err
	}
	switch op {
	case "<":
		return c < 0, nil
	case ">":
		return c > 0, nil
	case "<=":
		return c <= 0, nil
	case ">=":
		return c >= 0, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			return x == y
		}
	}
	if x, ok := toTime(a); ok {
		if y, ok := toTime(b); ok {
			return x.Equal(y)
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func order(a, b any) (int, error) {
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			switch {
			case x < y:
				return -1, nil
			case x > y:
				return 1, nil
			}
			return 0, nil
		}
	}
	if x, ok := toTime(a); ok {
		if y, ok := toTime(b); ok {
			return x.Compare(y), nil
		}
	}
	xs, aok := a.(string)
	ys, bok := b.(string)
	if aok && bok {
		return strings.Compare(xs, ys), nil
	}
	return 0, fmt.Errorf("cannot order %T and %T", a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// toTime accepts time values and RFC 3339 or date-only strings.
func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, true
		}
		if ts, err := time.Parse(time.DateOnly, t); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case time.Time:
		return !x.IsZero()
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

// AsTime converts an evaluated value to a time, accepting the same forms
// comparisons do.
func AsTime(v any) (time.Time, bool) {
	return toTime(v)
}
