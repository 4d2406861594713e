package automation

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// compare applies op to actual (left) and expected (right).
//
// Ordering operators need both sides to be numeric (numbers or numeric
// strings). Equality is numeric when both sides are numeric and textual
// otherwise. OpChanged is not a value comparison and is rejected here.
func compare(op Operator, actual, expected any) (bool, error) {
	switch op {
	case OpEq:
		return looseEqual(actual, expected), nil
	case OpNe:
		return !looseEqual(actual, expected), nil
	case OpGt, OpGte, OpLt, OpLte:
		a, ok := toFloat(actual)
		if !ok {
			return false, fmt.Errorf("%w: %v", ErrNotNumeric, actual)
		}
		b, ok := toFloat(expected)
		if !ok {
			return false, fmt.Errorf("%w: %v", ErrNotNumeric, expected)
		}
		switch op {
		case OpGt:
			return a > b, nil
		case OpGte:
			return a >= b, nil
		case OpLt:
			return a < b, nil
		default:
			return a <= b, nil
		}
	case OpContains:
		if list, ok := actual.([]any); ok {
			return slices.ContainsFunc(list, func(v any) bool { return looseEqual(v, expected) }), nil
		}
		s, ok := actual.(string)
		if !ok {
			return false, fmt.Errorf("contains needs a string or list, got %T", actual)
		}
		return strings.Contains(s, fmt.Sprint(expected)), nil
	case OpStartsWith, OpEndsWith:
		s, ok := actual.(string)
		if !ok {
			return false, fmt.Errorf("%s needs a string, got %T", op, actual)
		}
		if op == OpStartsWith {
			return strings.HasPrefix(s, fmt.Sprint(expected)), nil
		}
		return strings.HasSuffix(s, fmt.Sprint(expected)), nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
	}
}

// valueOperators are valid for comparisons against a value.
var valueOperators = []Operator{OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpContains, OpStartsWith, OpEndsWith}

// numericOperators are valid for numeric conditions.
var numericOperators = []Operator{OpEq, OpNe, OpGt, OpGte, OpLt, OpLte}

func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	ab, aBool := a.(bool)
	bb, bBool := b.(bool)
	if aBool && bBool {
		return ab == bb
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// toFloat converts numbers and numeric strings. Booleans are not numeric.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil && !math.IsNaN(f)
	default:
		return 0, false
	}
}

// ─── Evaluation context ─────────────────────────────────────────────

// Env is the context a condition or action sees: the evaluation time,
// variables from the trigger and the results of actions already run.
type Env struct {
	Now     time.Time
	Vars    map[string]any
	Results map[string]ActionResult // by action name
}

// Lookup resolves a variable name (without the leading $). Built-ins are
// computed from Now; "event.<field>" reads the triggering event.
func (e Env) Lookup(name string) (any, bool) {
	switch name {
	case "hour":
		return e.Now.Hour(), true
	case "minute":
		return e.Now.Minute(), true
	case "weekday":
		return int(e.Now.Weekday()), true
	case "day":
		return e.Now.Day(), true
	case "month":
		return int(e.Now.Month()), true
	case "now":
		return e.Now.Format(time.RFC3339), true
	}
	if v, ok := e.Vars[name]; ok {
		return v, true
	}
	root, rest, nested := strings.Cut(name, ".")
	if !nested {
		return nil, false
	}
	var current any = e.Vars[root]
	for _, part := range strings.Split(rest, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		if current, ok = m[part]; !ok {
			return nil, false
		}
	}
	return current, true
}

// resolveOperand returns literal values unchanged and looks up "$name"
// references.
func (e Env) resolveOperand(v any) (any, error) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "$") || strings.HasPrefix(s, "${") {
		return v, nil
	}
	val, ok := e.Lookup(s[1:])
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariable, s)
	}
	return val, nil
}

var templateVar = regexp.MustCompile(`\$\{([A-Za-z0-9_.]+)\}`)

// expand replaces ${name} references in s. Unknown names become empty.
func (e Env) expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return templateVar.ReplaceAllStringFunc(s, func(m string) string {
		v, ok := e.Lookup(m[2 : len(m)-1])
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}

// resolveParams copies params, replacing "$name" values with the variable
// and expanding ${name} templates inside other strings. Unknown "$name"
// references are left as written.
func (e Env) resolveParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = e.resolveValue(v)
	}
	return out
}

func (e Env) resolveValue(v any) any {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, "$") && !strings.HasPrefix(val, "${") {
			if resolved, ok := e.Lookup(val[1:]); ok {
				return deepCopyValue(resolved)
			}
			return val
		}
		return e.expand(val)
	case map[string]any:
		return e.resolveParams(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = e.resolveValue(elem)
		}
		return out
	default:
		return v
	}
}

// ─── Clock helpers ──────────────────────────────────────────────────

// parseClock parses "HH:MM" into minutes after midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// inWindow reports whether minute m falls in [start, end). start > end
// wraps midnight; start == end covers the whole day.
func inWindow(m, start, end int) bool {
	switch {
	case start == end:
		return true
	case start < end:
		return m >= start && m < end
	default:
		return m >= start || m < end
	}
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// Day groups accepted alongside individual day names.
var dayGroups = map[string][]time.Weekday{
	"weekdays": {time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	"weekends": {time.Saturday, time.Sunday},
}

func validDay(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	_, day := weekdays[n]
	_, group := dayGroups[n]
	return day || group
}

// dayMatches reports whether t's weekday is listed. An empty list matches
// every day.
func dayMatches(days []string, t time.Time) bool {
	if len(days) == 0 {
		return true
	}
	wd := t.Weekday()
	for _, d := range days {
		n := strings.ToLower(strings.TrimSpace(d))
		if w, ok := weekdays[n]; ok && w == wd {
			return true
		}
		if slices.Contains(dayGroups[n], wd) {
			return true
		}
	}
	return false
}
