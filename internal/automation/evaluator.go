package automation

import (
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/solar"
)

// StateReader is the read side of the device state cache.
type StateReader interface {
	Value(deviceID, path string) (any, bool)
	Supports(deviceID, path string) (supported, known bool)
}

// SolarSource supplies the instant of a solar event on a given day.
type SolarSource interface {
	At(e solar.Event, date time.Time) (time.Time, error)
}

// Evaluator decides whether a rule's conditions hold.
//
// Evaluation has no side effects beyond logging: the same conditions over
// the same cache contents and Env always give the same answer. Malformed
// comparisons evaluate to false and are logged; they never panic out.
type Evaluator struct {
	devices StateReader
	sun     SolarSource
	logger  Logger
}

// NewEvaluator creates an evaluator. sun may be nil when no site location
// is configured; solar conditions then evaluate to false.
func NewEvaluator(devices StateReader, sun SolarSource, logger Logger) *Evaluator {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Evaluator{devices: devices, sun: sun, logger: logger}
}

// Evaluate combines conds with the top-level combinator. An empty list is
// true. AND stops at the first false, OR at the first true.
func (e *Evaluator) Evaluate(conds []Condition, combinator Combinator, env Env) bool {
	if len(conds) == 0 {
		return true
	}
	if combinator == CombineOr {
		for _, c := range conds {
			if e.EvaluateCondition(c, env) {
				return true
			}
		}
		return false
	}
	for _, c := range conds {
		if !e.EvaluateCondition(c, env) {
			return false
		}
	}
	return true
}

// EvaluateCondition evaluates one condition tree.
func (e *Evaluator) EvaluateCondition(c Condition, env Env) (result bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("condition evaluation panicked", "type", c.Type, "panic", r)
			result = false
		}
	}()

	ok, err := e.evaluate(c, env)
	if err != nil {
		e.logger.Warn("condition evaluated false", "type", c.Type, "error", err)
		return false
	}
	return ok
}

func (e *Evaluator) evaluate(c Condition, env Env) (bool, error) {
	switch c.Type {
	case ConditionTime:
		if c.Time == nil {
			return false, fmt.Errorf("missing time block")
		}
		return evalTime(*c.Time, env.Now)
	case ConditionSolar:
		if c.Solar == nil {
			return false, fmt.Errorf("missing solar block")
		}
		return e.evalSolar(*c.Solar, env.Now)
	case ConditionDeviceState:
		if c.DeviceState == nil {
			return false, fmt.Errorf("missing device_state block")
		}
		return e.evalDeviceState(*c.DeviceState)
	case ConditionNumeric:
		if c.Numeric == nil {
			return false, fmt.Errorf("missing numeric block")
		}
		return evalNumeric(*c.Numeric, env)
	case ConditionBoolean:
		if c.Boolean == nil {
			return false, fmt.Errorf("missing boolean block")
		}
		return e.evalBoolean(*c.Boolean, env)
	case ConditionActionResult:
		if c.ActionResult == nil {
			return false, fmt.Errorf("missing action_result block")
		}
		return evalActionResult(*c.ActionResult, env), nil
	default:
		return false, fmt.Errorf("unknown condition type %q", c.Type)
	}
}

func evalTime(tc TimeCondition, now time.Time) (bool, error) {
	inside := dayMatches(tc.Days, now)
	if inside && (tc.After != "" || tc.Before != "") {
		m := minuteOfDay(now)
		start, end := 0, 24*60
		var err error
		if tc.After != "" {
			if start, err = parseClock(tc.After); err != nil {
				return false, err
			}
		}
		if tc.Before != "" {
			if end, err = parseClock(tc.Before); err != nil {
				return false, err
			}
		}
		switch {
		case tc.After == "":
			inside = m < end
		case tc.Before == "":
			inside = m >= start
		default:
			inside = inWindow(m, start, end)
		}
	}
	if tc.Negate {
		return !inside, nil
	}
	return inside, nil
}

func (e *Evaluator) evalSolar(sc SolarCondition, now time.Time) (bool, error) {
	if e.sun == nil {
		return false, fmt.Errorf("no site location configured")
	}
	at, err := e.sun.At(sc.Event, now)
	if err != nil {
		return false, err
	}
	at = at.Add(time.Duration(sc.OffsetMinutes) * time.Minute)
	switch sc.Relation {
	case RelationBefore:
		return now.Before(at), nil
	case RelationAfter:
		return !now.Before(at), nil
	default:
		return false, fmt.Errorf("unknown solar relation %q", sc.Relation)
	}
}

func (e *Evaluator) evalDeviceState(sc StateComparison) (bool, error) {
	if e.devices == nil {
		return false, fmt.Errorf("no device state available")
	}
	supported, known := e.devices.Supports(sc.DeviceID, sc.Property)
	if !known {
		return false, fmt.Errorf("unknown device %q", sc.DeviceID)
	}
	if !supported {
		return false, fmt.Errorf("device %q does not support %q", sc.DeviceID, sc.Property)
	}
	actual, ok := e.devices.Value(sc.DeviceID, sc.Property)
	if !ok {
		// Property declared but never reported.
		return false, nil
	}
	return compare(sc.Operator, actual, sc.Value)
}

func evalNumeric(nc NumericCondition, env Env) (bool, error) {
	left, err := env.resolveOperand(nc.Left)
	if err != nil {
		return false, err
	}
	right, err := env.resolveOperand(nc.Right)
	if err != nil {
		return false, err
	}
	if _, ok := toFloat(left); !ok {
		return false, fmt.Errorf("%w: left %v", ErrNotNumeric, left)
	}
	if _, ok := toFloat(right); !ok {
		return false, fmt.Errorf("%w: right %v", ErrNotNumeric, right)
	}
	return compare(nc.Operator, left, right)
}

func (e *Evaluator) evalBoolean(bc BooleanCondition, env Env) (bool, error) {
	switch bc.Op {
	case BoolAnd:
		for _, c := range bc.Conditions {
			if !e.EvaluateCondition(c, env) {
				return false, nil
			}
		}
		return len(bc.Conditions) > 0, nil
	case BoolOr:
		for _, c := range bc.Conditions {
			if e.EvaluateCondition(c, env) {
				return true, nil
			}
		}
		return false, nil
	case BoolNot:
		if len(bc.Conditions) != 1 {
			return false, fmt.Errorf("not takes exactly one condition, got %d", len(bc.Conditions))
		}
		// A malformed child makes the NOT false too, not true.
		ok, err := e.evaluate(bc.Conditions[0], env)
		if err != nil {
			return false, err
		}
		return !ok, nil
	default:
		return false, fmt.Errorf("unknown boolean op %q", bc.Op)
	}
}

func evalActionResult(ac ActionResultCondition, env Env) bool {
	res, ok := env.Results[ac.Action]
	if !ok {
		return false
	}
	switch ac.Status {
	case string(ActionSucceeded):
		return res.Status == ActionSucceeded || res.Status == ActionDispatched
	case string(ActionFailed):
		return res.Status == ActionFailed
	default:
		return false
	}
}
