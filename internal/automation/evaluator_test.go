package automation

import (
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/device"
	"github.com/nerrad567/gray-logic-automation/internal/solar"
)

func newTestEvaluator(t *testing.T, logger Logger) *Evaluator {
	t.Helper()
	cache := newTestCache(t,
		device.Snapshot{
			ID:           "thermo-1",
			Capabilities: []string{"temperature", "mode", "humidity"},
			State:        device.State{"temperature": 23.5, "mode": "heat"},
		},
		device.Snapshot{
			ID:           "light-1",
			Capabilities: []string{"on", "brightness", "colour"},
			State:        device.State{"on": true, "brightness": 80, "colour": map[string]any{"r": 255}},
		},
	)
	sun := fixedSun{sunrise: 6*time.Hour + 30*time.Minute, sunset: 19 * time.Hour}
	return NewEvaluator(cache, sun, logger)
}

func deviceCond(id, prop string, op Operator, value any) Condition {
	return Condition{Type: ConditionDeviceState, DeviceState: &StateComparison{
		DeviceID: id, Property: prop, Operator: op, Value: value,
	}}
}

func timeCond(after, before string, days ...string) Condition {
	return Condition{Type: ConditionTime, Time: &TimeCondition{After: after, Before: before, Days: days}}
}

func boolCond(op BoolOp, children ...Condition) Condition {
	return Condition{Type: ConditionBoolean, Boolean: &BooleanCondition{Op: op, Conditions: children}}
}

func TestEvaluateCondition(t *testing.T) {
	e := newTestEvaluator(t, nil)
	lateWednesday := time.Date(2026, 3, 4, 23, 0, 0, 0, time.UTC)
	env := Env{Now: lateWednesday, Vars: map[string]any{"value": 30}}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"device above threshold", deviceCond("thermo-1", "temperature", OpGt, 22), true},
		{"device below threshold", deviceCond("thermo-1", "temperature", OpLt, 22), false},
		{"device string equality", deviceCond("thermo-1", "mode", OpEq, "heat"), true},
		{"nested property", deviceCond("light-1", "colour.r", OpEq, 255), true},
		{"unknown device is false", deviceCond("ghost", "on", OpEq, true), false},
		{"unsupported property is false", deviceCond("light-1", "temperature", OpGt, 0), false},
		{"declared but unreported is false", deviceCond("thermo-1", "humidity", OpGt, 0), false},
		{"ordering on text is false", deviceCond("thermo-1", "mode", OpGt, 1), false},
		{"time wraps midnight", timeCond("22:00", "06:00"), true},
		{"time outside window", timeCond("09:00", "17:00"), false},
		{"time only after", timeCond("22:30", ""), true},
		{"time only before", timeCond("", "22:30"), false},
		{"weekday restriction", timeCond("", "", "weekends"), false},
		{"negated window", Condition{Type: ConditionTime, Time: &TimeCondition{After: "09:00", Before: "17:00", Negate: true}}, true},
		{"after sunset", Condition{Type: ConditionSolar, Solar: &SolarCondition{Relation: RelationAfter, Event: solar.Sunset}}, true},
		{"before sunset with offset", Condition{Type: ConditionSolar, Solar: &SolarCondition{Relation: RelationBefore, Event: solar.Sunset, OffsetMinutes: 300}}, true},
		{"numeric variable", Condition{Type: ConditionNumeric, Numeric: &NumericCondition{Left: "$value", Operator: OpGte, Right: 30}}, true},
		{"numeric builtin", Condition{Type: ConditionNumeric, Numeric: &NumericCondition{Left: "$hour", Operator: OpEq, Right: 23}}, true},
		{"numeric unknown variable", Condition{Type: ConditionNumeric, Numeric: &NumericCondition{Left: "$nope", Operator: OpEq, Right: 1}}, false},
		{"and all true", boolCond(BoolAnd, timeCond("22:00", "06:00"), deviceCond("light-1", "on", OpEq, true)), true},
		{"and one false", boolCond(BoolAnd, timeCond("22:00", "06:00"), deviceCond("light-1", "on", OpEq, false)), false},
		{"or one true", boolCond(BoolOr, timeCond("09:00", "10:00"), deviceCond("light-1", "on", OpEq, true)), true},
		{"not of false", boolCond(BoolNot, timeCond("09:00", "10:00")), true},
		{"not of malformed is false", boolCond(BoolNot, deviceCond("ghost", "on", OpEq, true)), false},
		{"unknown type", Condition{Type: "weather"}, false},
		{"missing payload", Condition{Type: ConditionTime}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.EvaluateCondition(tt.cond, env); got != tt.want {
				t.Errorf("EvaluateCondition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluate_Combinators(t *testing.T) {
	e := newTestEvaluator(t, nil)
	env := Env{Now: time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)}
	yes := deviceCond("light-1", "on", OpEq, true)
	no := deviceCond("light-1", "on", OpEq, false)

	tests := []struct {
		name       string
		conds      []Condition
		combinator Combinator
		want       bool
	}{
		{"empty is true", nil, CombineAnd, true},
		{"and true", []Condition{yes, yes}, CombineAnd, true},
		{"and false", []Condition{yes, no}, CombineAnd, false},
		{"or true", []Condition{no, yes}, CombineOr, true},
		{"or false", []Condition{no, no}, CombineOr, false},
		{"default combinator is and", []Condition{yes, no}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Evaluate(tt.conds, tt.combinator, env); got != tt.want {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateCondition_ActionResult(t *testing.T) {
	e := newTestEvaluator(t, nil)
	env := Env{Results: map[string]ActionResult{
		"heat":   {Status: ActionFailed},
		"notify": {Status: ActionDispatched},
	}}

	check := func(action, status string) bool {
		return e.EvaluateCondition(Condition{Type: ConditionActionResult, ActionResult: &ActionResultCondition{
			Action: action, Status: status,
		}}, env)
	}

	if !check("heat", "failed") {
		t.Error("heat failed should be true")
	}
	if check("heat", "succeeded") {
		t.Error("heat succeeded should be false")
	}
	if !check("notify", "succeeded") {
		t.Error("dispatched counts as succeeded")
	}
	if check("missing", "failed") {
		t.Error("unknown action should be false")
	}
}

func TestEvaluateCondition_LogsMalformed(t *testing.T) {
	logger := &captureLogger{}
	e := newTestEvaluator(t, logger)

	e.EvaluateCondition(deviceCond("ghost", "on", OpEq, true), Env{})

	if logger.count("warn") != 1 {
		t.Errorf("warn count = %d, want 1", logger.count("warn"))
	}
}

func TestEvaluateCondition_NoSolarSource(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	cond := Condition{Type: ConditionSolar, Solar: &SolarCondition{Relation: RelationAfter, Event: solar.Sunset}}
	if e.EvaluateCondition(cond, Env{Now: time.Now()}) {
		t.Error("solar condition without a location should be false")
	}
}

func TestEvaluateCondition_ReadsLiveCache(t *testing.T) {
	cache := newTestCache(t, device.Snapshot{ID: "sensor", State: device.State{"lux": 100}})
	e := NewEvaluator(cache, nil, nil)
	cond := deviceCond("sensor", "lux", OpLt, 50)

	if e.EvaluateCondition(cond, Env{}) {
		t.Fatal("lux 100 < 50 should be false")
	}
	cache.Apply(device.StateChange{DeviceID: "sensor", Properties: device.State{"lux": 20}, Timestamp: time.Now().Add(time.Second)})
	if !e.EvaluateCondition(cond, Env{}) {
		t.Error("lux 20 < 50 should be true after the update")
	}
}
