package automation

import (
	"maps"
	"slices"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/solar"
)

// Rule is one automation: a trigger, optional conditions and the actions
// run when both pass.
type Rule struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool   `json:"enabled" yaml:"-"`

	Trigger       Trigger     `json:"trigger" yaml:"trigger"`
	ConditionType Combinator  `json:"condition_type" yaml:"condition_type,omitempty"`
	Conditions    []Condition `json:"conditions" yaml:"conditions,omitempty"`
	Actions       []Action    `json:"actions" yaml:"actions"`

	LastTriggered  *time.Time `json:"last_triggered,omitempty" yaml:"-"`
	ExecutionCount int64      `json:"execution_count" yaml:"-"`
	CreatedAt      time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time  `json:"updated_at" yaml:"-"`
}

// Combinator joins a list of conditions.
type Combinator string

// Top-level combinators.
const (
	CombineAnd Combinator = "AND"
	CombineOr  Combinator = "OR"
)

// Operator is a comparison operator used by triggers and conditions.
type Operator string

// Supported operators. OpChanged is only valid on device_state triggers.
const (
	OpEq         Operator = "=="
	OpNe         Operator = "!="
	OpGt         Operator = ">"
	OpGte        Operator = ">="
	OpLt         Operator = "<"
	OpLte        Operator = "<="
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpChanged    Operator = "changed"
)

// ─── Triggers ───────────────────────────────────────────────────────

// TriggerType names a trigger variant.
type TriggerType string

// Trigger variants.
const (
	TriggerTime        TriggerType = "time"
	TriggerSolar       TriggerType = "solar"
	TriggerDeviceState TriggerType = "device_state"
	TriggerEvent       TriggerType = "event"
	TriggerInterval    TriggerType = "interval"
)

// Periodic reports whether the trigger is evaluated on scheduler ticks.
func (t TriggerType) Periodic() bool {
	return t == TriggerTime || t == TriggerSolar || t == TriggerInterval
}

// Trigger is a tagged union: exactly the field matching Type is set.
type Trigger struct {
	Type        TriggerType      `json:"type" yaml:"type"`
	Time        *TimeTrigger     `json:"time,omitempty" yaml:"time,omitempty"`
	Solar       *SolarTrigger    `json:"solar,omitempty" yaml:"solar,omitempty"`
	DeviceState *StateComparison `json:"device_state,omitempty" yaml:"device_state,omitempty"`
	Event       *EventTrigger    `json:"event,omitempty" yaml:"event,omitempty"`
	Interval    *IntervalTrigger `json:"interval,omitempty" yaml:"interval,omitempty"`
}

// TimeTrigger fires once at a local wall-clock minute on matching days.
type TimeTrigger struct {
	At   string   `json:"at" yaml:"at"`                         // HH:MM
	Days []string `json:"days,omitempty" yaml:"days,omitempty"` // empty = every day
}

// SolarTrigger fires once per day at sunrise or sunset plus an offset.
type SolarTrigger struct {
	Event         solar.Event `json:"event" yaml:"event"`
	OffsetMinutes int         `json:"offset_minutes,omitempty" yaml:"offset_minutes,omitempty"`
}

// StateComparison compares one device property against a value. It is
// used by device_state triggers and device_state conditions.
type StateComparison struct {
	DeviceID string   `json:"device_id" yaml:"device_id"`
	Property string   `json:"property" yaml:"property"` // dotted path
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// EventTrigger fires on a named event. Source, DeviceID and Data narrow
// the match when set.
type EventTrigger struct {
	EventType string         `json:"event_type" yaml:"event_type"`
	Source    string         `json:"source,omitempty" yaml:"source,omitempty"`
	DeviceID  string         `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	Data      map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// IntervalTrigger fires every EveryMinutes, optionally only inside a daily
// Start-End window (HH:MM; Start > End wraps midnight).
type IntervalTrigger struct {
	EveryMinutes int    `json:"every_minutes" yaml:"every_minutes"`
	Start        string `json:"start,omitempty" yaml:"start,omitempty"`
	End          string `json:"end,omitempty" yaml:"end,omitempty"`
}

// ─── Conditions ─────────────────────────────────────────────────────

// ConditionType names a condition variant.
type ConditionType string

// Condition variants.
const (
	ConditionTime         ConditionType = "time"
	ConditionSolar        ConditionType = "solar"
	ConditionDeviceState  ConditionType = "device_state"
	ConditionNumeric      ConditionType = "numeric"
	ConditionBoolean      ConditionType = "boolean"
	ConditionActionResult ConditionType = "action_result"
)

// Condition is a tagged union: exactly the field matching Type is set.
type Condition struct {
	Type         ConditionType          `json:"type" yaml:"type"`
	Time         *TimeCondition         `json:"time,omitempty" yaml:"time,omitempty"`
	Solar        *SolarCondition        `json:"solar,omitempty" yaml:"solar,omitempty"`
	DeviceState  *StateComparison       `json:"device_state,omitempty" yaml:"device_state,omitempty"`
	Numeric      *NumericCondition      `json:"numeric,omitempty" yaml:"numeric,omitempty"`
	Boolean      *BooleanCondition      `json:"boolean,omitempty" yaml:"boolean,omitempty"`
	ActionResult *ActionResultCondition `json:"action_result,omitempty" yaml:"action_result,omitempty"`
}

// TimeCondition holds inside a local time window. After > Before wraps
// midnight. Negate inverts the result.
type TimeCondition struct {
	After  string   `json:"after,omitempty" yaml:"after,omitempty"`
	Before string   `json:"before,omitempty" yaml:"before,omitempty"`
	Days   []string `json:"days,omitempty" yaml:"days,omitempty"`
	Negate bool     `json:"negate,omitempty" yaml:"negate,omitempty"`
}

// Solar relations.
const (
	RelationBefore = "before"
	RelationAfter  = "after"
)

// SolarCondition holds before or after today's solar event plus offset.
type SolarCondition struct {
	Relation      string      `json:"relation" yaml:"relation"`
	Event         solar.Event `json:"event" yaml:"event"`
	OffsetMinutes int         `json:"offset_minutes,omitempty" yaml:"offset_minutes,omitempty"`
}

// NumericCondition compares two operands. Each is a number or a
// "$variable" reference.
type NumericCondition struct {
	Left     any      `json:"left" yaml:"left"`
	Operator Operator `json:"operator" yaml:"operator"`
	Right    any      `json:"right" yaml:"right"`
}

// BoolOp is the operator of a boolean condition node.
type BoolOp string

// Boolean operators. BoolNot takes exactly one child.
const (
	BoolAnd BoolOp = "and"
	BoolOr  BoolOp = "or"
	BoolNot BoolOp = "not"
)

// BooleanCondition combines child conditions.
type BooleanCondition struct {
	Op         BoolOp      `json:"op" yaml:"op"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
}

// ActionResultCondition checks the outcome of an earlier named action in
// the same execution.
type ActionResultCondition struct {
	Action string `json:"action" yaml:"action"`
	Status string `json:"status" yaml:"status"` // succeeded | failed
}

// ─── Actions ────────────────────────────────────────────────────────

// ActionType names an action variant.
type ActionType string

// Action variants.
const (
	ActionDeviceCommand ActionType = "device_command"
	ActionDelay         ActionType = "delay"
	ActionNotification  ActionType = "notification"
	ActionScene         ActionType = "scene"
	ActionWebhook       ActionType = "webhook"
	ActionConditional   ActionType = "conditional"
)

// Action is a tagged union: exactly the field matching Type is set. Name
// is optional and lets action_result conditions refer to the action.
type Action struct {
	Type          ActionType           `json:"type" yaml:"type"`
	Name          string               `json:"name,omitempty" yaml:"name,omitempty"`
	DeviceCommand *DeviceCommandAction `json:"device_command,omitempty" yaml:"device_command,omitempty"`
	Delay         *DelayAction         `json:"delay,omitempty" yaml:"delay,omitempty"`
	Notification  *NotificationAction  `json:"notification,omitempty" yaml:"notification,omitempty"`
	Scene         *SceneAction         `json:"scene,omitempty" yaml:"scene,omitempty"`
	Webhook       *WebhookAction       `json:"webhook,omitempty" yaml:"webhook,omitempty"`
	Conditional   *ConditionalAction   `json:"conditional,omitempty" yaml:"conditional,omitempty"`
}

// DeviceCommandAction sends one command. String params of the form
// "$variable" are replaced with the variable's value.
type DeviceCommandAction struct {
	DeviceID string         `json:"device_id" yaml:"device_id"`
	Command  string         `json:"command" yaml:"command"`
	Params   map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// DelayAction pauses the action sequence.
type DelayAction struct {
	Seconds int `json:"seconds,omitempty" yaml:"seconds,omitempty"`
	Minutes int `json:"minutes,omitempty" yaml:"minutes,omitempty"`
	Hours   int `json:"hours,omitempty" yaml:"hours,omitempty"`
}

// Duration returns the total delay.
func (d DelayAction) Duration() time.Duration {
	return time.Duration(d.Hours)*time.Hour +
		time.Duration(d.Minutes)*time.Minute +
		time.Duration(d.Seconds)*time.Second
}

// NotificationAction pushes a message to UIs. Title and Message accept
// ${variable} templates.
type NotificationAction struct {
	Title   string   `json:"title,omitempty" yaml:"title,omitempty"`
	Message string   `json:"message" yaml:"message"`
	Level   string   `json:"level,omitempty" yaml:"level,omitempty"` // info, warning, critical
	Targets []string `json:"targets,omitempty" yaml:"targets,omitempty"`
}

// SceneAction runs several commands at once, in parallel across devices.
type SceneAction struct {
	Name     string                `json:"name,omitempty" yaml:"name,omitempty"`
	Commands []DeviceCommandAction `json:"commands" yaml:"commands"`
}

// WebhookAction calls an HTTP endpoint. URL and Body accept ${variable}
// templates.
type WebhookAction struct {
	URL            string            `json:"url" yaml:"url"`
	Method         string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body           string            `json:"body,omitempty" yaml:"body,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// ConditionalAction branches on a condition evaluated when it is reached.
type ConditionalAction struct {
	Condition Condition `json:"condition" yaml:"condition"`
	Then      []Action  `json:"then,omitempty" yaml:"then,omitempty"`
	Else      []Action  `json:"else,omitempty" yaml:"else,omitempty"`
}

// ─── Events ─────────────────────────────────────────────────────────

// Event types produced by the device layer and the scheduler.
const (
	EventDeviceStateChanged = "device_state_changed"
	EventDeviceAdded        = "device_added"
	EventDeviceRemoved      = "device_removed"
	EventDeviceOnline       = "device_online"
	EventDeviceOffline      = "device_offline"
	EventSystemStartup      = "system_startup"
)

// Event is an immutable fact consumed once by the scheduler.
//
// For device_state_changed, Data holds the new property values and
// Previous the values they replaced.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source,omitempty"`
	DeviceID  string         `json:"device_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Previous  map[string]any `json:"previous,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Processed bool           `json:"processed"`
}

// ─── Execution ──────────────────────────────────────────────────────

// ExecutionStatus is the overall outcome of one firing.
type ExecutionStatus string

// Execution statuses.
const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusPartial   ExecutionStatus = "partial"   // some actions failed
	StatusFailed    ExecutionStatus = "failed"    // every action that ran failed
	StatusCancelled ExecutionStatus = "cancelled" // stopped by shutdown or timeout
	StatusSkipped   ExecutionStatus = "skipped"   // conditions not met
)

// ActionStatus is the outcome of one action.
type ActionStatus string

// Action statuses. Dispatched marks fire-and-forget actions handed to
// their sink.
const (
	ActionSucceeded  ActionStatus = "succeeded"
	ActionFailed     ActionStatus = "failed"
	ActionDispatched ActionStatus = "dispatched"
	ActionCancelled  ActionStatus = "cancelled"
)

// ActionResult records one executed action. Path locates the action in
// the tree: "2" is the third top-level action, "2.then.0" the first
// action of its then branch, "3.1" the second command of a scene.
type ActionResult struct {
	Index     int           `json:"index"`
	Path      string        `json:"path"`
	Type      ActionType    `json:"type"`
	Name      string        `json:"name,omitempty"`
	DeviceID  string        `json:"device_id,omitempty"`
	Command   string        `json:"command,omitempty"`
	Branch    string        `json:"branch,omitempty"`
	Status    ActionStatus  `json:"status"`
	Attempts  int           `json:"attempts,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Execution is the record of one rule firing. It is the payload of the
// automation_triggered broadcast.
type Execution struct {
	ExecutionID string          `json:"execution_id"`
	RuleID      string          `json:"rule_id"`
	RuleName    string          `json:"rule_name"`
	Trigger     string          `json:"trigger"` // trigger type, event type or "manual"
	Status      ExecutionStatus `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	Results     []ActionResult  `json:"results"`
	Context     map[string]any  `json:"context,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Duration returns how long the execution ran.
func (e *Execution) Duration() time.Duration {
	if e.CompletedAt.IsZero() {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

// FailedActions counts failed action results.
func (e *Execution) FailedActions() int {
	n := 0
	for _, r := range e.Results {
		if r.Status == ActionFailed {
			n++
		}
	}
	return n
}

// ─── Rule changes ───────────────────────────────────────────────────

// ChangeKind classifies a rule store change.
type ChangeKind string

// Rule change kinds.
const (
	RuleCreated ChangeKind = "created"
	RuleUpdated ChangeKind = "updated"
	RuleDeleted ChangeKind = "deleted"
)

// RuleChange is sent to registry subscribers. Rule is nil for deletions.
type RuleChange struct {
	Kind ChangeKind
	ID   string
	Rule *Rule
}

// ─── Copying ────────────────────────────────────────────────────────

// DeepCopy returns an independent copy of the rule.
func (r *Rule) DeepCopy() *Rule {
	if r == nil {
		return nil
	}
	cpy := *r
	if r.LastTriggered != nil {
		t := *r.LastTriggered
		cpy.LastTriggered = &t
	}
	cpy.Trigger = r.Trigger.deepCopy()
	cpy.Conditions = copyConditions(r.Conditions)
	cpy.Actions = copyActions(r.Actions)
	return &cpy
}

func (t Trigger) deepCopy() Trigger {
	cpy := t
	if t.Time != nil {
		v := *t.Time
		v.Days = slices.Clone(t.Time.Days)
		cpy.Time = &v
	}
	if t.Solar != nil {
		v := *t.Solar
		cpy.Solar = &v
	}
	if t.DeviceState != nil {
		v := *t.DeviceState
		v.Value = deepCopyValue(t.DeviceState.Value)
		cpy.DeviceState = &v
	}
	if t.Event != nil {
		v := *t.Event
		v.Data = deepCopyMap(t.Event.Data)
		cpy.Event = &v
	}
	if t.Interval != nil {
		v := *t.Interval
		cpy.Interval = &v
	}
	return cpy
}

func copyConditions(conds []Condition) []Condition {
	if conds == nil {
		return nil
	}
	out := make([]Condition, len(conds))
	for i, c := range conds {
		out[i] = c.deepCopy()
	}
	return out
}

func (c Condition) deepCopy() Condition {
	cpy := c
	if c.Time != nil {
		v := *c.Time
		v.Days = slices.Clone(c.Time.Days)
		cpy.Time = &v
	}
	if c.Solar != nil {
		v := *c.Solar
		cpy.Solar = &v
	}
	if c.DeviceState != nil {
		v := *c.DeviceState
		v.Value = deepCopyValue(c.DeviceState.Value)
		cpy.DeviceState = &v
	}
	if c.Numeric != nil {
		v := *c.Numeric
		v.Left = deepCopyValue(c.Numeric.Left)
		v.Right = deepCopyValue(c.Numeric.Right)
		cpy.Numeric = &v
	}
	if c.Boolean != nil {
		v := *c.Boolean
		v.Conditions = copyConditions(c.Boolean.Conditions)
		cpy.Boolean = &v
	}
	if c.ActionResult != nil {
		v := *c.ActionResult
		cpy.ActionResult = &v
	}
	return cpy
}

func copyActions(actions []Action) []Action {
	if actions == nil {
		return nil
	}
	out := make([]Action, len(actions))
	for i, a := range actions {
		out[i] = a.deepCopy()
	}
	return out
}

func (a Action) deepCopy() Action {
	cpy := a
	if a.DeviceCommand != nil {
		v := a.DeviceCommand.deepCopy()
		cpy.DeviceCommand = &v
	}
	if a.Delay != nil {
		v := *a.Delay
		cpy.Delay = &v
	}
	if a.Notification != nil {
		v := *a.Notification
		v.Targets = slices.Clone(a.Notification.Targets)
		cpy.Notification = &v
	}
	if a.Scene != nil {
		v := *a.Scene
		if a.Scene.Commands != nil {
			v.Commands = make([]DeviceCommandAction, len(a.Scene.Commands))
			for i, c := range a.Scene.Commands {
				v.Commands[i] = c.deepCopy()
			}
		}
		cpy.Scene = &v
	}
	if a.Webhook != nil {
		v := *a.Webhook
		v.Headers = maps.Clone(a.Webhook.Headers)
		cpy.Webhook = &v
	}
	if a.Conditional != nil {
		v := *a.Conditional
		v.Condition = a.Conditional.Condition.deepCopy()
		v.Then = copyActions(a.Conditional.Then)
		v.Else = copyActions(a.Conditional.Else)
		cpy.Conditional = &v
	}
	return cpy
}

func (d DeviceCommandAction) deepCopy() DeviceCommandAction {
	d.Params = deepCopyMap(d.Params)
	return d
}

// deepCopyMap copies a map[string]any, recursing into nested maps and slices.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v
	}
}
