package automation

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Validation limits.
const (
	maxNameLength     = 100
	maxDescriptionLen = 500
	maxActions        = 100
	maxNesting        = 8
	maxDelayHours     = 24
	maxWebhookTimeout = 60
)

// ValidateRule checks a rule's structure and every variant payload. All
// problems are reported together, wrapped in ErrInvalidRule.
func ValidateRule(r *Rule) error {
	if r == nil {
		return ErrInvalidRule
	}
	v := &validator{}

	name := strings.TrimSpace(r.Name)
	switch {
	case name == "":
		v.add("name", "cannot be empty")
	case len(r.Name) > maxNameLength:
		v.add("name", "exceeds %d characters", maxNameLength)
	}
	if len(r.Description) > maxDescriptionLen {
		v.add("description", "exceeds %d characters", maxDescriptionLen)
	}
	switch r.ConditionType {
	case "", CombineAnd, CombineOr:
	default:
		v.add("condition_type", "must be AND or OR, got %q", r.ConditionType)
	}
	if len(r.Actions) > maxActions {
		v.add("actions", "exceeds maximum of %d", maxActions)
	}

	v.trigger("trigger", r.Trigger)
	for i, c := range r.Conditions {
		v.condition(fmt.Sprintf("conditions[%d]", i), c, 0, false)
	}
	named := map[string]bool{}
	v.actions("actions", r.Actions, 0, named)

	return v.err()
}

type validator struct {
	problems []string
}

func (v *validator) add(field, format string, args ...any) {
	v.problems = append(v.problems, field+": "+fmt.Sprintf(format, args...))
}

func (v *validator) err() error {
	if len(v.problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidRule, strings.Join(v.problems, "; "))
}

func (v *validator) trigger(field string, t Trigger) {
	set := countSet(t.Time != nil, t.Solar != nil, t.DeviceState != nil, t.Event != nil, t.Interval != nil)
	if set > 1 {
		v.add(field, "exactly one variant may be set")
	}
	switch t.Type {
	case TriggerTime:
		if t.Time == nil {
			v.add(field, "time trigger needs a time block")
			return
		}
		if _, err := parseClock(t.Time.At); err != nil {
			v.add(field+".time.at", "%v", err)
		}
		v.days(field+".time.days", t.Time.Days)
	case TriggerSolar:
		if t.Solar == nil {
			v.add(field, "solar trigger needs a solar block")
			return
		}
		if !t.Solar.Event.Valid() {
			v.add(field+".solar.event", "must be sunrise or sunset, got %q", t.Solar.Event)
		}
		if abs(t.Solar.OffsetMinutes) > 720 {
			v.add(field+".solar.offset_minutes", "must be within ±720")
		}
	case TriggerDeviceState:
		if t.DeviceState == nil {
			v.add(field, "device_state trigger needs a device_state block")
			return
		}
		v.comparison(field+".device_state", *t.DeviceState, true)
	case TriggerEvent:
		if t.Event == nil {
			v.add(field, "event trigger needs an event block")
			return
		}
		if strings.TrimSpace(t.Event.EventType) == "" {
			v.add(field+".event.event_type", "cannot be empty")
		}
	case TriggerInterval:
		if t.Interval == nil {
			v.add(field, "interval trigger needs an interval block")
			return
		}
		if t.Interval.EveryMinutes < 1 || t.Interval.EveryMinutes > 1440 {
			v.add(field+".interval.every_minutes", "must be 1-1440")
		}
		if (t.Interval.Start == "") != (t.Interval.End == "") {
			v.add(field+".interval", "start and end must be set together")
		}
		if t.Interval.Start != "" {
			if _, err := parseClock(t.Interval.Start); err != nil {
				v.add(field+".interval.start", "%v", err)
			}
			if _, err := parseClock(t.Interval.End); err != nil {
				v.add(field+".interval.end", "%v", err)
			}
		}
	case "":
		v.add(field+".type", "is required")
	default:
		v.add(field+".type", "unknown trigger type %q", t.Type)
	}
}

func (v *validator) comparison(field string, c StateComparison, allowChanged bool) {
	if strings.TrimSpace(c.DeviceID) == "" {
		v.add(field+".device_id", "cannot be empty")
	}
	if strings.TrimSpace(c.Property) == "" {
		v.add(field+".property", "cannot be empty")
	}
	switch {
	case c.Operator == OpChanged && allowChanged:
	case c.Operator == OpChanged:
		v.add(field+".operator", "changed is only valid on triggers")
	case !slices.Contains(valueOperators, c.Operator):
		v.add(field+".operator", "unknown operator %q", c.Operator)
	}
}

func (v *validator) condition(field string, c Condition, depth int, inAction bool) {
	if depth > maxNesting {
		v.add(field, "nested deeper than %d levels", maxNesting)
		return
	}
	set := countSet(c.Time != nil, c.Solar != nil, c.DeviceState != nil, c.Numeric != nil, c.Boolean != nil, c.ActionResult != nil)
	if set > 1 {
		v.add(field, "exactly one variant may be set")
	}
	switch c.Type {
	case ConditionTime:
		if c.Time == nil {
			v.add(field, "time condition needs a time block")
			return
		}
		if c.Time.After == "" && c.Time.Before == "" && len(c.Time.Days) == 0 {
			v.add(field+".time", "needs after, before or days")
		}
		for _, s := range []string{c.Time.After, c.Time.Before} {
			if s == "" {
				continue
			}
			if _, err := parseClock(s); err != nil {
				v.add(field+".time", "%v", err)
			}
		}
		v.days(field+".time.days", c.Time.Days)
	case ConditionSolar:
		if c.Solar == nil {
			v.add(field, "solar condition needs a solar block")
			return
		}
		if c.Solar.Relation != RelationBefore && c.Solar.Relation != RelationAfter {
			v.add(field+".solar.relation", "must be before or after, got %q", c.Solar.Relation)
		}
		if !c.Solar.Event.Valid() {
			v.add(field+".solar.event", "must be sunrise or sunset, got %q", c.Solar.Event)
		}
	case ConditionDeviceState:
		if c.DeviceState == nil {
			v.add(field, "device_state condition needs a device_state block")
			return
		}
		v.comparison(field+".device_state", *c.DeviceState, false)
	case ConditionNumeric:
		if c.Numeric == nil {
			v.add(field, "numeric condition needs a numeric block")
			return
		}
		if !slices.Contains(numericOperators, c.Numeric.Operator) {
			v.add(field+".numeric.operator", "unknown operator %q", c.Numeric.Operator)
		}
		v.operand(field+".numeric.left", c.Numeric.Left)
		v.operand(field+".numeric.right", c.Numeric.Right)
	case ConditionBoolean:
		if c.Boolean == nil {
			v.add(field, "boolean condition needs a boolean block")
			return
		}
		switch c.Boolean.Op {
		case BoolAnd, BoolOr:
			if len(c.Boolean.Conditions) == 0 {
				v.add(field+".boolean.conditions", "cannot be empty")
			}
		case BoolNot:
			if len(c.Boolean.Conditions) != 1 {
				v.add(field+".boolean.conditions", "not takes exactly one condition")
			}
		default:
			v.add(field+".boolean.op", "must be and, or or not, got %q", c.Boolean.Op)
		}
		for i, child := range c.Boolean.Conditions {
			v.condition(fmt.Sprintf("%s.boolean.conditions[%d]", field, i), child, depth+1, inAction)
		}
	case ConditionActionResult:
		if c.ActionResult == nil {
			v.add(field, "action_result condition needs an action_result block")
			return
		}
		if !inAction {
			v.add(field, "action_result is only valid inside a conditional action")
		}
		if c.ActionResult.Action == "" {
			v.add(field+".action_result.action", "cannot be empty")
		}
		if c.ActionResult.Status != string(ActionSucceeded) && c.ActionResult.Status != string(ActionFailed) {
			v.add(field+".action_result.status", "must be succeeded or failed")
		}
	case "":
		v.add(field+".type", "is required")
	default:
		v.add(field+".type", "unknown condition type %q", c.Type)
	}
}

func (v *validator) operand(field string, op any) {
	if s, ok := op.(string); ok && strings.HasPrefix(s, "$") {
		if len(s) < 2 {
			v.add(field, "empty variable reference")
		}
		return
	}
	if _, ok := toFloat(op); !ok {
		v.add(field, "must be a number or $variable, got %v", op)
	}
}

func (v *validator) days(field string, days []string) {
	for _, d := range days {
		if !validDay(d) {
			v.add(field, "unknown day %q", d)
		}
	}
}

func (v *validator) actions(field string, actions []Action, depth int, named map[string]bool) {
	if depth > maxNesting {
		v.add(field, "nested deeper than %d levels", maxNesting)
		return
	}
	for i, a := range actions {
		v.action(fmt.Sprintf("%s[%d]", field, i), a, depth, named)
	}
}

func (v *validator) action(field string, a Action, depth int, named map[string]bool) {
	set := countSet(a.DeviceCommand != nil, a.Delay != nil, a.Notification != nil, a.Scene != nil, a.Webhook != nil, a.Conditional != nil)
	if set > 1 {
		v.add(field, "exactly one variant may be set")
	}
	if a.Name != "" {
		if named[a.Name] {
			v.add(field+".name", "duplicate action name %q", a.Name)
		}
		named[a.Name] = true
	}

	switch a.Type {
	case ActionDeviceCommand:
		if a.DeviceCommand == nil {
			v.add(field, "device_command action needs a device_command block")
			return
		}
		v.command(field+".device_command", *a.DeviceCommand)
	case ActionDelay:
		if a.Delay == nil {
			v.add(field, "delay action needs a delay block")
			return
		}
		if a.Delay.Seconds < 0 || a.Delay.Minutes < 0 || a.Delay.Hours < 0 {
			v.add(field+".delay", "cannot be negative")
		}
		d := a.Delay.Duration()
		if d <= 0 {
			v.add(field+".delay", "must be positive")
		}
		if d.Hours() > maxDelayHours {
			v.add(field+".delay", "exceeds %d hours", maxDelayHours)
		}
	case ActionNotification:
		if a.Notification == nil {
			v.add(field, "notification action needs a notification block")
			return
		}
		if strings.TrimSpace(a.Notification.Message) == "" {
			v.add(field+".notification.message", "cannot be empty")
		}
		switch a.Notification.Level {
		case "", "info", "warning", "critical":
		default:
			v.add(field+".notification.level", "must be info, warning or critical")
		}
	case ActionScene:
		if a.Scene == nil {
			v.add(field, "scene action needs a scene block")
			return
		}
		if len(a.Scene.Commands) == 0 {
			v.add(field+".scene.commands", "cannot be empty")
		}
		for i, c := range a.Scene.Commands {
			v.command(fmt.Sprintf("%s.scene.commands[%d]", field, i), c)
		}
	case ActionWebhook:
		if a.Webhook == nil {
			v.add(field, "webhook action needs a webhook block")
			return
		}
		v.webhook(field+".webhook", *a.Webhook)
	case ActionConditional:
		if a.Conditional == nil {
			v.add(field, "conditional action needs a conditional block")
			return
		}
		v.condition(field+".conditional.condition", a.Conditional.Condition, 0, true)
		if len(a.Conditional.Then) == 0 && len(a.Conditional.Else) == 0 {
			v.add(field+".conditional", "needs then or else actions")
		}
		v.actions(field+".conditional.then", a.Conditional.Then, depth+1, named)
		v.actions(field+".conditional.else", a.Conditional.Else, depth+1, named)
	case "":
		v.add(field+".type", "is required")
	default:
		v.add(field+".type", "unknown action type %q", a.Type)
	}
}

func (v *validator) command(field string, c DeviceCommandAction) {
	if strings.TrimSpace(c.DeviceID) == "" {
		v.add(field+".device_id", "cannot be empty")
	}
	if strings.TrimSpace(c.Command) == "" {
		v.add(field+".command", "cannot be empty")
	}
}

func (v *validator) webhook(field string, w WebhookAction) {
	// Templates may make the URL dynamic; only the scheme is checked.
	u, err := url.Parse(templateVar.ReplaceAllString(w.URL, "x"))
	if w.URL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		v.add(field+".url", "must be an http or https URL")
	}
	switch strings.ToUpper(w.Method) {
	case "", "GET", "POST", "PUT", "PATCH", "DELETE":
	default:
		v.add(field+".method", "unsupported method %q", w.Method)
	}
	if w.TimeoutSeconds < 0 || w.TimeoutSeconds > maxWebhookTimeout {
		v.add(field+".timeout_seconds", "must be 0-%d", maxWebhookTimeout)
	}
}

func countSet(flags ...bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// GenerateSlug turns a rule name into a lowercase hyphenated identifier.
func GenerateSlug(name string) string {
	slug := strings.ToLower(name)
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.ReplaceAll(slug, "_", "-")

	var b strings.Builder
	for _, r := range slug {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	slug = strings.Trim(b.String(), "-")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	if len(slug) > maxNameLength {
		slug = strings.TrimRight(slug[:maxNameLength], "-")
	}
	return slug
}

// GenerateID creates a new rule, event or execution ID.
func GenerateID() string {
	return uuid.NewString()
}
