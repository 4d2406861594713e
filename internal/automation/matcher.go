package automation

import (
	"strings"
	"sync"
	"time"
)

// Match describes why a rule fired.
type Match struct {
	// Trigger is the trigger type for periodic rules, or the event type.
	Trigger string
	// Key is the periodic dedup key; empty for event matches.
	Key string
	// Vars seeds the execution context ($value, $device_id, $event.*).
	Vars map[string]any
}

// Matcher decides whether a rule's trigger is satisfied by a tick or an
// event.
//
// Configuration problems (unknown device, property the device does not
// declare, no site location) never match and are logged once per rule per
// cause until the rule changes or the problem clears.
type Matcher struct {
	devices     StateReader
	sun         SolarSource
	loc         *time.Location
	solarWindow time.Duration
	logger      Logger

	mu     sync.Mutex
	warned map[string]map[string]struct{}
}

// NewMatcher creates a matcher. Ticks are interpreted in loc; a solar
// trigger may fire up to solarWindow after its instant.
func NewMatcher(devices StateReader, sun SolarSource, loc *time.Location, solarWindow time.Duration, logger Logger) *Matcher {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = noopLogger{}
	}
	if solarWindow <= 0 {
		solarWindow = 2 * time.Minute
	}
	return &Matcher{
		devices:     devices,
		sun:         sun,
		loc:         loc,
		solarWindow: solarWindow,
		logger:      logger,
		warned:      make(map[string]map[string]struct{}),
	}
}

// Location returns the time zone ticks are evaluated in.
func (m *Matcher) Location() *time.Location { return m.loc }

// MatchTick checks a time, solar or interval trigger against now. A match
// whose key equals the entry's last fired key is suppressed.
func (m *Matcher) MatchTick(rule *Rule, now time.Time, entry *Entry) (Match, bool) {
	if !rule.Enabled || !rule.Trigger.Type.Periodic() {
		return Match{}, false
	}
	now = now.In(m.loc)

	var match Match
	var ok bool
	switch rule.Trigger.Type {
	case TriggerTime:
		match, ok = m.matchTime(rule, now)
	case TriggerSolar:
		match, ok = m.matchSolar(rule, now)
	case TriggerInterval:
		var last string
		if entry != nil {
			last = entry.FiredKey()
		}
		match, ok = m.matchInterval(rule, now, last)
	}
	if !ok {
		return Match{}, false
	}
	if entry != nil && entry.FiredKey() == match.Key {
		return Match{}, false
	}
	match.Trigger = string(rule.Trigger.Type)
	match.Vars["trigger"] = match.Trigger
	return match, true
}

func (m *Matcher) matchTime(rule *Rule, now time.Time) (Match, bool) {
	tt := rule.Trigger.Time
	if tt == nil {
		return Match{}, false
	}
	at, err := parseClock(tt.At)
	if err != nil {
		m.warnOnce(rule.ID, "time", "invalid time trigger", "error", err)
		return Match{}, false
	}
	if minuteOfDay(now) != at || !dayMatches(tt.Days, now) {
		return Match{}, false
	}
	return Match{
		Key:  now.Format("2006-01-02T15:04"),
		Vars: map[string]any{"scheduled_at": tt.At},
	}, true
}

func (m *Matcher) matchSolar(rule *Rule, now time.Time) (Match, bool) {
	st := rule.Trigger.Solar
	if st == nil {
		return Match{}, false
	}
	if m.sun == nil {
		m.warnOnce(rule.ID, "no_location", "solar trigger needs a site location")
		return Match{}, false
	}
	offset := time.Duration(st.OffsetMinutes) * time.Minute

	// An offset can push the instant across midnight, so yesterday's and
	// tomorrow's events are candidates too. The key names the event's day.
	for _, days := range []int{0, -1, 1} {
		day := now.AddDate(0, 0, days)
		at, err := m.sun.At(st.Event, day)
		if err != nil {
			if days == 0 {
				m.logger.Debug("no solar event today", "rule_id", rule.ID, "event", st.Event, "error", err)
			}
			continue
		}
		at = at.Add(offset)
		if now.Before(at) || !now.Before(at.Add(m.solarWindow)) {
			continue
		}
		return Match{
			Key: day.Format("2006-01-02") + "/" + string(st.Event),
			Vars: map[string]any{
				"solar_event": string(st.Event),
				"solar_time":  at.Format(time.RFC3339),
			},
		}, true
	}
	return Match{}, false
}

const intervalKeyLayout = "2006-01-02T15:04"

// matchInterval fires once per interval slot. Slots run every
// EveryMinutes from the last fired slot, or from the window start when a
// new window opens, so spacing holds across midnight and for intervals
// that do not divide a day. last is the entry's fired key.
func (m *Matcher) matchInterval(rule *Rule, now time.Time, last string) (Match, bool) {
	it := rule.Trigger.Interval
	if it == nil || it.EveryMinutes <= 0 {
		return Match{}, false
	}
	every := time.Duration(it.EveryMinutes) * time.Minute

	var due time.Time
	prev, hasPrev := m.parseIntervalKey(last)
	if hasPrev {
		due = prev.Add(every)
	}

	if it.Start != "" && it.End != "" {
		start, err1 := parseClock(it.Start)
		end, err2 := parseClock(it.End)
		if err1 != nil || err2 != nil {
			m.warnOnce(rule.ID, "interval", "invalid interval window")
			return Match{}, false
		}
		if !inWindow(minuteOfDay(now), start, end) {
			return Match{}, false
		}
		if opened := m.windowStart(now, start, end); !hasPrev || prev.Before(opened) {
			due = opened
		}
	}

	var slot time.Time
	switch {
	case due.IsZero():
		slot = floorMinute(now)
	case now.Before(due):
		return Match{}, false
	default:
		slot = due.Add(now.Sub(due) / every * every)
	}
	return Match{
		Key:  "interval@" + slot.Format(intervalKeyLayout),
		Vars: map[string]any{"interval_slot": slot.Format(time.RFC3339)},
	}, true
}

func (m *Matcher) parseIntervalKey(key string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(key, "interval@")
	if !ok {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(intervalKeyLayout, rest, m.loc)
	return t, err == nil
}

// windowStart returns when the daily window containing now opened.
// Overnight windows that opened yesterday start on the previous day.
func (m *Matcher) windowStart(now time.Time, start, end int) time.Time {
	day := now
	if start >= end && minuteOfDay(now) < start {
		day = now.AddDate(0, 0, -1)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), start/60, start%60, 0, 0, m.loc)
}

func floorMinute(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
}

// MatchEvent checks a device_state or event trigger against ev.
//
// For device_state triggers the event's new value is authoritative; the
// cache is not read for the comparison.
func (m *Matcher) MatchEvent(rule *Rule, ev Event) (Match, bool) {
	if !rule.Enabled {
		return Match{}, false
	}
	switch rule.Trigger.Type {
	case TriggerDeviceState:
		return m.matchDeviceState(rule, ev)
	case TriggerEvent:
		return m.matchNamedEvent(rule, ev)
	default:
		return Match{}, false
	}
}

func (m *Matcher) matchDeviceState(rule *Rule, ev Event) (Match, bool) {
	ds := rule.Trigger.DeviceState
	if ds == nil || ev.Type != EventDeviceStateChanged {
		return Match{}, false
	}
	if !m.configured(rule.ID, ds) || ev.DeviceID != ds.DeviceID {
		return Match{}, false
	}

	value, ok := lookupPath(ev.Data, ds.Property)
	if !ok {
		return Match{}, false
	}
	previous, hadPrevious := lookupPath(ev.Previous, ds.Property)

	if ds.Operator == OpChanged {
		if hadPrevious && looseEqual(previous, value) {
			return Match{}, false
		}
	} else {
		matched, err := compare(ds.Operator, value, ds.Value)
		if err != nil {
			m.warnOnce(rule.ID, "compare:"+err.Error(), "device_state trigger comparison failed",
				"device_id", ds.DeviceID, "property", ds.Property, "error", err)
			return Match{}, false
		}
		if !matched {
			return Match{}, false
		}
	}

	vars := eventVars(ev)
	vars["value"] = deepCopyValue(value)
	vars["property"] = ds.Property
	if hadPrevious {
		vars["previous"] = deepCopyValue(previous)
	}
	return Match{Trigger: ev.Type, Vars: vars}, true
}

// configured reports whether the trigger's device exists and declares the
// property, warning once per cause otherwise.
func (m *Matcher) configured(ruleID string, ds *StateComparison) bool {
	if m.devices == nil {
		return true
	}
	supported, known := m.devices.Supports(ds.DeviceID, ds.Property)
	switch {
	case !known:
		m.warnOnce(ruleID, "unknown_device", "trigger references unknown device", "device_id", ds.DeviceID)
		return false
	case !supported:
		m.warnOnce(ruleID, "unsupported_property", "trigger references property the device does not support",
			"device_id", ds.DeviceID, "property", ds.Property)
		return false
	default:
		m.clearCause(ruleID, "unknown_device")
		m.clearCause(ruleID, "unsupported_property")
		return true
	}
}

func (m *Matcher) matchNamedEvent(rule *Rule, ev Event) (Match, bool) {
	et := rule.Trigger.Event
	if et == nil || ev.Type != et.EventType {
		return Match{}, false
	}
	if et.Source != "" && et.Source != ev.Source {
		return Match{}, false
	}
	if et.DeviceID != "" && et.DeviceID != ev.DeviceID {
		return Match{}, false
	}
	for k, want := range et.Data {
		got, ok := ev.Data[k]
		if !ok || !looseEqual(got, want) {
			return Match{}, false
		}
	}
	return Match{Trigger: ev.Type, Vars: eventVars(ev)}, true
}

// eventVars exposes an event as $event.<field> and $device_id.
func eventVars(ev Event) map[string]any {
	event := map[string]any{
		"id":        ev.ID,
		"type":      ev.Type,
		"source":    ev.Source,
		"device_id": ev.DeviceID,
		"timestamp": ev.Timestamp.Format(time.RFC3339),
	}
	for k, v := range ev.Data {
		if _, reserved := event[k]; !reserved {
			event[k] = deepCopyValue(v)
		}
	}
	vars := map[string]any{"event": event, "trigger": ev.Type}
	if ev.DeviceID != "" {
		vars["device_id"] = ev.DeviceID
	}
	return vars
}

// lookupPath resolves a dotted path in nested maps.
func lookupPath(m map[string]any, path string) (any, bool) {
	if m == nil || path == "" {
		return nil, false
	}
	var current any = m
	for _, part := range strings.Split(path, ".") {
		next, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		if current, ok = next[part]; !ok {
			return nil, false
		}
	}
	return current, true
}

func (m *Matcher) warnOnce(ruleID, cause, msg string, args ...any) {
	m.mu.Lock()
	causes, ok := m.warned[ruleID]
	if !ok {
		causes = make(map[string]struct{})
		m.warned[ruleID] = causes
	}
	_, seen := causes[cause]
	causes[cause] = struct{}{}
	m.mu.Unlock()

	if !seen {
		m.logger.Warn("automation configuration: "+msg, append([]any{"rule_id", ruleID}, args...)...)
	}
}

func (m *Matcher) clearCause(ruleID, cause string) {
	m.mu.Lock()
	if causes, ok := m.warned[ruleID]; ok {
		delete(causes, cause)
	}
	m.mu.Unlock()
}

// Forget clears logged warnings for a rule so a changed rule is checked
// afresh.
func (m *Matcher) Forget(ruleID string) {
	m.mu.Lock()
	delete(m.warned, ruleID)
	m.mu.Unlock()
}
