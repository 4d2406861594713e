package device

import (
	"slices"
	"strings"
	"time"
)

// State maps property names to their latest values. Values are numbers,
// booleans, strings, or nested maps/slices decoded from JSON.
type State map[string]any

// Lookup resolves a dotted property path ("color.hue") against the state.
func (s State) Lookup(path string) (any, bool) {
	if s == nil || path == "" {
		return nil, false
	}
	var current any = map[string]any(s)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Snapshot is the cached view of one device.
type Snapshot struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Type     string `json:"type,omitempty"`
	Protocol string `json:"protocol,omitempty"`

	// Capabilities lists the properties the device supports. An empty list
	// means the device did not declare any, and every property is accepted.
	Capabilities []string `json:"capabilities,omitempty"`

	State       State     `json:"state"`
	Online      bool      `json:"online"`
	LastUpdated time.Time `json:"last_updated"`

	// propertyUpdated records when each top-level property was last written,
	// so out-of-order reports cannot overwrite newer values.
	propertyUpdated map[string]time.Time
}

// Supports reports whether the device declares the top-level property of path.
func (s *Snapshot) Supports(path string) bool {
	if len(s.Capabilities) == 0 {
		return true
	}
	root, _, _ := strings.Cut(path, ".")
	return slices.Contains(s.Capabilities, root)
}

// Value resolves a dotted property path in the device state.
func (s *Snapshot) Value(path string) (any, bool) {
	return s.State.Lookup(path)
}

// DeepCopy returns an independent copy; callers may modify it freely.
func (s *Snapshot) DeepCopy() *Snapshot {
	if s == nil {
		return nil
	}
	cpy := *s
	cpy.Capabilities = slices.Clone(s.Capabilities)
	cpy.State = State(deepCopyMap(s.State))
	if s.propertyUpdated != nil {
		cpy.propertyUpdated = make(map[string]time.Time, len(s.propertyUpdated))
		for k, v := range s.propertyUpdated {
			cpy.propertyUpdated[k] = v
		}
	}
	return &cpy
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
	case State:
		return State(deepCopyMap(val))
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

// ChangeKind classifies a cache notification.
type ChangeKind string

// Change kinds. The string values double as automation event types.
const (
	ChangeState   ChangeKind = "device_state_changed"
	ChangeAdded   ChangeKind = "device_added"
	ChangeRemoved ChangeKind = "device_removed"
	ChangeOnline  ChangeKind = "device_online"
	ChangeOffline ChangeKind = "device_offline"
)

// StateChange is a state report from the device layer.
type StateChange struct {
	DeviceID   string
	Properties State
	Source     string
	Timestamp  time.Time
}

// Change is emitted to cache subscribers after a write is applied.
type Change struct {
	Kind     ChangeKind
	DeviceID string
	Source   string

	// Properties holds the values applied by this change (state changes only).
	Properties State

	// Previous holds the prior value of each applied property; absent keys
	// were not set before.
	Previous State

	Timestamp time.Time
}

// Changed reports whether property ended with a different value than before.
func (c Change) Changed(property string) bool {
	next, ok := c.Properties[property]
	if !ok {
		return false
	}
	prev, had := c.Previous[property]
	if !had {
		return true
	}
	return !valuesEqual(prev, next)
}

func valuesEqual(a, b any) bool {
	switch a.(type) {
	case map[string]any, []any, State:
		// Nested values are treated as always changed.
		return false
	}
	return a == b
}
