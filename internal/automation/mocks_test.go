package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/device"
	"github.com/nerrad567/gray-logic-automation/internal/solar"
)

// ─── Device state ───────────────────────────────────────────────────

// newTestCache returns a device cache seeded with the given snapshots.
func newTestCache(t *testing.T, snaps ...device.Snapshot) *device.Cache {
	t.Helper()
	c := device.NewCache()
	for _, s := range snaps {
		if err := c.Upsert(s); err != nil {
			t.Fatalf("seeding device %s: %v", s.ID, err)
		}
	}
	return c
}

// ─── Solar ──────────────────────────────────────────────────────────

// fixedSun reports the same wall-clock sunrise and sunset every day.
type fixedSun struct {
	sunrise time.Duration // offset from local midnight
	sunset  time.Duration
	err     error
}

func (s fixedSun) At(e solar.Event, date time.Time) (time.Time, error) {
	if s.err != nil {
		return time.Time{}, s.err
	}
	midnight := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	switch e {
	case solar.Sunrise:
		return midnight.Add(s.sunrise), nil
	case solar.Sunset:
		return midnight.Add(s.sunset), nil
	default:
		return time.Time{}, solar.ErrUnknownEvent
	}
}

// ─── Commands ───────────────────────────────────────────────────────

type sentCommand struct {
	DeviceID    string
	Command     string
	Params      map[string]any
	ExecutionID string
}

// mockSender records commands. fail decides per call whether to error.
type mockSender struct {
	mu    sync.Mutex
	calls []sentCommand
	fail  func(deviceID string, attempt int) error
	block chan struct{} // when set, each call waits for a receive
	seen  map[string]int
}

func newMockSender() *mockSender {
	return &mockSender{seen: make(map[string]int)}
}

func (m *mockSender) SendCommand(ctx context.Context, deviceID, command string, params map[string]any) (device.Result, error) {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return device.Result{}, ctx.Err()
		}
	}
	m.mu.Lock()
	m.seen[deviceID]++
	attempt := m.seen[deviceID]
	m.calls = append(m.calls, sentCommand{
		DeviceID:    deviceID,
		Command:     command,
		Params:      params,
		ExecutionID: device.ExecutionIDFrom(ctx),
	})
	fail := m.fail
	m.mu.Unlock()

	if fail != nil {
		if err := fail(deviceID, attempt); err != nil {
			return device.Result{}, err
		}
	}
	return device.Result{CommandID: fmt.Sprintf("cmd-%d", attempt), Status: "published"}, nil
}

func (m *mockSender) Calls() []sentCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentCommand, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *mockSender) CallsFor(deviceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[deviceID]
}

var errDeviceUnreachable = errors.New("device unreachable")

// failDevice makes every command to id fail.
func failDevice(id string) func(string, int) error {
	return func(deviceID string, _ int) error {
		if deviceID == id {
			return errDeviceUnreachable
		}
		return nil
	}
}

// ─── Notifications and webhooks ─────────────────────────────────────

type mockNotifier struct {
	mu    sync.Mutex
	notes []Notification
	err   error
	got   chan Notification
}

func newMockNotifier() *mockNotifier {
	return &mockNotifier{got: make(chan Notification, 16)}
}

func (m *mockNotifier) Notify(_ context.Context, n Notification) error {
	m.mu.Lock()
	m.notes = append(m.notes, n)
	m.mu.Unlock()
	m.got <- n
	return m.err
}

type mockWebhooks struct {
	got chan WebhookRequest
	err error
}

func newMockWebhooks() *mockWebhooks {
	return &mockWebhooks{got: make(chan WebhookRequest, 16)}
}

func (m *mockWebhooks) Send(_ context.Context, req WebhookRequest) error {
	m.got <- req
	return m.err
}

// ─── Logging ────────────────────────────────────────────────────────

type logEntry struct {
	level string
	msg   string
	args  []any
}

// captureLogger records log calls for assertions.
type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *captureLogger) log(level, msg string, args []any) {
	l.mu.Lock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
	l.mu.Unlock()
}

func (l *captureLogger) Debug(msg string, args ...any) { l.log("debug", msg, args) }
func (l *captureLogger) Info(msg string, args ...any)  { l.log("info", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.log("warn", msg, args) }
func (l *captureLogger) Error(msg string, args ...any) { l.log("error", msg, args) }

func (l *captureLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.level == level {
			n++
		}
	}
	return n
}

// ─── Rule builders ──────────────────────────────────────────────────

func commandAction(deviceID, command string) Action {
	return Action{
		Type:          ActionDeviceCommand,
		DeviceCommand: &DeviceCommandAction{DeviceID: deviceID, Command: command},
	}
}

func delayAction(seconds int) Action {
	return Action{Type: ActionDelay, Delay: &DelayAction{Seconds: seconds}}
}

func timeRule(id, at string, days ...string) *Rule {
	return &Rule{
		ID:            id,
		Name:          id,
		Enabled:       true,
		ConditionType: CombineAnd,
		Trigger:       Trigger{Type: TriggerTime, Time: &TimeTrigger{At: at, Days: days}},
		Actions:       []Action{commandAction("light-1", "turn_on")},
	}
}

func stateRule(id, deviceID, property string, op Operator, value any) *Rule {
	return &Rule{
		ID:            id,
		Name:          id,
		Enabled:       true,
		ConditionType: CombineAnd,
		Trigger: Trigger{Type: TriggerDeviceState, DeviceState: &StateComparison{
			DeviceID: deviceID, Property: property, Operator: op, Value: value,
		}},
		Actions: []Action{commandAction("light-1", "turn_on")},
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (l *captureLogger) with(msg string) []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []logEntry
	for _, e := range l.entries {
		if e.msg == msg {
			out = append(out, e)
		}
	}
	return out
}

// arg returns the value logged under key.
func (e logEntry) arg(key string) any {
	for i := 0; i+1 < len(e.args); i += 2 {
		if e.args[i] == key {
			return e.args[i+1]
		}
	}
	return nil
}
