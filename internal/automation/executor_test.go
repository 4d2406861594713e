package automation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/clock"
	"github.com/nerrad567/gray-logic-automation/internal/device"
	"github.com/nerrad567/gray-logic-automation/internal/retry"
)

// fastRetry keeps failing-command tests quick: three attempts, millisecond
// backoff on the real clock.
func fastRetry() retry.Config {
	return retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
		Clock:        clock.Real(),
	}
}

func newTestExecutor(t *testing.T, sender CommandSender, opts ...ExecutorOption) *Executor {
	t.Helper()
	x := NewExecutor(sender, NewEvaluator(nil, nil, nil), ExecutorConfig{
		Retry:    fastRetry(),
		Location: time.UTC,
	}, opts...)
	if err := x.Start(context.Background()); err != nil {
		t.Fatalf("starting executor: %v", err)
	}
	t.Cleanup(func() { _ = x.Stop(time.Second) })
	return x
}

func ruleWith(actions ...Action) *Rule {
	return &Rule{ID: "rule-1", Name: "Rule 1", Enabled: true, Actions: actions}
}

func newExec() *Execution {
	return &Execution{ExecutionID: "exec-1", RuleID: "rule-1", RuleName: "Rule 1", StartedAt: time.Now()}
}

func resultAt(t *testing.T, exec *Execution, path string) ActionResult {
	t.Helper()
	for _, r := range exec.Results {
		if r.Path == path {
			return r
		}
	}
	t.Fatalf("no result at path %q in %+v", path, exec.Results)
	return ActionResult{}
}

// runToEnd runs rule's actions to completion, waiting out any delays.
func runToEnd(ctx context.Context, x *Executor, rule *Rule, exec *Execution, env Env) *Execution {
	r := x.NewRun(ctx, rule, exec, env, nil)
	if !x.Continue(r) {
		<-r.Done()
	}
	return r.exec
}

// ─── Device commands ────────────────────────────────────────────────

func TestExecute_AllSucceed(t *testing.T) {
	sender := newMockSender()
	x := newTestExecutor(t, sender)

	exec := runToEnd(context.Background(), x, ruleWith(
		commandAction("light-1", "turn_on"),
		commandAction("light-2", "turn_on"),
	), newExec(), Env{})

	if exec.Status != StatusCompleted {
		t.Errorf("Status = %s, want completed", exec.Status)
	}
	if len(exec.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(exec.Results))
	}
	for _, r := range exec.Results {
		if r.Status != ActionSucceeded || r.Attempts != 1 {
			t.Errorf("result %s = %s after %d attempts", r.Path, r.Status, r.Attempts)
		}
	}
	if exec.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}
}

func TestExecute_PartialFailure(t *testing.T) {
	sender := newMockSender()
	sender.fail = failDevice("heater")
	x := newTestExecutor(t, sender)

	exec := runToEnd(context.Background(), x, ruleWith(
		commandAction("light-1", "turn_on"),
		commandAction("heater", "set_temperature"),
		commandAction("fan", "turn_off"),
	), newExec(), Env{})

	if exec.Status != StatusPartial {
		t.Fatalf("Status = %s, want partial", exec.Status)
	}
	heater := resultAt(t, exec, "1")
	if heater.Status != ActionFailed || heater.Attempts != 3 {
		t.Errorf("heater = %s after %d attempts, want failed after 3", heater.Status, heater.Attempts)
	}
	if !strings.Contains(heater.Error, errDeviceUnreachable.Error()) {
		t.Errorf("heater error = %q", heater.Error)
	}
	if sender.CallsFor("heater") != 3 {
		t.Errorf("heater calls = %d, want 3", sender.CallsFor("heater"))
	}
	if resultAt(t, exec, "2").Status != ActionSucceeded {
		t.Error("later actions must still run after a failure")
	}
	if exec.FailedActions() != 1 {
		t.Errorf("FailedActions() = %d", exec.FailedActions())
	}
}

func TestExecute_AllFail(t *testing.T) {
	sender := newMockSender()
	sender.fail = func(string, int) error { return errDeviceUnreachable }
	x := newTestExecutor(t, sender)

	exec := runToEnd(context.Background(), x, ruleWith(commandAction("a", "x"), commandAction("b", "x")), newExec(), Env{})

	if exec.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", exec.Status)
	}
}

func TestExecute_RetryRecovers(t *testing.T) {
	sender := newMockSender()
	sender.fail = func(_ string, attempt int) error {
		if attempt < 3 {
			return errDeviceUnreachable
		}
		return nil
	}
	x := newTestExecutor(t, sender)

	exec := runToEnd(context.Background(), x, ruleWith(commandAction("flaky", "turn_on")), newExec(), Env{})

	r := resultAt(t, exec, "0")
	if r.Status != ActionSucceeded || r.Attempts != 3 {
		t.Errorf("result = %s after %d attempts, want succeeded after 3", r.Status, r.Attempts)
	}
}

func TestExecute_NonRetryableStopsEarly(t *testing.T) {
	sender := newMockSender()
	sender.fail = func(string, int) error { return retry.NonRetryable(device.ErrDeviceNotFound) }
	x := newTestExecutor(t, sender)

	exec := runToEnd(context.Background(), x, ruleWith(commandAction("ghost", "turn_on")), newExec(), Env{})

	if r := resultAt(t, exec, "0"); r.Attempts != 1 || r.Status != ActionFailed {
		t.Errorf("result = %s after %d attempts", r.Status, r.Attempts)
	}
}

func TestExecute_ParamsAndExecutionID(t *testing.T) {
	sender := newMockSender()
	x := newTestExecutor(t, sender)
	rule := ruleWith(Action{Type: ActionDeviceCommand, DeviceCommand: &DeviceCommandAction{
		DeviceID: "$device_id",
		Command:  "set_level",
		Params:   map[string]any{"level": "$value", "note": "from ${device_id}"},
	}})

	runToEnd(context.Background(), x, rule, newExec(), Env{Vars: map[string]any{"device_id": "dimmer-3", "value": 40}})

	calls := sender.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	c := calls[0]
	if c.DeviceID != "dimmer-3" || c.Params["level"] != 40 || c.Params["note"] != "from dimmer-3" {
		t.Errorf("call = %+v", c)
	}
	if c.ExecutionID != "exec-1" {
		t.Errorf("ExecutionID = %q, want exec-1", c.ExecutionID)
	}
}

func TestExecute_CommandTimeoutPerAttempt(t *testing.T) {
	sender := newMockSender()
	sender.block = make(chan struct{}) // never released
	x := NewExecutor(sender, nil, ExecutorConfig{
		CommandTimeout: 10 * time.Millisecond,
		Retry:          fastRetry(),
	})

	start := time.Now()
	exec := runToEnd(context.Background(), x, ruleWith(commandAction("slow", "turn_on")), newExec(), Env{})

	r := resultAt(t, exec, "0")
	if r.Status != ActionFailed || r.Attempts != 3 {
		t.Errorf("result = %s after %d attempts", r.Status, r.Attempts)
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeouts not applied: took %s", time.Since(start))
	}
}

func TestExecute_MalformedAction(t *testing.T) {
	x := newTestExecutor(t, newMockSender())

	exec := runToEnd(context.Background(), x, ruleWith(
		Action{Type: ActionDeviceCommand},
		commandAction("ok", "turn_on"),
	), newExec(), Env{})

	if resultAt(t, exec, "0").Status != ActionFailed {
		t.Error("malformed action should fail")
	}
	if exec.Status != StatusPartial {
		t.Errorf("Status = %s, want partial", exec.Status)
	}
}

// ─── Per-device ordering ────────────────────────────────────────────

// concurrencySender tracks how many commands are in flight per device.
type concurrencySender struct {
	mu      sync.Mutex
	active  map[string]int
	maxSeen map[string]int
	total   atomic.Int32
	hold    time.Duration
}

func newConcurrencySender(hold time.Duration) *concurrencySender {
	return &concurrencySender{active: map[string]int{}, maxSeen: map[string]int{}, hold: hold}
}

func (s *concurrencySender) SendCommand(_ context.Context, deviceID, _ string, _ map[string]any) (device.Result, error) {
	s.mu.Lock()
	s.active[deviceID]++
	s.active["*"]++
	if s.active[deviceID] > s.maxSeen[deviceID] {
		s.maxSeen[deviceID] = s.active[deviceID]
	}
	if s.active["*"] > s.maxSeen["*"] {
		s.maxSeen["*"] = s.active["*"]
	}
	s.mu.Unlock()

	time.Sleep(s.hold)

	s.mu.Lock()
	s.active[deviceID]--
	s.active["*"]--
	s.mu.Unlock()
	s.total.Add(1)
	return device.Result{}, nil
}

func (s *concurrencySender) max(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSeen[key]
}

func TestExecute_SerialisesCommandsPerDeviceAcrossRuns(t *testing.T) {
	sender := newConcurrencySender(5 * time.Millisecond)
	x := newTestExecutor(t, sender)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runToEnd(context.Background(), x, ruleWith(
				commandAction("shared-light", "turn_on"),
				commandAction("shared-light", "set_level"),
			), newExec(), Env{})
		}()
	}
	wg.Wait()

	if sender.total.Load() != 8 {
		t.Fatalf("commands = %d, want 8", sender.total.Load())
	}
	if got := sender.max("shared-light"); got != 1 {
		t.Errorf("max concurrent commands to one device = %d, want 1", got)
	}
}

// ─── Scenes ─────────────────────────────────────────────────────────

func TestExecute_SceneParallelAcrossDevices(t *testing.T) {
	sender := newConcurrencySender(20 * time.Millisecond)
	x := newTestExecutor(t, sender)
	scene := Action{Type: ActionScene, Scene: &SceneAction{Name: "evening", Commands: []DeviceCommandAction{
		{DeviceID: "lamp-a", Command: "turn_on"},
		{DeviceID: "lamp-b", Command: "turn_on"},
		{DeviceID: "lamp-c", Command: "turn_on"},
		{DeviceID: "lamp-a", Command: "set_level"},
	}}}

	exec := runToEnd(context.Background(), x, ruleWith(scene), newExec(), Env{})

	if exec.Status != StatusCompleted {
		t.Fatalf("Status = %s", exec.Status)
	}
	if sender.max("*") < 2 {
		t.Errorf("scene commands ran one at a time")
	}
	if sender.max("lamp-a") != 1 {
		t.Errorf("commands for one device overlapped")
	}
	for _, p := range []string{"0.0", "0.1", "0.2", "0.3"} {
		if r := resultAt(t, exec, p); r.Status != ActionSucceeded {
			t.Errorf("scene command %s = %s", p, r.Status)
		}
	}
	if r := resultAt(t, exec, "0"); r.Type != ActionScene || r.Status != ActionSucceeded {
		t.Errorf("scene summary = %+v", r)
	}
}

func TestExecute_SceneOrderWithinDevice(t *testing.T) {
	sender := newMockSender()
	x := newTestExecutor(t, sender)
	scene := Action{Type: ActionScene, Scene: &SceneAction{Commands: []DeviceCommandAction{
		{DeviceID: "lamp", Command: "first"},
		{DeviceID: "other", Command: "x"},
		{DeviceID: "lamp", Command: "second"},
	}}}

	runToEnd(context.Background(), x, ruleWith(scene), newExec(), Env{})

	var lamp []string
	for _, c := range sender.Calls() {
		if c.DeviceID == "lamp" {
			lamp = append(lamp, c.Command)
		}
	}
	if len(lamp) != 2 || lamp[0] != "first" || lamp[1] != "second" {
		t.Errorf("lamp commands = %v", lamp)
	}
}

func TestExecute_ScenePartialFailure(t *testing.T) {
	sender := newMockSender()
	sender.fail = failDevice("broken")
	x := newTestExecutor(t, sender)
	scene := Action{Type: ActionScene, Scene: &SceneAction{Commands: []DeviceCommandAction{
		{DeviceID: "ok", Command: "turn_on"},
		{DeviceID: "broken", Command: "turn_on"},
	}}}

	exec := runToEnd(context.Background(), x, ruleWith(scene), newExec(), Env{})

	if exec.Status != StatusPartial {
		t.Errorf("Status = %s, want partial", exec.Status)
	}
	if r := resultAt(t, exec, "0"); r.Status != ActionFailed {
		t.Errorf("scene summary = %s, want failed", r.Status)
	}
}

// ─── Delays ─────────────────────────────────────────────────────────

func TestRun_DelayParksAndResumes(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC))
	sender := newMockSender()
	x := newTestExecutor(t, sender, WithExecutorClock(fake))
	rule := ruleWith(
		commandAction("light-1", "turn_on"),
		delayAction(300),
		commandAction("light-1", "turn_off"),
	)

	resumed := make(chan *Run, 1)
	run := x.NewRun(context.Background(), rule, newExec(), Env{}, func(r *Run) { resumed <- r })

	if x.Continue(run) {
		t.Fatal("run should park on the delay")
	}
	if !run.Parked() {
		t.Error("Parked() = false")
	}
	if len(sender.Calls()) != 1 {
		t.Fatalf("calls before delay = %d, want 1", len(sender.Calls()))
	}

	fake.Advance(299 * time.Second)
	select {
	case <-resumed:
		t.Fatal("resumed before the delay elapsed")
	default:
	}

	fake.Advance(time.Second)
	r := <-resumed
	if !x.Continue(r) {
		t.Fatal("run should finish after resuming")
	}

	exec := run.Execution()
	if exec.Status != StatusCompleted {
		t.Errorf("Status = %s", exec.Status)
	}
	delay := resultAt(t, exec, "1")
	if delay.Status != ActionSucceeded || delay.Duration != 300*time.Second {
		t.Errorf("delay result = %+v", delay)
	}
	calls := sender.Calls()
	if len(calls) != 2 || calls[1].Command != "turn_off" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestRun_CancelDuringDelay(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC))
	sender := newMockSender()
	x := newTestExecutor(t, sender, WithExecutorClock(fake))
	rule := ruleWith(
		commandAction("light-1", "turn_on"),
		delayAction(600),
		commandAction("light-1", "turn_off"),
		Action{Type: ActionNotification, Notification: &NotificationAction{Message: "done"}},
	)

	run := x.NewRun(context.Background(), rule, newExec(), Env{}, nil)
	if x.Continue(run) {
		t.Fatal("run should park")
	}

	run.Cancel()
	select {
	case <-run.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled run did not finish")
	}

	exec := run.Execution()
	if exec.Status != StatusCancelled {
		t.Errorf("Status = %s, want cancelled", exec.Status)
	}
	if exec.Reason == "" {
		t.Error("Reason not set")
	}
	for _, p := range []string{"1", "2", "3"} {
		if r := resultAt(t, exec, p); r.Status != ActionCancelled {
			t.Errorf("result %s = %s, want cancelled", p, r.Status)
		}
	}
	if len(sender.Calls()) != 1 {
		t.Errorf("commands after cancel = %d, want 1", len(sender.Calls()))
	}
	if fake.PendingCount() != 0 {
		t.Errorf("delay timer still pending")
	}
}

func TestExecute_ContextDoneBeforeStart(t *testing.T) {
	sender := newMockSender()
	x := newTestExecutor(t, sender)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := runToEnd(ctx, x, ruleWith(commandAction("a", "x"), commandAction("b", "x")), newExec(), Env{})

	if exec.Status != StatusCancelled {
		t.Errorf("Status = %s", exec.Status)
	}
	if len(sender.Calls()) != 0 {
		t.Errorf("commands sent after cancel: %d", len(sender.Calls()))
	}
}

// ─── Conditionals ───────────────────────────────────────────────────

func TestExecute_ConditionalOnActionResult(t *testing.T) {
	sender := newMockSender()
	sender.fail = failDevice("heater")
	notifier := newMockNotifier()
	x := newTestExecutor(t, sender, WithNotifier(notifier))

	heat := commandAction("heater", "turn_on")
	heat.Name = "heat"
	rule := ruleWith(
		heat,
		Action{Type: ActionConditional, Conditional: &ConditionalAction{
			Condition: Condition{Type: ConditionActionResult, ActionResult: &ActionResultCondition{Action: "heat", Status: "failed"}},
			Then: []Action{{Type: ActionNotification, Notification: &NotificationAction{
				Title: "Heating", Message: "Heater failed for ${device_id}", Level: "warning",
			}}},
			Else: []Action{commandAction("fan", "turn_on")},
		}},
		commandAction("light-1", "turn_on"),
	)

	exec := runToEnd(context.Background(), x, rule, newExec(), Env{Vars: map[string]any{"device_id": "heater"}})

	cond := resultAt(t, exec, "1")
	if cond.Branch != "then" {
		t.Errorf("Branch = %q, want then", cond.Branch)
	}
	if r := resultAt(t, exec, "1.then.0"); r.Status != ActionDispatched {
		t.Errorf("notification = %s", r.Status)
	}
	if r := resultAt(t, exec, "2"); r.Status != ActionSucceeded {
		t.Error("action after the conditional did not run")
	}
	if sender.CallsFor("fan") != 0 {
		t.Error("else branch ran")
	}

	select {
	case n := <-notifier.got:
		if n.Message != "Heater failed for heater" || n.Level != "warning" || n.RuleID != "rule-1" {
			t.Errorf("notification = %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestExecute_ConditionalElse(t *testing.T) {
	sender := newMockSender()
	x := newTestExecutor(t, sender)
	rule := ruleWith(Action{Type: ActionConditional, Conditional: &ConditionalAction{
		Condition: Condition{Type: ConditionNumeric, Numeric: &NumericCondition{Left: "$value", Operator: OpGt, Right: 100}},
		Then:      []Action{commandAction("a", "x")},
		Else:      []Action{commandAction("b", "x")},
	}})

	exec := runToEnd(context.Background(), x, rule, newExec(), Env{Vars: map[string]any{"value": 5}})

	if resultAt(t, exec, "0").Branch != "else" {
		t.Error("expected else branch")
	}
	if resultAt(t, exec, "0.else.0").DeviceID != "b" {
		t.Error("else command not run")
	}
}

// ─── Fire-and-forget ────────────────────────────────────────────────

func TestExecute_WebhookDispatched(t *testing.T) {
	hooks := newMockWebhooks()
	x := newTestExecutor(t, newMockSender(), WithWebhookSender(hooks))
	rule := ruleWith(Action{Type: ActionWebhook, Webhook: &WebhookAction{
		URL:  "https://hooks.example.com/${device_id}",
		Body: `{"value": ${value}}`,
	}})

	exec := runToEnd(context.Background(), x, rule, newExec(), Env{Vars: map[string]any{"device_id": "door", "value": 1}})

	if r := resultAt(t, exec, "0"); r.Status != ActionDispatched {
		t.Fatalf("webhook = %s", r.Status)
	}
	select {
	case req := <-hooks.got:
		if req.URL != "https://hooks.example.com/door" || req.Method != "POST" || req.Body != `{"value": 1}` {
			t.Errorf("request = %+v", req)
		}
		if req.Timeout != 10*time.Second {
			t.Errorf("Timeout = %s", req.Timeout)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not sent")
	}
}

func TestExecute_DispatchFailureDoesNotFailRun(t *testing.T) {
	notifier := newMockNotifier()
	notifier.err = errors.New("ui offline")
	x := newTestExecutor(t, newMockSender(), WithNotifier(notifier))

	exec := runToEnd(context.Background(), x, ruleWith(
		Action{Type: ActionNotification, Notification: &NotificationAction{Message: "hi"}},
	), newExec(), Env{})

	if exec.Status != StatusCompleted {
		t.Errorf("Status = %s, want completed", exec.Status)
	}
	<-notifier.got
}

func TestExecute_NoSinkConfigured(t *testing.T) {
	x := newTestExecutor(t, newMockSender())

	exec := runToEnd(context.Background(), x, ruleWith(
		Action{Type: ActionNotification, Notification: &NotificationAction{Message: "hi"}},
		Action{Type: ActionWebhook, Webhook: &WebhookAction{URL: "https://x.example.com"}},
	), newExec(), Env{})

	if exec.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", exec.Status)
	}
}

// ─── Status summary ─────────────────────────────────────────────────

func TestSummarize(t *testing.T) {
	ok := ActionResult{Type: ActionDeviceCommand, Status: ActionSucceeded}
	bad := ActionResult{Type: ActionDeviceCommand, Status: ActionFailed}
	sent := ActionResult{Type: ActionNotification, Status: ActionDispatched}
	stopped := ActionResult{Type: ActionDeviceCommand, Status: ActionCancelled}
	delay := ActionResult{Type: ActionDelay, Status: ActionSucceeded}
	failedScene := ActionResult{Type: ActionScene, Status: ActionFailed}

	tests := []struct {
		name    string
		results []ActionResult
		want    ExecutionStatus
	}{
		{"no actions", nil, StatusCompleted},
		{"only structural", []ActionResult{delay}, StatusCompleted},
		{"all ok", []ActionResult{ok, sent}, StatusCompleted},
		{"mixed", []ActionResult{ok, bad}, StatusPartial},
		{"all failed", []ActionResult{bad, bad}, StatusFailed},
		{"scene summary not double counted", []ActionResult{ok, bad, failedScene}, StatusPartial},
		{"cancelled wins", []ActionResult{ok, bad, stopped}, StatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := summarize(tt.results); got != tt.want {
				t.Errorf("summarize() = %s, want %s", got, tt.want)
			}
		})
	}
}
