package automation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/clock"
	"github.com/nerrad567/gray-logic-automation/internal/device"
	"github.com/nerrad567/gray-logic-automation/internal/retry"
	"github.com/nerrad567/gray-logic-automation/internal/worker"
)

// CommandSender is the device layer's command entry point.
type CommandSender interface {
	SendCommand(ctx context.Context, deviceID, command string, params map[string]any) (device.Result, error)
}

// Notification is a rendered notification action.
type Notification struct {
	ExecutionID string    `json:"execution_id"`
	RuleID      string    `json:"rule_id"`
	RuleName    string    `json:"rule_name"`
	Title       string    `json:"title,omitempty"`
	Message     string    `json:"message"`
	Level       string    `json:"level"`
	Targets     []string  `json:"targets,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Notifier delivers notifications to user interfaces.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// WebhookRequest is a rendered webhook action.
type WebhookRequest struct {
	ExecutionID string
	RuleID      string
	URL         string
	Method      string
	Headers     map[string]string
	Body        string
	Timeout     time.Duration
}

// WebhookSender performs webhook calls.
type WebhookSender interface {
	Send(ctx context.Context, req WebhookRequest) error
}

// Executor defaults.
const (
	DefaultCommandTimeout = 10 * time.Second
	defaultWebhookTimeout = 10 * time.Second
	notifyTimeout         = 10 * time.Second
	defaultDispatchQueue  = 64
	defaultDispatchWorker = 2
)

// ExecutorConfig tunes the Action Executor.
type ExecutorConfig struct {
	// CommandTimeout bounds one device command attempt.
	CommandTimeout time.Duration
	// Retry is the backoff schedule for failed device commands.
	Retry retry.Config
	// Location is used for conditional actions' time windows.
	Location *time.Location
	// DispatchWorkers and DispatchQueue bound notification and webhook
	// delivery.
	DispatchWorkers int
	DispatchQueue   int
}

// Executor runs rule action sequences.
//
// A run is a step machine over a stack of action lists. A delay parks the
// run on a timer and returns control to the caller; the resume callback
// given to NewRun is invoked when the timer fires or the run's context is
// cancelled, and must eventually call Continue again.
type Executor struct {
	commands  CommandSender
	notifier  Notifier
	webhooks  WebhookSender
	evaluator *Evaluator
	clock     clock.Clock
	logger    Logger
	metrics   *Metrics
	cfg       ExecutorConfig
	locks     *deviceLocks
	dispatch  *worker.Pool[dispatchJob]
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorClock sets the clock used for delays and timestamps.
func WithExecutorClock(c clock.Clock) ExecutorOption {
	return func(x *Executor) { x.clock = c }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l Logger) ExecutorOption {
	return func(x *Executor) { x.logger = l }
}

// WithExecutorMetrics records action outcomes.
func WithExecutorMetrics(m *Metrics) ExecutorOption {
	return func(x *Executor) { x.metrics = m }
}

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) ExecutorOption {
	return func(x *Executor) { x.notifier = n }
}

// WithWebhookSender sets the webhook sink.
func WithWebhookSender(w WebhookSender) ExecutorOption {
	return func(x *Executor) { x.webhooks = w }
}

// NewExecutor creates an executor. Start must be called before
// notification or webhook actions can be dispatched.
func NewExecutor(commands CommandSender, evaluator *Evaluator, cfg ExecutorConfig, opts ...ExecutorOption) *Executor {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.DispatchWorkers <= 0 {
		cfg.DispatchWorkers = defaultDispatchWorker
	}
	if cfg.DispatchQueue <= 0 {
		cfg.DispatchQueue = defaultDispatchQueue
	}

	x := &Executor{
		commands:  commands,
		evaluator: evaluator,
		clock:     clock.Real(),
		logger:    noopLogger{},
		cfg:       cfg,
		locks:     newDeviceLocks(),
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.evaluator == nil {
		x.evaluator = NewEvaluator(nil, nil, x.logger)
	}
	if x.cfg.Retry.Clock == nil {
		x.cfg.Retry.Clock = x.clock
	}
	x.dispatch = worker.NewPool(cfg.DispatchWorkers, cfg.DispatchQueue, x.deliver,
		worker.WithErrorHandler(func(job dispatchJob, err error) {
			x.logger.Warn("automation dispatch failed",
				"kind", job.kind, "rule_id", job.ruleID, "execution_id", job.executionID, "error", err)
		}),
	)
	return x
}

// Start launches the notification and webhook dispatchers.
func (x *Executor) Start(ctx context.Context) error {
	return x.dispatch.Start(ctx)
}

// Stop drains pending notifications and webhooks for up to timeout.
func (x *Executor) Stop(timeout time.Duration) error {
	return x.dispatch.Stop(timeout)
}

// ─── Runs ───────────────────────────────────────────────────────────

// frame is one action list being executed.
type frame struct {
	actions []Action
	next    int
	prefix  string
}

func (f *frame) path(i int) string {
	if f.prefix == "" {
		return strconv.Itoa(i)
	}
	return f.prefix + "." + strconv.Itoa(i)
}

// Run is one in-progress execution of a rule's actions.
type Run struct {
	ctx    context.Context
	cancel context.CancelFunc
	rule   *Rule
	exec   *Execution
	env    Env
	stack  []*frame
	resume func(*Run)
	entry  *Entry // set by the scheduler; released when the run completes

	mu       sync.Mutex
	pending  *ActionResult // delay being waited on
	timer    *clock.Timer
	stopWake func() bool
	parked   atomic.Bool
	done     chan struct{}
}

// NewRun prepares a run of rule's actions. exec receives the results; env
// supplies trigger variables. resume is called (from a timer goroutine)
// when a parked run is ready to continue; nil resumes on a new goroutine.
func (x *Executor) NewRun(ctx context.Context, rule *Rule, exec *Execution, env Env, resume func(*Run)) *Run {
	ctx, cancel := context.WithCancel(ctx)
	if env.Results == nil {
		env.Results = make(map[string]ActionResult)
	}
	if resume == nil {
		resume = func(r *Run) { go x.Continue(r) }
	}
	exec.Status = StatusRunning
	return &Run{
		ctx:    ctx,
		cancel: cancel,
		rule:   rule,
		exec:   exec,
		env:    env,
		stack:  []*frame{{actions: rule.Actions}},
		resume: resume,
		done:   make(chan struct{}),
	}
}

// Execution returns the run's execution record. It is only safe to read
// after Done is closed.
func (r *Run) Execution() *Execution { return r.exec }

// Rule returns the rule being run.
func (r *Run) Rule() *Rule { return r.rule }

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel stops the run at the next action boundary. A parked run is woken.
func (r *Run) Cancel() { r.cancel() }

// Continue runs actions until the sequence finishes or a delay parks it.
// It reports whether the run finished.
func (x *Executor) Continue(r *Run) bool {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.stopWake != nil {
		r.stopWake()
		r.stopWake = nil
	}
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	if pending != nil {
		pending.Duration = x.clock.Now().Sub(pending.StartedAt)
		if r.ctx.Err() != nil {
			pending.Status = ActionCancelled
			pending.Error = r.ctx.Err().Error()
		}
		x.record(r, *pending)
	}

	for len(r.stack) > 0 {
		top := r.stack[len(r.stack)-1]
		if top.next >= len(top.actions) {
			r.stack = r.stack[:len(r.stack)-1]
			continue
		}
		if r.ctx.Err() != nil {
			x.cancelRemaining(r)
			break
		}
		i := top.next
		top.next++
		if x.step(r, top.actions[i], i, top.path(i)) {
			return false
		}
	}

	x.finish(r)
	return true
}

// step runs one action. It reports whether the run parked.
func (x *Executor) step(r *Run, a Action, index int, path string) (parked bool) {
	defer func() {
		if p := recover(); p != nil {
			x.logger.Error("automation action panicked", "rule_id", r.rule.ID, "path", path, "panic", p)
			x.record(r, ActionResult{
				Index: index, Path: path, Type: a.Type, Name: a.Name,
				Status: ActionFailed, Error: fmt.Sprintf("panic: %v", p), StartedAt: x.clock.Now(),
			})
			parked = false
		}
	}()

	switch a.Type {
	case ActionDeviceCommand:
		if a.DeviceCommand == nil {
			break
		}
		res := x.runCommand(r, *a.DeviceCommand, index, path)
		res.Name = a.Name
		x.record(r, res)
		return false
	case ActionScene:
		if a.Scene == nil {
			break
		}
		x.runScene(r, a, index, path)
		return false
	case ActionDelay:
		if a.Delay == nil {
			break
		}
		return x.park(r, a, index, path)
	case ActionNotification:
		if a.Notification == nil {
			break
		}
		x.record(r, x.dispatchNotification(r, a, index, path))
		return false
	case ActionWebhook:
		if a.Webhook == nil {
			break
		}
		x.record(r, x.dispatchWebhook(r, a, index, path))
		return false
	case ActionConditional:
		if a.Conditional == nil {
			break
		}
		x.branch(r, a, index, path)
		return false
	}

	x.record(r, ActionResult{
		Index: index, Path: path, Type: a.Type, Name: a.Name, Status: ActionFailed,
		Error: fmt.Sprintf("malformed %q action", a.Type), StartedAt: x.clock.Now(),
	})
	return false
}

// ─── Device commands ────────────────────────────────────────────────

// runCommand takes the device lock and sends cmd with retries.
func (x *Executor) runCommand(r *Run, cmd DeviceCommandAction, index int, path string) ActionResult {
	deviceID := cmd.DeviceID
	if v, ok := r.env.resolveValue(cmd.DeviceID).(string); ok {
		deviceID = v
	}
	params := r.env.resolveParams(cmd.Params)

	res := ActionResult{
		Index:     index,
		Path:      path,
		Type:      ActionDeviceCommand,
		DeviceID:  deviceID,
		Command:   cmd.Command,
		StartedAt: x.clock.Now(),
	}
	defer func() { res.Duration = x.clock.Now().Sub(res.StartedAt) }()

	unlock, err := x.locks.Lock(r.ctx, deviceID)
	if err != nil {
		res.Status = ActionCancelled
		res.Error = err.Error()
		return res
	}
	defer unlock()

	ctx := device.WithExecutionID(r.ctx, r.exec.ExecutionID)
	attempts, err := retry.Do(ctx, x.cfg.Retry, func(attempt int) error {
		actx, cancel := context.WithTimeout(ctx, x.cfg.CommandTimeout)
		defer cancel()
		_, sendErr := x.commands.SendCommand(actx, deviceID, cmd.Command, params)
		if sendErr != nil {
			x.logger.Debug("device command attempt failed",
				"rule_id", r.rule.ID, "device_id", deviceID, "command", cmd.Command,
				"attempt", attempt, "error", sendErr)
		}
		return sendErr
	})
	res.Attempts = attempts

	switch {
	case err == nil:
		res.Status = ActionSucceeded
	case r.ctx.Err() != nil:
		res.Status = ActionCancelled
		res.Error = err.Error()
	default:
		res.Status = ActionFailed
		res.Error = err.Error()
		x.logger.Warn("device command failed",
			"rule_id", r.rule.ID, "execution_id", r.exec.ExecutionID,
			"device_id", deviceID, "command", cmd.Command, "attempts", attempts, "error", err)
	}
	return res
}

// runScene sends the scene's commands in parallel across devices. Commands
// for the same device keep their listed order.
func (x *Executor) runScene(r *Run, a Action, index int, path string) {
	started := x.clock.Now()
	cmds := a.Scene.Commands
	results := make([]ActionResult, len(cmds))

	byDevice := make(map[string][]int)
	var order []string
	for i, c := range cmds {
		id := c.DeviceID
		if v, ok := r.env.resolveValue(c.DeviceID).(string); ok {
			id = v
		}
		if _, seen := byDevice[id]; !seen {
			order = append(order, id)
		}
		byDevice[id] = append(byDevice[id], i)
	}

	var wg sync.WaitGroup
	for _, id := range order {
		wg.Add(1)
		go func(indexes []int) {
			defer wg.Done()
			for _, i := range indexes {
				results[i] = x.runCommand(r, cmds[i], i, path+"."+strconv.Itoa(i))
			}
		}(byDevice[id])
	}
	wg.Wait()

	var failed, cancelled int
	for _, res := range results {
		x.record(r, res)
		switch res.Status {
		case ActionFailed:
			failed++
		case ActionCancelled:
			cancelled++
		}
	}

	scene := ActionResult{
		Index: index, Path: path, Type: ActionScene, Name: a.Name,
		Status: ActionSucceeded, StartedAt: started, Duration: x.clock.Now().Sub(started),
	}
	switch {
	case failed > 0:
		scene.Status = ActionFailed
		scene.Error = fmt.Sprintf("%d of %d scene commands failed", failed, len(cmds))
	case cancelled > 0:
		scene.Status = ActionCancelled
	}
	x.record(r, scene)
}

// ─── Delays ─────────────────────────────────────────────────────────

// park suspends the run for the delay. The worker running the step is
// released; the run continues through r.resume.
func (x *Executor) park(r *Run, a Action, index int, path string) bool {
	d := a.Delay.Duration()
	res := ActionResult{
		Index: index, Path: path, Type: ActionDelay, Name: a.Name,
		Status: ActionSucceeded, StartedAt: x.clock.Now(),
	}
	if d <= 0 {
		x.record(r, res)
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = &res
	r.parked.Store(true)
	wake := func() {
		if r.parked.CompareAndSwap(true, false) {
			r.resume(r)
		}
	}
	r.timer = x.clock.AfterFunc(d, wake)
	r.stopWake = context.AfterFunc(r.ctx, wake)
	x.logger.Debug("automation parked on delay", "rule_id", r.rule.ID, "execution_id", r.exec.ExecutionID, "delay", d)
	return true
}

// Parked reports whether the run is waiting on a delay.
func (r *Run) Parked() bool { return r.parked.Load() }

// ─── Fire-and-forget ────────────────────────────────────────────────

type dispatchJob struct {
	kind         ActionType
	ruleID       string
	executionID  string
	notification *Notification
	webhook      *WebhookRequest
}

func (x *Executor) dispatchNotification(r *Run, a Action, index int, path string) ActionResult {
	n := a.Notification
	level := n.Level
	if level == "" {
		level = "info"
	}
	note := &Notification{
		ExecutionID: r.exec.ExecutionID,
		RuleID:      r.rule.ID,
		RuleName:    r.rule.Name,
		Title:       r.env.expand(n.Title),
		Message:     r.env.expand(n.Message),
		Level:       level,
		Targets:     slices.Clone(n.Targets),
		Timestamp:   x.clock.Now(),
	}
	res := ActionResult{Index: index, Path: path, Type: ActionNotification, Name: a.Name, StartedAt: note.Timestamp}
	if x.notifier == nil {
		res.Status = ActionFailed
		res.Error = "no notification sink configured"
		return res
	}
	return x.submit(r, res, dispatchJob{notification: note})
}

func (x *Executor) dispatchWebhook(r *Run, a Action, index int, path string) ActionResult {
	w := a.Webhook
	method := strings.ToUpper(w.Method)
	if method == "" {
		method = http.MethodPost
	}
	timeout := time.Duration(w.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	headers := make(map[string]string, len(w.Headers))
	for k, v := range w.Headers {
		headers[k] = r.env.expand(v)
	}
	req := &WebhookRequest{
		ExecutionID: r.exec.ExecutionID,
		RuleID:      r.rule.ID,
		URL:         r.env.expand(w.URL),
		Method:      method,
		Headers:     headers,
		Body:        r.env.expand(w.Body),
		Timeout:     timeout,
	}
	res := ActionResult{Index: index, Path: path, Type: ActionWebhook, Name: a.Name, StartedAt: x.clock.Now()}
	if x.webhooks == nil {
		res.Status = ActionFailed
		res.Error = "no webhook sender configured"
		return res
	}
	return x.submit(r, res, dispatchJob{webhook: req})
}

func (x *Executor) submit(r *Run, res ActionResult, job dispatchJob) ActionResult {
	job.kind = res.Type
	job.ruleID = r.rule.ID
	job.executionID = r.exec.ExecutionID
	if err := x.dispatch.Submit(job); err != nil {
		res.Status = ActionFailed
		res.Error = err.Error()
		x.logger.Warn("automation dispatch rejected", "rule_id", r.rule.ID, "type", res.Type, "error", err)
		return res
	}
	res.Status = ActionDispatched
	return res
}

// deliver runs on the dispatch pool. Failures are logged by the pool's
// error handler and never reach the run.
func (x *Executor) deliver(ctx context.Context, job dispatchJob) error {
	switch {
	case job.notification != nil:
		nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()
		return x.notifier.Notify(nctx, *job.notification)
	case job.webhook != nil:
		wctx, cancel := context.WithTimeout(ctx, job.webhook.Timeout)
		defer cancel()
		return x.webhooks.Send(wctx, *job.webhook)
	default:
		return errors.New("empty dispatch job")
	}
}

// ─── Conditionals ───────────────────────────────────────────────────

// branch re-evaluates the condition now and pushes the chosen branch.
func (x *Executor) branch(r *Run, a Action, index int, path string) {
	c := a.Conditional
	env := r.env
	env.Now = x.clock.Now().In(x.cfg.Location)

	res := ActionResult{Index: index, Path: path, Type: ActionConditional, Name: a.Name, StartedAt: env.Now}
	branch, actions := "else", c.Else
	if x.evaluator.EvaluateCondition(c.Condition, env) {
		branch, actions = "then", c.Then
	}
	res.Branch = branch
	res.Status = ActionSucceeded
	x.record(r, res)

	if len(actions) > 0 {
		r.stack = append(r.stack, &frame{actions: actions, prefix: path + "." + branch})
	}
}

// ─── Bookkeeping ────────────────────────────────────────────────────

func (x *Executor) record(r *Run, res ActionResult) {
	r.exec.Results = append(r.exec.Results, res)
	if res.Name != "" {
		r.env.Results[res.Name] = res
	}
	x.metrics.action(res)
}

// cancelRemaining records every action not yet started as cancelled.
func (x *Executor) cancelRemaining(r *Run) {
	now := x.clock.Now()
	reason := r.ctx.Err().Error()
	for i := len(r.stack) - 1; i >= 0; i-- {
		f := r.stack[i]
		for j := f.next; j < len(f.actions); j++ {
			a := f.actions[j]
			x.record(r, ActionResult{
				Index: j, Path: f.path(j), Type: a.Type, Name: a.Name,
				Status: ActionCancelled, Error: reason, StartedAt: now,
			})
		}
	}
	r.stack = nil
}

func (x *Executor) finish(r *Run) {
	r.exec.CompletedAt = x.clock.Now()
	r.exec.Status = summarize(r.exec.Results)
	if r.exec.Status == StatusCancelled && r.exec.Reason == "" && r.ctx.Err() != nil {
		r.exec.Reason = r.ctx.Err().Error()
	}
	r.cancel()
	close(r.done)
}

// summarize derives the execution status from the results of actions that
// do work. Delays, conditionals and scene totals are structural.
func summarize(results []ActionResult) ExecutionStatus {
	var ok, failed, cancelled int
	for _, res := range results {
		switch res.Type {
		case ActionDelay, ActionConditional, ActionScene:
			if res.Status == ActionCancelled {
				cancelled++
			}
			continue
		}
		switch res.Status {
		case ActionSucceeded, ActionDispatched:
			ok++
		case ActionFailed:
			failed++
		case ActionCancelled:
			cancelled++
		}
	}
	switch {
	case cancelled > 0:
		return StatusCancelled
	case failed == 0:
		return StatusCompleted
	case ok == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}
