package automation

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/nerrad567/gray-logic-automation/internal/clock"
	"github.com/nerrad567/gray-logic-automation/internal/device"
	"github.com/nerrad567/gray-logic-automation/internal/worker"
)

// RuleSource supplies the live rule set and persists run bookkeeping.
type RuleSource interface {
	List() []*Rule
	Subscribe(fn func(RuleChange)) (unsubscribe func())
	RecordRun(ctx context.Context, id string, at time.Time, count int64) error
}

// Sink receives the automation_triggered record of every finished
// execution.
type Sink interface {
	Publish(ctx context.Context, exec *Execution) error
}

// Scheduler defaults.
const (
	DefaultTickInterval     = 5 * time.Second
	DefaultExecutionTimeout = 10 * time.Minute
	DefaultShutdownGrace    = 15 * time.Second
	defaultWorkers          = 4
	defaultQueueSize        = 256

	systemMailbox  = "_system"
	mailboxBatch   = 32
	requeueBackoff = time.Second
	sinkTimeout    = 5 * time.Second
)

// SchedulerConfig tunes the Rule Scheduler.
type SchedulerConfig struct {
	TickInterval     time.Duration
	Workers          int
	QueueSize        int
	ExecutionTimeout time.Duration
	ShutdownGrace    time.Duration
	Location         *time.Location
}

// Scheduler is the Rule Scheduler. It runs periodic triggers on a cron
// tick, consumes events through per-device mailboxes drained by a bounded
// worker pool, and hands matching rules to the Executor under the ledger's
// at-most-one in-flight guard.
type Scheduler struct {
	cfg       SchedulerConfig
	source    RuleSource
	matcher   *Matcher
	evaluator *Evaluator
	executor  *Executor
	ledger    *Ledger
	sink      Sink
	clock     clock.Clock
	logger    Logger
	metrics   *Metrics
	poolReg   prometheus.Registerer

	rulesMu sync.RWMutex
	rules   map[string]*Rule
	order   []string

	boxMu sync.Mutex
	boxes map[string]*mailbox

	pool *worker.Pool[job]
	cron *cron.Cron

	lifeMu      sync.Mutex
	started     bool
	stopped     bool
	runCtx      context.Context
	runCancel   context.CancelFunc
	unsubscribe func()

	tracker tracker
}

type mailbox struct {
	queue  []Event
	active bool
}

type jobKind int

const (
	jobMailbox jobKind = iota
	jobFire
	jobResume
)

type job struct {
	kind jobKind
	key  string
	fire *firing
	run  *Run
}

type firing struct {
	rule   *Rule
	entry  *Entry // ledger entry whose in-flight flag this firing holds
	match  Match
	result chan *Execution // manual triggers only
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock sets the clock used for ticks and timestamps.
func WithSchedulerClock(c clock.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithSchedulerMetrics records scheduler metrics.
func WithSchedulerMetrics(m *Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithPoolMetrics registers the worker pool's metrics with reg.
func WithPoolMetrics(reg prometheus.Registerer) SchedulerOption {
	return func(s *Scheduler) { s.poolReg = reg }
}

// WithSink sets where automation_triggered records go.
func WithSink(sink Sink) SchedulerOption {
	return func(s *Scheduler) { s.sink = sink }
}

// NewScheduler creates a scheduler. A nil ledger gets a fresh one.
func NewScheduler(cfg SchedulerConfig, source RuleSource, matcher *Matcher, evaluator *Evaluator,
	executor *Executor, ledger *Ledger, opts ...SchedulerOption) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = DefaultExecutionTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if ledger == nil {
		ledger = NewLedger()
	}

	s := &Scheduler{
		cfg:       cfg,
		source:    source,
		matcher:   matcher,
		evaluator: evaluator,
		executor:  executor,
		ledger:    ledger,
		clock:     clock.Real(),
		logger:    noopLogger{},
		rules:     make(map[string]*Rule),
		boxes:     make(map[string]*mailbox),
	}
	for _, opt := range opts {
		opt(s)
	}

	poolOpts := []worker.Option[job]{
		worker.WithErrorHandler(func(j job, err error) {
			s.logger.Error("automation job failed", "kind", j.kind, "key", j.key, "error", err)
		}),
	}
	if s.poolReg != nil {
		poolOpts = append(poolOpts, worker.WithMetrics[job](s.poolReg, "graylogic_automation_pool"))
	}
	s.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, s.process, poolOpts...)

	cl := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return s
}

// Ledger returns the execution ledger.
func (s *Scheduler) Ledger() *Ledger { return s.ledger }

// Schedule adds a housekeeping job on the scheduler's cron (standard
// five-field spec or descriptors such as "@daily").
func (s *Scheduler) Schedule(spec, name string, fn func()) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.logger.Debug("running scheduled job", "job", name)
		fn()
	})
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", name, err)
	}
	return nil
}

// ─── Lifecycle ──────────────────────────────────────────────────────

// Start loads the rule set, subscribes to rule changes, starts the worker
// pool and the tick, and emits a system_startup event.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	if s.started {
		s.lifeMu.Unlock()
		return ErrSchedulerRunning
	}
	if s.stopped {
		s.lifeMu.Unlock()
		return ErrSchedulerStopped
	}

	s.runCtx, s.runCancel = context.WithCancel(ctx)
	for _, r := range s.source.List() {
		s.putRule(r)
	}
	s.unsubscribe = s.source.Subscribe(s.onRuleChange)

	// The pool outlives runCtx so cancelled runs can still be resumed
	// and recorded during shutdown.
	if err := s.pool.Start(context.WithoutCancel(ctx)); err != nil {
		s.unsubscribe()
		s.runCancel()
		s.lifeMu.Unlock()
		return fmt.Errorf("starting worker pool: %w", err)
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.TickInterval), func() {
		s.Tick(s.clock.Now())
	}); err != nil {
		s.unsubscribe()
		s.runCancel()
		s.lifeMu.Unlock()
		return fmt.Errorf("scheduling tick: %w", err)
	}
	s.cron.Start()
	s.started = true
	s.lifeMu.Unlock()

	s.logger.Info("automation scheduler started",
		"rules", s.RuleCount(), "tick_interval", s.cfg.TickInterval, "workers", s.cfg.Workers)

	if err := s.Submit(Event{Type: EventSystemStartup, Source: "scheduler"}); err != nil {
		s.logger.Warn("failed to submit startup event", "error", err)
	}
	return nil
}

// Stop stops the tick and refuses new firings, waits up to the shutdown
// grace period for in-flight executions, then cancels the rest. Cancelled
// commands observe ctx cancellation; actions not yet started are recorded
// as cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.lifeMu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.lifeMu.Unlock()
		return nil
	}
	s.stopped = true
	s.lifeMu.Unlock()

	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
	s.unsubscribe()
	s.tracker.close()

	if n := s.tracker.count(); n > 0 {
		s.logger.Info("waiting for in-flight automations", "count", n, "grace", s.cfg.ShutdownGrace)
	}
	select {
	case <-s.tracker.idle():
	case <-s.clock.After(s.cfg.ShutdownGrace):
		s.logger.Warn("shutdown grace elapsed, cancelling in-flight automations", "count", s.tracker.count())
	case <-ctx.Done():
	}

	s.runCancel()

	var err error
	select {
	case <-s.tracker.idle():
	case <-ctx.Done():
		err = fmt.Errorf("waiting for cancelled automations: %w", ctx.Err())
	}

	if perr := s.pool.Stop(s.cfg.ShutdownGrace); perr != nil && err == nil {
		err = perr
	}
	s.logger.Info("automation scheduler stopped")
	return err
}

func (s *Scheduler) running() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.started && !s.stopped
}

// ─── Rule set ───────────────────────────────────────────────────────

func (s *Scheduler) onRuleChange(ch RuleChange) {
	switch ch.Kind {
	case RuleCreated, RuleUpdated:
		if ch.Rule != nil {
			s.putRule(ch.Rule)
		}
	case RuleDeleted:
		s.rulesMu.Lock()
		delete(s.rules, ch.ID)
		s.order = sortedKeys(s.rules)
		s.rulesMu.Unlock()
		s.ledger.Remove(ch.ID)
	}
	s.matcher.Forget(ch.ID)
	s.logger.Debug("automation rule set changed", "kind", ch.Kind, "rule_id", ch.ID)
}

func (s *Scheduler) putRule(r *Rule) {
	cpy := r.DeepCopy()
	s.ledger.Restore(cpy)
	s.rulesMu.Lock()
	s.rules[cpy.ID] = cpy
	s.order = sortedKeys(s.rules)
	s.rulesMu.Unlock()
}

func sortedKeys(m map[string]*Rule) []string {
	return slices.Sorted(maps.Keys(m))
}

// snapshot returns the current rules in id order. Rules are replaced, never
// mutated, so the pointers are safe to read.
func (s *Scheduler) snapshot() []*Rule {
	s.rulesMu.RLock()
	defer s.rulesMu.RUnlock()
	out := make([]*Rule, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.rules[id])
	}
	return out
}

func (s *Scheduler) rule(id string) (*Rule, bool) {
	s.rulesMu.RLock()
	defer s.rulesMu.RUnlock()
	r, ok := s.rules[id]
	return r, ok
}

// RuleCount returns the number of rules the scheduler knows.
func (s *Scheduler) RuleCount() int {
	s.rulesMu.RLock()
	defer s.rulesMu.RUnlock()
	return len(s.rules)
}

// ─── Periodic triggers ──────────────────────────────────────────────

// Tick matches every enabled time, solar and interval rule against now.
// A rule fires at most once per dedup key however often Tick runs.
func (s *Scheduler) Tick(now time.Time) {
	start := time.Now()
	for _, r := range s.snapshot() {
		if !r.Enabled || !r.Trigger.Type.Periodic() {
			continue
		}
		s.tickRule(r, now)
	}
	s.metrics.tick(time.Since(start))
}

func (s *Scheduler) tickRule(r *Rule, now time.Time) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("trigger matching panicked", "rule_id", r.ID, "panic", p)
		}
	}()

	entry := s.ledger.Entry(r.ID)
	match, ok := s.matcher.MatchTick(r, now, entry)
	if !ok {
		return
	}
	previous, ok := entry.markFired(match.Key)
	if !ok {
		return
	}
	// A skip while in flight consumes the period; a firing the pool could
	// not take does not, so a later tick in the same period retries it.
	if err := s.fire(r, entry, match); err != nil && !errors.Is(err, ErrRuleInFlight) {
		entry.unmarkFired(match.Key, previous)
	}
}

// ─── Events ─────────────────────────────────────────────────────────

// Submit enqueues an event. Events for the same device are handled in
// arrival order; events for different devices are handled concurrently.
func (s *Scheduler) Submit(ev Event) error {
	if !s.running() {
		return ErrSchedulerStopped
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock.Now()
	}
	key := ev.DeviceID
	if key == "" {
		key = systemMailbox
	}

	s.boxMu.Lock()
	defer s.boxMu.Unlock()

	box, ok := s.boxes[key]
	if !ok {
		box = &mailbox{}
		s.boxes[key] = box
	}
	if len(box.queue) >= s.cfg.QueueSize {
		s.metrics.eventDropped()
		return worker.ErrQueueFull
	}
	box.queue = append(box.queue, ev)
	if box.active {
		return nil
	}
	if err := s.pool.Submit(job{kind: jobMailbox, key: key}); err != nil {
		box.queue = box.queue[:len(box.queue)-1]
		if len(box.queue) == 0 {
			delete(s.boxes, key)
		}
		s.metrics.eventDropped()
		return err
	}
	box.active = true
	return nil
}

// EventFromChange converts a device cache notification into an event.
func EventFromChange(c device.Change) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      string(c.Kind),
		Source:    c.Source,
		DeviceID:  c.DeviceID,
		Data:      deepCopyMap(c.Properties),
		Previous:  deepCopyMap(c.Previous),
		Timestamp: c.Timestamp,
	}
}

// drain handles up to mailboxBatch events from one mailbox, then yields
// the worker if more remain.
func (s *Scheduler) drain(key string) {
	for i := 0; ; i++ {
		s.boxMu.Lock()
		box := s.boxes[key]
		if box == nil || len(box.queue) == 0 {
			delete(s.boxes, key)
			s.boxMu.Unlock()
			return
		}
		if i == mailboxBatch {
			if err := s.pool.Submit(job{kind: jobMailbox, key: key}); err == nil {
				s.boxMu.Unlock()
				return
			}
		}
		ev := box.queue[0]
		box.queue = box.queue[1:]
		s.boxMu.Unlock()

		s.handleEvent(ev)
	}
}

func (s *Scheduler) handleEvent(ev Event) {
	s.metrics.event(ev.Type)
	for _, r := range s.snapshot() {
		if !r.Enabled || r.Trigger.Type.Periodic() {
			continue
		}
		s.eventRule(r, ev)
	}
	ev.Processed = true
	s.logger.Debug("automation event processed", "event_id", ev.ID, "type", ev.Type, "device_id", ev.DeviceID)
}

func (s *Scheduler) eventRule(r *Rule, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("trigger matching panicked", "rule_id", r.ID, "event_type", ev.Type, "panic", p)
		}
	}()
	if match, ok := s.matcher.MatchEvent(r, ev); ok {
		_ = s.fire(r, s.ledger.Entry(r.ID), match)
	}
}

// ─── Firing ─────────────────────────────────────────────────────────

// fire claims the entry's in-flight slot and queues the firing. A rule
// that is already executing is skipped (ErrRuleInFlight), not queued.
func (s *Scheduler) fire(r *Rule, entry *Entry, match Match) error {
	s.metrics.matched(match.Trigger)
	if !entry.TryAcquire() {
		s.metrics.skipped()
		s.logger.Debug("automation already in flight, skipping", "rule_id", r.ID, "trigger", match.Trigger)
		return ErrRuleInFlight
	}
	if err := s.enqueue(&firing{rule: r, entry: entry, match: match}); err != nil {
		s.logger.Warn("automation firing dropped", "rule_id", r.ID, "error", err)
		return err
	}
	return nil
}

// enqueue hands a claimed firing to the pool, releasing the claim on
// failure.
func (s *Scheduler) enqueue(f *firing) error {
	if !s.tracker.add() {
		s.ledger.Finish(f.entry)
		return ErrSchedulerStopped
	}
	if err := s.pool.Submit(job{kind: jobFire, key: f.rule.ID, fire: f}); err != nil {
		s.ledger.Finish(f.entry)
		s.tracker.done()
		return err
	}
	return nil
}

// Trigger fires a rule by hand. Trigger matching is bypassed; conditions
// are still evaluated and the in-flight guard applies. The returned
// execution is either running or skipped (conditions not met).
func (s *Scheduler) Trigger(ctx context.Context, ruleID string, vars map[string]any) (*Execution, error) {
	r, ok := s.rule(ruleID)
	if !ok {
		return nil, ErrRuleNotFound
	}
	if !r.Enabled {
		return nil, ErrRuleDisabled
	}
	if !s.running() {
		return nil, ErrSchedulerStopped
	}
	entry := s.ledger.Entry(r.ID)
	if !entry.TryAcquire() {
		s.metrics.skipped()
		return nil, ErrRuleInFlight
	}

	v := deepCopyMap(vars)
	if v == nil {
		v = make(map[string]any)
	}
	v["trigger"] = "manual"
	f := &firing{rule: r, entry: entry, match: Match{Trigger: "manual", Vars: v}, result: make(chan *Execution, 1)}
	if err := s.enqueue(f); err != nil {
		return nil, err
	}

	select {
	case exec := <-f.result:
		return exec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) process(_ context.Context, j job) error {
	switch j.kind {
	case jobMailbox:
		s.drain(j.key)
	case jobFire:
		s.runFiring(j.fire)
	case jobResume:
		s.continueRun(j.run)
	}
	return nil
}

// runFiring evaluates conditions and starts the executor. Only a firing
// whose conditions pass has side effects.
func (s *Scheduler) runFiring(f *firing) {
	r := f.rule
	now := s.clock.Now().In(s.cfg.Location)
	env := Env{Now: now, Vars: f.match.Vars, Results: make(map[string]ActionResult)}

	passed := s.safeEvaluate(r, env)
	if !passed {
		s.ledger.Finish(f.entry)
		s.tracker.done()
		s.metrics.conditionsNotMet()
		s.logger.Debug("automation conditions not met", "rule_id", r.ID, "trigger", f.match.Trigger)
		if f.result != nil {
			f.result <- &Execution{
				RuleID: r.ID, RuleName: r.Name, Trigger: f.match.Trigger,
				Status: StatusSkipped, Reason: "conditions not met",
				StartedAt: now, CompletedAt: now,
			}
		}
		return
	}

	exec := &Execution{
		ExecutionID: uuid.NewString(),
		RuleID:      r.ID,
		RuleName:    r.Name,
		Trigger:     f.match.Trigger,
		Context:     deepCopyMap(f.match.Vars),
		StartedAt:   now,
	}
	s.metrics.started()
	s.logger.Info("automation triggered", "rule_id", r.ID, "rule_name", r.Name,
		"trigger", f.match.Trigger, "execution_id", exec.ExecutionID)

	ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.ExecutionTimeout)
	run := s.executor.NewRun(ctx, r, exec, env, s.resume)
	run.entry = f.entry
	context.AfterFunc(run.ctx, cancel)

	if f.result != nil {
		f.result <- &Execution{
			ExecutionID: exec.ExecutionID, RuleID: r.ID, RuleName: r.Name,
			Trigger: exec.Trigger, Status: StatusRunning, StartedAt: now,
		}
	}
	s.continueRun(run)
}

func (s *Scheduler) safeEvaluate(r *Rule, env Env) (passed bool) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("condition evaluation panicked", "rule_id", r.ID, "panic", p)
			passed = false
		}
	}()
	return s.evaluator.Evaluate(r.Conditions, r.ConditionType, env)
}

func (s *Scheduler) continueRun(run *Run) {
	finished := func() (done bool) {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("automation execution panicked", "rule_id", run.rule.ID, "panic", p)
				run.exec.Status = StatusFailed
				run.exec.Reason = fmt.Sprintf("panic: %v", p)
				run.exec.CompletedAt = s.clock.Now()
				run.cancel()
				done = true
			}
		}()
		return s.executor.Continue(run)
	}()
	if finished {
		s.complete(run)
	}
}

// resume is the executor's continuation callback for parked runs.
func (s *Scheduler) resume(run *Run) {
	err := s.pool.Submit(job{kind: jobResume, key: run.rule.ID, run: run})
	switch {
	case err == nil:
	case errors.Is(err, worker.ErrQueueFull):
		s.logger.Warn("worker queue full, retrying resume", "rule_id", run.rule.ID)
		s.clock.AfterFunc(requeueBackoff, func() { s.resume(run) })
	default:
		go s.continueRun(run)
	}
}

// complete records the run in the ledger and the rule store, releases the
// in-flight flag and emits automation_triggered.
func (s *Scheduler) complete(run *Run) {
	exec := run.exec
	r := run.rule

	count := run.entry.recordRun(exec.StartedAt)
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	// A rule deleted mid-run has nothing left to persist the count to.
	if s.ledger.Current(run.entry) {
		if err := s.source.RecordRun(ctx, r.ID, exec.StartedAt, count); err != nil {
			s.logger.Warn("failed to persist automation run", "rule_id", r.ID, "error", err)
		}
	}
	s.ledger.Finish(run.entry)
	s.tracker.done()

	s.metrics.finished(exec.Status, exec.Duration())
	s.logger.Info("automation completed", "rule_id", r.ID, "execution_id", exec.ExecutionID,
		"status", exec.Status, "duration", exec.Duration(), "failed_actions", exec.FailedActions())

	if s.sink != nil {
		if err := s.sink.Publish(ctx, exec); err != nil {
			s.logger.Warn("failed to publish automation execution", "rule_id", r.ID, "error", err)
		}
	}
}

// SchedulerStats is a point-in-time view of the scheduler.
type SchedulerStats struct {
	Running  bool             `json:"running"`
	Rules    int              `json:"rules"`
	InFlight int              `json:"in_flight"`
	Pool     worker.PoolStats `json:"pool"`
}

// Stats returns current scheduler statistics.
func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{
		Running:  s.running(),
		Rules:    s.RuleCount(),
		InFlight: s.ledger.InFlight(),
		Pool:     s.pool.Stats(),
	}
}

// ─── In-flight tracking ─────────────────────────────────────────────

// tracker counts executions between claim and completion so shutdown can
// wait for them. Once closed it refuses new work.
type tracker struct {
	mu     sync.Mutex
	n      int
	closed bool
	idleCh chan struct{}
}

func (t *tracker) add() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if t.n == 0 {
		t.idleCh = make(chan struct{})
	}
	t.n++
	return true
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		return
	}
	t.n--
	if t.n == 0 {
		close(t.idleCh)
	}
}

func (t *tracker) close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

// idle returns a channel closed once nothing is in flight.
func (t *tracker) idle() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return t.idleCh
}

// ─── cron adapter ───────────────────────────────────────────────────

type cronLogger struct{ l Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
