// Package automation is the rule engine of Gray Logic.
//
// A rule pairs a trigger with optional conditions and an ordered list of
// actions. The engine decides, continuously, whether a rule's trigger has
// fired and whether its conditions hold, and then runs its actions against
// the device layer exactly once per qualifying trigger.
//
// Architecture:
//
//	┌────────────────────────────────────────────────────────────┐
//	│                  Scheduler (scheduler.go)                   │
//	│  cron tick ──▶ Matcher.MatchTick (time, solar, interval)    │
//	│  events ────▶ per-device mailboxes ──▶ Matcher.MatchEvent   │
//	│                         │                                   │
//	│                         ▼                                   │
//	│  Ledger.TryAcquire ─▶ Evaluator ─▶ Executor ─▶ Sink          │
//	│  (one in flight)     (conditions)  (actions)   (triggered)  │
//	│                                                             │
//	│  ┌──────────────┐    ┌──────────────┐                       │
//	│  │   Registry   │───▶│  Repository  │  rule store + history │
//	│  └──────────────┘    └──────────────┘                       │
//	└────────────────────────────────────────────────────────────┘
//
// # Key Types
//
//   - Rule, Trigger, Condition, Action: closed tagged unions validated by
//     ValidateRule at load time
//   - Matcher: trigger matching with per-minute and per-day dedup keys
//   - Evaluator: side-effect-free condition evaluation
//   - Executor: action runs with per-device FIFO serialisation, command
//     retries and delays as parked continuations
//   - Ledger: per-rule in-flight flag (compare-and-set), last fired time,
//     execution count
//   - Scheduler: the orchestrator and its worker pool
//   - Registry: rule cache over Repository with change notification
//
// # Concurrency
//
// Events for one device are matched in arrival order; events for different
// devices are matched concurrently on the worker pool. A rule never has two
// executions in flight: a firing that finds the rule busy is dropped.
// Commands to one device are serialised across all rules. A delay releases
// its worker; the run resumes through the pool when the timer fires.
//
// # Usage
//
//	registry := automation.NewRegistry(automation.NewSQLiteRepository(db))
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//	evaluator := automation.NewEvaluator(cache, sun, log)
//	executor := automation.NewExecutor(gateway, evaluator, automation.ExecutorConfig{})
//	matcher := automation.NewMatcher(cache, sun, loc, 2*time.Minute, log)
//	scheduler := automation.NewScheduler(automation.SchedulerConfig{}, registry,
//	    matcher, evaluator, executor, nil, automation.WithSink(sink))
//	err := scheduler.Start(ctx)
package automation
