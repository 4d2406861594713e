package automation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the scheduler and executor. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ticks            prometheus.Counter
	tickDuration     prometheus.Histogram
	events           *prometheus.CounterVec
	eventsDropped    prometheus.Counter
	firings          *prometheus.CounterVec
	skippedInFlight  prometheus.Counter
	conditionsFailed prometheus.Counter
	executions       *prometheus.CounterVec
	execDuration     prometheus.Histogram
	inFlight         prometheus.Gauge
	actions          *prometheus.CounterVec
	commandAttempts  prometheus.Histogram
}

// NewMetrics registers the automation metrics with reg. It returns nil when
// reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graylogic_automation_ticks_total",
			Help: "Scheduler ticks run",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "graylogic_automation_tick_duration_seconds",
			Help:    "Time spent matching periodic triggers per tick",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graylogic_automation_events_total",
			Help: "Events consumed by the scheduler",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graylogic_automation_events_dropped_total",
			Help: "Events rejected because the queue was full",
		}),
		firings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graylogic_automation_trigger_matches_total",
			Help: "Trigger matches by trigger kind",
		}, []string{"trigger"}),
		skippedInFlight: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graylogic_automation_skipped_in_flight_total",
			Help: "Firings dropped because the rule was already executing",
		}),
		conditionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graylogic_automation_conditions_failed_total",
			Help: "Firings whose conditions did not hold",
		}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graylogic_automation_executions_total",
			Help: "Completed executions by status",
		}, []string{"status"}),
		execDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "graylogic_automation_execution_duration_seconds",
			Help:    "Execution wall time including delays",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800},
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "graylogic_automation_in_flight",
			Help: "Executions currently running or parked on a delay",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graylogic_automation_actions_total",
			Help: "Actions run by type and status",
		}, []string{"type", "status"}),
		commandAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "graylogic_automation_command_attempts",
			Help:    "Attempts needed per device command",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),
	}

	for _, c := range []prometheus.Collector{
		m.ticks, m.tickDuration, m.events, m.eventsDropped, m.firings,
		m.skippedInFlight, m.conditionsFailed, m.executions, m.execDuration,
		m.inFlight, m.actions, m.commandAttempts,
	} {
		_ = reg.Register(c)
	}
	return m
}

func (m *Metrics) tick(d time.Duration) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) event(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

func (m *Metrics) eventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) matched(trigger string) {
	if m == nil {
		return
	}
	m.firings.WithLabelValues(trigger).Inc()
}

func (m *Metrics) skipped() {
	if m == nil {
		return
	}
	m.skippedInFlight.Inc()
}

func (m *Metrics) conditionsNotMet() {
	if m == nil {
		return
	}
	m.conditionsFailed.Inc()
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) finished(status ExecutionStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.executions.WithLabelValues(string(status)).Inc()
	m.execDuration.Observe(d.Seconds())
}

func (m *Metrics) action(res ActionResult) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(string(res.Type), string(res.Status)).Inc()
	if res.Type == ActionDeviceCommand && res.Attempts > 0 {
		m.commandAttempts.Observe(float64(res.Attempts))
	}
}
