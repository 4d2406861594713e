package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/audit"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/mqtt"
)

// Channels and actions used by the sinks.
const (
	ChannelTriggered     = "automation.triggered"
	ChannelNotification  = "notification"
	AuditActionTriggered = "automation_triggered"
	notifyAllTarget      = "all"
)

// Broadcaster pushes a payload to websocket clients subscribed to channel.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// Publisher publishes to the MQTT bus.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// AuditWriter stores audit log entries.
type AuditWriter interface {
	Create(ctx context.Context, log *audit.AuditLog) error
}

// PointWriter writes time-series points.
type PointWriter interface {
	WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time)
}

// ExecutionStore persists execution history.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *Execution) error
}

// MultiSink fans an execution out to several sinks. Every sink is tried;
// their errors are joined.
type MultiSink []Sink

// Publish implements Sink.
func (m MultiSink) Publish(ctx context.Context, exec *Execution) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, exec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HubSink broadcasts executions on the automation.triggered channel.
type HubSink struct {
	Hub Broadcaster
}

// Publish implements Sink.
func (h HubSink) Publish(_ context.Context, exec *Execution) error {
	h.Hub.Broadcast(ChannelTriggered, exec)
	return nil
}

// MQTTSink publishes executions to graylogic/core/automation/{rule_id}/fired.
type MQTTSink struct {
	Bus Publisher
	QoS byte
}

// Publish implements Sink.
func (m MQTTSink) Publish(_ context.Context, exec *Execution) error {
	payload, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshalling execution: %w", err)
	}
	if err := m.Bus.Publish(mqtt.Topics{}.CoreAutomationFired(exec.RuleID), payload, m.QoS, false); err != nil {
		return fmt.Errorf("publishing execution: %w", err)
	}
	return nil
}

// AuditSink records each execution in the audit log.
type AuditSink struct {
	Repo AuditWriter
}

// Publish implements Sink.
func (a AuditSink) Publish(ctx context.Context, exec *Execution) error {
	details := map[string]any{
		"execution_id":   exec.ExecutionID,
		"rule_name":      exec.RuleName,
		"trigger":        exec.Trigger,
		"status":         string(exec.Status),
		"duration_ms":    exec.Duration().Milliseconds(),
		"actions":        len(exec.Results),
		"failed_actions": exec.FailedActions(),
	}
	if exec.Reason != "" {
		details["reason"] = exec.Reason
	}
	var failures []map[string]any
	for _, r := range exec.Results {
		if r.Status == ActionFailed {
			failures = append(failures, map[string]any{"path": r.Path, "type": string(r.Type), "error": r.Error})
		}
	}
	if len(failures) > 0 {
		details["failures"] = failures
	}

	err := a.Repo.Create(ctx, &audit.AuditLog{
		Action:     AuditActionTriggered,
		EntityType: "automation",
		EntityID:   exec.RuleID,
		Source:     "automation",
		Details:    details,
		CreatedAt:  exec.CompletedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("writing audit log: %w", err)
	}
	return nil
}

// MetricsSink writes an automation_execution point per execution.
type MetricsSink struct {
	Writer PointWriter
}

// Publish implements Sink.
func (m MetricsSink) Publish(_ context.Context, exec *Execution) error {
	m.Writer.WritePointWithTime("automation_execution",
		map[string]string{
			"rule_id": exec.RuleID,
			"status":  string(exec.Status),
			"trigger": exec.Trigger,
		},
		map[string]interface{}{
			"duration_ms":    exec.Duration().Milliseconds(),
			"actions":        len(exec.Results),
			"failed_actions": exec.FailedActions(),
		},
		exec.CompletedAt,
	)
	return nil
}

// HistorySink stores executions for later inspection.
type HistorySink struct {
	Store ExecutionStore
}

// Publish implements Sink.
func (h HistorySink) Publish(ctx context.Context, exec *Execution) error {
	if err := h.Store.CreateExecution(ctx, exec); err != nil {
		return fmt.Errorf("storing execution: %w", err)
	}
	return nil
}

// ─── Notifications ──────────────────────────────────────────────────

// NotificationSink delivers notification actions to websocket clients and
// to graylogic/ui/{target}/notification for each target ("all" when none).
type NotificationSink struct {
	Hub Broadcaster
	Bus Publisher
	QoS byte
}

// Notify implements Notifier.
func (n NotificationSink) Notify(_ context.Context, note Notification) error {
	if n.Hub != nil {
		n.Hub.Broadcast(ChannelNotification, note)
	}
	if n.Bus == nil {
		return nil
	}

	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshalling notification: %w", err)
	}
	targets := note.Targets
	if len(targets) == 0 {
		targets = []string{notifyAllTarget}
	}
	var errs []error
	for _, t := range targets {
		if err := n.Bus.Publish(mqtt.Topics{}.UINotification(t), payload, n.QoS, false); err != nil {
			errs = append(errs, fmt.Errorf("notifying %s: %w", t, err))
		}
	}
	return errors.Join(errs...)
}

// ─── Webhooks ───────────────────────────────────────────────────────

// maxWebhookResponse bounds how much of an error response is kept.
const maxWebhookResponse = 512

// HTTPWebhookSender performs webhook actions with net/http.
type HTTPWebhookSender struct {
	Client *http.Client
}

// NewHTTPWebhookSender creates a sender. Per-request timeouts come from
// the action via ctx.
func NewHTTPWebhookSender() *HTTPWebhookSender {
	return &HTTPWebhookSender{Client: &http.Client{}}
}

// Send implements WebhookSender. Any 2xx response is success.
func (s *HTTPWebhookSender) Send(ctx context.Context, req WebhookRequest) error {
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Body != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("X-Graylogic-Rule", req.RuleID)
	httpReq.Header.Set("X-Graylogic-Execution", req.ExecutionID)

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("calling webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse)) //nolint:errcheck // best effort
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
