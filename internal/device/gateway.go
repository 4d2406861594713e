package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-automation/internal/clock"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-automation/internal/retry"
)

// Bus is the subset of the MQTT client the gateway needs.
type Bus interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// ErrAckTimeout is returned when a bridge reports it could not reach the
// device in time. It is retryable.
var ErrAckTimeout = errors.New("device: bridge reported timeout")

// GatewayConfig controls how commands are published.
type GatewayConfig struct {
	// Source is stamped on every command ("automation").
	Source string
	// WaitForAck makes SendCommand block until the bridge acknowledges the
	// command or the context expires.
	WaitForAck bool
	QoS        byte
}

// Result is the outcome of one published command.
type Result struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"` // published, accepted or queued
}

// Gateway is the Device Command Gateway: it publishes commands to bridges
// and feeds bridge state, health and discovery traffic into the Cache.
type Gateway struct {
	bus    Bus
	cache  *Cache
	cfg    GatewayConfig
	clock  clock.Clock
	logger Logger

	onEvent func(SystemEvent)

	mu      sync.Mutex
	pending map[string]chan AckMessage
	topics  []string
	stopped bool
	done    chan struct{}
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayClock sets the clock used for command timestamps.
func WithGatewayClock(c clock.Clock) GatewayOption {
	return func(g *Gateway) { g.clock = c }
}

// WithGatewayLogger sets the gateway logger.
func WithGatewayLogger(l Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// WithEventHandler sets the receiver for graylogic/core/event/+ messages.
func WithEventHandler(fn func(SystemEvent)) GatewayOption {
	return func(g *Gateway) { g.onEvent = fn }
}

// NewGateway creates a gateway. Call Start to subscribe to bridge topics.
func NewGateway(bus Bus, cache *Cache, cfg GatewayConfig, opts ...GatewayOption) *Gateway {
	if cfg.Source == "" {
		cfg.Source = "automation"
	}
	g := &Gateway{
		bus:     bus,
		cache:   cache,
		cfg:     cfg,
		clock:   clock.Real(),
		logger:  noopLogger{},
		pending: make(map[string]chan AckMessage),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start subscribes to bridge state, acks, health, discovery and core events.
func (g *Gateway) Start() error {
	t := mqtt.Topics{}
	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{t.AllBridgeStates(), g.handleState},
		{t.AllBridgeAcks(), g.handleAck},
		{t.AllBridgeHealth(), g.handleHealth},
		{t.AllBridgeDiscovery(), g.handleDiscovery},
		{t.AllCoreEvents(), g.handleEvent},
	}
	for _, s := range subs {
		if err := g.bus.Subscribe(s.topic, g.cfg.QoS, s.handler); err != nil {
			return fmt.Errorf("subscribing to %s: %w", s.topic, err)
		}
		g.mu.Lock()
		g.topics = append(g.topics, s.topic)
		g.mu.Unlock()
	}
	g.logger.Info("device gateway started", "subscriptions", len(subs), "wait_for_ack", g.cfg.WaitForAck)
	return nil
}

// Stop unsubscribes and fails every command still waiting for an ack.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	close(g.done)
	topics := g.topics
	g.topics = nil
	g.mu.Unlock()

	for _, topic := range topics {
		if err := g.bus.Unsubscribe(topic); err != nil {
			g.logger.Debug("unsubscribe failed", "topic", topic, "error", err)
		}
	}
}

type executionIDKey struct{}

// WithExecutionID tags commands sent with ctx with the execution that
// issued them.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey{}, id)
}

// ExecutionIDFrom returns the execution ID set by WithExecutionID.
func ExecutionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(executionIDKey{}).(string)
	return id
}

// SendCommand publishes one command. Unknown devices and devices with no
// protocol fail with a non-retryable error. With WaitForAck set, the call
// blocks until the bridge answers or ctx is done.
func (g *Gateway) SendCommand(ctx context.Context, deviceID, command string, params map[string]any) (Result, error) {
	snap, ok := g.cache.Get(deviceID)
	if !ok {
		return Result{}, retry.NonRetryable(fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID))
	}
	if snap.Protocol == "" {
		return Result{}, retry.NonRetryable(fmt.Errorf("%w: %s", ErrNoProtocol, deviceID))
	}

	msg := CommandMessage{
		ID:          uuid.NewString(),
		Timestamp:   g.clock.Now().UTC(),
		DeviceID:    deviceID,
		Command:     command,
		Parameters:  params,
		Source:      g.cfg.Source,
		ExecutionID: ExecutionIDFrom(ctx),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return Result{}, retry.NonRetryable(fmt.Errorf("encoding command: %w", err))
	}

	var ackCh chan AckMessage
	if g.cfg.WaitForAck {
		ackCh = make(chan AckMessage, 1)
		g.mu.Lock()
		if g.stopped {
			g.mu.Unlock()
			return Result{}, retry.NonRetryable(ErrGatewayStopped)
		}
		g.pending[msg.ID] = ackCh
		g.mu.Unlock()
		defer func() {
			g.mu.Lock()
			delete(g.pending, msg.ID)
			g.mu.Unlock()
		}()
	}

	topic := mqtt.Topics{}.BridgeCommand(snap.Protocol, deviceID)
	if err := g.bus.Publish(topic, payload, g.cfg.QoS, false); err != nil {
		return Result{CommandID: msg.ID}, fmt.Errorf("publishing command: %w", err)
	}
	if !snap.Online {
		g.logger.Debug("command sent to offline device", "device_id", deviceID, "command", command)
	}
	if ackCh == nil {
		return Result{CommandID: msg.ID, Status: "published"}, nil
	}

	select {
	case ack := <-ackCh:
		return ackResult(msg.ID, ack)
	case <-ctx.Done():
		return Result{CommandID: msg.ID}, fmt.Errorf("waiting for ack: %w", ctx.Err())
	case <-g.done:
		return Result{CommandID: msg.ID}, retry.NonRetryable(ErrGatewayStopped)
	}
}

func ackResult(commandID string, ack AckMessage) (Result, error) {
	res := Result{CommandID: commandID, Status: ack.Status}
	switch ack.Status {
	case AckAccepted, AckQueued:
		return res, nil
	case AckTimeout:
		return res, ErrAckTimeout
	default:
		reason := "unknown error"
		if ack.Error != nil {
			reason = ack.Error.Code + ": " + ack.Error.Message
		}
		return res, fmt.Errorf("%w: %s", ErrCommandRejected, reason)
	}
}

func (g *Gateway) handleState(topic string, payload []byte) error {
	bt, ok := mqtt.ParseBridgeTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected state topic %q", topic)
	}
	var msg StateMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding state: %w", err)
	}
	deviceID := msg.DeviceID
	if deviceID == "" {
		deviceID = bt.DeviceID
	}

	if _, known := g.cache.Get(deviceID); !known {
		if err := g.cache.Upsert(Snapshot{ID: deviceID, Protocol: bt.Protocol, Online: true}); err != nil {
			return err
		}
	}
	g.cache.Apply(StateChange{
		DeviceID:   deviceID,
		Properties: msg.State,
		Source:     bt.Protocol,
		Timestamp:  msg.Timestamp,
	})
	return nil
}

func (g *Gateway) handleAck(_ string, payload []byte) error {
	var ack AckMessage
	if err := json.Unmarshal(payload, &ack); err != nil {
		return fmt.Errorf("decoding ack: %w", err)
	}
	g.mu.Lock()
	ch, ok := g.pending[ack.CommandID]
	g.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case ch <- ack:
	default:
	}
	return nil
}

func (g *Gateway) handleHealth(topic string, payload []byte) error {
	bt, ok := mqtt.ParseBridgeTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected health topic %q", topic)
	}
	var msg HealthMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding health: %w", err)
	}

	var online bool
	switch msg.Status {
	case HealthHealthy, HealthDegraded:
		online = true
	case HealthUnhealthy, HealthOffline, HealthStopping:
		online = false
	default:
		return nil
	}
	for _, snap := range g.cache.List() {
		if snap.Protocol == bt.Protocol {
			_ = g.cache.SetOnline(snap.ID, online)
		}
	}
	if !online {
		g.logger.Warn("bridge unavailable", "protocol", bt.Protocol, "status", msg.Status)
	}
	return nil
}

func (g *Gateway) handleDiscovery(topic string, payload []byte) error {
	bt, ok := mqtt.ParseBridgeTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected discovery topic %q", topic)
	}
	var msg AnnounceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding announcement: %w", err)
	}
	for _, d := range msg.Devices {
		if d.DeviceID == "" {
			continue
		}
		if d.Removed {
			g.cache.Remove(d.DeviceID)
			continue
		}
		snap := Snapshot{
			ID:           d.DeviceID,
			Name:         d.Name,
			Type:         d.Type,
			Protocol:     bt.Protocol,
			Capabilities: d.Capabilities,
			Online:       true,
		}
		if len(d.State) > 0 {
			snap.State = State(d.State)
		}
		if err := g.cache.Upsert(snap); err != nil {
			g.logger.Warn("announced device rejected", "device_id", d.DeviceID, "error", err)
		}
	}
	return nil
}

func (g *Gateway) handleEvent(topic string, payload []byte) error {
	eventType, ok := mqtt.ParseCoreEvent(topic)
	if !ok || g.onEvent == nil {
		return nil
	}
	var ev SystemEvent
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}
	}
	ev.Type = eventType
	if ev.Timestamp.IsZero() {
		ev.Timestamp = g.clock.Now().UTC()
	}
	g.onEvent(ev)
	return nil
}
