package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/config"
)

// testConfig returns a config for a local Mosquitto broker.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "graylogic-automation-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// requireBroker skips the test when no broker listens on 127.0.0.1:1883.
func requireBroker(t *testing.T) config.MQTTConfig {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:1883", 200*time.Millisecond)
	if err != nil {
		t.Skip("no MQTT broker on 127.0.0.1:1883")
	}
	conn.Close()
	return testConfig()
}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

// ─── Topics ─────────────────────────────────────────────────────────

func TestTopicBuilders(t *testing.T) {
	tp := Topics{}
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"BridgeState", tp.BridgeState("knx", "light-kitchen"), "graylogic/state/knx/light-kitchen"},
		{"BridgeCommand", tp.BridgeCommand("knx", "light-kitchen"), "graylogic/command/knx/light-kitchen"},
		{"BridgeAck", tp.BridgeAck("dali", "ballast-3"), "graylogic/ack/dali/ballast-3"},
		{"BridgeHealth", tp.BridgeHealth("knx"), "graylogic/health/knx"},
		{"BridgeDiscovery", tp.BridgeDiscovery("knx"), "graylogic/discovery/knx"},
		{"CoreEvent", tp.CoreEvent("security_armed"), "graylogic/core/event/security_armed"},
		{"CoreAutomationFired", tp.CoreAutomationFired("rule-1"), "graylogic/core/automation/rule-1/fired"},
		{"SystemStatus", tp.SystemStatus(), "graylogic/system/status"},
		{"UINotification", tp.UINotification("all"), "graylogic/ui/all/notification"},
		{"AllBridgeStates", tp.AllBridgeStates(), "graylogic/state/+/+"},
		{"AllBridgeAcks", tp.AllBridgeAcks(), "graylogic/ack/+/+"},
		{"AllBridgeHealth", tp.AllBridgeHealth(), "graylogic/health/+"},
		{"AllBridgeDiscovery", tp.AllBridgeDiscovery(), "graylogic/discovery/+"},
		{"AllCoreEvents", tp.AllCoreEvents(), "graylogic/core/event/+"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestParseBridgeTopic(t *testing.T) {
	tests := []struct {
		topic  string
		want   BridgeTopic
		wantOK bool
	}{
		{"graylogic/state/knx/light-1", BridgeTopic{CategoryState, "knx", "light-1"}, true},
		{"graylogic/ack/dali/b-2", BridgeTopic{CategoryAck, "dali", "b-2"}, true},
		{"graylogic/health/knx", BridgeTopic{Category: CategoryHealth, Protocol: "knx"}, true},
		{"graylogic/discovery/modbus", BridgeTopic{Category: CategoryDiscovery, Protocol: "modbus"}, true},
		{"graylogic/state/knx", BridgeTopic{}, false},
		{"graylogic/health/knx/extra", BridgeTopic{}, false},
		{"graylogic/core/event/x", BridgeTopic{}, false},
		{"other/state/knx/light-1", BridgeTopic{}, false},
		{"graylogic/state//light-1", BridgeTopic{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, ok := ParseBridgeTopic(tt.topic)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ParseBridgeTopic(%q) = %+v, %v; want %+v, %v", tt.topic, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestParseCoreEvent(t *testing.T) {
	if got, ok := ParseCoreEvent("graylogic/core/event/security_armed"); !ok || got != "security_armed" {
		t.Errorf("ParseCoreEvent = %q, %v", got, ok)
	}
	for _, topic := range []string{"graylogic/core/event/", "graylogic/core/event/a/b", "graylogic/state/knx/x"} {
		if _, ok := ParseCoreEvent(topic); ok {
			t.Errorf("ParseCoreEvent(%q) ok = true", topic)
		}
	}
}

// ─── Payloads and handler dispatch ─────────────────────────────────

func TestStatusPayload(t *testing.T) {
	var msg statusMessage
	if err := json.Unmarshal(statusPayload("core", "offline", "graceful_shutdown"), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Status != "offline" || msg.ClientID != "core" || msg.Reason != "graceful_shutdown" {
		t.Errorf("payload = %+v", msg)
	}
	if _, err := time.Parse(time.RFC3339, msg.Timestamp); err != nil {
		t.Errorf("timestamp %q not RFC3339", msg.Timestamp)
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	logger := &recordingLogger{}
	c := &Client{}
	c.SetLogger(logger)

	c.dispatch(func(string, []byte) error { panic("boom") }, "t", nil)
	c.dispatch(func(string, []byte) error { return errors.New("bad payload") }, "t", nil)

	if len(logger.errors) != 1 {
		t.Errorf("errors logged = %d, want 1", len(logger.errors))
	}
	if len(logger.warns) != 1 {
		t.Errorf("warnings logged = %d, want 1", len(logger.warns))
	}
}

func TestDispatchWithoutLogger(t *testing.T) {
	c := &Client{}
	// Must not panic with no logger set.
	c.dispatch(func(string, []byte) error { panic("boom") }, "t", nil)
}

func TestArgumentValidationBeforeConnection(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}
	handler := func(string, []byte) error { return nil }

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"publish empty topic", c.Publish("", nil, 1, false), ErrInvalidTopic},
		{"publish bad qos", c.Publish("a", nil, 3, false), ErrInvalidQoS},
		{"publish oversize", c.Publish("a", make([]byte, maxPayloadSize+1), 1, false), ErrPublishFailed},
		{"publish disconnected", c.Publish("a", nil, 1, false), ErrNotConnected},
		{"subscribe empty topic", c.Subscribe("", 1, handler), ErrInvalidTopic},
		{"subscribe bad qos", c.Subscribe("a", 5, handler), ErrInvalidQoS},
		{"subscribe nil handler", c.Subscribe("a", 1, nil), ErrSubscribeFailed},
		{"subscribe disconnected", c.Subscribe("a", 1, handler), ErrNotConnected},
		{"unsubscribe empty", c.Unsubscribe(""), ErrInvalidTopic},
		{"health", c.HealthCheck(context.Background()), ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("err = %v, want %v", tt.err, tt.want)
			}
		})
	}
}

// ─── Broker round trip ─────────────────────────────────────────────

func TestPublishSubscribeRoundTrip(t *testing.T) {
	cfg := requireBroker(t)

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	topic := Topics{}.BridgeState("test", "roundtrip-1")
	received := make(chan []byte, 1)
	if err := client.Subscribe(topic, 1, func(_ string, payload []byte) error {
		received <- payload
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !client.HasSubscription(topic) {
		t.Error("HasSubscription() = false")
	}

	if err := client.Publish(topic, []byte(`{"on":true}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != `{"on":true}` {
			t.Errorf("payload = %s", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}

	if err := client.Unsubscribe(topic); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}
