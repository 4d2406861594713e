package mqtt

import (
	"fmt"
	"strings"
)

// Topic roots. Bridge topics are flat: graylogic/{category}/{protocol}/{id}.
const (
	TopicPrefixBridge = "graylogic"
	TopicPrefixCore   = "graylogic/core"
	TopicPrefixSystem = "graylogic/system"
	TopicPrefixUI     = "graylogic/ui"
)

// Bridge topic categories.
const (
	CategoryState     = "state"
	CategoryCommand   = "command"
	CategoryAck       = "ack"
	CategoryHealth    = "health"
	CategoryDiscovery = "discovery"
)

// Topics builds topic strings.
//
//	mqtt.Topics{}.BridgeCommand("knx", "light-kitchen")
//	// graylogic/command/knx/light-kitchen
type Topics struct{}

// BridgeState is where a bridge reports device state.
func (Topics) BridgeState(protocol, deviceID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefixBridge, CategoryState, protocol, deviceID)
}

// BridgeCommand is where commands for a device are sent.
func (Topics) BridgeCommand(protocol, deviceID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefixBridge, CategoryCommand, protocol, deviceID)
}

// BridgeAck is where a bridge acknowledges a command.
func (Topics) BridgeAck(protocol, deviceID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefixBridge, CategoryAck, protocol, deviceID)
}

// BridgeHealth carries a bridge's health status.
func (Topics) BridgeHealth(protocol string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixBridge, CategoryHealth, protocol)
}

// BridgeDiscovery carries device announcements from a bridge.
func (Topics) BridgeDiscovery(protocol string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixBridge, CategoryDiscovery, protocol)
}

// CoreEvent carries a named system event (e.g. security_armed).
func (Topics) CoreEvent(eventType string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefixCore, eventType)
}

// CoreAutomationFired carries the result of one automation execution.
func (Topics) CoreAutomationFired(ruleID string) string {
	return fmt.Sprintf("%s/automation/%s/fired", TopicPrefixCore, ruleID)
}

// SystemStatus is the retained online/offline status topic.
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// UINotification targets one UI client, or every client with "all".
func (Topics) UINotification(clientID string) string {
	return fmt.Sprintf("%s/%s/notification", TopicPrefixUI, clientID)
}

// AllBridgeStates matches every device state report.
func (Topics) AllBridgeStates() string { return TopicPrefixBridge + "/state/+/+" }

// AllBridgeAcks matches every command acknowledgement.
func (Topics) AllBridgeAcks() string { return TopicPrefixBridge + "/ack/+/+" }

// AllBridgeHealth matches every bridge health report.
func (Topics) AllBridgeHealth() string { return TopicPrefixBridge + "/health/+" }

// AllBridgeDiscovery matches every device announcement.
func (Topics) AllBridgeDiscovery() string { return TopicPrefixBridge + "/discovery/+" }

// AllCoreEvents matches every named system event.
func (Topics) AllCoreEvents() string { return TopicPrefixCore + "/event/+" }

// BridgeTopic is a parsed graylogic/{category}/{protocol}[/{id}] topic.
type BridgeTopic struct {
	Category string
	Protocol string
	DeviceID string
}

// ParseBridgeTopic splits a bridge topic. Core, system and UI topics are
// rejected.
func ParseBridgeTopic(topic string) (BridgeTopic, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != TopicPrefixBridge {
		return BridgeTopic{}, false
	}
	switch parts[1] {
	case CategoryState, CategoryCommand, CategoryAck:
		if len(parts) != 4 || parts[2] == "" || parts[3] == "" {
			return BridgeTopic{}, false
		}
		return BridgeTopic{Category: parts[1], Protocol: parts[2], DeviceID: parts[3]}, true
	case CategoryHealth, CategoryDiscovery:
		if len(parts) != 3 || parts[2] == "" {
			return BridgeTopic{}, false
		}
		return BridgeTopic{Category: parts[1], Protocol: parts[2]}, true
	default:
		return BridgeTopic{}, false
	}
}

// ParseCoreEvent returns the event type of a graylogic/core/event/{type} topic.
func ParseCoreEvent(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, TopicPrefixCore+"/event/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
