// Package mqtt connects the automation engine to the hub's MQTT bus.
//
// The broker is the only link between the engine and the protocol bridges:
// device state arrives on graylogic/state/{protocol}/{device_id}, commands
// leave on graylogic/command/{protocol}/{device_id}, and execution results
// are published under graylogic/core/automation/.
//
//	Automation engine ↔ MQTT broker ↔ Protocol bridges
//
// The Client wraps paho.mqtt.golang with:
//   - auto-reconnect and subscription restore after reconnect
//   - a Last Will on graylogic/system/status so peers notice a crash
//   - panic recovery around every message handler
//
// Enable TLS (mqtt.broker.tls) for anything beyond a loopback broker.
package mqtt
