package device

import "time"

// Wire formats exchanged with protocol bridges over MQTT.

// CommandMessage is published on graylogic/command/{protocol}/{device_id}.
type CommandMessage struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	DeviceID    string         `json:"device_id"`
	Command     string         `json:"command"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Source      string         `json:"source"`
	ExecutionID string         `json:"execution_id,omitempty"`
}

// Ack statuses reported by bridges.
const (
	AckAccepted = "accepted"
	AckQueued   = "queued"
	AckFailed   = "failed"
	AckTimeout  = "timeout"
)

// AckMessage is received on graylogic/ack/{protocol}/{device_id}.
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    string    `json:"status"`
	Protocol  string    `json:"protocol,omitempty"`
	Address   string    `json:"address,omitempty"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError describes why a bridge failed a command.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Retries int    `json:"retries,omitempty"`
}

// StateMessage is received on graylogic/state/{protocol}/{device_id}.
type StateMessage struct {
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state"`
	Protocol  string         `json:"protocol,omitempty"`
	Address   string         `json:"address,omitempty"`
}

// Bridge health statuses.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
	HealthOffline   = "offline"
	HealthStarting  = "starting"
	HealthStopping  = "stopping"
)

// HealthMessage is received on graylogic/health/{protocol}.
type HealthMessage struct {
	Bridge    string    `json:"bridge"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
}

// AnnounceMessage is received on graylogic/discovery/{protocol}. Each entry
// registers or refreshes one device.
type AnnounceMessage struct {
	Timestamp time.Time         `json:"timestamp"`
	Bridge    string            `json:"bridge"`
	Devices   []AnnouncedDevice `json:"devices"`
}

// AnnouncedDevice is one entry of an AnnounceMessage.
type AnnouncedDevice struct {
	DeviceID     string         `json:"device_id"`
	Name         string         `json:"name,omitempty"`
	Type         string         `json:"type,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	State        map[string]any `json:"state,omitempty"`
	Removed      bool           `json:"removed,omitempty"`
}

// SystemEvent is a named event received on graylogic/core/event/{type}.
type SystemEvent struct {
	Type      string         `json:"type"`
	Source    string         `json:"source,omitempty"`
	DeviceID  string         `json:"device_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
