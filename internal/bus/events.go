// Package bus provides the internal event bus connecting the bridge,
// orchestrator, executor, memory store, metrics, and the operator observer.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies an event flowing through the bus.
type EventType string

const (
	// Device lifecycle events
	EventDeviceConnected    EventType = "device.connected"
	EventDeviceDisconnected EventType = "device.disconnected"
	EventDeviceFaulted      EventType = "device.faulted"
	EventDeviceReconnecting EventType = "device.reconnecting"
	EventDevicePush         EventType = "device.push"

	// Task state machine events
	EventTaskState    EventType = "task.state"
	EventTaskStarted  EventType = "task.started"
	EventTaskFinished EventType = "task.finished"

	// Action loop events
	EventStepStarted     EventType = "step.started"
	EventStepVerified    EventType = "step.verified"
	EventStepRetried     EventType = "step.retried"
	EventGroundingFailed EventType = "grounding.failed"

	// Chat events
	EventMessageIn  EventType = "message.in"
	EventMessageOut EventType = "message.out"

	// Memory events
	EventMemoryWrite EventType = "memory.write"
	EventMemoryLog   EventType = "memory.log"

	// Model provider events
	EventProviderRequest EventType = "provider.request"
	EventProviderError   EventType = "provider.error"
)

// Event is one record on the bus. Fields are populated as relevant to the
// event type; zero values are omitted from the JSON encoding.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	DeviceID  string `json:"device_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`

	// State transition context for task.state events.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	Content    string  `json:"content,omitempty"`
	Error      string  `json:"error,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`

	Fields map[string]any `json:"fields,omitempty"`
}

// NewEvent constructs an event with a fresh id and timestamp.
func NewEvent(t EventType) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      t,
	}
}
