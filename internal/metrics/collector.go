// Package metrics aggregates bus traffic into live counters for the operator
// status surface.
package metrics

import (
	"sync"
	"time"

	"github.com/mobileclaw/mobileclaw/internal/bus"
)

// Stats holds the counters since process start.
type Stats struct {
	StartTime time.Time `json:"start_time"`

	TasksStarted   int `json:"tasks_started"`
	TasksSucceeded int `json:"tasks_succeeded"`
	TasksFailed    int `json:"tasks_failed"`
	TasksAborted   int `json:"tasks_aborted"`

	StepsStarted  int `json:"steps_started"`
	StepsVerified int `json:"steps_verified"`
	StepsRetried  int `json:"steps_retried"`

	GroundingFailures int `json:"grounding_failures"`

	ProviderRequests  int   `json:"provider_requests"`
	ProviderErrors    int   `json:"provider_errors"`
	ProviderLatencyMs int64 `json:"provider_latency_ms_total"`

	DeviceFaults     int `json:"device_faults"`
	DeviceReconnects int `json:"device_reconnects"`

	MessagesIn  int `json:"messages_in"`
	MessagesOut int `json:"messages_out"`

	LastEvent     string    `json:"last_event,omitempty"`
	LastEventTime time.Time `json:"last_event_time,omitempty"`
}

// Collector subscribes to the event bus and aggregates Stats.
type Collector struct {
	bus *bus.Bus

	mu      sync.RWMutex
	stats   Stats
	subs    []bus.SubscriptionID
	stopped bool
}

func NewCollector(b *bus.Bus) *Collector {
	return &Collector{
		bus:   b,
		stats: Stats{StartTime: time.Now()},
	}
}

// Start begins listening. Safe to call once.
func (c *Collector) Start() {
	if c.bus == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	for _, t := range []bus.EventType{
		bus.EventTaskStarted,
		bus.EventTaskFinished,
		bus.EventStepStarted,
		bus.EventStepVerified,
		bus.EventStepRetried,
		bus.EventGroundingFailed,
		bus.EventProviderRequest,
		bus.EventProviderError,
		bus.EventDeviceFaulted,
		bus.EventDeviceReconnecting,
		bus.EventMessageIn,
		bus.EventMessageOut,
	} {
		c.subs = append(c.subs, c.bus.Subscribe(t, c.handleEvent))
	}
}

// Stop unsubscribes from the bus.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	for _, id := range c.subs {
		c.bus.Unsubscribe(id)
	}
	c.subs = nil
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *Collector) handleEvent(event bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &c.stats
	switch event.Type {
	case bus.EventTaskStarted:
		s.TasksStarted++
	case bus.EventTaskFinished:
		switch result(event) {
		case "success":
			s.TasksSucceeded++
		case "aborted":
			s.TasksAborted++
		default:
			s.TasksFailed++
		}
	case bus.EventStepStarted:
		s.StepsStarted++
	case bus.EventStepVerified:
		s.StepsVerified++
	case bus.EventStepRetried:
		s.StepsRetried++
	case bus.EventGroundingFailed:
		s.GroundingFailures++
	case bus.EventProviderRequest:
		s.ProviderRequests++
		s.ProviderLatencyMs += event.DurationMs
	case bus.EventProviderError:
		s.ProviderErrors++
	case bus.EventDeviceFaulted:
		s.DeviceFaults++
	case bus.EventDeviceReconnecting:
		s.DeviceReconnects++
	case bus.EventMessageIn:
		s.MessagesIn++
	case bus.EventMessageOut:
		s.MessagesOut++
	}

	s.LastEvent = string(event.Type)
	s.LastEventTime = event.Timestamp
}

func result(event bus.Event) string {
	if event.Fields == nil {
		return ""
	}
	r, _ := event.Fields["result"].(string)
	return r
}
