package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	// DefaultHistorySize is the number of recent events retained for replay.
	DefaultHistorySize = 1000

	// DefaultChannelBuffer is the buffer size for subscriber channels.
	DefaultChannelBuffer = 100
)

// SubscriptionID is a unique identifier for event subscriptions.
type SubscriptionID string

// Subscription represents a single event subscription.
type Subscription struct {
	ID        SubscriptionID
	EventType EventType
	Handler   func(Event)
	Channel   chan Event
	done      chan struct{}
}

// Bus is a thread-safe pub/sub hub with wildcard support and event history.
// Publishers never block: a subscriber whose channel is full misses events.
type Bus struct {
	subscriptions   map[SubscriptionID]*Subscription
	subscriptionsMu sync.RWMutex
	subCounter      atomic.Uint64

	// Event type to subscription mapping for fast lookup
	typedSubs   map[EventType]map[SubscriptionID]*Subscription
	typedSubsMu sync.RWMutex

	// Wildcard subscribers (receive all events)
	wildcardSubs   map[SubscriptionID]*Subscription
	wildcardSubsMu sync.RWMutex

	// Event history for replay
	history     []Event
	historyMu   sync.RWMutex
	historySize int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a Bus with the default history size.
func New() *Bus {
	return NewWithHistory(DefaultHistorySize)
}

// NewWithHistory creates a Bus with a custom history size.
func NewWithHistory(historySize int) *Bus {
	ctx, cancel := context.WithCancel(context.Background())

	return &Bus{
		subscriptions: make(map[SubscriptionID]*Subscription),
		typedSubs:     make(map[EventType]map[SubscriptionID]*Subscription),
		wildcardSubs:  make(map[SubscriptionID]*Subscription),
		history:       make([]Event, 0, historySize),
		historySize:   historySize,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Subscribe registers a handler for a specific event type.
// Use EventType("") to subscribe to all events (wildcard).
// Returns a subscription ID that can be used to unsubscribe.
func (b *Bus) Subscribe(eventType EventType, handler func(Event)) SubscriptionID {
	if b.closed.Load() {
		return ""
	}

	id := SubscriptionID(fmt.Sprintf("sub_%d", b.subCounter.Add(1)))

	sub := &Subscription{
		ID:        id,
		EventType: eventType,
		Handler:   handler,
		Channel:   make(chan Event, DefaultChannelBuffer),
		done:      make(chan struct{}),
	}

	b.subscriptionsMu.Lock()
	b.subscriptions[id] = sub
	b.subscriptionsMu.Unlock()

	if eventType == "" {
		b.wildcardSubsMu.Lock()
		b.wildcardSubs[id] = sub
		b.wildcardSubsMu.Unlock()
	} else {
		b.typedSubsMu.Lock()
		if b.typedSubs[eventType] == nil {
			b.typedSubs[eventType] = make(map[SubscriptionID]*Subscription)
		}
		b.typedSubs[eventType][id] = sub
		b.typedSubsMu.Unlock()
	}

	b.wg.Add(1)
	go b.handleSubscription(sub)

	return id
}

// handleSubscription processes events for a single subscription.
func (b *Bus) handleSubscription(sub *Subscription) {
	defer b.wg.Done()

	for {
		select {
		case event := <-sub.Channel:
			sub.Handler(event)
		case <-sub.done:
			return
		case <-b.ctx.Done():
			return
		}
	}
}

// Unsubscribe removes a subscription by ID.
func (b *Bus) Unsubscribe(id SubscriptionID) error {
	if b.closed.Load() {
		return fmt.Errorf("bus is closed")
	}

	b.subscriptionsMu.Lock()
	sub, exists := b.subscriptions[id]
	if !exists {
		b.subscriptionsMu.Unlock()
		return fmt.Errorf("subscription %s not found", id)
	}
	delete(b.subscriptions, id)
	b.subscriptionsMu.Unlock()

	if sub.EventType == "" {
		b.wildcardSubsMu.Lock()
		delete(b.wildcardSubs, id)
		b.wildcardSubsMu.Unlock()
	} else {
		b.typedSubsMu.Lock()
		if subs, ok := b.typedSubs[sub.EventType]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.typedSubs, sub.EventType)
			}
		}
		b.typedSubsMu.Unlock()
	}

	close(sub.done)
	return nil
}

// Publish sends an event to all matching subscribers. Events missing an id or
// timestamp get them filled in.
func (b *Bus) Publish(event Event) error {
	if b.closed.Load() {
		return fmt.Errorf("bus is closed")
	}

	if event.ID == "" || event.Timestamp.IsZero() {
		filled := NewEvent(event.Type)
		filled.DeviceID = event.DeviceID
		filled.SessionID = event.SessionID
		filled.TaskID = event.TaskID
		filled.From = event.From
		filled.To = event.To
		filled.Content = event.Content
		filled.Error = event.Error
		filled.Confidence = event.Confidence
		filled.DurationMs = event.DurationMs
		filled.Fields = event.Fields
		if event.ID != "" {
			filled.ID = event.ID
		}
		if !event.Timestamp.IsZero() {
			filled.Timestamp = event.Timestamp
		}
		event = filled
	}

	b.addToHistory(event)

	b.wildcardSubsMu.RLock()
	for _, sub := range b.wildcardSubs {
		select {
		case sub.Channel <- event:
		default:
			// Channel full, drop event for this subscriber
		}
	}
	b.wildcardSubsMu.RUnlock()

	b.typedSubsMu.RLock()
	if subs, ok := b.typedSubs[event.Type]; ok {
		for _, sub := range subs {
			select {
			case sub.Channel <- event:
			default:
				// Channel full, drop event for this subscriber
			}
		}
	}
	b.typedSubsMu.RUnlock()

	return nil
}

// addToHistory safely appends an event to the history buffer.
func (b *Bus) addToHistory(event Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	b.history = append(b.history, event)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}
}

// History returns a copy of the recent event history.
func (b *Bus) History() []Event {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	result := make([]Event, len(b.history))
	copy(result, b.history)
	return result
}

// HistorySlice returns the last n events.
func (b *Bus) HistorySlice(n int) []Event {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	if n > len(b.history) {
		n = len(b.history)
	}
	start := len(b.history) - n
	result := make([]Event, n)
	copy(result, b.history[start:])
	return result
}

// SubscriptionsCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionsCount() int {
	b.subscriptionsMu.RLock()
	defer b.subscriptionsMu.RUnlock()
	return len(b.subscriptions)
}

// Close shuts down the bus and all subscriptions.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("bus already closed")
	}

	b.cancel()
	b.wg.Wait()

	b.subscriptionsMu.Lock()
	for _, sub := range b.subscriptions {
		close(sub.Channel)
	}
	b.subscriptions = make(map[SubscriptionID]*Subscription)
	b.subscriptionsMu.Unlock()

	b.typedSubsMu.Lock()
	b.typedSubs = make(map[EventType]map[SubscriptionID]*Subscription)
	b.typedSubsMu.Unlock()

	b.wildcardSubsMu.Lock()
	b.wildcardSubs = make(map[SubscriptionID]*Subscription)
	b.wildcardSubsMu.Unlock()

	return nil
}
