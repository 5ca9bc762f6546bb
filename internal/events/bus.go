// Package events provides the in-process publish/subscribe bus for
// lifecycle and health notifications.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSignalGenerated EventType = "SIGNAL_GENERATED"
	EventSignalExpired   EventType = "SIGNAL_EXPIRED"
	EventTradeOpened     EventType = "TRADE_OPENED"
	EventTradeClosed     EventType = "TRADE_CLOSED"
	EventEntryBlocked    EventType = "ENTRY_BLOCKED"
	EventHealthChanged   EventType = "HEALTH_CHANGED"
	EventEmergencyStop   EventType = "EMERGENCY_STOP"
	EventEngineStarted   EventType = "ENGINE_STARTED"
	EventEngineStopped   EventType = "ENGINE_STOPPED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run on their own
// goroutines so a slow consumer never blocks the trading loop.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishSignal publishes a signal generated event
func (b *Bus) PublishSignal(instrument, direction string, confluence, entryPrice float64) {
	b.Publish(Event{
		Type: EventSignalGenerated,
		Data: map[string]interface{}{
			"instrument":  instrument,
			"direction":   direction,
			"confluence":  confluence,
			"entry_price": entryPrice,
		},
	})
}

// PublishTradeOpened publishes a trade opened event
func (b *Bus) PublishTradeOpened(instrument, direction string, entryPrice, size float64) {
	b.Publish(Event{
		Type: EventTradeOpened,
		Data: map[string]interface{}{
			"instrument":  instrument,
			"direction":   direction,
			"entry_price": entryPrice,
			"size":        size,
		},
	})
}

// PublishTradeClosed publishes a trade closed event
func (b *Bus) PublishTradeClosed(instrument, reason string, exitPrice, pnl, balanceAfter float64) {
	b.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"instrument":    instrument,
			"reason":        reason,
			"exit_price":    exitPrice,
			"pnl":           pnl,
			"balance_after": balanceAfter,
		},
	})
}

// PublishEntryBlocked publishes a gate or filter rejection
func (b *Bus) PublishEntryBlocked(instrument, stage, reason string) {
	b.Publish(Event{
		Type: EventEntryBlocked,
		Data: map[string]interface{}{
			"instrument": instrument,
			"stage":      stage,
			"reason":     reason,
		},
	})
}

// PublishHealthChanged publishes an engine health transition
func (b *Bus) PublishHealthChanged(status, detail string) {
	b.Publish(Event{
		Type: EventHealthChanged,
		Data: map[string]interface{}{
			"status": status,
			"detail": detail,
		},
	})
}
