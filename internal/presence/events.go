package presence

import (
	"log/slog"
	"slices"
	"sync"
)

// Event types published by the Monitor.
const (
	EventOccupied        = "occupied"
	EventVacant          = "vacant"
	EventTickError       = "tick_error"
	EventCondensed       = "condensed"
	EventSettingsChanged = "settings_changed"
)

// Event is one presence notification. Data is a map[string]interface{} for
// every event the Monitor emits.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// EventHandler receives events on the emitting goroutine.
type EventHandler func(Event)

type subscription struct {
	id      uint64
	match   string // empty matches every type
	handler EventHandler
}

// EventBus fans presence events out to subscribers in subscription order.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// On subscribes handler to one event type and returns its unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll subscribes handler to every event type.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(match string, handler EventHandler) func() {
	eb.mu.Lock()
	eb.nextID++
	id := eb.nextID
	eb.subs = append(eb.subs, subscription{id: id, match: match, handler: handler})
	eb.mu.Unlock()

	return func() {
		eb.mu.Lock()
		eb.subs = slices.DeleteFunc(eb.subs, func(s subscription) bool { return s.id == id })
		eb.mu.Unlock()
	}
}

// Emit runs the matching handlers synchronously. The Monitor emits
// transitions while it holds the bus, so handlers must not block on sensor
// access. A panicking handler is logged and skipped.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	var targets []EventHandler
	for _, s := range eb.subs {
		if s.match == "" || s.match == event.Type {
			targets = append(targets, s.handler)
		}
	}
	eb.mu.RUnlock()

	for _, h := range targets {
		eb.deliver(h, event)
	}
}

func (eb *EventBus) deliver(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
