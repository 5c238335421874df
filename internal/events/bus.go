// Package events carries test lifecycle notifications from the orchestrator
// to observers such as the MQTT publisher and the live monitor.
package events

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Event types
const (
	CampaignStarted  = "campaign_started"
	CampaignFinished = "campaign_finished"
	StateChanged     = "state_changed"
	StepStarted      = "step_started"
	StepFinished     = "step_finished"
	PortConfirmed    = "port_confirmed"
	PortRejected     = "port_rejected"
	ReportAppended   = "report_appended"
)

// Fields is the payload of an event. Observers read it through the typed
// accessors so a missing or mistyped key yields the zero value.
type Fields map[string]any

// String returns the string stored under key.
func (f Fields) String(key string) string {
	s, _ := f[key].(string)
	return s
}

// Bool returns the bool stored under key.
func (f Fields) Bool(key string) bool {
	b, _ := f[key].(bool)
	return b
}

// Float returns the number stored under key as a float64.
func (f Fields) Float(key string) float64 {
	switch v := f[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Strings returns a copy of the string list stored under key.
func (f Fields) Strings(key string) []string {
	v, _ := f[key].([]string)
	return slices.Clone(v)
}

// Event is a single lifecycle notification. Seq increases by one for every
// event emitted on a bus, starting at 1.
type Event struct {
	Seq  uint64    `json:"seq"`
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data Fields    `json:"data,omitempty"`
}

// Handler is a callback for events.
type Handler func(Event)

type subscription struct {
	id      uint64
	types   []string // empty matches every type
	handler Handler
}

func (s subscription) matches(eventType string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, eventType)
}

// Bus delivers events synchronously, in subscription order.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	seq    uint64
	logger *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers handler for the given event types, or for every type
// when none are given. The returned function removes the subscription.
func (b *Bus) Subscribe(handler Handler, types ...string) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, types: slices.Clone(types), handler: handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(s subscription) bool { return s.id == id })
	}
}

// On registers a handler for one event type.
func (b *Bus) On(eventType string, handler Handler) func() {
	return b.Subscribe(handler, eventType)
}

// OnAll registers a handler that receives all events.
func (b *Bus) OnAll(handler Handler) func() {
	return b.Subscribe(handler)
}

// Emit stamps and delivers an event. A nil Bus drops the event. A panicking
// handler is recovered and logged; later handlers still run.
func (b *Bus) Emit(eventType string, data Fields) {
	if b == nil {
		return
	}

	b.mu.Lock()
	b.seq++
	event := Event{Seq: b.seq, Type: eventType, Time: time.Now(), Data: data}
	var handlers []Handler
	for _, s := range b.subs {
		if s.matches(eventType) {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.deliver(event, h)
	}
}

func (b *Bus) deliver(e Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "type", e.Type, "seq", e.Seq, "panic", r)
		}
	}()
	h(e)
}
