package events

import (
	"sync"
	"time"
)

// Type names a domain event.
type Type string

const (
	StreamCreated  Type = "stream:created"
	StreamStarted  Type = "stream:started"
	StreamStopped  Type = "stream:stopped"
	StreamError    Type = "stream:error"
	SegmentServed  Type = "segment:served"
	QualityChanged Type = "quality:changed"
	QualityAdapted Type = "quality:adapted"
	UserRegistered Type = "user:registered"
	UserRemoved    Type = "user:removed"
)

// Event is a lifecycle notification. StreamID is empty for listener-scoped events.
type Event struct {
	Type       Type           `json:"type"`
	StreamID   string         `json:"streamId,omitempty"`
	ListenerID string         `json:"userId,omitempty"`
	Time       time.Time      `json:"time"`
	Data       map[string]any `json:"data,omitempty"`
}

// Handler receives published events. Handlers run on the publisher's
// goroutine and must not block.
type Handler func(Event)

// Sink is a fire-and-forget telemetry destination.
type Sink interface {
	Record(eventType string, payload map[string]any)
}

// Bus fans events out to subscribed handlers.
// The zero value is not usable; use NewBus. A nil *Bus drops every event.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Handler
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]Handler)}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every current subscriber. Time is set when zero.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// Forward returns a Handler relaying every event into sink.
func Forward(sink Sink) Handler {
	return func(e Event) {
		payload := make(map[string]any, len(e.Data)+2)
		for k, v := range e.Data {
			payload[k] = v
		}
		if e.StreamID != "" {
			payload["streamId"] = e.StreamID
		}
		if e.ListenerID != "" {
			payload["userId"] = e.ListenerID
		}
		sink.Record(string(e.Type), payload)
	}
}
