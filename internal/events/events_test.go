package events

import (
	"sync"
	"testing"
)

type recordingSink struct {
	mu    sync.Mutex
	types []string
	last  map[string]any
}

func (s *recordingSink) Record(eventType string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = append(s.types, eventType)
	s.last = payload
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := NewBus()
	var got []Event
	unsub := b.Subscribe(func(e Event) { got = append(got, e) })

	b.Publish(Event{Type: StreamCreated, StreamID: "s1"})
	if len(got) != 1 || got[0].Type != StreamCreated {
		t.Fatalf("expected one stream:created event, got %v", got)
	}
	if got[0].Time.IsZero() {
		t.Error("Publish should stamp the event time")
	}

	unsub()
	unsub()
	b.Publish(Event{Type: StreamStopped})
	if len(got) != 1 {
		t.Errorf("unsubscribed handler should not receive events, got %d", len(got))
	}
}

func TestBus_nil_is_noop(t *testing.T) {
	var b *Bus
	b.Publish(Event{Type: StreamCreated})
}

func TestForward(t *testing.T) {
	sink := &recordingSink{}
	b := NewBus()
	b.Subscribe(Forward(sink))

	b.Publish(Event{Type: QualityAdapted, ListenerID: "u1", Data: map[string]any{"to": "high"}})

	if len(sink.types) != 1 || sink.types[0] != string(QualityAdapted) {
		t.Fatalf("unexpected types %v", sink.types)
	}
	if sink.last["userId"] != "u1" || sink.last["to"] != "high" {
		t.Errorf("unexpected payload %v", sink.last)
	}
}
