package events

import (
	"log/slog"
	"sync"
	"testing"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := NewBus(slog.Default())

	var got []Type
	bus.Subscribe(func(ev Event) {
		got = append(got, ev.Type)
	}, ToolInvoked, ToolFailed)

	bus.Publish(Event{Type: ToolInvoked})
	bus.Publish(Event{Type: ServerConnected}) // not subscribed
	bus.Publish(Event{Type: ToolFailed})

	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0] != ToolInvoked || got[1] != ToolFailed {
		t.Errorf("events out of order: %v", got)
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus(slog.Default())

	count := 0
	bus.SubscribeAll(func(Event) { count++ })

	bus.Publish(Event{Type: ServerConnected})
	bus.Publish(Event{Type: BudgetExceeded})

	if count != 2 {
		t.Errorf("expected 2 deliveries, got %d", count)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(slog.Default())

	count := 0
	id := bus.Subscribe(func(Event) { count++ }, ToolInvoked)

	bus.Publish(Event{Type: ToolInvoked})
	bus.Unsubscribe(id)
	bus.Publish(Event{Type: ToolInvoked})

	if count != 1 {
		t.Errorf("expected 1 delivery after unsubscribe, got %d", count)
	}
}

func TestBus_PanickingSubscriberIsolated(t *testing.T) {
	bus := NewBus(slog.Default())

	bus.Subscribe(func(Event) { panic("boom") }, ToolInvoked)
	delivered := false
	bus.Subscribe(func(Event) { delivered = true }, ToolInvoked)

	bus.Publish(Event{Type: ToolInvoked}) // must not panic the publisher

	if !delivered {
		t.Error("second subscriber should still receive the event")
	}
}

func TestBus_TimestampDefaulted(t *testing.T) {
	bus := NewBus(slog.Default())

	var got Event
	bus.SubscribeAll(func(ev Event) { got = ev })
	bus.Publish(Event{Type: ServerError})

	if got.Timestamp.IsZero() {
		t.Error("publish should stamp the event")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(slog.Default())

	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(Event{Type: ToolInvoked})
			}
		}()
	}
	wg.Wait()

	if count != 1000 {
		t.Errorf("expected 1000 deliveries, got %d", count)
	}
}
