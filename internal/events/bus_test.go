package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := New()
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(Event{Type: EventAgentConnected, AgentID: "a-1", Timestamp: time.Now()})

	select {
	case evt := <-ch:
		if evt.Type != EventAgentConnected || evt.AgentID != "a-1" {
			t.Errorf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	bus := New()
	ch, cancel := bus.Subscribe()
	defer cancel()

	// Overfill the subscriber buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			bus.Publish(Event{Type: EventCommandQueued})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if n := len(ch); n != subscriberBufferSize {
		t.Errorf("buffered events = %d, want %d", n, subscriberBufferSize)
	}
}

func TestCancelUnsubscribes(t *testing.T) {
	bus := New()
	ch, cancel := bus.Subscribe()
	cancel()
	cancel() // idempotent

	bus.Publish(Event{Type: EventIOCMatch})
	if _, open := <-ch; open {
		t.Error("channel should be closed after cancel")
	}
}
