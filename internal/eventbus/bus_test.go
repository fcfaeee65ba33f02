package eventbus

import (
	"testing"
	"time"

	"pkt.systems/crewwatch/schema"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := New(nil)
	target := schema.ExecutionTarget("exec-1")
	ch, cancel := bus.Subscribe(target)
	defer cancel()

	bus.OnStreamEvent(target, schema.StreamEvent{Type: schema.EventLog, ExecutionID: "exec-1"})

	select {
	case got := <-ch:
		if got.Type != EventStream {
			t.Fatalf("expected stream event, got %v", got.Type)
		}
		if got.Target != target || got.Stream.ExecutionID != "exec-1" {
			t.Fatalf("unexpected payload: %+v", got)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for event")
	}
}

func TestStateChangeIsPublished(t *testing.T) {
	bus := New(nil)
	target := schema.CrewTarget("crew-1")
	ch, cancel := bus.Subscribe(target)
	defer cancel()
	bus.OnStateChange(target, schema.StateConnecting, schema.StateConnected)
	got := <-ch
	if got.Type != EventState || got.From != schema.StateConnecting || got.To != schema.StateConnected {
		t.Fatalf("unexpected state event %+v", got)
	}
}

func TestPublishIsScopedToTarget(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe(schema.ExecutionTarget("a"))
	defer cancel()
	bus.OnStreamEvent(schema.ExecutionTarget("b"), schema.StreamEvent{Type: schema.EventLog})
	select {
	case got := <-ch:
		t.Fatalf("unexpected event for other target: %+v", got)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(nil)
	target := schema.ExecutionTarget("exec-1")
	ch, cancel := bus.Subscribe(target)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed")
	}
	bus.mu.Lock()
	remaining := len(bus.subs)
	bus.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected no subscribers, got %d targets", remaining)
	}
	bus.OnStreamEvent(target, schema.StreamEvent{Type: schema.EventLog})
}

func TestSlowSubscriberGetsEveryEvent(t *testing.T) {
	bus := New(nil)
	target := schema.ExecutionTarget("exec-1")
	ch, cancel := bus.Subscribe(target)
	const total = 1000
	got := make(chan int, 1)
	go func() {
		n := 0
		for range ch {
			if n%100 == 0 {
				time.Sleep(time.Millisecond)
			}
			n++
		}
		got <- n
	}()
	for i := 0; i < total; i++ {
		bus.OnStreamEvent(target, schema.StreamEvent{Type: schema.EventLog})
	}
	cancel()
	select {
	case n := <-got:
		if n != total {
			t.Fatalf("subscriber saw %d of %d events", n, total)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("subscriber never finished")
	}
}

func TestCancelReleasesBlockedPublisher(t *testing.T) {
	bus := New(nil)
	bus.buffer = 1
	target := schema.ExecutionTarget("exec-1")
	_, cancel := bus.Subscribe(target)

	bus.OnStreamEvent(target, schema.StreamEvent{Type: schema.EventLog})
	done := make(chan struct{})
	go func() {
		bus.OnStreamEvent(target, schema.StreamEvent{Type: schema.EventComplete})
		close(done)
	}()
	select {
	case <-done:
		t.Fatalf("publish should wait for a full subscriber")
	case <-time.After(20 * time.Millisecond):
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish stayed blocked after cancel")
	}
}

func TestNilBusIsSafe(t *testing.T) {
	var bus *Bus
	ch, cancel := bus.Subscribe(schema.ExecutionTarget("x"))
	cancel()
	if ch != nil {
		t.Fatalf("expected nil channel from nil bus")
	}
	bus.OnStreamEvent(schema.ExecutionTarget("x"), schema.StreamEvent{})
}
