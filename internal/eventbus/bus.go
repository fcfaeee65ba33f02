// Package eventbus hands a target's stream events and state changes to
// channel subscribers.
package eventbus

import (
	"context"
	"sync"

	"pkt.systems/crewwatch/schema"
	"pkt.systems/pslog"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventStream carries a stream event.
	EventStream EventType = "stream"
	// EventState carries a connection state change.
	EventState EventType = "state"
)

// Event is one notification for a target's subscribers.
type Event struct {
	Type   EventType
	Target schema.Target
	Stream schema.StreamEvent
	From   schema.ConnectionState
	To     schema.ConnectionState
}

const defaultBuffer = 64

// Bus delivers events to per-target subscribers without loss. Publishing
// waits until every subscriber of the target has taken the event or has
// cancelled, so a slow reader slows the publisher instead of missing lines.
type Bus struct {
	mu     sync.Mutex
	subs   map[schema.Target][]*subscription
	log    pslog.Logger
	buffer int
}

type subscription struct {
	ch   chan Event
	done chan struct{}

	// sendMu serializes sends against the final close of ch.
	sendMu sync.Mutex
	closed bool
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:   make(map[schema.Target][]*subscription),
		log:    logger,
		buffer: defaultBuffer,
	}
}

// Subscribe registers a subscriber for target. The returned channel is
// closed by cancel, after which buffered events can still be drained. A
// subscriber must keep reading or cancel.
func (b *Bus) Subscribe(target schema.Target) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	sub := &subscription{ch: make(chan Event, b.buffer), done: make(chan struct{})}
	b.mu.Lock()
	b.subs[target] = append(b.subs[target], sub)
	count := len(b.subs[target])
	b.mu.Unlock()
	log := b.log.With("target", target.String())
	log.Debug("eventbus subscribe", "subs", count)

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.remove(target, sub)
			close(sub.done)
			sub.sendMu.Lock()
			sub.closed = true
			close(sub.ch)
			sub.sendMu.Unlock()
			log.Debug("eventbus unsubscribe")
		})
	}
}

// OnStreamEvent publishes a stream event.
func (b *Bus) OnStreamEvent(target schema.Target, event schema.StreamEvent) {
	b.publish(target, Event{Type: EventStream, Target: target, Stream: event})
}

// OnStateChange publishes a connection state change.
func (b *Bus) OnStateChange(target schema.Target, from, to schema.ConnectionState) {
	b.publish(target, Event{Type: EventState, Target: target, From: from, To: to})
}

func (b *Bus) remove(target schema.Target, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[target]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, target)
		return
	}
	b.subs[target] = subs
}

func (b *Bus) publish(target schema.Target, event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := b.subs[target]
	b.mu.Unlock()
	for _, sub := range subs {
		if !sub.deliver(event) {
			b.log.With("target", target.String()).Trace("eventbus skip cancelled", "type", string(event.Type))
		}
	}
}

// deliver blocks until the subscriber takes event or cancels.
func (s *subscription) deliver(event Event) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- event:
		return true
	case <-s.done:
		return false
	}
}
