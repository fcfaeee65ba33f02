package crewwatch

import "pkt.systems/crewwatch/schema"

// EventSink receives events and state changes delivered by a live stream.
// Calls arrive one at a time, in delivery order.
type EventSink interface {
	OnStreamEvent(target schema.Target, event schema.StreamEvent)
	OnStateChange(target schema.Target, from, to schema.ConnectionState)
}

type eventFanout struct {
	sinks []EventSink
}

func (f eventFanout) OnStreamEvent(target schema.Target, event schema.StreamEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnStreamEvent(target, event)
	}
}

func (f eventFanout) OnStateChange(target schema.Target, from, to schema.ConnectionState) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnStateChange(target, from, to)
	}
}
