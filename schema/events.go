package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventType discriminates stream events. The set is open: unknown values are
// carried through untouched.
type EventType string

const (
	// EventConnected confirms the server accepted an execution subscription.
	EventConnected EventType = "connected"
	// EventStart indicates an execution started.
	EventStart EventType = "start"
	// EventAgentStart indicates an agent started working on a task.
	EventAgentStart EventType = "agent_start"
	// EventAgentThinking carries an intermediate agent thought.
	EventAgentThinking EventType = "agent_thinking"
	// EventAgentAction carries an agent action and its input.
	EventAgentAction EventType = "agent_action"
	// EventAgentComplete indicates an agent finished.
	EventAgentComplete EventType = "agent_complete"
	// EventTaskStart indicates a task started.
	EventTaskStart EventType = "task_start"
	// EventTaskComplete indicates a task finished.
	EventTaskComplete EventType = "task_complete"
	// EventToolCall records a tool invocation.
	EventToolCall EventType = "tool_call"
	// EventLLMCall records an LLM invocation.
	EventLLMCall EventType = "llm_call"
	// EventLog carries a log line.
	EventLog EventType = "log"
	// EventProgress carries a progress percentage.
	EventProgress EventType = "progress"
	// EventComplete indicates the execution completed.
	EventComplete EventType = "complete"
	// EventError indicates the execution failed.
	EventError EventType = "error"
	// EventCancelled indicates the execution was cancelled.
	EventCancelled EventType = "cancelled"
	// EventHumanInputRequired indicates the execution waits for feedback.
	EventHumanInputRequired EventType = "human_input_required"
	// EventExecutionCreated announces the execution id assigned to a kickoff.
	EventExecutionCreated EventType = "execution_created"
	// EventFeedbackSubmitted acknowledges a human_feedback command.
	EventFeedbackSubmitted EventType = "feedback_submitted"
)

// Terminal reports whether the server stops forwarding after this event.
func (t EventType) Terminal() bool {
	switch t {
	case EventComplete, EventError, EventCancelled:
		return true
	default:
		return false
	}
}

// ErrMalformedEvent indicates an inbound frame is not a stream event object.
var ErrMalformedEvent = errors.New("malformed stream event")

// StreamEvent is one structured message received over a live stream. Only
// Type and ExecutionID are interpreted; every other field is kept verbatim
// in Fields.
type StreamEvent struct {
	Type        EventType
	ExecutionID string
	Timestamp   json.RawMessage
	Fields      map[string]json.RawMessage
}

const (
	fieldType        = "type"
	fieldExecutionID = "execution_id"
	fieldTimestamp   = "timestamp"
)

// ParseStreamEvent decodes a text frame into a StreamEvent. Frames that are
// not JSON objects or lack a string type are rejected with ErrMalformedEvent.
func ParseStreamEvent(data []byte) (StreamEvent, error) {
	var event StreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		if errors.Is(err, ErrMalformedEvent) {
			return StreamEvent{}, err
		}
		return StreamEvent{}, errors.Join(ErrMalformedEvent, err)
	}
	return event, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *StreamEvent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ErrMalformedEvent
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return errors.Join(ErrMalformedEvent, err)
	}
	var eventType string
	if err := json.Unmarshal(raw[fieldType], &eventType); err != nil || strings.TrimSpace(eventType) == "" {
		return fmt.Errorf("%w: missing string type", ErrMalformedEvent)
	}
	out := StreamEvent{Type: EventType(eventType)}
	if value, ok := raw[fieldExecutionID]; ok {
		var id string
		if err := json.Unmarshal(value, &id); err == nil {
			out.ExecutionID = id
		} else {
			// Non-string ids are preserved as opaque fields.
			out.setField(fieldExecutionID, value)
		}
	}
	if value, ok := raw[fieldTimestamp]; ok && !isNull(value) {
		out.Timestamp = append(json.RawMessage(nil), value...)
	}
	for key, value := range raw {
		switch key {
		case fieldType, fieldExecutionID, fieldTimestamp:
			continue
		}
		out.setField(key, value)
	}
	*e = out
	return nil
}

// MarshalJSON implements json.Marshaler and reproduces the flat wire shape.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.Fields)+3)
	for key, value := range e.Fields {
		out[key] = value
	}
	typ, err := json.Marshal(string(e.Type))
	if err != nil {
		return nil, err
	}
	out[fieldType] = typ
	if e.ExecutionID != "" {
		id, err := json.Marshal(e.ExecutionID)
		if err != nil {
			return nil, err
		}
		out[fieldExecutionID] = id
	}
	if len(e.Timestamp) > 0 {
		out[fieldTimestamp] = e.Timestamp
	}
	return json.Marshal(out)
}

// Field decodes the named pass-through field into v.
func (e StreamEvent) Field(name string, v any) (bool, error) {
	value, ok := e.Fields[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(value, v); err != nil {
		return true, err
	}
	return true, nil
}

// String returns the named field when it is a JSON string.
func (e StreamEvent) String(name string) string {
	var out string
	if ok, err := e.Field(name, &out); !ok || err != nil {
		return ""
	}
	return out
}

// Time interprets Timestamp as unix seconds or an RFC 3339 string.
func (e StreamEvent) Time() (time.Time, bool) {
	if len(e.Timestamp) == 0 {
		return time.Time{}, false
	}
	var text string
	if err := json.Unmarshal(e.Timestamp, &text); err == nil {
		parsed, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	seconds, err := strconv.ParseFloat(string(e.Timestamp), 64)
	if err != nil {
		return time.Time{}, false
	}
	whole := int64(seconds)
	nanos := int64((seconds - float64(whole)) * float64(time.Second))
	return time.Unix(whole, nanos), true
}

func (e *StreamEvent) setField(name string, value json.RawMessage) {
	if e.Fields == nil {
		e.Fields = make(map[string]json.RawMessage)
	}
	e.Fields[name] = append(json.RawMessage(nil), value...)
}

func isNull(value json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(value), []byte("null"))
}
