package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"pkt.systems/crewwatch/schema"
)

const indent = "  "

// PlainRenderer formats stream events as plain text lines.
type PlainRenderer struct {
	// Timestamps prefixes the first line of each event with its time.
	Timestamps bool
	// StripMarkdown flattens markdown in agent thoughts and outputs.
	StripMarkdown bool
}

// NewPlainRenderer returns a default plain-text renderer.
func NewPlainRenderer() *PlainRenderer {
	return &PlainRenderer{}
}

// FormatEvent converts a StreamEvent into user-facing lines.
func (p *PlainRenderer) FormatEvent(event schema.StreamEvent) []string {
	lines := p.formatBody(event)
	if p.Timestamps && len(lines) > 0 {
		if ts, ok := event.Time(); ok {
			lines[0] = ts.UTC().Format(time.TimeOnly) + " " + lines[0]
		}
	}
	return lines
}

func (p *PlainRenderer) formatBody(event schema.StreamEvent) []string {
	agent := event.String("agent")
	switch event.Type {
	case schema.EventConnected:
		if msg := event.String("message"); msg != "" {
			return []string{msg}
		}
		return []string{"connected"}
	case schema.EventStart:
		return []string{"execution started" + suffix(event.ExecutionID)}
	case schema.EventExecutionCreated:
		return []string{"execution created" + suffix(event.ExecutionID)}
	case schema.EventAgentStart:
		return []string{fmt.Sprintf("[%s] started %s", orDash(agent), event.String("task"))}
	case schema.EventAgentThinking:
		return withBody(fmt.Sprintf("[%s] thinking", orDash(agent)), p.prose(text(event, "thought")))
	case schema.EventAgentAction:
		line := fmt.Sprintf("[%s] %s", orDash(agent), event.String("action"))
		if input := text(event, "input"); input != "" {
			line += " " + input
		}
		return []string{line}
	case schema.EventAgentComplete:
		return withBody(fmt.Sprintf("[%s] done", orDash(agent)), p.prose(text(event, "output")))
	case schema.EventTaskStart:
		return []string{"task started: " + event.String("task")}
	case schema.EventTaskComplete:
		return withBody("task complete: "+event.String("task"), p.prose(text(event, "output")))
	case schema.EventToolCall:
		lines := []string{"tool " + event.String("tool")}
		if input := text(event, "input"); input != "" {
			lines = append(lines, markLines(indent+"> ", splitLines(input))...)
		}
		if output := text(event, "output"); output != "" {
			lines = append(lines, markLines(indent+"< ", splitLines(output))...)
		}
		return lines
	case schema.EventLLMCall:
		line := "llm " + event.String("model")
		if tokens := text(event, "tokens"); tokens != "" {
			line += fmt.Sprintf(" (%s tokens)", tokens)
		}
		return []string{line}
	case schema.EventLog:
		level := event.String("level")
		if level == "" {
			level = "info"
		}
		return withBody(level+": "+firstLine(event.String("message")), restLines(event.String("message")))
	case schema.EventProgress:
		line := "progress"
		if percent := text(event, "percent"); percent != "" {
			line += " " + percent + "%"
		} else if progress := text(event, "progress"); progress != "" {
			line += " " + progress + "%"
		}
		if msg := event.String("message"); msg != "" {
			line += ": " + msg
		}
		return []string{line}
	case schema.EventComplete:
		return withBody("execution complete"+suffix(event.ExecutionID), text(event, "output"))
	case schema.EventError:
		msg := event.String("message")
		if msg == "" {
			msg = event.String("error")
		}
		if msg == "" {
			msg = "unknown"
		}
		return []string{"error: " + msg}
	case schema.EventCancelled:
		return []string{"execution cancelled" + suffix(event.ExecutionID)}
	case schema.EventHumanInputRequired:
		lines := []string{"input required: " + event.String("prompt")}
		var options []string
		if ok, err := event.Field("options", &options); ok && err == nil {
			for _, option := range options {
				lines = append(lines, indent+"- "+option)
			}
		}
		return lines
	case schema.EventFeedbackSubmitted:
		return []string{"feedback submitted" + suffix(event.ExecutionID)}
	default:
		return []string{formatUnknown(event)}
	}
}

// FormatState renders a connection state change.
func (p *PlainRenderer) FormatState(from, to schema.ConnectionState) string {
	return fmt.Sprintf("stream %s -> %s", from, to)
}

func (p *PlainRenderer) prose(body string) string {
	if !p.StripMarkdown {
		return body
	}
	return flattenMarkdown(body)
}

func suffix(id string) string {
	if id == "" {
		return ""
	}
	return " " + id
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}

// text returns a string field verbatim and any other JSON value compacted.
func text(event schema.StreamEvent, name string) string {
	raw, ok := event.Fields[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func formatUnknown(event schema.StreamEvent) string {
	keys := make([]string, 0, len(event.Fields))
	for key := range event.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, string(event.Type))
	for _, key := range keys {
		parts = append(parts, key+"="+strconv.Quote(text(event, key)))
	}
	return strings.Join(parts, " ")
}

func withBody(head, body string) []string {
	lines := []string{head}
	return append(lines, markLines(indent, splitLines(body))...)
}

func firstLine(text string) string {
	first, _, _ := strings.Cut(text, "\n")
	return first
}

func restLines(text string) string {
	_, rest, _ := strings.Cut(text, "\n")
	return rest
}

func splitLines(text string) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func markLines(marker string, lines []string) []string {
	if marker == "" || len(lines) == 0 {
		return lines
	}
	marked := make([]string, 0, len(lines))
	for _, line := range lines {
		marked = append(marked, marker+line)
	}
	return marked
}
