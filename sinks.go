package crewwatch

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"pkt.systems/crewwatch/internal/format"
	"pkt.systems/crewwatch/internal/persist"
	"pkt.systems/crewwatch/internal/relay"
	"pkt.systems/crewwatch/schema"
	"pkt.systems/pslog"
)

const sinkTimeout = 5 * time.Second

// JournalSink appends every delivered event to a persist.Journal.
type JournalSink struct {
	Journal *persist.Journal
	Logger  pslog.Logger
}

// OnStreamEvent implements EventSink.
func (s JournalSink) OnStreamEvent(target schema.Target, event schema.StreamEvent) {
	if s.Journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if _, err := s.Journal.Append(ctx, target, event); err != nil && s.Logger != nil {
		s.Logger.Warn("journal append failed", "target", target.String(), "type", string(event.Type), "err", err)
	}
}

// OnStateChange implements EventSink.
func (JournalSink) OnStateChange(schema.Target, schema.ConnectionState, schema.ConnectionState) {}

// RelaySink republishes every delivered event to Redis.
type RelaySink struct {
	Publisher *relay.Publisher
}

// OnStreamEvent implements EventSink. Failures are logged by the publisher.
func (s RelaySink) OnStreamEvent(target schema.Target, event schema.StreamEvent) {
	if s.Publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	_, _ = s.Publisher.Publish(ctx, target, event)
}

// OnStateChange implements EventSink.
func (RelaySink) OnStateChange(schema.Target, schema.ConnectionState, schema.ConnectionState) {}

// PrinterSink renders events as plain text lines on W.
type PrinterSink struct {
	W        io.Writer
	Renderer *format.PlainRenderer
	// States also prints connection state changes.
	States bool

	mu sync.Mutex
}

// NewPrinterSink returns a printer writing to w.
func NewPrinterSink(w io.Writer, timestamps bool, states bool) *PrinterSink {
	return &PrinterSink{W: w, Renderer: &format.PlainRenderer{Timestamps: timestamps}, States: states}
}

// OnStreamEvent implements EventSink.
func (p *PrinterSink) OnStreamEvent(_ schema.Target, event schema.StreamEvent) {
	renderer := p.Renderer
	if renderer == nil {
		renderer = format.NewPlainRenderer()
	}
	p.write(renderer.FormatEvent(event))
}

// OnStateChange implements EventSink.
func (p *PrinterSink) OnStateChange(_ schema.Target, from, to schema.ConnectionState) {
	if !p.States {
		return
	}
	renderer := p.Renderer
	if renderer == nil {
		renderer = format.NewPlainRenderer()
	}
	p.write([]string{renderer.FormatState(from, to)})
}

func (p *PrinterSink) write(lines []string) {
	if p.W == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, line := range lines {
		_, _ = fmt.Fprintln(p.W, line)
	}
}
