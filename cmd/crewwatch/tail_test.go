package main

import (
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/crewwatch/internal/eventbus"
	"pkt.systems/crewwatch/internal/format"
	"pkt.systems/crewwatch/schema"
)

// slowWriter stands in for a pager or slow terminal.
type slowWriter struct {
	mu    sync.Mutex
	delay time.Duration
	lines []string
}

func (w *slowWriter) Write(p []byte) (int, error) {
	time.Sleep(w.delay)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines = append(w.lines, strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func TestTailPrinterKeepsEveryEventWithSlowWriter(t *testing.T) {
	bus := eventbus.New(nil)
	target := schema.ExecutionTarget(testExecution)
	events, unsubscribe := bus.Subscribe(target)
	out := &slowWriter{delay: 200 * time.Microsecond}
	done := make(chan struct{})
	go func() {
		defer close(done)
		printBusEvents(out, format.NewPlainRenderer(), true, events)
	}()

	const total = 1000
	bus.OnStateChange(target, schema.StateConnecting, schema.StateConnected)
	for i := 0; i < total; i++ {
		bus.OnStreamEvent(target, schema.StreamEvent{Type: schema.EventCancelled})
	}
	unsubscribe()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("printer never drained")
	}

	out.mu.Lock()
	defer out.mu.Unlock()
	if len(out.lines) != total+1 {
		t.Fatalf("printed %d lines, want %d", len(out.lines), total+1)
	}
	if out.lines[0] != "stream connecting -> connected" || out.lines[total] != "execution cancelled" {
		t.Fatalf("unexpected first/last lines %q / %q", out.lines[0], out.lines[total])
	}
}
