package persist

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/crewwatch/schema"
)

func mustEvent(t *testing.T, frame string) schema.StreamEvent {
	t.Helper()
	event, err := schema.ParseStreamEvent([]byte(frame))
	if err != nil {
		t.Fatalf("parse %s: %v", frame, err)
	}
	return event
}

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	journal, err := Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"), nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })
	return journal
}

func TestJournalAppendAndReadBack(t *testing.T) {
	ctx := context.Background()
	journal := openTestJournal(t)
	target := schema.ExecutionTarget("exec-1")
	frames := []string{
		`{"type":"log","execution_id":"exec-1","message":"started"}`,
		`{"type":"progress","execution_id":"exec-1","progress":50}`,
		`{"type":"complete","execution_id":"exec-1","output":{"result":"ok"}}`,
	}
	for _, frame := range frames {
		if _, err := journal.Append(ctx, target, mustEvent(t, frame)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := journal.Append(ctx, schema.ExecutionTarget("other"), mustEvent(t, `{"type":"log"}`)); err != nil {
		t.Fatalf("append other: %v", err)
	}

	records, err := journal.Events(ctx, target, 0, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Event.String("message") != "started" {
		t.Fatalf("expected pass-through fields to survive, got %+v", records[0].Event)
	}
	if records[2].Event.Type != schema.EventComplete || records[2].Target != target {
		t.Fatalf("unexpected last record %+v", records[2])
	}
	if records[0].Seq >= records[1].Seq {
		t.Fatalf("expected increasing seq, got %d then %d", records[0].Seq, records[1].Seq)
	}

	tail, err := journal.Events(ctx, target, records[1].Seq, 10)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(tail) != 1 || tail[0].Event.Type != schema.EventComplete {
		t.Fatalf("unexpected tail %+v", tail)
	}
}

func TestJournalExecutionEventsSpanStreams(t *testing.T) {
	ctx := context.Background()
	journal := openTestJournal(t)
	crew := schema.CrewTarget("crew-1")
	if _, err := journal.Append(ctx, crew, mustEvent(t, `{"type":"execution_created","execution_id":"e-7"}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := journal.Append(ctx, schema.ExecutionTarget("e-7"), mustEvent(t, `{"type":"connected"}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := journal.Append(ctx, crew, mustEvent(t, `{"type":"log","execution_id":"e-8"}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	records, err := journal.ExecutionEvents(ctx, "e-7", 0)
	if err != nil {
		t.Fatalf("execution events: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if _, err := journal.ExecutionEvents(ctx, "", 0); !errors.Is(err, schema.ErrNoExecution) {
		t.Fatalf("expected ErrNoExecution, got %v", err)
	}
}

func TestJournalTargetsAndPrune(t *testing.T) {
	ctx := context.Background()
	journal := openTestJournal(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	journal.now = func() time.Time { return clock }

	if _, err := journal.Append(ctx, schema.ExecutionTarget("old"), mustEvent(t, `{"type":"complete"}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	clock = base.Add(time.Hour)
	if _, err := journal.Append(ctx, schema.ExecutionTarget("new"), mustEvent(t, `{"type":"log"}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	clock = base.Add(2 * time.Hour)
	if _, err := journal.Append(ctx, schema.ExecutionTarget("new"), mustEvent(t, `{"type":"error"}`)); err != nil {
		t.Fatalf("append: %v", err)
	}

	summaries, err := journal.Targets(ctx)
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(summaries))
	}
	if summaries[0].Target.ID != "new" || summaries[0].Events != 2 || summaries[0].LastType != schema.EventError {
		t.Fatalf("unexpected newest summary %+v", summaries[0])
	}
	if !summaries[0].FirstSeen.Equal(base.Add(time.Hour)) {
		t.Fatalf("unexpected first seen %v", summaries[0].FirstSeen)
	}

	removed, err := journal.Prune(ctx, base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned record, got %d", removed)
	}
}

func TestJournalReopenKeepsRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")
	first, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := first.Append(ctx, schema.ExecutionTarget("e"), mustEvent(t, `{"type":"log"}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	second, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	records, err := second.Events(ctx, schema.ExecutionTarget("e"), 0, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected record to survive reopen, got %d", len(records))
	}
}

func TestJournalRejectsZeroTarget(t *testing.T) {
	journal, err := Open(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer journal.Close()
	if _, err := journal.Append(context.Background(), schema.Target{}, schema.StreamEvent{Type: schema.EventLog}); !errors.Is(err, schema.ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget, got %v", err)
	}
	if _, err := Open(context.Background(), " ", nil); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
