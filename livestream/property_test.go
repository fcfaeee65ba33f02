package livestream

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"pgregory.net/rapid"
	"pkt.systems/crewwatch/schema"
)

func TestEventLogMatchesParsedFramesProperty(t *testing.T) {
	types := []string{"log", "progress", "task_start", "execution_created", "brand_new", "complete"}
	malformed := []string{`nope`, `{"message":"x"}`, `[]`, `{"type":""}`, `{"type":7}`}
	rapid.Check(t, func(t *rapid.T) {
		f := buildFixture(t, nil)
		defer f.client.Close()

		f.client.Connect(schema.ExecutionTarget("exec-1"))
		conn := f.dialer.next(t)
		f.rec.waitFor(t, "open")

		var want []string
		n := rapid.IntRange(0, 20).Draw(t, "frames")
		for i := 0; i < n; i++ {
			if rapid.Bool().Draw(t, "valid") {
				typ := rapid.SampledFrom(types).Draw(t, "type")
				want = append(want, typ)
				conn.push(fmt.Sprintf(`{"type":%q,"seq":%d}`, typ, i))
				continue
			}
			conn.push(rapid.SampledFrom(malformed).Draw(t, "malformed"))
		}
		conn.closeWith(CloseNormal, "")
		f.rec.waitFor(t, "close:1000")

		got := eventTypes(f.client.Events())
		if len(want) == 0 {
			want = []string{}
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("event log %v, want %v", got, want)
		}
		if state := f.client.State(); state != schema.StateDisconnected {
			t.Fatalf("expected disconnected, got %s", state)
		}
		last, ok := f.client.LastEvent()
		if ok != (len(want) > 0) {
			t.Fatalf("last event presence %v, want %v", ok, len(want) > 0)
		}
		if ok && string(last.Type) != want[len(want)-1] {
			t.Fatalf("last event %q, want %q", last.Type, want[len(want)-1])
		}
	})
}

func TestReconnectBudgetProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		budget := rapid.IntRange(1, 6).Draw(t, "budget")
		f := buildFixture(t, func(cfg *Config) { cfg.ReconnectAttempts = budget })
		defer f.client.Close()

		f.client.Connect(schema.ExecutionTarget("exec-1"))
		conn := f.dialer.next(t)
		f.rec.waitFor(t, "open")
		f.dialer.mu.Lock()
		f.dialer.failErr = errors.New("refused")
		f.dialer.mu.Unlock()
		conn.drop()

		for i := 0; i < budget; i++ {
			eventually(t, "reconnect timer", func() bool { return len(f.sched.pending()) == 1 })
			f.sched.fire()
		}
		eventually(t, "budget exhausted", f.client.Stalled)
		if got := f.dialer.dials(); got != budget+1 {
			t.Fatalf("dials %d, want %d", got, budget+1)
		}
		if got := f.sched.scheduled(); got != budget {
			t.Fatalf("scheduled %d, want %d", got, budget)
		}
		f.client.Connect(schema.ExecutionTarget("exec-1"))
		if got := f.client.Attempts(); got != 0 {
			t.Fatalf("attempts after manual connect %d", got)
		}
	})
}
