package livestream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/crewwatch/schema"
	"pkt.systems/pslog"
)

type fakeFrame struct {
	data []byte
	err  error
}

type fakeConn struct {
	frames chan fakeFrame
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan fakeFrame, 64), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame.data, frame.err
	case <-c.done:
		return nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed conn")
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *fakeConn) push(frame string) {
	c.frames <- fakeFrame{data: []byte(frame)}
}

func (c *fakeConn) closeWith(code int, text string) {
	c.frames <- fakeFrame{err: &websocket.CloseError{Code: code, Text: text}}
}

func (c *fakeConn) drop() {
	c.frames <- fakeFrame{err: &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "unexpected EOF"}}
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// fakeDialer hands out one fakeConn per Dial. When hold is set, Dial blocks
// until a value arrives on release or the context ends.
type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	urls    []string
	failErr error
	hold    bool
	release chan struct{}
	dialed  chan *fakeConn
	ignore  bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{release: make(chan struct{}, 8), dialed: make(chan *fakeConn, 64)}
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, rawURL)
	hold := d.hold
	failErr := d.failErr
	ignore := d.ignore
	d.mu.Unlock()
	if hold {
		if ignore {
			<-d.release
		} else {
			select {
			case <-d.release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	d.dialed <- conn
	return conn, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) lastURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.urls) == 0 {
		return ""
	}
	return d.urls[len(d.urls)-1]
}

func (d *fakeDialer) next(t tester) *fakeConn {
	select {
	case conn := <-d.dialed:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dial")
		return nil
	}
}

type manualTimer struct {
	sched   *manualScheduler
	fn      func()
	delay   time.Duration
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// manualScheduler records timers and fires them only on request.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &manualTimer{sched: s, fn: f, delay: d}
	s.timers = append(s.timers, timer)
	return timer
}

func (s *manualScheduler) pending() []*manualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*manualTimer
	for _, timer := range s.timers {
		if !timer.stopped && !timer.fired {
			out = append(out, timer)
		}
	}
	return out
}

func (s *manualScheduler) scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// fire runs every pending timer and reports how many fired.
func (s *manualScheduler) fire() int {
	timers := s.pending()
	s.mu.Lock()
	for _, timer := range timers {
		timer.fired = true
	}
	s.mu.Unlock()
	for _, timer := range timers {
		timer.fn()
	}
	return len(timers)
}

// recorder captures callbacks as short notes in order.
type recorder struct {
	mu    sync.Mutex
	notes []string
	ch    chan string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 256)}
}

func (r *recorder) add(note string) {
	r.mu.Lock()
	r.notes = append(r.notes, note)
	r.mu.Unlock()
	select {
	case r.ch <- note:
	default:
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnOpen:        func() { r.add("open") },
		OnMessage:     func(e schema.StreamEvent) { r.add("message:" + string(e.Type)) },
		OnClose:       func(info CloseInfo) { r.add(fmt.Sprintf("close:%d", info.Code)) },
		OnError:       func(error) { r.add("error") },
		OnStateChange: func(_, to schema.ConnectionState) { r.add("state:" + string(to)) },
	}
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notes...)
}

func (r *recorder) waitFor(t tester, note string) {
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-r.ch:
			if got == note {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q; saw %v", note, r.all())
		}
	}
}

func eventually(t tester, what string, cond func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// tester is the subset of testing.T and rapid.T the helpers need.
type tester interface {
	Fatalf(format string, args ...any)
}

type fixture struct {
	client *Client
	dialer *fakeDialer
	sched  *manualScheduler
	rec    *recorder
	logs   *syncWriter
}

func staticToken(token string) TokenSource {
	return TokenFunc(func(context.Context) (string, error) { return token, nil })
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := buildFixture(t, mutate)
	t.Cleanup(func() { _ = f.client.Close() })
	return f
}

func buildFixture(t tester, mutate func(*Config)) *fixture {
	f := &fixture{dialer: newFakeDialer(), sched: &manualScheduler{}, rec: newRecorder(), logs: &syncWriter{}}
	client, err := New(f.config(mutate))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	f.client = client
	return f
}

func newControlFixture(t *testing.T, mutate func(*Config)) (*fixture, *ControlClient) {
	t.Helper()
	f := &fixture{dialer: newFakeDialer(), sched: &manualScheduler{}, rec: newRecorder(), logs: &syncWriter{}}
	control, err := NewControl(f.config(mutate))
	if err != nil {
		t.Fatalf("new control client: %v", err)
	}
	t.Cleanup(func() { _ = control.Close() })
	f.client = control.Client
	return f, control
}

func (f *fixture) config(mutate func(*Config)) Config {
	cfg := DefaultConfig()
	cfg.BaseURL = "http://localhost:8000"
	cfg.Tokens = staticToken("tok")
	cfg.Dialer = f.dialer
	cfg.Scheduler = f.sched
	cfg.Logger = pslog.NewWithOptions(f.logs, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.DebugLevel})
	cfg.Callbacks = f.rec.callbacks()
	if mutate != nil {
		mutate(&cfg)
	}
	return cfg
}

type syncWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
