// Package crewwatch follows crew executions on the platform's live event
// stream and fans delivered events out to sinks.
package crewwatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/crewwatch/internal/logx"
	"pkt.systems/crewwatch/livestream"
	"pkt.systems/crewwatch/schema"
	"pkt.systems/pslog"
)

// ErrStreamStalled reports that the stream closed and the client gave up
// reconnecting.
var ErrStreamStalled = errors.New("stream stalled")

// WatcherConfig configures a Watcher. Stream.Callbacks is owned by the
// watcher and replaced.
type WatcherConfig struct {
	Stream livestream.Config
	Sinks  []EventSink
	// StopOnTerminal ends Run after a complete, error or cancelled event.
	StopOnTerminal bool
	// OnOpen runs after every successful open, including reconnects. It is
	// skipped when a reopened control stream hands over to the execution
	// stream.
	OnOpen func(ctx context.Context, client *livestream.ControlClient)
	// OnEvent runs for every delivered event after the sinks.
	OnEvent func(ctx context.Context, client *livestream.ControlClient, event schema.StreamEvent)
}

// Result summarizes a finished Run.
type Result struct {
	// Target is the stream followed last. A crew run that handed over to
	// its execution stream reports the execution target.
	Target    schema.Target
	Events    int
	Execution schema.ExecutionID
	// Terminal is the event that ended the run, when StopOnTerminal is set.
	Terminal *schema.StreamEvent
}

// Watcher composes a live stream client with event sinks.
type Watcher struct {
	cfg    WatcherConfig
	client *livestream.ControlClient
	fanout EventSink

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	target   schema.Target
	count    int
	terminal *schema.StreamEvent
	handover schema.ExecutionID
	wake     chan struct{}
}

// NewWatcher constructs a watcher. The stream client is created immediately
// but does not connect until Run.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	w := &Watcher{cfg: cfg, wake: make(chan struct{}, 1)}
	sinks := make([]EventSink, 0, len(cfg.Sinks))
	for _, sink := range cfg.Sinks {
		if sink != nil {
			sinks = append(sinks, sink)
		}
	}
	if len(sinks) == 1 {
		w.fanout = sinks[0]
	} else {
		w.fanout = eventFanout{sinks: sinks}
	}
	streamCfg := cfg.Stream
	streamCfg.Callbacks = livestream.Callbacks{
		OnOpen:        w.onOpen,
		OnMessage:     w.onMessage,
		OnStateChange: w.onStateChange,
	}
	client, err := livestream.NewControl(streamCfg)
	if err != nil {
		return nil, err
	}
	w.client = client
	return w, nil
}

// Client returns the underlying stream client.
func (w *Watcher) Client() *livestream.ControlClient {
	return w.client
}

// Run connects to target and blocks until ctx is done, the client gives up
// reconnecting, or a terminal event arrives with StopOnTerminal set. The
// stream is disconnected before Run returns.
//
// A crew control stream only carries events for the execution it started
// on that socket. When it reconnects after an execution id was announced,
// Run moves to the execution stream of that id.
func (w *Watcher) Run(ctx context.Context, target schema.Target) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if target.IsZero() {
		return Result{}, schema.ErrNoTarget
	}
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return Result{}, errors.New("watcher already running")
	}
	log := logx.Ctx(ctx).With("target", target.String())
	w.running = true
	w.ctx = logx.ContextWithTargetLogger(ctx, log, target)
	w.target = target
	w.count = 0
	w.terminal = nil
	w.handover = ""
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	log.Info("watcher start", "stop_on_terminal", w.cfg.StopOnTerminal)
	if target.Kind == schema.TargetCrew {
		w.client.Connect(schema.CrewID(target.ID))
	} else {
		w.client.Client.Connect(target)
	}

	var err error
	for {
		if id := w.takeHandover(); id != "" {
			next := schema.ExecutionTarget(id)
			log.Info("watcher following execution stream", "execution", string(id))
			nextLog := logx.Ctx(ctx).With("target", next.String())
			w.mu.Lock()
			w.target = next
			w.ctx = withExecution(logx.ContextWithTargetLogger(ctx, nextLog, next), id)
			w.mu.Unlock()
			w.client.Client.Connect(next)
		}
		if done, runErr := w.finished(ctx); done {
			err = runErr
			break
		}
		select {
		case <-ctx.Done():
		case <-w.wake:
		}
	}
	w.client.Disconnect()
	result := w.result()
	if err != nil {
		log.Warn("watcher stopped", "events", result.Events, "err", err)
	} else {
		log.Info("watcher stopped", "events", result.Events)
	}
	return result, err
}

// finished reports whether Run should return.
func (w *Watcher) finished(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return true, nil
	}
	w.mu.Lock()
	terminal := w.terminal
	w.mu.Unlock()
	if terminal != nil {
		return true, nil
	}
	if w.client.Stalled() {
		if err := w.client.LastError(); err != nil {
			return true, fmt.Errorf("%w: %w", ErrStreamStalled, err)
		}
		return true, ErrStreamStalled
	}
	return false, nil
}

func (w *Watcher) result() Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Result{
		Target:    w.target,
		Events:    w.count,
		Execution: w.execution(),
		Terminal:  w.terminal,
	}
}

func (w *Watcher) execution() schema.ExecutionID {
	if id := w.client.ExecutionID(); id != "" {
		return id
	}
	if w.target.Kind == schema.TargetExecution {
		return schema.ExecutionID(w.target.ID)
	}
	return ""
}

func (w *Watcher) takeHandover() schema.ExecutionID {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.handover
	w.handover = ""
	return id
}

// withExecution annotates the context logger with the execution id once.
func withExecution(ctx context.Context, id schema.ExecutionID) context.Context {
	if current, ok := logx.ExecutionFromContext(ctx); ok && current == id {
		return ctx
	}
	log := logx.WithExecution(pslog.Ctx(ctx), id)
	return logx.ContextWithExecution(pslog.ContextWithLogger(ctx, log), id)
}

func (w *Watcher) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Watcher) current() (context.Context, schema.Target) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ctx := w.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx, w.target
}

func (w *Watcher) onOpen() {
	ctx, target := w.current()
	if target.Kind == schema.TargetCrew {
		// ControlClient.Connect forgets the id, so a known one means this
		// open is a reconnect after execution_created.
		if id := w.client.ExecutionID(); id != "" {
			w.mu.Lock()
			w.handover = id
			w.mu.Unlock()
			w.signal()
			return
		}
	}
	if w.cfg.OnOpen != nil {
		w.cfg.OnOpen(ctx, w.client)
	}
	w.signal()
}

func (w *Watcher) onMessage(event schema.StreamEvent) {
	if event.Type == schema.EventExecutionCreated && event.ExecutionID != "" {
		w.mu.Lock()
		if w.ctx != nil {
			w.ctx = withExecution(w.ctx, schema.ExecutionID(event.ExecutionID))
		}
		w.mu.Unlock()
	}
	ctx, target := w.current()
	w.fanout.OnStreamEvent(target, event)
	if w.cfg.OnEvent != nil {
		w.cfg.OnEvent(ctx, w.client, event)
	}
	w.mu.Lock()
	w.count++
	if w.cfg.StopOnTerminal && event.Type.Terminal() && w.terminal == nil {
		ev := event
		w.terminal = &ev
	}
	w.mu.Unlock()
	if event.Type.Terminal() {
		pslog.Ctx(ctx).Debug("watcher terminal event", "type", string(event.Type))
	}
	w.signal()
}

func (w *Watcher) onStateChange(from, to schema.ConnectionState) {
	_, target := w.current()
	w.fanout.OnStateChange(target, from, to)
	w.signal()
}
