package livestream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/crewwatch/internal/logx"
	"pkt.systems/crewwatch/schema"
	"pkt.systems/pslog"
)

const (
	// DefaultReconnectInterval is the fixed delay between reconnect attempts.
	DefaultReconnectInterval = 3 * time.Second
	// DefaultReconnectAttempts is the retry budget after a lost connection.
	DefaultReconnectAttempts = 5
	// DefaultHandshakeTimeout bounds one websocket handshake.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds one outbound frame.
	DefaultWriteTimeout = 5 * time.Second
)

// TokenSource supplies the bearer token for each connection attempt.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Callbacks receive lifecycle notifications. They run one at a time in the
// order the underlying events happened and may call back into the client.
// A callback that blocks delays every later notification.
type Callbacks struct {
	OnOpen        func()
	OnMessage     func(schema.StreamEvent)
	OnClose       func(CloseInfo)
	OnError       func(error)
	OnStateChange func(from, to schema.ConnectionState)
}

// Config configures a Client.
type Config struct {
	// BaseURL is the HTTP API base URL, e.g. http://localhost:8000.
	BaseURL string
	Tokens  TokenSource

	AutoReconnect bool
	// ReconnectInterval <= 0 uses DefaultReconnectInterval.
	ReconnectInterval time.Duration
	// ReconnectAttempts <= 0 uses DefaultReconnectAttempts.
	ReconnectAttempts int
	// HandshakeTimeout applies to the default dialer only.
	HandshakeTimeout time.Duration

	Dialer    Dialer
	Scheduler Scheduler
	Logger    pslog.Logger
	Callbacks Callbacks
}

// DefaultConfig returns a config with auto-reconnect enabled.
func DefaultConfig() Config {
	return Config{
		AutoReconnect:     true,
		ReconnectInterval: DefaultReconnectInterval,
		ReconnectAttempts: DefaultReconnectAttempts,
		HandshakeTimeout:  DefaultHandshakeTimeout,
	}
}

// Client keeps a best-effort live stream of events for one target. It owns at
// most one transport and one reconnect timer at a time.
type Client struct {
	cfg    Config
	log    pslog.Logger
	dialer Dialer
	sched  Scheduler

	mu        sync.Mutex
	state     schema.ConnectionState
	target    schema.Target
	gen       uint64
	conn      Conn
	cancel    context.CancelFunc
	timer     Timer
	attempts  int
	stalled   bool
	events    []schema.StreamEvent
	last      *schema.StreamEvent
	lastErr   error
	observers []func(schema.StreamEvent)
	queue     []func()
	draining  bool

	writeMu sync.Mutex
}

// New validates cfg and returns a disconnected client.
func New(cfg Config) (*Client, error) {
	if _, err := wsBase(cfg.BaseURL); err != nil {
		return nil, err
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultReconnectAttempts
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = WebSocketDialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	sched := cfg.Scheduler
	if sched == nil {
		sched = timeScheduler{}
	}
	return &Client{
		cfg:    cfg,
		log:    logx.Or(context.Background(), cfg.Logger),
		dialer: dialer,
		sched:  sched,
		state:  schema.StateDisconnected,
	}, nil
}

// Connect closes any current transport and starts a new connection attempt
// for target. It resets the retry budget and the event log. A zero target
// behaves like Disconnect.
func (c *Client) Connect(target schema.Target) {
	if target.IsZero() {
		c.Disconnect()
		return
	}
	c.mu.Lock()
	conn := c.invalidateLocked()
	c.target = target
	c.attempts = 0
	c.stalled = false
	c.lastErr = nil
	c.events = nil
	c.last = nil
	c.mu.Unlock()
	closeConn(conn)
	c.open()
}

// Disconnect cancels a pending reconnect, closes the transport and moves to
// disconnected. Close events from the abandoned transport are ignored.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.invalidateLocked()
	c.stalled = false
	c.setStateLocked(schema.StateDisconnected)
	c.mu.Unlock()
	closeConn(conn)
	c.drain()
}

// Close disconnects the client.
func (c *Client) Close() error {
	c.Disconnect()
	return nil
}

// ClearEvents empties the event log without touching the connection.
func (c *Client) ClearEvents() {
	c.mu.Lock()
	c.events = nil
	c.last = nil
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() schema.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Target returns the last target passed to Connect.
func (c *Client) Target() schema.Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// Events returns a copy of the event log in receipt order.
func (c *Client) Events() []schema.StreamEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]schema.StreamEvent, len(c.events))
	copy(out, c.events)
	return out
}

// LastEvent returns the most recently received event.
func (c *Client) LastEvent() (schema.StreamEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return schema.StreamEvent{}, false
	}
	return *c.last, true
}

// LastError returns the error behind the most recent error state.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Attempts returns the reconnect attempts made since the last successful open.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Stalled reports that the client has given up: the last transport closed
// or failed and no further attempt will be made without a manual Connect.
func (c *Client) Stalled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stalled
}

// observe registers fn for every accepted event. fn runs with the client
// lock held and must not call client methods.
func (c *Client) observe(fn func(schema.StreamEvent)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

func (c *Client) open() {
	c.mu.Lock()
	target := c.target
	if target.IsZero() {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	log := c.log.With("target", target.String())
	token, err := c.token(ctx)
	rawURL := ""
	if err == nil {
		rawURL, err = StreamURL(c.cfg.BaseURL, target, token)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		cancel()
		return
	}
	if err != nil {
		c.cancel = nil
		c.lastErr = err
		c.stalled = true
		c.setStateLocked(schema.StateError)
		onError := c.cfg.Callbacks.OnError
		if onError != nil {
			c.enqueueLocked(func() { onError(err) })
		}
		c.mu.Unlock()
		cancel()
		log.Warn("livestream connect refused", "err", err)
		c.drain()
		return
	}
	c.setStateLocked(schema.StateConnecting)
	attempt := c.attempts
	c.mu.Unlock()
	log.Info("livestream connect start", "url", redactURL(rawURL), "attempt", attempt)
	c.drain()
	go c.dial(ctx, gen, log, rawURL)
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.cfg.Tokens == nil {
		return "", schema.ErrMissingCredential
	}
	token, err := c.cfg.Tokens.Token(ctx)
	if err != nil {
		if errors.Is(err, schema.ErrMissingCredential) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", schema.ErrMissingCredential, err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", schema.ErrMissingCredential
	}
	return token, nil
}

func (c *Client) dial(ctx context.Context, gen uint64, log pslog.Logger, rawURL string) {
	conn, err := c.dialer.Dial(ctx, rawURL)
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		closeConn(conn)
		log.Debug("livestream dial superseded")
		return
	}
	if err != nil {
		c.mu.Unlock()
		log.Warn("livestream dial failed", "err", err)
		c.fail(gen, log, err)
		return
	}
	c.conn = conn
	c.attempts = 0
	c.stalled = false
	c.lastErr = nil
	c.setStateLocked(schema.StateConnected)
	if onOpen := c.cfg.Callbacks.OnOpen; onOpen != nil {
		c.enqueueLocked(onOpen)
	}
	c.mu.Unlock()
	log.Info("livestream connected")
	c.drain()
	c.read(gen, log, conn)
}

func (c *Client) read(gen uint64, log pslog.Logger, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			info, clean := closeInfoFromError(err)
			if clean {
				c.closed(gen, log, info)
			} else {
				c.fail(gen, log, err)
			}
			return
		}
		c.deliver(gen, log, data)
	}
}

func (c *Client) deliver(gen uint64, log pslog.Logger, data []byte) {
	event, err := schema.ParseStreamEvent(data)
	if err != nil {
		log.Warn("livestream frame dropped", "err", err, "bytes", len(data))
		return
	}
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.events = append(c.events, event)
	last := event
	c.last = &last
	for _, fn := range c.observers {
		fn(event)
	}
	if onMessage := c.cfg.Callbacks.OnMessage; onMessage != nil {
		c.enqueueLocked(func() { onMessage(event) })
	}
	c.mu.Unlock()
	log.Trace("livestream event", "type", string(event.Type), "execution", event.ExecutionID)
	c.drain()
}

// fail reports a fatal transport error followed by its close.
func (c *Client) fail(gen uint64, log pslog.Logger, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.lastErr = err
	c.setStateLocked(schema.StateError)
	if onError := c.cfg.Callbacks.OnError; onError != nil {
		c.enqueueLocked(func() { onError(err) })
	}
	c.mu.Unlock()
	c.closed(gen, log, CloseInfo{Code: CloseAbnormal, Reason: err.Error()})
}

func (c *Client) closed(gen uint64, log pslog.Logger, info CloseInfo) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.setStateLocked(schema.StateDisconnected)
	if onClose := c.cfg.Callbacks.OnClose; onClose != nil {
		c.enqueueLocked(func() { onClose(info) })
	}
	attempt := 0
	if c.cfg.AutoReconnect && c.attempts < c.cfg.ReconnectAttempts {
		c.attempts++
		attempt = c.attempts
		c.timer = c.sched.AfterFunc(c.cfg.ReconnectInterval, func() { c.reconnect(gen) })
	} else {
		c.stalled = true
	}
	c.mu.Unlock()
	closeConn(conn)
	if attempt > 0 {
		log.Info("livestream closed", "code", info.Code, "reason", info.Reason, "reconnect_attempt", attempt, "reconnect_in", c.cfg.ReconnectInterval)
	} else {
		log.Info("livestream closed", "code", info.Code, "reason", info.Reason)
	}
	c.drain()
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()
	c.open()
}

// send writes v as one JSON text frame. It reports false when the stream is
// not open or the write fails.
func (c *Client) send(v any) bool {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	target := c.target
	c.mu.Unlock()
	log := c.log.With("target", target.String())
	if conn == nil || state != schema.StateConnected {
		log.Debug("livestream send dropped", "state", string(state), "err", schema.ErrNotConnected)
		return false
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Warn("livestream send encode failed", "err", err)
		return false
	}
	c.writeMu.Lock()
	err = conn.WriteMessage(data)
	c.writeMu.Unlock()
	if err != nil {
		log.Warn("livestream send failed", "err", err)
		return false
	}
	return true
}

func (c *Client) invalidateLocked() Conn {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	return conn
}

func (c *Client) setStateLocked(state schema.ConnectionState) {
	if c.state == state {
		return
	}
	from := c.state
	c.state = state
	if onState := c.cfg.Callbacks.OnStateChange; onState != nil {
		c.enqueueLocked(func() { onState(from, state) })
	}
}

func (c *Client) enqueueLocked(fn func()) {
	c.queue = append(c.queue, fn)
}

// drain runs queued callbacks outside the lock. Only one goroutine drains at
// a time; others leave their work for the active drainer.
func (c *Client) drain() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.queue) > 0 {
		fn := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

func closeConn(conn Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}
