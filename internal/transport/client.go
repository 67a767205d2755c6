// Package transport maintains a single outbound WebSocket connection to the
// audio ingest server and re-establishes it after every drop.
//
// A [Client] owns at most one live socket. Connection lifecycle events are
// delivered to a [Listener] from a single goroutine, in the order they
// occurred. Sends are fire-and-forget: payloads offered while the socket is
// not open are dropped and never queued.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/radiocast/internal/observe"
)

// Default connection parameters.
const (
	defaultMinBackoff   = 1 * time.Second
	defaultMaxBackoff   = 30 * time.Second
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultHeartbeat    = 30 * time.Second
	defaultReadLimit    = 1 << 20
	eventBuffer         = 64
)

// ErrNotConnected is returned by the Send methods when the socket is not open.
// The payload has been dropped.
var ErrNotConnected = errors.New("transport: not connected")

// ErrClosed is returned by [Client.Connect] after [Client.Close].
var ErrClosed = errors.New("transport: client closed")

// State is the connection state of a [Client].
type State int32

const (
	// StateDisconnected means no socket is open or being opened.
	StateDisconnected State = iota

	// StateConnecting means a dial is in progress.
	StateConnecting

	// StateConnected means the socket is open and sends are delivered.
	StateConnected
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Listener receives connection lifecycle events. All methods are called from
// one goroutine, so implementations see events in order and need no locking
// against each other. Implementations must not call [Client.Close].
type Listener interface {
	// OnOpen is called after the socket opened. The client is already in
	// StateConnected, so sends made from OnOpen are delivered.
	OnOpen()

	// OnClose is called after the socket closed or a dial failed.
	OnClose()

	// OnError is called when a dial fails or the socket drops abnormally.
	// It is always followed by OnClose.
	OnError(err error)

	// OnMessage is called for every inbound message.
	OnMessage(typ websocket.MessageType, data []byte)
}

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithBackoff sets the initial and maximum delay between connection attempts.
// The delay doubles after each failed attempt and resets after a successful
// open.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		if minDelay > 0 {
			c.minBackoff = minDelay
		}
		if maxDelay > 0 {
			c.maxBackoff = maxDelay
		}
	}
}

// WithDialTimeout bounds each opening handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithWriteTimeout bounds each send.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithHeartbeat sets the ping interval. Zero disables pings.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) { c.heartbeat = d }
}

// WithHTTPHeader adds headers to the opening handshake.
func WithHTTPHeader(h http.Header) Option {
	return func(c *Client) { c.header = h.Clone() }
}

// WithMetrics records transport metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

type eventKind int

const (
	eventOpen eventKind = iota
	eventClose
	eventError
	eventMessage
)

type event struct {
	kind eventKind
	err  error
	typ  websocket.MessageType
	data []byte
}

// Client is a reconnecting WebSocket client.
//
// All methods are safe for concurrent use.
type Client struct {
	url          string
	listener     Listener
	minBackoff   time.Duration
	maxBackoff   time.Duration
	dialTimeout  time.Duration
	writeTimeout time.Duration
	heartbeat    time.Duration
	header       http.Header
	metrics      *observe.Metrics

	state atomic.Int32

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	closed  bool
	cancel  context.CancelFunc

	// kick wakes the backoff wait; redial marks a socket dropped by
	// Reconnect.
	kick   chan struct{}
	redial atomic.Bool

	events   chan event
	stopped  chan struct{}
	runWG    sync.WaitGroup
	dispatch sync.WaitGroup
}

// New creates a Client for url that reports to l. No connection is made
// until [Client.Connect] is called.
func New(url string, l Listener, opts ...Option) *Client {
	c := &Client{
		url:          url,
		listener:     l,
		minBackoff:   defaultMinBackoff,
		maxBackoff:   defaultMaxBackoff,
		dialTimeout:  defaultDialTimeout,
		writeTimeout: defaultWriteTimeout,
		heartbeat:    defaultHeartbeat,
		metrics:      observe.DefaultMetrics(),
		events:       make(chan event, eventBuffer),
		stopped:      make(chan struct{}),
		kick:         make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	if c.maxBackoff < c.minBackoff {
		c.maxBackoff = c.minBackoff
	}
	return c
}

// URL returns the server URL.
func (c *Client) URL() string { return c.url }

// State returns the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// Connect starts connecting in the background and keeps reconnecting until
// [Client.Close] or until ctx is cancelled. Calling Connect on a client that
// is already running is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.dispatch.Go(c.dispatchLoop)
	c.runWG.Go(func() { c.run(runCtx) })
	return nil
}

// Close closes the socket and stops reconnecting. It waits for the
// background goroutines to exit. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if !started {
		return nil
	}

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client closed"); err != nil && !isClosedErr(err) {
			slog.Debug("transport: close handshake", "url", c.url, "err", err)
		}
	}
	cancel()
	close(c.stopped)
	c.runWG.Wait()
	close(c.events)
	c.dispatch.Wait()
	c.setState(StateDisconnected)
	return nil
}

// Reconnect drops the open socket and dials again at once, skipping any
// pending backoff. It is a no-op before Connect and after Close.
func (c *Client) Reconnect() {
	c.mu.Lock()
	if !c.started || c.closed {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		select {
		case c.kick <- struct{}{}:
		default:
		}
		return
	}
	c.redial.Store(true)
	if err := conn.Close(websocket.StatusGoingAway, "reconnecting"); err != nil && !isClosedErr(err) {
		slog.Debug("transport: close for reconnect", "url", c.url, "err", err)
	}
}

// SendBinary sends data as one binary message, or drops it when the socket is
// not open.
func (c *Client) SendBinary(data []byte) error {
	return c.send(websocket.MessageBinary, data)
}

// SendText sends data as one text message, or drops it when the socket is not
// open.
func (c *Client) SendText(data []byte) error {
	return c.send(websocket.MessageText, data)
}

// SendJSON marshals v and sends it as one text message.
func (c *Client) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal: %w", err)
	}
	return c.send(websocket.MessageText, data)
}

func (c *Client) send(typ websocket.MessageType, data []byte) error {
	ctx := context.Background()
	if c.State() != StateConnected {
		c.metrics.RecordFrameDropped(ctx, "not_connected")
		return ErrNotConnected
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.metrics.RecordFrameDropped(ctx, "not_connected")
		return ErrNotConnected
	}

	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, typ, data); err != nil {
		c.metrics.RecordFrameDropped(ctx, "write_error")
		c.metrics.RecordTransportError(ctx, "write")
		return fmt.Errorf("transport: write: %w", err)
	}
	c.metrics.RecordFrameSent(ctx, len(data))
	return nil
}

// emit queues ev for the dispatcher. Events raised after Close are dropped.
func (c *Client) emit(ev event) {
	select {
	case c.events <- ev:
	case <-c.stopped:
	}
}

func (c *Client) dispatchLoop() {
	for ev := range c.events {
		switch ev.kind {
		case eventOpen:
			c.listener.OnOpen()
		case eventClose:
			c.listener.OnClose()
		case eventError:
			c.listener.OnError(ev.err)
		case eventMessage:
			c.listener.OnMessage(ev.typ, ev.data)
		}
	}
}

// run is the connect / serve / back off loop.
func (c *Client) run(ctx context.Context) {
	log := slog.With("url", c.url)
	backoff := c.minBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(StateDisconnected)
			if ctx.Err() != nil {
				return
			}
			log.Warn("transport: dial failed", "err", err)
			c.emit(event{kind: eventError, err: err})
			c.emit(event{kind: eventClose})
		} else {
			backoff = c.minBackoff
			select {
			case <-c.kick:
			default:
			}
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			c.setState(StateConnected)
			log.Info("transport: connected")
			c.emit(event{kind: eventOpen})

			err := c.serve(ctx, conn)

			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			c.setState(StateDisconnected)
			conn.CloseNow()

			if ctx.Err() != nil {
				return
			}
			if c.redial.Swap(false) {
				log.Info("transport: reconnecting on request")
				c.emit(event{kind: eventClose})
				c.metrics.Reconnects.Add(ctx, 1)
				continue
			}
			if isClosedErr(err) {
				log.Info("transport: connection closed by server")
			} else {
				log.Warn("transport: connection lost", "err", err)
				c.metrics.RecordTransportError(ctx, "read")
				c.emit(event{kind: eventError, err: fmt.Errorf("transport: read: %w", err)})
			}
			c.emit(event{kind: eventClose})
		}

		c.metrics.Reconnects.Add(ctx, 1)
		log.Debug("transport: reconnecting", "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-c.kick:
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	dctx, span := observe.StartSpan(dctx, observe.SpanTransportDial)
	start := time.Now()
	conn, _, err := websocket.Dial(dctx, c.url, &websocket.DialOptions{
		HTTPHeader: c.header,
	})
	if err != nil {
		err = fmt.Errorf("transport: dial %s: %w", c.url, err)
		observe.EndSpan(span, err)
		c.metrics.RecordDial(ctx, time.Since(start).Seconds(), "error")
		c.metrics.RecordTransportError(ctx, "dial")
		return nil, err
	}
	observe.EndSpan(span, nil)
	c.metrics.RecordDial(ctx, time.Since(start).Seconds(), "ok")
	conn.SetReadLimit(defaultReadLimit)
	return conn, nil
}

// serve reads from conn until it fails, pinging every heartbeat interval.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()
	if c.heartbeat > 0 {
		wg.Go(func() { c.pingLoop(sctx, conn) })
	}

	for {
		typ, data, err := conn.Read(sctx)
		if err != nil {
			return err
		}
		c.emit(event{kind: eventMessage, typ: typ, data: data})
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("transport: ping failed", "url", c.url, "err", err)
				c.metrics.RecordTransportError(ctx, "ping")
				conn.CloseNow()
				return
			}
		}
	}
}

// isClosedErr reports whether err is a normal or going-away close.
func isClosedErr(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
