package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// recorder is a Listener that forwards every event to channels.
type recorder struct {
	events chan string
	msgs   chan []byte
}

func newRecorder() *recorder {
	return &recorder{
		events: make(chan string, 64),
		msgs:   make(chan []byte, 64),
	}
}

func (r *recorder) OnOpen()       { r.events <- "open" }
func (r *recorder) OnClose()      { r.events <- "close" }
func (r *recorder) OnError(error) { r.events <- "error" }
func (r *recorder) OnMessage(_ websocket.MessageType, data []byte) {
	r.msgs <- data
	r.events <- "message"
}

func (r *recorder) expect(t *testing.T, want ...string) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-r.events:
			if got != w {
				t.Fatalf("event = %q, want %q", got, w)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}
}

// newServer starts a WebSocket server running handler for every connection
// and returns its ws:// URL.
func newServer(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// drain blocks until the peer goes away.
func drain(ctx context.Context, conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func newTestClient(t *testing.T, url string, l Listener) *Client {
	t.Helper()
	c := New(url, l,
		WithBackoff(10*time.Millisecond, 50*time.Millisecond),
		WithDialTimeout(2*time.Second),
		WithHeartbeat(0),
	)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    State
		want string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{State(9), "State(9)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}

func TestClient_OpenReceiveAndSend(t *testing.T) {
	t.Parallel()

	got := make(chan []byte, 1)
	url := newServer(t, func(ctx context.Context, conn *websocket.Conn) {
		if err := conn.Write(ctx, websocket.MessageText, []byte("token")); err != nil {
			return
		}
		typ, data, err := conn.Read(ctx)
		if err != nil || typ != websocket.MessageBinary {
			return
		}
		got <- data
		drain(ctx, conn)
	})

	rec := newRecorder()
	c := newTestClient(t, url, rec)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec.expect(t, "open")
	if c.State() != StateConnected {
		t.Fatalf("State() = %v, want connected", c.State())
	}

	rec.expect(t, "message")
	if msg := <-rec.msgs; string(msg) != "token" {
		t.Errorf("message = %q, want %q", msg, "token")
	}

	if err := c.SendBinary([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendBinary: %v", err)
	}
	select {
	case data := <-got:
		if string(data) != "\x01\x02\x03\x04" {
			t.Errorf("server got %v", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestClient_SendJSON(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]string, 1)
	url := newServer(t, func(ctx context.Context, conn *websocket.Conn) {
		typ, data, err := conn.Read(ctx)
		if err != nil || typ != websocket.MessageText {
			return
		}
		var m map[string]string
		if json.Unmarshal(data, &m) == nil {
			got <- m
		}
		drain(ctx, conn)
	})

	rec := newRecorder()
	c := newTestClient(t, url, rec)
	_ = c.Connect(context.Background())
	rec.expect(t, "open")

	if err := c.SendJSON(map[string]string{"token": "abc"}); err != nil {
		t.Fatalf("SendJSON: %v", err)
	}
	select {
	case m := <-got:
		if m["token"] != "abc" {
			t.Errorf("token = %q, want abc", m["token"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the JSON message")
	}
}

func TestClient_SendWhileDisconnectedDrops(t *testing.T) {
	t.Parallel()

	c := New("ws://127.0.0.1:1", newRecorder())
	if err := c.SendBinary([]byte{0}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendBinary err = %v, want ErrNotConnected", err)
	}
	if err := c.SendJSON(map[string]int{"a": 1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendJSON err = %v, want ErrNotConnected", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", c.State())
	}
}

func TestClient_NothingQueuedForLaterConnection(t *testing.T) {
	t.Parallel()

	got := make(chan []byte, 8)
	url := newServer(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			got <- data
		}
	})

	rec := newRecorder()
	c := newTestClient(t, url, rec)
	for _, err := range []error{
		c.SendBinary([]byte("stale-frame")),
		c.SendText([]byte("stale-text")),
		c.SendJSON(map[string]string{"type": "token", "token": "stale"}),
	} {
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("send before Connect err = %v, want ErrNotConnected", err)
		}
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec.expect(t, "open")
	if err := c.SendBinary([]byte("fresh")); err != nil {
		t.Fatalf("SendBinary: %v", err)
	}

	select {
	case data := <-got:
		if string(data) != "fresh" {
			t.Fatalf("first message after open = %q, want fresh", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the fresh frame")
	}
	select {
	case data := <-got:
		t.Errorf("unexpected extra message %q", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_ReconnectsAfterServerClose(t *testing.T) {
	t.Parallel()

	var conns atomic.Int32
	url := newServer(t, func(ctx context.Context, conn *websocket.Conn) {
		if conns.Add(1) == 1 {
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		}
		drain(ctx, conn)
	})

	rec := newRecorder()
	c := newTestClient(t, url, rec)
	_ = c.Connect(context.Background())

	rec.expect(t, "open", "close", "open")
	if n := conns.Load(); n != 2 {
		t.Errorf("server saw %d connections, want 2", n)
	}
}

func TestClient_ReconnectSkipsBackoff(t *testing.T) {
	t.Parallel()

	var conns atomic.Int32
	url := newServer(t, func(ctx context.Context, conn *websocket.Conn) {
		conns.Add(1)
		drain(ctx, conn)
	})

	rec := newRecorder()
	// A backoff far longer than the expect timeout.
	c := New(url, rec, WithBackoff(time.Minute, time.Minute), WithHeartbeat(0))
	t.Cleanup(func() { _ = c.Close() })

	c.Reconnect() // before Connect: no-op
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec.expect(t, "open")

	c.Reconnect()
	rec.expect(t, "close", "open")
	if n := conns.Load(); n != 2 {
		t.Errorf("server saw %d connections, want 2", n)
	}
	if c.State() != StateConnected {
		t.Errorf("State() = %v, want connected", c.State())
	}
}

func TestClient_DialFailureEmitsErrorThenClose(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	rec := newRecorder()
	c := newTestClient(t, url, rec)
	_ = c.Connect(context.Background())

	rec.expect(t, "error", "close")
	if c.State() == StateConnected {
		t.Error("State() = connected after failed dial")
	}
	// Retries continue indefinitely.
	rec.expect(t, "error", "close")
}

func TestClient_ConnectIsIdempotent(t *testing.T) {
	t.Parallel()

	var conns atomic.Int32
	url := newServer(t, func(ctx context.Context, conn *websocket.Conn) {
		conns.Add(1)
		drain(ctx, conn)
	})

	rec := newRecorder()
	c := newTestClient(t, url, rec)
	_ = c.Connect(context.Background())
	_ = c.Connect(context.Background())
	rec.expect(t, "open")

	select {
	case ev := <-rec.events:
		t.Fatalf("unexpected event %q", ev)
	case <-time.After(100 * time.Millisecond):
	}
	if n := conns.Load(); n != 1 {
		t.Errorf("server saw %d connections, want 1", n)
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	url := newServer(t, drain)
	rec := newRecorder()
	c := New(url, rec, WithHeartbeat(0))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.expect(t, "open")

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %v after Close", c.State())
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close err = %v, want ErrClosed", err)
	}
	if err := c.SendBinary([]byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendBinary after Close err = %v, want ErrNotConnected", err)
	}
}

func TestClient_CloseWithoutConnect(t *testing.T) {
	t.Parallel()

	c := New("ws://127.0.0.1:1", newRecorder())
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
