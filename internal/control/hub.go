package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"

	"github.com/MrWong99/radiocast/internal/observe"
)

// Event names pushed to host clients.
const (
	EventStatus         = "status-update"
	EventConnection     = "connection-status-update"
	EventVisualizer     = "visualizer-data"
	EventSettingsLoaded = "settings-loaded"
	EventStreamState    = "stream-state"
	EventError          = "error"
)

// defaultClientBuffer is the per-client queue length.
const defaultClientBuffer = 64

// Envelope is one outbound event.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// ByteArray marshals as a JSON array of numbers instead of base64.
type ByteArray []byte

// MarshalJSON implements [json.Marshaler].
func (b ByteArray) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, 2+len(b)*4)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

// client is one connected event feed.
type client struct {
	send chan []byte
}

// Hub fans events out to every connected client. Slow clients lose
// messages rather than blocking the broadcaster.
// All methods are safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	buffer  int
	done    chan struct{}
	once    sync.Once
	metrics *observe.Metrics
}

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithClientBuffer sets the per-client queue length.
func WithClientBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithHubMetrics overrides [observe.DefaultMetrics].
func WithHubMetrics(m *observe.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients: make(map[*client]struct{}),
		buffer:  defaultClientBuffer,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends event to every client. The payload is encoded once.
func (h *Hub) Broadcast(event string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		return
	}
	msg, err := encode(event, data)
	if err != nil {
		slog.Warn("control: encode event", "event", event, "err", err)
		return
	}
	for c := range h.clients {
		h.enqueue(c, msg)
	}
}

// Close disconnects every client. Later registrations are refused.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })
}

// sendTo queues event for a single client.
func (h *Hub) sendTo(c *client, event string, data any) {
	msg, err := encode(event, data)
	if err != nil {
		slog.Warn("control: encode event", "event", event, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		h.enqueue(c, msg)
	}
}

// enqueue must be called with h.mu held.
func (h *Hub) enqueue(c *client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		h.metrics.RecordFrameDropped(context.Background(), "control_client_full")
	}
}

func (h *Hub) register() (*client, bool) {
	select {
	case <-h.done:
		return nil, false
	default:
	}
	c := &client{send: make(chan []byte, h.buffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.ControlClients.Add(context.Background(), 1)
	return c, true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		h.metrics.ControlClients.Add(context.Background(), -1)
	}
}

func encode(event string, data any) ([]byte, error) {
	return json.Marshal(Envelope{Event: event, Data: data})
}
