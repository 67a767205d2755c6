// Package control serves the local host shell: HTTP command endpoints, a
// WebSocket event feed, health checks and Prometheus metrics.
//
// Every command is reachable twice. HTTP clients use the /api routes, and
// clients on the /api/events feed send {"command": ...} messages. Both paths
// end in the same [Controller] call.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/radiocast/internal/capture"
	"github.com/MrWong99/radiocast/internal/observe"
	"github.com/MrWong99/radiocast/internal/settings"
	"github.com/MrWong99/radiocast/internal/transport"
	"github.com/MrWong99/radiocast/pkg/audio"
)

const (
	// shutdownTimeout bounds graceful HTTP shutdown.
	shutdownTimeout = 5 * time.Second

	// commandBuffer is the per-client queue of pending feed commands.
	commandBuffer = 16
)

// Controller is the streaming surface driven by the host shell.
type Controller interface {
	StartStream(ctx context.Context) error
	StopStream()
	Restart()
	IsStreaming() bool
	ReportStreaming() bool
	SetVolume(percent int) (settings.Settings, error)
	SetToken(token string) (settings.Settings, error)
	SetAutostart(windows, stream bool) (settings.Settings, error)
	Settings() settings.Settings
	ConnectionStatus() string
}

// ErrorResponse is the JSON body of a failed command.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StreamState is the JSON body of stream commands.
type StreamState struct {
	IsStreaming bool `json:"isStreaming"`
}

// ConnectionState is the JSON body of GET /api/connection.
type ConnectionState struct {
	Status string `json:"status"`
}

// VolumeRequest is the body of PUT /api/volume.
type VolumeRequest struct {
	Volume *int `json:"volume"`
}

// SettingsPatch updates the fields that are present.
type SettingsPatch struct {
	Token            *string `json:"token,omitempty"`
	Volume           *int    `json:"volume,omitempty"`
	AutoStartWindows *bool   `json:"autoStartWindows,omitempty"`
	AutoStartStream  *bool   `json:"autoStartStream,omitempty"`
}

// Config holds the dependencies of a [Server].
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:8787".
	Addr string

	// Controller executes commands. Required.
	Controller Controller

	// Hub fans events out to feed clients. Required.
	Hub *Hub

	// Checkers are evaluated by /readyz.
	Checkers []Checker

	// Metrics records HTTP request metrics. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OriginPatterns are extra host patterns allowed to open the event feed.
	OriginPatterns []string
}

// Server is the host shell HTTP server.
type Server struct {
	addr     string
	ctrl     Controller
	hub      *Hub
	checkers []Checker
	origins  []string
	handler  http.Handler
}

// New creates a Server. It does not listen until [Server.Run].
func New(cfg Config) *Server {
	s := &Server{
		addr:     cfg.Addr,
		ctrl:     cfg.Controller,
		hub:      cfg.Hub,
		checkers: append([]Checker(nil), cfg.Checkers...),
		origins:  cfg.OriginPatterns,
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/stream/start", s.startStream)
	mux.HandleFunc("POST /api/stream/stop", s.stopStream)
	mux.HandleFunc("GET /api/stream", s.streamState)
	mux.HandleFunc("POST /api/restart", s.restart)
	mux.HandleFunc("PUT /api/volume", s.setVolume)
	mux.HandleFunc("GET /api/settings", s.getSettings)
	mux.HandleFunc("PUT /api/settings", s.putSettings)
	mux.HandleFunc("GET /api/connection", s.connection)
	mux.HandleFunc("GET /api/events", s.events)
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /readyz", s.readyz)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.handler = observe.Middleware(m)(mux)
	return s
}

// Handler returns the root handler, wrapped in [observe.Middleware].
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled, then shuts down gracefully and
// disconnects every event client.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is [Server.Run] on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	slog.Info("control: listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		s.hub.Close()
		return fmt.Errorf("control: serve: %w", err)
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control: shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control: serve: %w", err)
	}
	return nil
}

// ─── HTTP commands ───────────────────────────────────────────────────────────

func (s *Server) startStream(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StartStream(r.Context()); err != nil {
		writeJSON(w, startStatus(err), ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, StreamState{IsStreaming: s.ctrl.IsStreaming()})
}

func (s *Server) stopStream(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.StopStream()
	writeJSON(w, http.StatusOK, StreamState{IsStreaming: false})
}

// restart is accepted immediately; progress arrives as status-update and
// connection-status-update events.
func (s *Server) restart(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Restart()
	writeJSON(w, http.StatusAccepted, StreamState{IsStreaming: s.ctrl.IsStreaming()})
}

func (s *Server) streamState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StreamState{IsStreaming: s.ctrl.ReportStreaming()})
}

func (s *Server) setVolume(w http.ResponseWriter, r *http.Request) {
	var req VolumeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Volume == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "volume is required"})
		return
	}
	if *req.Volume < 0 || *req.Volume > settings.MaxVolume {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("volume must be between 0 and %d", settings.MaxVolume),
		})
		return
	}
	st, err := s.ctrl.SetVolume(*req.Volume)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Settings())
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var patch SettingsPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	st, err := s.applySettings(patch)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	s.hub.Broadcast(EventSettingsLoaded, st)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) connection(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ConnectionState{Status: s.ctrl.ConnectionStatus()})
}

// applySettings applies patch field by field and returns the resulting
// settings. Earlier fields stay applied when a later one fails.
func (s *Server) applySettings(patch SettingsPatch) (settings.Settings, error) {
	st := s.ctrl.Settings()
	var err error
	if patch.Volume != nil {
		if *patch.Volume < 0 || *patch.Volume > settings.MaxVolume {
			return st, fmt.Errorf("volume must be between 0 and %d", settings.MaxVolume)
		}
		if st, err = s.ctrl.SetVolume(*patch.Volume); err != nil {
			return st, err
		}
	}
	if patch.Token != nil {
		if st, err = s.ctrl.SetToken(*patch.Token); err != nil {
			return st, err
		}
	}
	if patch.AutoStartWindows != nil || patch.AutoStartStream != nil {
		windows, stream := st.AutoStartWindows, st.AutoStartStream
		if patch.AutoStartWindows != nil {
			windows = *patch.AutoStartWindows
		}
		if patch.AutoStartStream != nil {
			stream = *patch.AutoStartStream
		}
		if st, err = s.ctrl.SetAutostart(windows, stream); err != nil {
			return st, err
		}
	}
	return st, nil
}

// startStatus maps a StartStream error to an HTTP status.
func startStatus(err error) int {
	switch {
	case errors.Is(err, transport.ErrNotConnected), errors.Is(err, capture.ErrStartCancelled):
		return http.StatusConflict
	case errors.Is(err, audio.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, audio.ErrNoCaptureSource):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a JSON request body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// ─── Event feed ──────────────────────────────────────────────────────────────

// Command is an inbound message on the event feed.
type Command struct {
	Command  string         `json:"command"`
	Volume   *int           `json:"volume,omitempty"`
	Settings *SettingsPatch `json:"settings,omitempty"`
}

// Command names accepted on the event feed.
const (
	CmdStartStream         = "start-stream"
	CmdStopStream          = "stop-stream"
	CmdRestart             = "restart"
	CmdIsStream            = "is-stream"
	CmdSetVolume           = "set-volume"
	CmdSetSetting          = "set-setting"
	CmdGetSettings         = "get-settings"
	CmdGetConnectionStatus = "get-connection-status"
)

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		slog.Warn("control: accept event feed", "err", err)
		return
	}
	defer conn.CloseNow()

	c, ok := s.hub.register()
	if !ok {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer s.hub.unregister(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Initial snapshot.
	s.hub.sendTo(c, EventSettingsLoaded, s.ctrl.Settings())
	s.hub.sendTo(c, EventConnection, s.ctrl.ConnectionStatus())

	// Commands from one client run in arrival order on a single worker.
	cmds := make(chan Command, commandBuffer)
	go func() {
		for cmd := range cmds {
			s.dispatch(ctx, c, cmd)
		}
	}()

	go func() {
		defer cancel()
		defer close(cmds)
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ != websocket.MessageText {
				continue
			}
			var cmd Command
			if err := json.Unmarshal(data, &cmd); err != nil {
				slog.Debug("control: ignoring malformed command", "err", err)
				continue
			}
			select {
			case cmds <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case msg := <-c.send:
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-s.hub.done:
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// dispatch runs one feed command. Unknown commands are ignored.
func (s *Server) dispatch(ctx context.Context, c *client, cmd Command) {
	switch cmd.Command {
	case CmdStartStream:
		// StartStream reports progress through status-update events. A
		// client that disconnects mid-start does not cancel it.
		if err := s.ctrl.StartStream(context.WithoutCancel(ctx)); err != nil {
			slog.Debug("control: start-stream", "err", err)
		}
		s.hub.sendTo(c, EventStreamState, StreamState{IsStreaming: s.ctrl.IsStreaming()})
	case CmdStopStream:
		s.ctrl.StopStream()
		s.hub.sendTo(c, EventStreamState, StreamState{IsStreaming: s.ctrl.IsStreaming()})
	case CmdRestart:
		s.ctrl.Restart()
	case CmdIsStream:
		s.ctrl.ReportStreaming()
	case CmdSetVolume:
		if cmd.Volume == nil {
			s.hub.sendTo(c, EventError, ErrorResponse{Error: "volume is required"})
			return
		}
		if _, err := s.applySettings(SettingsPatch{Volume: cmd.Volume}); err != nil {
			s.hub.sendTo(c, EventError, ErrorResponse{Error: err.Error()})
		}
	case CmdSetSetting:
		if cmd.Settings == nil {
			s.hub.sendTo(c, EventError, ErrorResponse{Error: "settings are required"})
			return
		}
		st, err := s.applySettings(*cmd.Settings)
		if err != nil {
			s.hub.sendTo(c, EventError, ErrorResponse{Error: err.Error()})
			return
		}
		s.hub.Broadcast(EventSettingsLoaded, st)
	case CmdGetSettings:
		s.hub.sendTo(c, EventSettingsLoaded, s.ctrl.Settings())
	case CmdGetConnectionStatus:
		s.hub.sendTo(c, EventConnection, s.ctrl.ConnectionStatus())
	default:
		slog.Debug("control: ignoring unknown command", "command", cmd.Command)
	}
}
