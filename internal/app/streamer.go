package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/MrWong99/radiocast/internal/capture"
	"github.com/MrWong99/radiocast/internal/settings"
	"github.com/MrWong99/radiocast/internal/transport"
)

// Status messages shown by the host.
const (
	MsgStreaming            = "Streaming..."
	MsgWaiting              = "Waiting..."
	MsgWaitingForConnection = "Waiting for WebSocket connection..."
	MsgConnectionError      = "Connection error"
	MsgRestarting           = "Restarting..."
)

// Connection status labels.
const (
	ConnConnected    = "Connected"
	ConnConnecting   = "Connecting..."
	ConnDisconnected = "Disconnected"
)

// ErrNotConnected is returned by [Streamer.StartStream] while the remote
// ingest connection is not open. It wraps [transport.ErrNotConnected].
var ErrNotConnected = fmt.Errorf("app: start stream: %w", transport.ErrNotConnected)

// StatusType classifies a [Status].
type StatusType string

const (
	StatusInfo  StatusType = "info"
	StatusError StatusType = "error"
)

// Status is a user-visible streaming status.
type Status struct {
	Message     string     `json:"message"`
	IsStreaming bool       `json:"isStreaming"`
	Type        StatusType `json:"type"`
}

// HostSink receives everything the host shell displays.
// Implementations must not block.
type HostSink interface {
	StatusUpdate(Status)
	ConnectionStatus(message string)
	Visualizer(frame []byte)
}

// Transport is the subset of [transport.Client] used by the [Streamer].
type Transport interface {
	State() transport.State
	SendBinary(data []byte) error
	SendJSON(v any) error
	Reconnect()
}

// SettingsStore persists user settings.
type SettingsStore interface {
	Get() settings.Settings
	Update(fn func(*settings.Settings)) (settings.Settings, error)
}

// SessionRecorder receives a copy of every outbound PCM16 frame.
type SessionRecorder interface {
	WritePCM16(pcm []byte) error
	Close() error
}

// RecorderFactory opens a recorder for a new capture session.
type RecorderFactory func(sessionID string) (SessionRecorder, error)

// tokenMessage authenticates the client with the remote ingest.
type tokenMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// StreamerConfig holds all dependencies for a [Streamer].
type StreamerConfig struct {
	// Pipeline is the capture pipeline. Required.
	Pipeline *capture.Pipeline

	// NewTransport builds the ingest transport with the streamer as its
	// listener. Required.
	NewTransport func(l transport.Listener) Transport

	// Host receives status, connection and visualizer updates. Required.
	Host HostSink

	// Settings persists token and volume. Required.
	Settings SettingsStore

	// Recorder, when set, records every session to disk.
	Recorder RecorderFactory
}

// Streamer coordinates the capture pipeline, the ingest transport and the
// host. At most one capture session is active at a time. All exported
// methods are safe for concurrent use.
type Streamer struct {
	mu       sync.Mutex
	active   bool
	starting bool
	session  capture.Session
	token    string
	// gen is bumped by every StopStream so an in-flight StartStream can
	// tell it was superseded.
	gen uint64
	// resume starts a stream on the next open after Restart.
	resume bool

	rec atomic.Pointer[recorderRef]

	pipeline  *capture.Pipeline
	transport Transport
	host      HostSink
	settings  SettingsStore
	recorder  RecorderFactory
}

type recorderRef struct{ SessionRecorder }

// NewStreamer creates a Streamer and its transport.
func NewStreamer(cfg StreamerConfig) *Streamer {
	s := &Streamer{
		pipeline: cfg.Pipeline,
		host:     cfg.Host,
		settings: cfg.Settings,
		recorder: cfg.Recorder,
	}
	s.transport = cfg.NewTransport(s)
	return s
}

// Transport returns the transport built by NewTransport.
func (s *Streamer) Transport() Transport { return s.transport }

// StartStream starts a capture session when the ingest connection is open.
//
// Without an open connection it reports [MsgWaitingForConnection] and returns
// [ErrNotConnected]. It is a no-op while a session is active or starting.
// If StopStream runs while the capture source is being acquired, StartStream
// returns [capture.ErrStartCancelled] without reporting a status.
func (s *Streamer) StartStream(ctx context.Context) error {
	s.mu.Lock()
	if s.active || s.starting {
		s.mu.Unlock()
		return nil
	}
	if s.transport.State() != transport.StateConnected {
		s.mu.Unlock()
		s.host.StatusUpdate(Status{Message: MsgWaitingForConnection, Type: StatusInfo})
		return ErrNotConnected
	}
	s.starting = true
	gen := s.gen
	s.mu.Unlock()

	var sessionID string
	sess, err := s.pipeline.Start(ctx, capture.Sinks{
		Started: func(cs capture.Session) {
			sessionID = cs.ID
			s.openRecorder(cs.ID)
		},
		Audio:    s.onAudio,
		Spectrum: s.host.Visualizer,
		Ended: func(err error) {
			go s.endSession(sessionID, err)
		},
	})

	s.mu.Lock()
	s.starting = false
	switch {
	case err != nil:
		s.mu.Unlock()
		if errors.Is(err, capture.ErrStartCancelled) {
			return err
		}
		slog.Error("app: start stream", "err", err)
		s.host.StatusUpdate(Status{Message: "Error: " + err.Error(), Type: StatusError})
		return err
	case sess.ID == "":
		// The pipeline was not idle; another caller owns the session.
		s.mu.Unlock()
		return nil
	case s.gen != gen:
		s.mu.Unlock()
		s.pipeline.Stop()
		s.closeRecorder()
		return capture.ErrStartCancelled
	}
	s.active = true
	s.session = sess
	s.mu.Unlock()

	slog.Info("app: streaming", "session_id", sess.ID)
	s.host.StatusUpdate(Status{Message: MsgStreaming, IsStreaming: true, Type: StatusInfo})
	return nil
}

// StopStream stops the capture session, cancelling a pending start, and
// reports [MsgWaiting]. It is safe to call when nothing is running; then it
// reports nothing.
func (s *Streamer) StopStream() {
	s.mu.Lock()
	s.gen++
	s.resume = false
	wasStarting := s.starting
	s.mu.Unlock()

	s.pipeline.Stop()

	s.mu.Lock()
	sessionID := s.session.ID
	s.active = false
	s.session = capture.Session{}
	s.mu.Unlock()

	s.closeRecorder()
	if sessionID == "" && !wasStarting {
		return
	}
	slog.Info("app: stream stopped", "session_id", sessionID)
	s.host.StatusUpdate(Status{Message: MsgWaiting, Type: StatusInfo})
}

// endSession tears down a session whose capture source ended on its own.
func (s *Streamer) endSession(sessionID string, cause error) {
	s.mu.Lock()
	if !s.active || s.session.ID != sessionID {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.active = false
	s.session = capture.Session{}
	s.mu.Unlock()

	s.pipeline.Stop()
	s.closeRecorder()

	if cause == nil {
		cause = errors.New("capture ended")
	}
	slog.Warn("app: capture ended", "session_id", sessionID, "err", cause)
	s.host.StatusUpdate(Status{Message: "Error: " + cause.Error(), Type: StatusError})
}

// IsStreaming reports whether a capture session is active.
func (s *Streamer) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Session returns the active capture session and whether one exists.
func (s *Streamer) Session() (capture.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, s.active
}

// Settings returns the persisted settings.
func (s *Streamer) Settings() settings.Settings { return s.settings.Get() }

// ReportStreaming re-emits the current streaming status to the host.
func (s *Streamer) ReportStreaming() bool {
	active := s.IsStreaming()
	st := Status{Message: MsgWaiting, Type: StatusInfo}
	if active {
		st = Status{Message: MsgStreaming, IsStreaming: true, Type: StatusInfo}
	}
	s.host.StatusUpdate(st)
	return active
}

// SetVolume applies percent to the pipeline and persists it.
func (s *Streamer) SetVolume(percent int) (settings.Settings, error) {
	if percent < 0 || percent > settings.MaxVolume {
		return s.settings.Get(), fmt.Errorf("app: volume %d out of range [0, %d]", percent, settings.MaxVolume)
	}
	s.pipeline.SetVolume(percent)
	st, err := s.settings.Update(func(st *settings.Settings) { st.Volume = percent })
	if err != nil {
		return st, fmt.Errorf("app: save volume: %w", err)
	}
	return st, nil
}

// SetToken persists token and, when connected, sends it to the ingest.
func (s *Streamer) SetToken(token string) (settings.Settings, error) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	st, err := s.settings.Update(func(st *settings.Settings) { st.Token = token })
	s.ResendToken()
	if err != nil {
		return st, fmt.Errorf("app: save token: %w", err)
	}
	return st, nil
}

// SetAutostart persists the autostart flags.
func (s *Streamer) SetAutostart(windows, stream bool) (settings.Settings, error) {
	st, err := s.settings.Update(func(st *settings.Settings) {
		st.AutoStartWindows = windows
		st.AutoStartStream = stream
	})
	if err != nil {
		return st, fmt.Errorf("app: save autostart: %w", err)
	}
	return st, nil
}

// AutostartCheck applies token and volume from st without persisting them.
// It never starts a stream.
func (s *Streamer) AutostartCheck(st settings.Settings) {
	st = st.Normalize()
	s.mu.Lock()
	s.token = st.Token
	s.mu.Unlock()
	s.pipeline.SetVolume(st.Volume)
}

// ResendToken sends the current token when the connection is open.
func (s *Streamer) ResendToken() {
	if s.transport.State() == transport.StateConnected {
		s.sendToken()
	}
}

// ConnectionStatus returns the host label for the transport state.
func (s *Streamer) ConnectionStatus() string {
	return connectionLabel(s.transport.State())
}

func connectionLabel(st transport.State) string {
	switch st {
	case transport.StateConnected:
		return ConnConnected
	case transport.StateConnecting:
		return ConnConnecting
	default:
		return ConnDisconnected
	}
}

// Restart stops the stream, drops the ingest connection and dials again.
// A stream that was running or starting resumes once the new connection
// opens.
func (s *Streamer) Restart() {
	s.mu.Lock()
	wasStreaming := s.active || s.starting
	s.mu.Unlock()

	s.StopStream()
	s.host.StatusUpdate(Status{Message: MsgRestarting, Type: StatusInfo})
	slog.Info("app: restarting", "resume_stream", wasStreaming)

	s.mu.Lock()
	s.resume = wasStreaming
	s.mu.Unlock()
	s.transport.Reconnect()
}

// OnOpen implements [transport.Listener].
func (s *Streamer) OnOpen() {
	s.host.ConnectionStatus(ConnConnected)
	s.sendToken()

	s.mu.Lock()
	resume := s.resume
	s.resume = false
	s.mu.Unlock()
	if resume {
		// Off the dispatcher: acquiring the source can block.
		go func() {
			if err := s.StartStream(context.Background()); err != nil && !errors.Is(err, capture.ErrStartCancelled) {
				slog.Warn("app: resume after restart", "err", err)
			}
		}()
	}
}

// OnClose implements [transport.Listener]. Capture keeps running; frames are
// dropped until the connection reopens.
func (s *Streamer) OnClose() {
	s.host.ConnectionStatus(ConnDisconnected)
}

// OnError implements [transport.Listener].
func (s *Streamer) OnError(err error) {
	slog.Warn("app: websocket error", "err", err)
	s.host.StatusUpdate(Status{Message: MsgConnectionError, IsStreaming: s.IsStreaming(), Type: StatusError})
}

// OnMessage implements [transport.Listener]. A "token" text message is a
// challenge answered with the current token; everything else is ignored.
func (s *Streamer) OnMessage(typ websocket.MessageType, data []byte) {
	if typ == websocket.MessageText && isTokenChallenge(data) {
		s.sendToken()
		return
	}
	slog.Debug("app: ignoring inbound message", "type", typ, "bytes", len(data))
}

func isTokenChallenge(data []byte) bool {
	msg := bytes.TrimSpace(data)
	return string(msg) == "token" || string(msg) == `"token"`
}

func (s *Streamer) sendToken() {
	s.mu.Lock()
	tok := s.token
	s.mu.Unlock()
	if err := s.transport.SendJSON(tokenMessage{Type: "token", Token: tok}); err != nil {
		slog.Warn("app: send token", "err", err)
	}
}

func (s *Streamer) onAudio(pcm []byte) {
	if err := s.transport.SendBinary(pcm); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		slog.Debug("app: send frame", "err", err)
	}
	if r := s.rec.Load(); r != nil {
		if err := r.WritePCM16(pcm); err != nil {
			slog.Warn("app: record frame", "err", err)
		}
	}
}

func (s *Streamer) openRecorder(sessionID string) {
	if s.recorder == nil {
		return
	}
	r, err := s.recorder(sessionID)
	if err != nil {
		slog.Warn("app: open session recording", "session_id", sessionID, "err", err)
		return
	}
	s.rec.Store(&recorderRef{r})
}

func (s *Streamer) closeRecorder() {
	if r := s.rec.Swap(nil); r != nil {
		if err := r.Close(); err != nil {
			slog.Warn("app: close session recording", "err", err)
		}
	}
}
