// Package app wires all radiocast subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the capture pipeline,
// the ingest transport, the streamer and the control server, Run serves until
// the context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithListener,
// WithLevelVar, etc.). When an option is not provided, New uses the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/radiocast/internal/capture"
	"github.com/MrWong99/radiocast/internal/config"
	"github.com/MrWong99/radiocast/internal/control"
	"github.com/MrWong99/radiocast/internal/notify"
	"github.com/MrWong99/radiocast/internal/observe"
	"github.com/MrWong99/radiocast/internal/settings"
	"github.com/MrWong99/radiocast/internal/transport"
	"github.com/MrWong99/radiocast/pkg/audio"
	"github.com/MrWong99/radiocast/pkg/audio/wavtap"
)

// autostartPoll is how often the autostart waits for the first connection.
const autostartPoll = 50 * time.Millisecond

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	configPath string

	// Subsystems, initialised in New and torn down in Shutdown.
	pipeline *capture.Pipeline
	client   *transport.Client
	streamer *Streamer
	store    *settings.Store
	hub      *control.Hub
	server   *control.Server
	notifier *notify.Notifier
	metrics  *observe.Metrics

	listener net.Listener
	level    *slog.LevelVar

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithListener serves the control API on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithLevelVar lets config hot-reload adjust the log level.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigPath enables hot reload of the config file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithNotifier injects a notifier instead of creating one from config.
func WithNotifier(n *notify.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App that captures from src. It opens the settings store,
// applies the persisted token and volume, and builds every subsystem. No
// connection is made until Run.
func New(cfg *config.Config, src audio.Source, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.notifier == nil {
		a.notifier = notify.New(cfg.Notify.Enabled)
	}

	format := audio.Format{SampleRate: cfg.Capture.SampleRate, Channels: audio.DefaultChannels}
	p, err := capture.New(src,
		capture.WithFormat(format),
		capture.WithFFTSize(cfg.Capture.FFTSize),
		capture.WithFPS(cfg.Capture.VisualizerFPS),
		capture.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.pipeline = p

	store, err := settings.Open(cfg.Settings.Path)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.store = store

	a.hub = control.NewHub(control.WithHubMetrics(a.metrics))

	var rec RecorderFactory
	if dir := cfg.Capture.RecordDir; dir != "" {
		rec = func(sessionID string) (SessionRecorder, error) {
			r, err := wavtap.Create(dir, sessionID, format)
			if err != nil {
				return nil, err
			}
			slog.Info("app: recording session", "path", r.Path())
			return r, nil
		}
	}

	a.streamer = NewStreamer(StreamerConfig{
		Pipeline: p,
		NewTransport: func(l transport.Listener) Transport {
			a.client = transport.New(cfg.Transport.URL, l, a.transportOptions()...)
			return a.client
		},
		Host:     &hostSink{hub: a.hub, notifier: a.notifier},
		Settings: store,
		Recorder: rec,
	})
	a.streamer.AutostartCheck(store.Get())

	a.server = control.New(control.Config{
		Addr:       cfg.Server.ListenAddr,
		Controller: a.streamer,
		Hub:        a.hub,
		Metrics:    a.metrics,
		Checkers: []control.Checker{{
			Name: "transport",
			Check: func(context.Context) error {
				if st := a.client.State(); st != transport.StateConnected {
					return fmt.Errorf("websocket %s", st)
				}
				return nil
			},
		}},
	})

	return a, nil
}

func (a *App) transportOptions() []transport.Option {
	tc := a.cfg.Transport
	opts := []transport.Option{
		transport.WithBackoff(tc.MinBackoff, tc.MaxBackoff),
		transport.WithDialTimeout(tc.DialTimeout),
		transport.WithWriteTimeout(tc.WriteTimeout),
		transport.WithHeartbeat(tc.Heartbeat),
		transport.WithMetrics(a.metrics),
	}
	if len(tc.Headers) > 0 {
		h := make(http.Header, len(tc.Headers))
		for k, v := range tc.Headers {
			h.Set(k, v)
		}
		opts = append(opts, transport.WithHTTPHeader(h))
	}
	return opts
}

// Streamer returns the streaming coordinator.
func (a *App) Streamer() *Streamer { return a.streamer }

// Handler returns the control API handler.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects the transport, serves the control API and watches the
// settings and config files. It blocks until ctx is cancelled or the control
// server fails. When autoStartStream is set, exactly one start is issued once
// the first connection opens or the dial timeout elapses.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if err := a.client.Connect(ctx); err != nil {
		return fmt.Errorf("app: connect transport: %w", err)
	}

	g.Go(func() error {
		if a.listener != nil {
			return a.server.Serve(ctx, a.listener)
		}
		return a.server.Run(ctx)
	})

	g.Go(func() error {
		a.store.Watch(ctx, a.cfg.Settings.WatchInterval, a.onSettingsChanged)
		return nil
	})

	if a.configPath != "" && a.cfg.Server.ReloadInterval > 0 {
		w, err := config.NewWatcher(a.configPath, a.onConfigChanged, config.WithInterval(a.cfg.Server.ReloadInterval))
		if err != nil {
			slog.Warn("app: config hot reload disabled", "err", err)
		} else {
			g.Go(func() error {
				<-ctx.Done()
				w.Stop()
				return nil
			})
		}
	}

	if a.store.Get().AutoStartStream {
		g.Go(func() error {
			a.autostart(ctx)
			return nil
		})
	}

	slog.Info("app running", "transport_url", a.cfg.Transport.URL, "backend", a.cfg.Capture.Backend)
	return g.Wait()
}

// autostart issues one StartStream once connected, or after the dial
// timeout. A refused start is not retried.
func (a *App) autostart(ctx context.Context) {
	deadline := time.NewTimer(a.cfg.Transport.DialTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(autostartPoll)
	defer tick.Stop()

wait:
	for a.client.State() != transport.StateConnected {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			break wait
		case <-tick.C:
		}
	}
	slog.Info("app: autostart stream")
	if err := a.streamer.StartStream(ctx); err != nil {
		slog.Warn("app: autostart refused", "err", err)
	}
}

// onSettingsChanged applies an external edit of the settings file.
func (a *App) onSettingsChanged(old, cur settings.Settings) {
	slog.Info("app: settings reloaded")
	a.streamer.AutostartCheck(cur)
	if old.Token != cur.Token {
		a.streamer.ResendToken()
	}
	a.hub.Broadcast(control.EventSettingsLoaded, cur)
}

// onConfigChanged applies hot-reloadable config keys and warns about the rest.
func (a *App) onConfigChanged(old, cur *config.Config) {
	d := config.Diff(old, cur)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.NotifyChanged {
		a.notifier.SetEnabled(d.NotifyEnabled)
		slog.Info("app: notifications toggled", "enabled", d.NotifyEnabled)
	}
	for _, key := range d.RestartRequired {
		slog.Warn("app: config change requires restart", "key", key)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the capture session, closes the transport and disconnects
// every event client. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		done := make(chan error, 1)
		go func() {
			var errs []error
			a.streamer.StopStream()
			if err := a.client.Close(); err != nil {
				errs = append(errs, fmt.Errorf("app: close transport: %w", err))
			}
			a.hub.Close()
			a.notifier.Wait()
			done <- errors.Join(errs...)
		}()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = fmt.Errorf("app: shutdown: %w", ctx.Err())
		}
	})
	return err
}

// ─── Host sink ───────────────────────────────────────────────────────────────

// hostSink forwards streamer updates to control clients and raises error
// statuses as desktop notifications. Connection errors notify once per
// outage: the transport retries forever and reports every failed dial.
type hostSink struct {
	hub      *control.Hub
	notifier *notify.Notifier

	// outage is set after a connection error was notified and cleared when
	// the connection opens again.
	outage atomic.Bool
}

func (h *hostSink) StatusUpdate(s Status) {
	h.hub.Broadcast(control.EventStatus, s)
	if s.Type != StatusError {
		return
	}
	if s.Message == MsgConnectionError && h.outage.Swap(true) {
		return
	}
	h.notifier.Notify(s.Message)
}

func (h *hostSink) ConnectionStatus(msg string) {
	if msg == ConnConnected {
		h.outage.Store(false)
	}
	h.hub.Broadcast(control.EventConnection, msg)
}

func (h *hostSink) Visualizer(frame []byte) {
	h.hub.Broadcast(control.EventVisualizer, control.ByteArray(frame))
}
