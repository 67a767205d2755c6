// Package config provides the configuration schema, loader, hot-reload watcher
// and capture backend registry for radiocast.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level returns the slog level for l. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for radiocast.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Capture   CaptureConfig   `yaml:"capture"`
	Settings  SettingsConfig  `yaml:"settings"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// ServerConfig holds the control API and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the local control API
	// (default "127.0.0.1:8787").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// ReloadInterval is how often the config file is polled for changes.
	// A negative value disables hot reload.
	ReloadInterval time.Duration `yaml:"reload_interval"`
}

// TransportConfig configures the outbound WebSocket connection.
type TransportConfig struct {
	// URL is the ws:// or wss:// ingest endpoint. The WS_URL environment
	// variable overrides it.
	URL string `yaml:"url"`

	// MinBackoff is the delay before the first reconnection attempt.
	MinBackoff time.Duration `yaml:"min_backoff"`

	// MaxBackoff caps the exponential reconnection delay.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// DialTimeout bounds each opening handshake.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// WriteTimeout bounds each send.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Heartbeat is the ping interval. A negative value disables pings.
	Heartbeat time.Duration `yaml:"heartbeat"`

	// Headers are added to the opening handshake.
	Headers map[string]string `yaml:"headers"`
}

// CaptureConfig configures the capture backend and the processing graph.
type CaptureConfig struct {
	// Backend selects a capture backend registered in the [Registry]
	// ("ffmpeg" or "portaudio").
	Backend string `yaml:"backend"`

	// SampleRate is the capture and output sample rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// FFTSize is the analyser window; the visualizer emits FFTSize/2 bins.
	FFTSize int `yaml:"fft_size"`

	// VisualizerFPS is the spectrum emission cadence.
	VisualizerFPS int `yaml:"visualizer_fps"`

	// RecordDir, when set, receives one WAV file per streaming session.
	RecordDir string `yaml:"record_dir"`

	FFmpeg    FFmpegConfig    `yaml:"ffmpeg"`
	PortAudio PortAudioConfig `yaml:"portaudio"`
}

// FFmpegConfig configures the ffmpeg capture backend.
type FFmpegConfig struct {
	// Path is the ffmpeg executable.
	Path string `yaml:"path"`

	// InputFormat is the ffmpeg demuxer (pulse, dshow, avfoundation, ...).
	// Empty selects the platform default.
	InputFormat string `yaml:"input_format"`

	// Input is the device passed to -i. Empty selects the platform default.
	Input string `yaml:"input"`
}

// PortAudioConfig configures the PortAudio capture backend.
type PortAudioConfig struct {
	// Device selects the first input device whose name contains this value.
	// Empty selects the default input.
	Device string `yaml:"device"`

	// FramesPerBuffer is the PortAudio buffer size.
	FramesPerBuffer int `yaml:"frames_per_buffer"`
}

// SettingsConfig locates the persisted user settings.
type SettingsConfig struct {
	// Path is the YAML settings file (created on first write).
	Path string `yaml:"path"`

	// WatchInterval is how often the settings file is polled for external
	// edits. A negative value disables watching.
	WatchInterval time.Duration `yaml:"watch_interval"`
}

// NotifyConfig controls desktop notifications.
type NotifyConfig struct {
	// Enabled raises error statuses as desktop notifications. Hot-reloadable.
	Enabled bool `yaml:"enabled"`
}
