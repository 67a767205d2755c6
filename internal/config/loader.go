package config

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvURL is the environment variable that overrides [TransportConfig.URL].
const EnvURL = "WS_URL"

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = "127.0.0.1:8787"
	DefaultReloadInterval = 5 * time.Second
	DefaultMinBackoff     = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultHeartbeat      = 30 * time.Second
	DefaultBackend        = "ffmpeg"
	DefaultSampleRate     = 44100
	DefaultFFTSize        = 2048
	DefaultVisualizerFPS  = 60
	DefaultSettingsPath   = "settings.yaml"
	DefaultWatchInterval  = 2 * time.Second
)

// Analyser window limits.
const (
	MinFFTSize = 32
	MaxFFTSize = 32768
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults, applies the
// WS_URL override and validates the result. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.ReloadInterval, DefaultReloadInterval)

	setDefault(&cfg.Transport.MinBackoff, DefaultMinBackoff)
	setDefault(&cfg.Transport.MaxBackoff, DefaultMaxBackoff)
	setDefault(&cfg.Transport.DialTimeout, DefaultDialTimeout)
	setDefault(&cfg.Transport.WriteTimeout, DefaultWriteTimeout)
	setDefault(&cfg.Transport.Heartbeat, DefaultHeartbeat)

	setDefault(&cfg.Capture.Backend, DefaultBackend)
	setDefault(&cfg.Capture.SampleRate, DefaultSampleRate)
	setDefault(&cfg.Capture.FFTSize, DefaultFFTSize)
	setDefault(&cfg.Capture.VisualizerFPS, DefaultVisualizerFPS)
	setDefault(&cfg.Capture.FFmpeg.Path, "ffmpeg")

	setDefault(&cfg.Settings.Path, DefaultSettingsPath)
	setDefault(&cfg.Settings.WatchInterval, DefaultWatchInterval)
}

func setDefault[T comparable](field *T, v T) {
	var zero T
	if *field == zero {
		*field = v
	}
}

// ApplyEnv applies environment overrides read through lookup
// (normally [os.LookupEnv]).
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvURL); ok && v != "" {
		cfg.Transport.URL = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Transport
	if cfg.Transport.URL == "" {
		errs = append(errs, fmt.Errorf("transport.url is required (or set %s)", EnvURL))
	} else if u, err := url.Parse(cfg.Transport.URL); err != nil {
		errs = append(errs, fmt.Errorf("transport.url: %w", err))
	} else if !slices.Contains([]string{"ws", "wss"}, u.Scheme) {
		errs = append(errs, fmt.Errorf("transport.url scheme %q is invalid; valid values: ws, wss", u.Scheme))
	} else if u.Host == "" {
		errs = append(errs, fmt.Errorf("transport.url %q has no host", cfg.Transport.URL))
	}
	if cfg.Transport.MinBackoff < 0 || cfg.Transport.MaxBackoff < 0 {
		errs = append(errs, fmt.Errorf("transport backoff must not be negative"))
	}
	if cfg.Transport.MinBackoff > cfg.Transport.MaxBackoff {
		errs = append(errs, fmt.Errorf("transport.min_backoff %s exceeds transport.max_backoff %s",
			cfg.Transport.MinBackoff, cfg.Transport.MaxBackoff))
	}

	// Capture
	if cfg.Capture.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate must be positive, got %d", cfg.Capture.SampleRate))
	}
	if n := cfg.Capture.FFTSize; n < MinFFTSize || n > MaxFFTSize || bits.OnesCount(uint(n)) != 1 {
		errs = append(errs, fmt.Errorf("capture.fft_size must be a power of two in [%d, %d], got %d", MinFFTSize, MaxFFTSize, n))
	}
	if fps := cfg.Capture.VisualizerFPS; fps < 1 || fps > 240 {
		errs = append(errs, fmt.Errorf("capture.visualizer_fps must be in [1, 240], got %d", fps))
	}
	if cfg.Capture.PortAudio.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("capture.portaudio.frames_per_buffer must not be negative"))
	}

	return errors.Join(errs...)
}
