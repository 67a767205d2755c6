package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/radiocast/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Transport.Headers = map[string]string{"X-Station": "a"}
	d := config.Diff(cfg, cfg)
	if d.Changed() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := validConfig()
	new := validConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level change should not require restart, got %v", d.RestartRequired)
	}
}

func TestDiff_NotifyChanged(t *testing.T) {
	t.Parallel()
	old := validConfig()
	new := validConfig()
	new.Notify.Enabled = true

	d := config.Diff(old, new)
	if !d.NotifyChanged || !d.NotifyEnabled {
		t.Errorf("got NotifyChanged=%v NotifyEnabled=%v", d.NotifyChanged, d.NotifyEnabled)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key    string
		mutate func(*config.Config)
	}{
		{"server.listen_addr", func(c *config.Config) { c.Server.ListenAddr = ":1" }},
		{"transport", func(c *config.Config) { c.Transport.URL = "ws://elsewhere" }},
		{"transport", func(c *config.Config) { c.Transport.Heartbeat = time.Minute }},
		{"transport", func(c *config.Config) { c.Transport.Headers = map[string]string{"A": "b"} }},
		{"capture.backend", func(c *config.Config) { c.Capture.Backend = "portaudio" }},
		{"capture.fft_size", func(c *config.Config) { c.Capture.FFTSize = 4096 }},
		{"capture.visualizer_fps", func(c *config.Config) { c.Capture.VisualizerFPS = 30 }},
		{"capture.ffmpeg", func(c *config.Config) { c.Capture.FFmpeg.Input = "hw:1" }},
		{"settings", func(c *config.Config) { c.Settings.Path = "other.yaml" }},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Parallel()
			old := validConfig()
			new := validConfig()
			tt.mutate(new)
			d := config.Diff(old, new)
			if !slices.Contains(d.RestartRequired, tt.key) {
				t.Errorf("RestartRequired = %v, want it to contain %q", d.RestartRequired, tt.key)
			}
			if !d.Changed() {
				t.Error("Changed() = false")
			}
		})
	}
}
