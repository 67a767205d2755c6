package config

// ConfigDiff describes what changed between two configs.
// Only LogLevel and Notify are applied at runtime; every other change is
// reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	NotifyChanged bool
	NotifyEnabled bool

	// RestartRequired lists the YAML keys of changed settings that only take
	// effect after a restart.
	RestartRequired []string
}

// Changed reports whether any field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.NotifyChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Notify.Enabled != new.Notify.Enabled {
		d.NotifyChanged = true
		d.NotifyEnabled = new.Notify.Enabled
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.reload_interval", old.Server.ReloadInterval != new.Server.ReloadInterval)
	restart("transport", !transportEqual(old.Transport, new.Transport))
	restart("capture.backend", old.Capture.Backend != new.Capture.Backend)
	restart("capture.sample_rate", old.Capture.SampleRate != new.Capture.SampleRate)
	restart("capture.fft_size", old.Capture.FFTSize != new.Capture.FFTSize)
	restart("capture.visualizer_fps", old.Capture.VisualizerFPS != new.Capture.VisualizerFPS)
	restart("capture.record_dir", old.Capture.RecordDir != new.Capture.RecordDir)
	restart("capture.ffmpeg", old.Capture.FFmpeg != new.Capture.FFmpeg)
	restart("capture.portaudio", old.Capture.PortAudio != new.Capture.PortAudio)
	restart("settings", old.Settings != new.Settings)

	return d
}

func transportEqual(a, b TransportConfig) bool {
	if a.URL != b.URL || a.MinBackoff != b.MinBackoff || a.MaxBackoff != b.MaxBackoff ||
		a.DialTimeout != b.DialTimeout || a.WriteTimeout != b.WriteTimeout || a.Heartbeat != b.Heartbeat {
		return false
	}
	if len(a.Headers) != len(b.Headers) {
		return false
	}
	for k, v := range a.Headers {
		if bv, ok := b.Headers[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
