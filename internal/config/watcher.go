package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/radiocast/internal/filewatch"
)

// defaultReloadInterval is used when no [WithInterval] option is given.
const defaultReloadInterval = 5 * time.Second

// Watcher reloads a config file after it is edited and reports each valid
// new version to a callback. Invalid edits are logged and skipped; the last
// valid config stays current.
type Watcher struct {
	file     *filewatch.File
	interval time.Duration
	onChange func(old, new *Config)
	cancel   context.CancelFunc

	mu      sync.Mutex
	current *Config
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path and polls it until [Watcher.Stop].
// onChange runs on the polling goroutine and may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		file:     filewatch.New(path),
		interval: defaultReloadInterval,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	data, err := w.file.Read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current = cfg

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go filewatch.Poll(ctx, w.interval, w.check)
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() { w.cancel() }

func (w *Watcher) check() {
	data, changed, err := w.file.Changed()
	if err != nil {
		slog.Warn("config: cannot read watched file", "path", w.file.Path(), "err", err)
		return
	}
	if !changed {
		return
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		slog.Warn("config: reload rejected, keeping previous config", "path", w.file.Path(), "err", err)
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.file.Path())
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}
