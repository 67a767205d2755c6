package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/radiocast/pkg/audio"
)

// ErrBackendNotRegistered is returned by [Registry.CreateSource] when no
// factory has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: capture backend not registered")

// SourceFactory builds a capture source from the capture configuration.
type SourceFactory func(CaptureConfig) (audio.Source, error)

// Registry maps capture backend names to their constructor functions. It is
// safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]SourceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]SourceFactory)}
}

// RegisterSource registers a capture backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// CreateSource builds the backend selected by cfg.Backend.
func (r *Registry) CreateSource(cfg CaptureConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrBackendNotRegistered, cfg.Backend, r.Backends())
	}
	src, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create capture backend %q: %w", cfg.Backend, err)
	}
	return src, nil
}

// Backends returns the registered backend names in sorted order.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
