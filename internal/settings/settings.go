// Package settings persists the user-facing settings (access token, volume
// and autostart flags) as a small YAML file and notices external edits.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/radiocast/internal/filewatch"
)

// Volume bounds for the persisted setting.
const (
	DefaultVolume = 100
	MaxVolume     = 100
)

// Settings is the persisted user configuration. The YAML and JSON names match
// the keys the control API exposes.
type Settings struct {
	Token            string `yaml:"token" json:"token"`
	Volume           int    `yaml:"volume" json:"volume"`
	AutoStartWindows bool   `yaml:"autoStartWindows" json:"autoStartWindows"`
	AutoStartStream  bool   `yaml:"autoStartStream" json:"autoStartStream"`
}

// Defaults returns the settings used when no file exists yet.
func Defaults() Settings {
	return Settings{Volume: DefaultVolume}
}

// Normalize clamps Volume to [0, MaxVolume].
func (s Settings) Normalize() Settings {
	s.Volume = max(0, min(s.Volume, MaxVolume))
	return s
}

// Store reads and writes a settings file. It is safe for concurrent use.
type Store struct {
	file *filewatch.File

	mu  sync.Mutex
	cur Settings
}

// Open loads the settings at path. A missing file yields [Defaults]; the file
// is created on the first [Store.Update].
func Open(path string) (*Store, error) {
	s := &Store{file: filewatch.New(path), cur: Defaults()}
	data, err := s.file.Read()
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: open %q: %w", path, err)
	}
	cur, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("settings: parse %q: %w", path, err)
	}
	s.cur = cur
	return s, nil
}

// Path returns the settings file path.
func (s *Store) Path() string { return s.file.Path() }

// Get returns the current settings.
func (s *Store) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Update applies fn to a copy of the current settings, normalises the result
// and writes it to disk. The in-memory value changes only if the write
// succeeds.
func (s *Store) Update(fn func(*Settings)) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur
	fn(&next)
	next = next.Normalize()

	data, err := yaml.Marshal(next)
	if err != nil {
		return s.cur, fmt.Errorf("settings: encode: %w", err)
	}
	if err := s.file.Write(data); err != nil {
		return s.cur, fmt.Errorf("settings: write %q: %w", s.Path(), err)
	}
	s.cur = next
	return next, nil
}

// Reload re-reads the file after an external edit. It reports whether the
// content differs from the last version the store read or wrote. An invalid
// edit is rejected once and the current settings are kept.
func (s *Store) Reload() (old, cur Settings, changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, changed, err := s.file.Changed()
	if errors.Is(err, fs.ErrNotExist) {
		return s.cur, s.cur, false, nil
	}
	if err != nil {
		return s.cur, s.cur, false, fmt.Errorf("settings: read %q: %w", s.Path(), err)
	}
	if !changed {
		return s.cur, s.cur, false, nil
	}
	next, err := decode(data)
	if err != nil {
		return s.cur, s.cur, false, fmt.Errorf("settings: parse %q: %w", s.Path(), err)
	}
	old, s.cur = s.cur, next
	return old, next, true, nil
}

func decode(data []byte) (Settings, error) {
	st := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&st); err != nil && !errors.Is(err, io.EOF) {
		return Settings{}, err
	}
	return st.Normalize(), nil
}
