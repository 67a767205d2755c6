package settings_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/radiocast/internal/settings"
)

func TestOpen_MissingFileYieldsDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.yaml")
	s, err := settings.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got := s.Get()
	if got != settings.Defaults() {
		t.Errorf("Get() = %+v, want defaults", got)
	}
	if got.Volume != 100 || got.AutoStartStream || got.AutoStartWindows {
		t.Errorf("defaults = %+v", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Open created the file: %v", err)
	}
}

func TestOpen_InvalidFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("volume: [1, 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := settings.Open(path); err == nil {
		t.Error("Open of malformed YAML succeeded")
	}
}

func TestUpdate_PersistsRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")
	s, err := settings.Open(path)
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.Update(func(st *settings.Settings) {
		st.Token = "secret"
		st.Volume = 40
		st.AutoStartStream = true
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Token != "secret" || got.Volume != 40 || !got.AutoStartStream {
		t.Errorf("Update returned %+v", got)
	}

	reopened, err := settings.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Get() != got {
		t.Errorf("reopened = %+v, want %+v", reopened.Get(), got)
	}
}

func TestUpdate_ClampsVolume(t *testing.T) {
	t.Parallel()

	s, err := settings.Open(filepath.Join(t.TempDir(), "settings.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	got, _ := s.Update(func(st *settings.Settings) { st.Volume = 180 })
	if got.Volume != 100 {
		t.Errorf("volume = %d, want 100", got.Volume)
	}
	got, _ = s.Update(func(st *settings.Settings) { st.Volume = -3 })
	if got.Volume != 0 {
		t.Errorf("volume = %d, want 0", got.Volume)
	}
}

func TestUpdate_WriteFailureKeepsValue(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "conf")
	path := filepath.Join(dir, "settings.yaml")
	s, err := settings.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update(func(st *settings.Settings) { st.Token = "saved" }); err != nil {
		t.Fatal(err)
	}

	// Replace the directory with a regular file so the next write fails.
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dir, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Update(func(st *settings.Settings) { st.Token = "lost" }); err == nil {
		t.Fatal("Update succeeded although the settings directory is gone")
	}
	if got := s.Get().Token; got != "saved" {
		t.Errorf("token = %q after failed write, want saved", got)
	}
}

func TestOpen_PartialFileKeepsDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("token: abc\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := settings.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Get(); got.Token != "abc" || got.Volume != settings.DefaultVolume {
		t.Errorf("Get() = %+v", got)
	}
}

func TestWatch_ExternalEdit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.yaml")
	s, err := settings.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update(func(st *settings.Settings) { st.Token = "first" }); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var gotOld, gotNew settings.Settings
	called := make(chan struct{}, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Watch(ctx, 20*time.Millisecond, func(old, new settings.Settings) {
		mu.Lock()
		gotOld, gotNew = old, new
		mu.Unlock()
		called <- struct{}{}
	})

	// Own writes are not reported.
	if _, err := s.Update(func(st *settings.Settings) { st.Volume = 70 }); err != nil {
		t.Fatal(err)
	}
	select {
	case <-called:
		t.Fatal("Watch reported a write made through Update")
	case <-time.After(100 * time.Millisecond):
	}

	later := time.Now().Add(2 * time.Second)
	if err := os.WriteFile(path, []byte("token: second\nvolume: 30\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_ = os.Chtimes(path, later, later)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not report the external edit")
	}
	mu.Lock()
	defer mu.Unlock()
	if gotOld.Token != "first" || gotNew.Token != "second" || gotNew.Volume != 30 {
		t.Errorf("old = %+v, new = %+v", gotOld, gotNew)
	}
	if s.Get() != gotNew {
		t.Errorf("Get() = %+v, want %+v", s.Get(), gotNew)
	}
}

func TestReload_InvalidEditKeepsSettings(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.yaml")
	s, err := settings.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update(func(st *settings.Settings) { st.Token = "keep" }); err != nil {
		t.Fatal(err)
	}

	later := time.Now().Add(2 * time.Second)
	if err := os.WriteFile(path, []byte("unknown_key: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_ = os.Chtimes(path, later, later)

	if _, _, changed, err := s.Reload(); err == nil || changed {
		t.Errorf("Reload() changed=%v err=%v, want rejection", changed, err)
	}
	if s.Get().Token != "keep" {
		t.Errorf("token = %q, want keep", s.Get().Token)
	}
}

func TestWatch_StopsOnCancel(t *testing.T) {
	t.Parallel()

	s, err := settings.Open(filepath.Join(t.TempDir(), "settings.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	for _, interval := range []time.Duration{10 * time.Millisecond, -1} {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			s.Watch(ctx, interval, nil)
			close(done)
		}()
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("Watch(interval=%s) did not return after cancel", interval)
		}
	}
}
