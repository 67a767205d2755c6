// Package filewatch notices edits to small files by polling.
//
// A [File] remembers the version of the file its owner last read or wrote,
// identified by modification time and SHA-256 of the content. The content is
// only hashed when the modification time moved, so touching a file without
// changing it is not reported. Writes made through [File.Write] are recorded
// as seen and are never reported back to the writer.
package filewatch

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// File tracks one file on disk. It is safe for concurrent use.
type File struct {
	path string

	mu    sync.Mutex
	mtime time.Time
	sum   [sha256.Size]byte
}

// New returns a File for path. Nothing is read until [File.Read].
func New(path string) *File {
	return &File{path: path}
}

// Path returns the tracked path.
func (f *File) Path() string { return f.path }

// Read returns the current content and marks it as seen.
func (f *File) Read() ([]byte, error) {
	data, mtime, err := read(f.path)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.mtime, f.sum = mtime, sha256.Sum256(data)
	f.mu.Unlock()
	return data, nil
}

// Changed returns the content if it differs from the last seen version, and
// marks it as seen. An edit is reported once even if the caller rejects it.
func (f *File) Changed() ([]byte, bool, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return nil, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if info.ModTime().Equal(f.mtime) {
		return nil, false, nil
	}

	data, mtime, err := read(f.path)
	if err != nil {
		return nil, false, err
	}
	sum := sha256.Sum256(data)
	f.mtime = mtime
	if sum == f.sum {
		return nil, false, nil
	}
	f.sum = sum
	return data, true, nil
}

// Write replaces the file with data through a temporary sibling and a
// rename, creating parent directories as needed.
func (f *File) Write(data []byte) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, f.path); err != nil {
		os.Remove(name)
		return err
	}
	info, err := os.Stat(f.path)
	if err != nil {
		return fmt.Errorf("filewatch: stat after write: %w", err)
	}
	f.mu.Lock()
	f.mtime, f.sum = info.ModTime(), sha256.Sum256(data)
	f.mu.Unlock()
	slog.Debug("filewatch: wrote file", "path", f.path, "bytes", len(data))
	return nil
}

// Poll calls check every interval until ctx is done. With a non-positive
// interval it only waits for ctx.
func Poll(ctx context.Context, interval time.Duration, check func()) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

func read(path string) ([]byte, time.Time, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer fh.Close()
	info, err := fh.Stat()
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := io.ReadAll(fh)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}
