// Package wavtap records the PCM16 frames sent during a streaming session to
// a WAV file on disk.
package wavtap

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/radiocast/pkg/audio"
)

// Recorder writes little-endian PCM16 frames to a 16-bit WAV file.
// It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	enc    *wav.Encoder
	format *goaudio.Format
	buf    []int
	frames int
	closed bool
}

// FileName returns the recording file name for a session.
func FileName(sessionID string) string {
	id := strings.ReplaceAll(sessionID, "-", "")
	if len(id) > 16 {
		id = id[:16]
	}
	return fmt.Sprintf("radiocast_%s.wav", id)
}

// Create opens a new recording under dir for the given session.
func Create(dir, sessionID string, f audio.Format) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wavtap: create dir: %w", err)
	}
	path := filepath.Join(dir, FileName(sessionID))
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavtap: create file: %w", err)
	}
	return &Recorder{
		path:   path,
		file:   file,
		enc:    wav.NewEncoder(file, f.SampleRate, 16, f.Channels, 1),
		format: &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
	}, nil
}

// Path returns the file being written.
func (r *Recorder) Path() string { return r.path }

// Frames returns the number of samples written so far.
func (r *Recorder) Frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// WritePCM16 appends one converter frame. Writes after Close are ignored.
func (r *Recorder) WritePCM16(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	n := len(pcm) / 2
	if cap(r.buf) < n {
		r.buf = make([]int, n)
	}
	r.buf = r.buf[:n]
	for i := range n {
		r.buf[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	ib := &goaudio.IntBuffer{Format: r.format, Data: r.buf, SourceBitDepth: 16}
	if err := r.enc.Write(ib); err != nil {
		return fmt.Errorf("wavtap: write: %w", err)
	}
	r.frames += n
	return nil
}

// Close finalises the WAV header and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	encErr := r.enc.Close()
	fileErr := r.file.Close()
	if encErr != nil {
		return fmt.Errorf("wavtap: finalise: %w", encErr)
	}
	if fileErr != nil {
		return fmt.Errorf("wavtap: close: %w", fileErr)
	}
	return nil
}
