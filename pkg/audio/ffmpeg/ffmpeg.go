// Package ffmpeg captures system audio by running an ffmpeg subprocess that
// reads a loopback/monitor device and writes raw float32 samples to stdout.
// It implements [audio.Source].
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/radiocast/pkg/audio"
)

const (
	defaultPath        = "ffmpeg"
	defaultBlockFrames = 1024
	stderrLimit        = 4096
)

// Option is a functional option for configuring the ffmpeg Source.
type Option func(*Source)

// WithPath sets the ffmpeg executable (name on PATH or absolute path).
func WithPath(path string) Option {
	return func(s *Source) {
		if path != "" {
			s.path = path
		}
	}
}

// WithInput selects the ffmpeg input device, e.g. ("pulse", "default") or
// ("dshow", "audio=Stereo Mix"). Empty values keep the platform default.
func WithInput(format, input string) Option {
	return func(s *Source) {
		if format != "" {
			s.inputFormat = format
		}
		if input != "" {
			s.input = input
		}
	}
}

// WithBlockFrames sets how many sample frames are read per [audio.Block].
func WithBlockFrames(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.blockFrames = n
		}
	}
}

// Source implements [audio.Source] on top of an ffmpeg subprocess.
type Source struct {
	path        string
	inputFormat string
	input       string
	blockFrames int
}

// New creates an ffmpeg Source with platform defaults: PulseAudio's default
// device on Linux, DirectShow "Stereo Mix" on Windows and the first
// AVFoundation audio device on macOS.
func New(opts ...Option) *Source {
	format, input := defaultInput(runtime.GOOS)
	s := &Source{
		path:        defaultPath,
		inputFormat: format,
		input:       input,
		blockFrames: defaultBlockFrames,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// defaultInput returns the ffmpeg input format and device for goos.
func defaultInput(goos string) (string, string) {
	switch goos {
	case "windows":
		return "dshow", "audio=Stereo Mix"
	case "darwin":
		return "avfoundation", ":0"
	default:
		return "pulse", "default"
	}
}

// Args returns the ffmpeg command line for format f.
func (s *Source) Args(f audio.Format) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", s.inputFormat, "-i", s.input,
		"-vn",
		"-ac", strconv.Itoa(f.Channels),
		"-ar", strconv.Itoa(f.SampleRate),
		"-f", "f32le", "-acodec", "pcm_f32le",
		"pipe:1",
	}
}

// Open starts ffmpeg and waits until the first block of audio arrives, the
// process exits, or ctx is done.
func (s *Source) Open(ctx context.Context, f audio.Format) (audio.Stream, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("ffmpeg: invalid format %s", f)
	}
	if _, err := exec.LookPath(s.path); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %v", audio.ErrNoCaptureSource, err)
	}

	args := s.Args(f)
	slog.Debug("ffmpeg: starting capture", "path", s.path, "args", strings.Join(args, " "))

	cmd := exec.Command(s.path, args...)
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: start: %v", audio.ErrNoCaptureSource, err)
	}

	st := newStream(stdout, f.Channels, s.blockFrames, cmd.Wait, func() error {
		return cmd.Process.Kill()
	}, stderr)

	select {
	case <-st.ready:
		return st, nil
	case <-st.exited:
		return nil, classify(st.Err(), stderr.String())
	case <-ctx.Done():
		_ = st.Close()
		return nil, ctx.Err()
	}
}

// classify maps an early ffmpeg exit to one of the audio sentinel errors.
func classify(err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	kind := audio.ErrNoCaptureSource
	if strings.Contains(lower, "permission denied") || strings.Contains(lower, "operation not permitted") {
		kind = audio.ErrPermissionDenied
	}
	if msg == "" && err != nil {
		msg = err.Error()
	}
	return fmt.Errorf("ffmpeg: %w: %s", kind, msg)
}

// ---- stream ----

// stream reads raw float32 samples from r and implements audio.Stream.
type stream struct {
	blocks chan audio.Block
	ready  chan struct{}
	exited chan struct{}
	done   chan struct{}

	wait   func() error
	kill   func() error
	stderr fmt.Stringer

	readyOnce sync.Once
	closeOnce sync.Once

	mu      sync.Mutex
	closing bool
	err     error
}

func newStream(r io.Reader, channels, blockFrames int, wait, kill func() error, stderr fmt.Stringer) *stream {
	st := &stream{
		blocks: make(chan audio.Block, 16),
		ready:  make(chan struct{}),
		exited: make(chan struct{}),
		done:   make(chan struct{}),
		wait:   wait,
		kill:   kill,
		stderr: stderr,
	}
	go st.readLoop(r, channels, blockFrames)
	return st
}

func (st *stream) Blocks() <-chan audio.Block { return st.blocks }

func (st *stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

// Close kills ffmpeg and waits for the reader to finish.
func (st *stream) Close() error {
	st.closeOnce.Do(func() {
		st.mu.Lock()
		st.closing = true
		st.mu.Unlock()
		close(st.done)
		if st.kill != nil {
			if err := st.kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				slog.Debug("ffmpeg: kill", "err", err)
			}
		}
	})
	<-st.exited
	return nil
}

func (st *stream) readLoop(r io.Reader, channels, blockFrames int) {
	start := time.Now()
	var readErr error
	defer func() {
		var waitErr error
		if st.wait != nil {
			waitErr = st.wait()
		}
		st.mu.Lock()
		if !st.closing {
			cause := readErr
			if waitErr != nil {
				cause = waitErr
			}
			tail := ""
			if st.stderr != nil {
				tail = strings.TrimSpace(st.stderr.String())
			}
			st.err = fmt.Errorf("ffmpeg: capture ended: %v %s", cause, tail)
		}
		st.mu.Unlock()
		close(st.blocks)
		close(st.exited)
	}()

	buf := make([]byte, blockFrames*channels*4)
	for {
		n, err := io.ReadFull(r, buf)
		if n >= 4 {
			b := audio.Block{
				Samples:   audio.DecodeFloat32LE(buf[:n]),
				Channels:  channels,
				Timestamp: time.Since(start),
			}
			st.readyOnce.Do(func() { close(st.ready) })
			select {
			case st.blocks <- b:
			case <-st.done:
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				err = io.EOF
			}
			readErr = err
			return
		}
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
