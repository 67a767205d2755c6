// Package mock provides in-memory implementations of [audio.Source] and
// [audio.Stream] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := &mock.Source{}
//	stream, _ := src.Open(ctx, audio.DefaultFormat)
//	src.LastStream().Push([]float32{0.1, 0.2})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/radiocast/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream] fed by [Stream.Push].
type Stream struct {
	mu      sync.Mutex
	blocks  chan audio.Block
	done    chan struct{}
	once    sync.Once
	closed  bool
	err     error
	started time.Time

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream returns an open Stream whose Blocks channel has the given buffer.
func NewStream(buffer int) *Stream {
	return &Stream{
		blocks:  make(chan audio.Block, buffer),
		done:    make(chan struct{}),
		started: time.Now(),
	}
}

// Blocks implements [audio.Stream].
func (s *Stream) Blocks() <-chan audio.Block { return s.blocks }

// Err implements [audio.Stream].
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [audio.Stream]. The Blocks channel is closed on the first call.
func (s *Stream) Close() error {
	s.finish(nil)
	s.mu.Lock()
	s.CallCountClose++
	s.mu.Unlock()
	return nil
}

// End simulates the capture ending on its own (device removed) with err.
func (s *Stream) End(err error) {
	s.finish(err)
}

// Closed reports whether the stream has ended.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Push delivers mono samples as one block. It blocks while the buffer is full
// and returns false once the stream has ended.
func (s *Stream) Push(samples []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	b := audio.Block{Samples: samples, Channels: 1, Timestamp: time.Since(s.started)}
	select {
	case s.blocks <- b:
		return true
	case <-s.done:
		return false
	}
}

func (s *Stream) finish(err error) {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		s.err = err
		close(s.blocks)
		s.mu.Unlock()
	})
}

// ─── Source ───────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Source.Open] invocation.
type OpenCall struct {
	// Format is the format argument passed to Open.
	Format audio.Format
}

// Source is a mock implementation of [audio.Source].
//
// By default every Open returns a fresh [Stream]. Set OpenError to make Open
// fail, or OpenFunc to take full control (e.g. to block until ctx is done).
type Source struct {
	mu sync.Mutex

	// OpenError is returned by Open when non-nil.
	OpenError error

	// OpenFunc, when set, replaces the default behaviour of Open.
	OpenFunc func(ctx context.Context, f audio.Format) (audio.Stream, error)

	// Buffer is the Blocks buffer of streams created by Open. Defaults to 64.
	Buffer int

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall

	// Streams holds every stream created by the default Open behaviour.
	Streams []*Stream
}

// Open implements [audio.Source].
func (s *Source) Open(ctx context.Context, f audio.Format) (audio.Stream, error) {
	s.mu.Lock()
	s.OpenCalls = append(s.OpenCalls, OpenCall{Format: f})
	fn := s.OpenFunc
	openErr := s.OpenError
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, f)
	}
	if openErr != nil {
		return nil, openErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.Buffer
	if buf <= 0 {
		buf = 64
	}
	st := NewStream(buf)
	s.Streams = append(s.Streams, st)
	return st, nil
}

// CallCountOpen returns how many times Open was called.
func (s *Source) CallCountOpen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.OpenCalls)
}

// LastStream returns the most recently created stream, or nil.
func (s *Source) LastStream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Streams) == 0 {
		return nil
	}
	return s.Streams[len(s.Streams)-1]
}
