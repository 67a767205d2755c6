// Package capture runs one audio capture session at a time: it acquires a
// stream from an [audio.Source] and drives every block through gain,
// spectrum analysis and PCM16 conversion.
//
// The pipeline moves between three states:
//
//	Idle ──Start──▶ Starting ──opened──▶ Active ──Stop──▶ Idle
//	                   │
//	                   └──open failed / Stop──▶ Idle
//
// Only [Pipeline.Stop] tears a session down. When a stream ends on its own
// the pipeline reports it through [Sinks.Ended] and stays Active until Stop.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/radiocast/internal/observe"
	"github.com/MrWong99/radiocast/pkg/audio"
)

// ErrStartCancelled is returned by [Pipeline.Start] when [Pipeline.Stop] was
// called while the capture source was still being acquired.
var ErrStartCancelled = errors.New("capture: start cancelled")

// Default pipeline parameters.
const (
	DefaultFPS    = 60
	MaxVolume     = 200
	defaultVolume = 100
)

// State is the lifecycle state of a [Pipeline].
type State int

const (
	// StateIdle means no capture is allocated.
	StateIdle State = iota

	// StateStarting means the capture source is being acquired.
	StateStarting

	// StateActive means the full graph is allocated and linked.
	StateActive
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sinks receive the output of one session. Nil sinks are skipped.
//
// Started is called from Start before any frame is produced. Audio and Ended
// are called from the session's reader goroutine, Spectrum from its ticker
// goroutine. Sinks must not call [Pipeline.Stop] synchronously.
type Sinks struct {
	// Started receives the new session once the graph is linked.
	Started func(Session)

	// Audio receives each converted PCM16 frame in capture order.
	Audio func(pcm []byte)

	// Spectrum receives a fresh byte spectrum on every visualizer tick.
	Spectrum func(frame []byte)

	// Ended is called once if the capture stream ends without Stop.
	Ended func(err error)
}

// Session describes a live capture session.
type Session struct {
	ID        string
	StartedAt time.Time
}

// Option is a functional option for configuring a [Pipeline].
type Option func(*Pipeline)

// WithFormat sets the capture format requested from the source.
func WithFormat(f audio.Format) Option {
	return func(p *Pipeline) { p.format = f }
}

// WithFFTSize sets the analyser window size.
func WithFFTSize(n int) Option {
	return func(p *Pipeline) { p.fftSize = n }
}

// WithFPS sets the visualizer cadence in frames per second.
func WithFPS(fps int) Option {
	return func(p *Pipeline) {
		if fps > 0 {
			p.fps = fps
		}
	}
}

// WithAnalyserOptions passes options to every session's [audio.Analyser].
func WithAnalyserOptions(opts ...audio.AnalyserOption) Option {
	return func(p *Pipeline) { p.analyserOpts = append(p.analyserOpts, opts...) }
}

// WithMetrics records pipeline metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// session is the graph allocated while Active.
type session struct {
	Session
	stream     audio.Stream
	analyser   *audio.Analyser
	stopTicker chan struct{}
	tickerDone chan struct{}
	stopProc   chan struct{}
	procDone   chan struct{}

	// frames counts captured sample frames. Written by process only and
	// read after procDone is closed.
	frames int64
}

// Pipeline is the capture state machine.
//
// All methods are safe for concurrent use.
type Pipeline struct {
	src          audio.Source
	format       audio.Format
	fftSize      int
	fps          int
	analyserOpts []audio.AnalyserOption
	metrics      *observe.Metrics
	gain         *audio.Gain

	// stopMu serialises Stop calls.
	stopMu sync.Mutex

	mu            sync.Mutex
	state         State
	volume        int
	startCancel   context.CancelFunc
	startDone     chan struct{}
	stopRequested bool
	sess          *session
}

// New creates an idle Pipeline reading from src.
func New(src audio.Source, opts ...Option) (*Pipeline, error) {
	if src == nil {
		return nil, errors.New("capture: nil source")
	}
	p := &Pipeline{
		src:     src,
		format:  audio.DefaultFormat,
		fftSize: audio.DefaultFFTSize,
		fps:     DefaultFPS,
		metrics: observe.DefaultMetrics(),
		gain:    audio.NewGain(audio.PercentToGain(defaultVolume)),
		volume:  defaultVolume,
	}
	for _, o := range opts {
		o(p)
	}
	if p.format.SampleRate <= 0 || p.format.Channels <= 0 {
		return nil, fmt.Errorf("capture: invalid format %s", p.format)
	}
	if _, err := audio.NewAnalyser(p.fftSize, p.analyserOpts...); err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	return p, nil
}

// State returns the current state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Session returns the live session, if Active.
func (p *Pipeline) Session() (Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return Session{}, false
	}
	return p.sess.Session, true
}

// Format returns the format requested from the source.
func (p *Pipeline) Format() audio.Format { return p.format }

// Volume returns the current volume percentage.
func (p *Pipeline) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// SetVolume sets the gain to percent/100, clamping percent to [0, 200]. It
// may be called in any state and applies to the live session immediately.
func (p *Pipeline) SetVolume(percent int) {
	percent = max(0, min(percent, MaxVolume))
	p.mu.Lock()
	p.volume = percent
	p.mu.Unlock()
	p.gain.Set(audio.PercentToGain(percent))
}

// Start acquires a capture stream and links the processing graph. It is a
// no-op returning the zero Session unless the pipeline is Idle.
//
// If acquisition fails the pipeline returns to Idle and the source's error is
// returned wrapped. If Stop is called while acquiring, Start returns
// [ErrStartCancelled] and releases the stream if one arrived.
func (p *Pipeline) Start(ctx context.Context, sinks Sinks) (Session, error) {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return Session{}, nil
	}
	p.state = StateStarting
	p.stopRequested = false
	startCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.startCancel = cancel
	p.startDone = done
	p.mu.Unlock()
	defer close(done)
	defer cancel()

	spanCtx, span := observe.StartSpan(startCtx, observe.SpanCaptureStart,
		observe.AttrAudioFormat.String(p.format.String()),
	)
	began := time.Now()
	stream, err := p.src.Open(spanCtx, p.format)
	p.metrics.CaptureStartDuration.Record(ctx, time.Since(began).Seconds())

	p.mu.Lock()
	stopped := p.stopRequested
	p.startCancel = nil
	if err != nil || stopped {
		p.state = StateIdle
		p.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		if stopped {
			observe.EndSpan(span, ErrStartCancelled)
			return Session{}, ErrStartCancelled
		}
		err = fmt.Errorf("capture: open source: %w", err)
		observe.EndSpan(span, err)
		return Session{}, err
	}

	an, err := audio.NewAnalyser(p.fftSize, p.analyserOpts...)
	if err != nil {
		p.state = StateIdle
		p.mu.Unlock()
		_ = stream.Close()
		err = fmt.Errorf("capture: %w", err)
		observe.EndSpan(span, err)
		return Session{}, err
	}
	s := &session{
		Session:    Session{ID: uuid.NewString(), StartedAt: time.Now()},
		stream:     stream,
		analyser:   an,
		stopTicker: make(chan struct{}),
		tickerDone: make(chan struct{}),
		stopProc:   make(chan struct{}),
		procDone:   make(chan struct{}),
	}
	p.sess = s
	p.state = StateActive
	p.mu.Unlock()

	span.SetAttributes(observe.AttrSessionID.String(s.ID))
	observe.EndSpan(span, nil)
	p.metrics.ActiveSessions.Add(ctx, 1)
	observe.Logger(spanCtx).Info("capture: session started", "session_id", s.ID, "format", p.format.String())

	if sinks.Started != nil {
		sinks.Started(s.Session)
	}
	go p.process(s, sinks)
	go p.spectrumLoop(s, sinks.Spectrum)
	return s.Session, nil
}

// Stop tears the session down and returns once every resource is released.
//
// From Active it stops the visualizer ticker first, then the processing
// goroutine, then the capture stream. From Starting it cancels the pending
// acquisition and waits for Start to return. From Idle it does nothing.
func (p *Pipeline) Stop() {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()

	p.mu.Lock()
	switch p.state {
	case StateIdle:
		p.mu.Unlock()
		return
	case StateStarting:
		p.stopRequested = true
		cancel := p.startCancel
		done := p.startDone
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		<-done
		return
	}
	s := p.sess
	p.mu.Unlock()

	close(s.stopTicker)
	<-s.tickerDone
	close(s.stopProc)
	<-s.procDone
	if err := s.stream.Close(); err != nil {
		slog.Warn("capture: close stream", "session_id", s.ID, "err", err)
	}
	s.analyser.Reset()

	p.mu.Lock()
	p.sess = nil
	p.state = StateIdle
	p.mu.Unlock()

	p.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("capture: session stopped",
		"session_id", s.ID,
		"duration", time.Since(s.StartedAt),
		"captured", time.Duration(s.frames)*time.Second/time.Duration(p.format.SampleRate),
	)
}

// process runs gain, analysis and conversion on every captured block.
func (p *Pipeline) process(s *session, sinks Sinks) {
	defer close(s.procDone)
	blocks := s.stream.Blocks()
	for {
		select {
		case <-s.stopProc:
			return
		case b, ok := <-blocks:
			if !ok {
				err := s.stream.Err()
				select {
				case <-s.stopProc:
					return
				default:
				}
				slog.Warn("capture: stream ended", "session_id", s.ID, "err", err)
				if sinks.Ended != nil {
					sinks.Ended(err)
				}
				return
			}
			s.frames += int64(b.Frames())
			samples := audio.Downmix(b.Samples, b.Channels)
			p.gain.Apply(samples)
			s.analyser.Write(samples)
			if sinks.Audio != nil {
				sinks.Audio(audio.EncodePCM16(samples))
			}
		}
	}
}

// spectrumLoop emits the analyser snapshot at the configured cadence,
// whether or not new audio arrived since the last tick.
func (p *Pipeline) spectrumLoop(s *session, sink func([]byte)) {
	defer close(s.tickerDone)
	ticker := time.NewTicker(time.Second / time.Duration(p.fps))
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-s.stopTicker:
			return
		case <-ticker.C:
			frame := s.analyser.ByteFrequencyData(nil)
			if sink != nil {
				sink(frame)
				p.metrics.SpectrumFrames.Add(ctx, 1)
			}
		}
	}
}
