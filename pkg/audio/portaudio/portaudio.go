//go:build portaudio

// Package portaudio captures audio from a PortAudio input device. To capture
// system output select a loopback device such as a PulseAudio ".monitor"
// source or Windows "Stereo Mix".
//
// The package requires cgo and the PortAudio development headers, so it is
// only compiled with the "portaudio" build tag.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/radiocast/pkg/audio"
)

const defaultFramesPerBuffer = 1024

// Option is a functional option for configuring the PortAudio Source.
type Option func(*Source)

// WithDevice selects the first input device whose name contains name
// (case-insensitive). Empty selects the host's default input.
func WithDevice(name string) Option {
	return func(s *Source) { s.device = name }
}

// WithFramesPerBuffer sets the PortAudio buffer size in frames.
func WithFramesPerBuffer(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.framesPerBuffer = n
		}
	}
}

// Source implements [audio.Source] on PortAudio.
type Source struct {
	device          string
	framesPerBuffer int
}

// New creates a PortAudio Source.
func New(opts ...Option) *Source {
	s := &Source{framesPerBuffer: defaultFramesPerBuffer}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open initialises PortAudio, opens the selected input device and starts it.
func (s *Source) Open(ctx context.Context, f audio.Format) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: init: %w", err)
	}

	dev, err := s.findDevice()
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}

	buf := make([]float32, s.framesPerBuffer*f.Channels)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: f.Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(f.SampleRate),
		FramesPerBuffer: s.framesPerBuffer,
	}
	pa, err := portaudio.OpenStream(params, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, classify(err)
	}
	if err := pa.Start(); err != nil {
		_ = pa.Close()
		_ = portaudio.Terminate()
		return nil, classify(err)
	}
	slog.Info("portaudio: capture started", "device", dev.Name, "format", f.String())

	st := &stream{
		pa:     pa,
		buf:    buf,
		ch:     f.Channels,
		blocks: make(chan audio.Block, 16),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go st.readLoop()
	return st, nil
}

func (s *Source) findDevice() (*portaudio.DeviceInfo, error) {
	if s.device == "" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("portaudio: %w: %v", audio.ErrNoCaptureSource, err)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	want := strings.ToLower(s.device)
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), want) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("portaudio: %w: no input device matching %q", audio.ErrNoCaptureSource, s.device)
}

func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") {
		return fmt.Errorf("portaudio: %w: %v", audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("portaudio: %w: %v", audio.ErrNoCaptureSource, err)
}

type stream struct {
	pa     *portaudio.Stream
	buf    []float32
	ch     int
	blocks chan audio.Block
	done   chan struct{}
	exited chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (st *stream) Blocks() <-chan audio.Block { return st.blocks }

func (st *stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

// Close waits for the in-flight read to return, then stops the device.
func (st *stream) Close() error {
	var err error
	st.closeOnce.Do(func() {
		close(st.done)
		<-st.exited
		err = errors.Join(st.pa.Stop(), st.pa.Close(), portaudio.Terminate())
	})
	return err
}

func (st *stream) readLoop() {
	defer close(st.exited)
	defer close(st.blocks)

	start := time.Now()
	for {
		select {
		case <-st.done:
			return
		default:
		}
		if err := st.pa.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			st.mu.Lock()
			st.err = fmt.Errorf("portaudio: read: %w", err)
			st.mu.Unlock()
			return
		}
		b := audio.Block{
			Samples:   append([]float32(nil), st.buf...),
			Channels:  st.ch,
			Timestamp: time.Since(start),
		}
		select {
		case st.blocks <- b:
		case <-st.done:
			return
		}
	}
}
