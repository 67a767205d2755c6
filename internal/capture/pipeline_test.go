package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/radiocast/pkg/audio"
	"github.com/MrWong99/radiocast/pkg/audio/mock"
)

func newTestPipeline(t *testing.T, src audio.Source, opts ...Option) *Pipeline {
	t.Helper()
	p, err := New(src, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Stop)
	return p
}

func waitState(t *testing.T, p *Pipeline, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for p.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want %v", p.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func recvFrame(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{
		StateIdle:     "idle",
		StateStarting: "starting",
		StateActive:   "active",
		State(7):      "State(7)",
	} {
		if got := s.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(nil); err == nil {
		t.Error("New(nil) succeeded")
	}
	if _, err := New(&mock.Source{}, WithFFTSize(1000)); err == nil {
		t.Error("non power of two FFT size accepted")
	}
	if _, err := New(&mock.Source{}, WithFormat(audio.Format{})); err == nil {
		t.Error("zero format accepted")
	}
}

func TestPipeline_StartAndStop(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	p := newTestPipeline(t, src)
	frames := make(chan []byte, 16)
	var started Session

	sess, err := p.Start(context.Background(), Sinks{
		Started: func(s Session) { started = s },
		Audio:   func(b []byte) { frames <- b },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.ID == "" {
		t.Error("session ID is empty")
	}
	if started.ID != sess.ID {
		t.Errorf("Started got %q, want %q", started.ID, sess.ID)
	}
	if p.State() != StateActive {
		t.Fatalf("State() = %v, want active", p.State())
	}
	if got, ok := p.Session(); !ok || got.ID != sess.ID {
		t.Errorf("Session() = %+v, %v", got, ok)
	}
	if calls := src.OpenCalls; len(calls) != 1 || calls[0].Format != audio.DefaultFormat {
		t.Errorf("OpenCalls = %+v", calls)
	}

	stream := src.LastStream()
	stream.Push([]float32{0, 0.5, -0.5})
	got := recvFrame(t, frames)
	if want := audio.EncodePCM16([]float32{0, 0.5, -0.5}); !bytes.Equal(got, want) {
		t.Errorf("frame = %v, want %v", got, want)
	}

	p.Stop()
	if p.State() != StateIdle {
		t.Errorf("State() = %v after Stop, want idle", p.State())
	}
	if !stream.Closed() || stream.CallCountClose != 1 {
		t.Errorf("stream closed = %v, close calls = %d", stream.Closed(), stream.CallCountClose)
	}
	if _, ok := p.Session(); ok {
		t.Error("Session() still reports a session after Stop")
	}

	// Second stop is a no-op.
	p.Stop()
	if stream.CallCountClose != 1 {
		t.Errorf("close calls = %d after double stop, want 1", stream.CallCountClose)
	}
}

func TestPipeline_DoubleStartIsNoop(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	p := newTestPipeline(t, src)

	first, err := p.Start(context.Background(), Sinks{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Start(context.Background(), Sinks{})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != "" {
		t.Errorf("second Start returned session %q, want zero", second.ID)
	}
	if n := src.CallCountOpen(); n != 1 {
		t.Errorf("Open called %d times, want 1", n)
	}
	if cur, _ := p.Session(); cur.ID != first.ID {
		t.Errorf("live session = %q, want %q", cur.ID, first.ID)
	}
}

func TestPipeline_PreservesFrameOrder(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	p := newTestPipeline(t, src)
	frames := make(chan []byte, 64)
	if _, err := p.Start(context.Background(), Sinks{Audio: func(b []byte) { frames <- b }}); err != nil {
		t.Fatal(err)
	}

	var want []byte
	for i := range 20 {
		block := []float32{float32(i) / 40, -float32(i) / 40}
		want = append(want, audio.EncodePCM16(block)...)
		src.LastStream().Push(block)
	}
	var got []byte
	for range 20 {
		got = append(got, recvFrame(t, frames)...)
	}
	if !bytes.Equal(got, want) {
		t.Error("frames arrived out of order")
	}
}

func TestPipeline_StopDuringStartCancelsAcquisition(t *testing.T) {
	t.Parallel()

	src := &mock.Source{
		OpenFunc: func(ctx context.Context, _ audio.Format) (audio.Stream, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	p := newTestPipeline(t, src)

	errc := make(chan error, 1)
	go func() {
		_, err := p.Start(context.Background(), Sinks{})
		errc <- err
	}()
	waitState(t, p, StateStarting)

	p.Stop()
	if p.State() != StateIdle {
		t.Errorf("State() = %v after Stop, want idle", p.State())
	}
	if err := <-errc; !errors.Is(err, ErrStartCancelled) {
		t.Errorf("Start err = %v, want ErrStartCancelled", err)
	}
}

func TestPipeline_StopDuringStartReleasesLateStream(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	late := mock.NewStream(1)
	src := &mock.Source{
		OpenFunc: func(context.Context, audio.Format) (audio.Stream, error) {
			<-release
			return late, nil
		},
	}
	p := newTestPipeline(t, src)

	errc := make(chan error, 1)
	go func() {
		_, err := p.Start(context.Background(), Sinks{})
		errc <- err
	}()
	waitState(t, p, StateStarting)

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned before the pending start completed")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-stopped

	if err := <-errc; !errors.Is(err, ErrStartCancelled) {
		t.Errorf("Start err = %v, want ErrStartCancelled", err)
	}
	if !late.Closed() {
		t.Error("stream delivered after Stop was not closed")
	}
	if p.State() != StateIdle {
		t.Errorf("State() = %v, want idle", p.State())
	}
}

func TestPipeline_OpenFailureReturnsToIdle(t *testing.T) {
	t.Parallel()

	src := &mock.Source{OpenError: fmt.Errorf("test: %w", audio.ErrPermissionDenied)}
	p := newTestPipeline(t, src)

	_, err := p.Start(context.Background(), Sinks{})
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Start err = %v, want ErrPermissionDenied", err)
	}
	if p.State() != StateIdle {
		t.Errorf("State() = %v, want idle", p.State())
	}

	// A fresh start is attempted again.
	_, _ = p.Start(context.Background(), Sinks{})
	if n := src.CallCountOpen(); n != 2 {
		t.Errorf("Open called %d times, want 2", n)
	}
}

func TestPipeline_VolumeFiftyHalvesPeak(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	p := newTestPipeline(t, src)
	frames := make(chan []byte, 4)
	if _, err := p.Start(context.Background(), Sinks{Audio: func(b []byte) { frames <- b }}); err != nil {
		t.Fatal(err)
	}

	src.LastStream().Push([]float32{0.5, -0.5, 0.5})
	full := audio.Peak(recvFrame(t, frames))

	p.SetVolume(50)
	src.LastStream().Push([]float32{0.5, -0.5, 0.5})
	half := audio.Peak(recvFrame(t, frames))

	if full != 16384 {
		t.Errorf("peak at 100%% = %d, want 16384", full)
	}
	if half != 8192 {
		t.Errorf("peak at 50%% = %d, want 8192", half)
	}
}

func TestPipeline_SetVolumeClamps(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, &mock.Source{})
	tests := []struct{ in, want int }{
		{-5, 0}, {0, 0}, {75, 75}, {200, 200}, {350, 200},
	}
	for _, tt := range tests {
		p.SetVolume(tt.in)
		if got := p.Volume(); got != tt.want {
			t.Errorf("SetVolume(%d): Volume() = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestPipeline_SpectrumTicksWithoutAudio(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	p := newTestPipeline(t, src, WithFPS(200))
	spectra := make(chan []byte, 64)
	if _, err := p.Start(context.Background(), Sinks{Spectrum: func(b []byte) { spectra <- b }}); err != nil {
		t.Fatal(err)
	}

	first := recvFrame(t, spectra)
	second := recvFrame(t, spectra)
	if len(first) != 1024 || len(second) != 1024 {
		t.Fatalf("frame lengths = %d, %d, want 1024", len(first), len(second))
	}
	first[0] = 42
	if second[0] == 42 {
		t.Error("spectrum frames share a backing array")
	}

	p.Stop()
	// Drain anything emitted before Stop, then ensure the ticker is gone.
	for len(spectra) > 0 {
		<-spectra
	}
	select {
	case <-spectra:
		t.Error("spectrum frame emitted after Stop")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestPipeline_StreamEndReportsEnded(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	p := newTestPipeline(t, src)
	ended := make(chan error, 1)
	if _, err := p.Start(context.Background(), Sinks{Ended: func(err error) { ended <- err }}); err != nil {
		t.Fatal(err)
	}

	cause := errors.New("device removed")
	src.LastStream().End(cause)

	select {
	case err := <-ended:
		if !errors.Is(err, cause) {
			t.Errorf("Ended err = %v, want %v", err, cause)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Ended was not called")
	}
	if p.State() != StateActive {
		t.Errorf("State() = %v, want active until Stop", p.State())
	}
	p.Stop()
	if p.State() != StateIdle {
		t.Errorf("State() = %v after Stop, want idle", p.State())
	}
}

func TestPipeline_StopDoesNotReportEnded(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	p := newTestPipeline(t, src)
	ended := make(chan error, 1)
	if _, err := p.Start(context.Background(), Sinks{Ended: func(err error) { ended <- err }}); err != nil {
		t.Fatal(err)
	}
	p.Stop()
	select {
	case err := <-ended:
		t.Errorf("Ended called on Stop with %v", err)
	case <-time.After(20 * time.Millisecond):
	}
}
