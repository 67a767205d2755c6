package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/MrWong99/radiocast/pkg/audio"
)

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestFloatToPCM16_Endpoints(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   float32
		want int16
	}{
		{-1, -32768},
		{0, 0},
		{1, 32767},
		{0.5, 16383},
		{-0.5, -16384},
	}
	for _, tc := range tests {
		if got := audio.FloatToPCM16(tc.in); got != tc.want {
			t.Errorf("FloatToPCM16(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestFloatToPCM16_ClampsOutOfRange(t *testing.T) {
	t.Parallel()
	if got := audio.FloatToPCM16(3.5); got != 32767 {
		t.Errorf("FloatToPCM16(3.5) = %d, want 32767", got)
	}
	if got := audio.FloatToPCM16(-7); got != -32768 {
		t.Errorf("FloatToPCM16(-7) = %d, want -32768", got)
	}
	if got := audio.FloatToPCM16(float32(math.Inf(1))); got != 32767 {
		t.Errorf("FloatToPCM16(+Inf) = %d, want 32767", got)
	}
	if got := audio.FloatToPCM16(float32(math.NaN())); got != 0 {
		t.Errorf("FloatToPCM16(NaN) = %d, want 0", got)
	}
}

func TestFloatToPCM16_MonotonicInRange(t *testing.T) {
	t.Parallel()
	prev := audio.FloatToPCM16(-1)
	for i := 1; i <= 20000; i++ {
		x := float32(-1 + float64(i)*2/20000)
		got := audio.FloatToPCM16(x)
		if got < prev {
			t.Fatalf("not monotonic at x=%v: %d < %d", x, got, prev)
		}
		if got < -32768 || got > 32767 {
			t.Fatalf("out of range at x=%v: %d", x, got)
		}
		prev = got
	}
}

func TestEncodePCM16_PreservesOrder(t *testing.T) {
	t.Parallel()
	pcm := audio.EncodePCM16([]float32{0, 1, -1, 0.25})
	got := bytesToSamples(pcm)
	want := []int16{0, 32767, -32768, 8191}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDecodeFloat32LE(t *testing.T) {
	t.Parallel()
	buf := make([]byte, 0, 14)
	for _, v := range []float32{0.5, -0.25, 1} {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	buf = append(buf, 0xAA, 0xBB) // partial trailing sample
	got := audio.DecodeFloat32LE(buf)
	want := []float32{0.5, -0.25, 1}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDownmix(t *testing.T) {
	t.Parallel()
	got := audio.Downmix([]float32{0.2, 0.4, -1, 1}, 2)
	want := []float32{0.3, 0}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("frame %d: got %v, want %v", i, got[i], want[i])
		}
	}

	mono := []float32{0.1, 0.2}
	if out := audio.Downmix(mono, 1); &out[0] != &mono[0] {
		t.Error("expected mono input to be returned unchanged")
	}
}

func TestPeak(t *testing.T) {
	t.Parallel()
	pcm := audio.EncodePCM16([]float32{0.1, -0.5, 0.25})
	if got := audio.Peak(pcm); got != 16384 {
		t.Errorf("Peak = %d, want 16384", got)
	}
}

func TestFormatString(t *testing.T) {
	t.Parallel()
	if got := audio.DefaultFormat.String(); got != "44100Hz mono" {
		t.Errorf("DefaultFormat.String() = %q", got)
	}
	if got := (audio.Format{SampleRate: 48000, Channels: 6}).String(); got != "48000Hz 6ch" {
		t.Errorf("String() = %q", got)
	}
}

func TestBlockFrames(t *testing.T) {
	t.Parallel()
	tests := []struct {
		b    audio.Block
		want int
	}{
		{audio.Block{Samples: make([]float32, 512), Channels: 2}, 256},
		{audio.Block{Samples: make([]float32, 300), Channels: 1}, 300},
		{audio.Block{Samples: make([]float32, 10)}, 10},
		{audio.Block{}, 0},
	}
	for _, tt := range tests {
		if got := tt.b.Frames(); got != tt.want {
			t.Errorf("Block{%d samples, %d ch}.Frames() = %d, want %d", len(tt.b.Samples), tt.b.Channels, got, tt.want)
		}
	}
}
