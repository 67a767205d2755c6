package audio

import "time"

// Default capture parameters. The remote ingest expects mono 44.1 kHz.
const (
	DefaultSampleRate = 44100
	DefaultChannels   = 1
	DefaultFFTSize    = 2048
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat is the format delivered to the remote ingest.
var DefaultFormat = Format{SampleRate: DefaultSampleRate, Channels: DefaultChannels}

// String returns a human-readable form such as "44100Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Block is a run of interleaved float32 samples read from a capture [Stream].
// Samples are nominally in [-1, 1]; out-of-range values are clamped at
// conversion time, never rejected.
type Block struct {
	// Samples holds interleaved samples. Ownership passes to the receiver.
	Samples []float32

	// Channels is the interleave factor of Samples.
	Channels int

	// Timestamp marks when this block was captured, relative to stream start.
	Timestamp time.Duration
}

// Frames returns the number of sample frames (samples per channel) in b.
func (b Block) Frames() int {
	if b.Channels <= 1 {
		return len(b.Samples)
	}
	return len(b.Samples) / b.Channels
}
