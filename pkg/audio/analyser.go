package audio

import (
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Analyser defaults, matching the browser AnalyserNode the visualizer was
// designed against.
const (
	DefaultSmoothing   = 0.8
	DefaultMinDecibels = -100.0
	DefaultMaxDecibels = -30.0
)

// AnalyserOption configures an [Analyser].
type AnalyserOption func(*Analyser)

// WithSmoothing sets the time-constant used to blend consecutive snapshots,
// in [0, 1). Zero disables smoothing.
func WithSmoothing(tau float64) AnalyserOption {
	return func(a *Analyser) {
		if tau >= 0 && tau < 1 {
			a.smoothing = tau
		}
	}
}

// WithDecibelRange sets the magnitude range mapped onto 0..255.
func WithDecibelRange(minDB, maxDB float64) AnalyserOption {
	return func(a *Analyser) {
		if minDB < maxDB {
			a.minDB, a.maxDB = minDB, maxDB
		}
	}
}

// Analyser keeps the most recent window of mono samples and produces a
// byte-scaled magnitude spectrum on demand. Write and ByteFrequencyData may be
// called from different goroutines.
type Analyser struct {
	size      int
	smoothing float64
	minDB     float64
	maxDB     float64

	mu       sync.Mutex
	ring     []float32
	pos      int
	window   []float64
	fft      *fourier.FFT
	seq      []float64
	coeff    []complex128
	smoothed []float64
}

// NewAnalyser creates an Analyser over a window of fftSize samples, which
// must be a power of two in [32, 32768]. The spectrum has fftSize/2 bins.
func NewAnalyser(fftSize int, opts ...AnalyserOption) (*Analyser, error) {
	if fftSize < 32 || fftSize > 32768 || fftSize&(fftSize-1) != 0 {
		return nil, fmt.Errorf("audio: fft size %d must be a power of two in [32, 32768]", fftSize)
	}
	a := &Analyser{
		size:      fftSize,
		smoothing: DefaultSmoothing,
		minDB:     DefaultMinDecibels,
		maxDB:     DefaultMaxDecibels,
		ring:      make([]float32, fftSize),
		window:    blackman(fftSize),
		fft:       fourier.NewFFT(fftSize),
		seq:       make([]float64, fftSize),
		coeff:     make([]complex128, fftSize/2+1),
		smoothed:  make([]float64, fftSize/2),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Bins returns the number of frequency bins in each snapshot.
func (a *Analyser) Bins() int { return a.size / 2 }

// Write appends mono samples to the analysis window, discarding the oldest.
func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(samples) >= a.size {
		copy(a.ring, samples[len(samples)-a.size:])
		a.pos = 0
		return
	}
	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos = (a.pos + 1) % a.size
	}
}

// ByteFrequencyData computes the current spectrum into dst, which is grown to
// [Analyser.Bins] if needed, and returns it. Each bin is the smoothed
// magnitude in decibels mapped linearly from [minDB, maxDB] onto [0, 255].
func (a *Analyser) ByteFrequencyData(dst []byte) []byte {
	bins := a.Bins()
	if cap(dst) < bins {
		dst = make([]byte, bins)
	}
	dst = dst[:bins]

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.size {
		s := a.ring[(a.pos+i)%a.size]
		a.seq[i] = float64(s) * a.window[i]
	}
	a.coeff = a.fft.Coefficients(a.coeff, a.seq)

	scale := 1 / float64(a.size)
	span := a.maxDB - a.minDB
	for k := range bins {
		mag := cmplx.Abs(a.coeff[k]) * scale
		v := a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		a.smoothed[k] = v

		if v <= 0 {
			dst[k] = 0
			continue
		}
		db := 20 * math.Log10(v)
		scaled := 255 * (db - a.minDB) / span
		switch {
		case scaled <= 0:
			dst[k] = 0
		case scaled >= 255:
			dst[k] = 255
		default:
			dst[k] = byte(scaled)
		}
	}
	return dst
}

// Reset clears the window and the smoothing history.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.smoothed)
	a.pos = 0
}

// blackman returns the Blackman window coefficients for n points.
func blackman(n int) []float64 {
	const alpha = 0.16
	a0 := 0.5 * (1 - alpha)
	a1 := 0.5
	a2 := 0.5 * alpha
	w := make([]float64, n)
	for i := range n {
		x := float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(2*math.Pi*x) + a2*math.Cos(4*math.Pi*x)
	}
	return w
}
