package audio

import (
	"math"
	"sync/atomic"
)

// MaxGain is the largest multiplier a [Gain] stage accepts (200 %).
const MaxGain = 2.0

// Gain multiplies every sample by a uniform factor. The factor may be changed
// from any goroutine while Apply runs on another; the new value takes effect
// from the next Apply call.
type Gain struct {
	bits atomic.Uint64
}

// NewGain returns a Gain stage initialised to v, clamped to [0, MaxGain].
func NewGain(v float64) *Gain {
	g := &Gain{}
	g.Set(v)
	return g
}

// Set changes the multiplier, clamped to [0, MaxGain].
func (g *Gain) Set(v float64) {
	if math.IsNaN(v) || v < 0 {
		v = 0
	} else if v > MaxGain {
		v = MaxGain
	}
	g.bits.Store(math.Float64bits(v))
}

// Value returns the current multiplier.
func (g *Gain) Value() float64 {
	return math.Float64frombits(g.bits.Load())
}

// Apply scales samples in place.
func (g *Gain) Apply(samples []float32) {
	v := float32(g.Value())
	if v == 1 {
		return
	}
	for i := range samples {
		samples[i] *= v
	}
}

// PercentToGain converts a volume percentage (100 = unity) to a multiplier.
func PercentToGain(percent int) float64 {
	return float64(percent) / 100
}
