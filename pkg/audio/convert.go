package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// FloatToPCM16 quantizes one sample to signed 16-bit PCM. The input is
// clamped to [-1, 1]; negative values scale by 32768 and non-negative values
// by 32767 so both extremes of the int16 range are reachable without
// overflow. The fractional part is truncated toward zero.
func FloatToPCM16(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	if s < -1 {
		s = -1
	} else if s > 1 {
		s = 1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}

// EncodePCM16 converts samples to little-endian int16 PCM, preserving order.
// The returned slice is freshly allocated and owned by the caller.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FloatToPCM16(s)))
	}
	return out
}

// DecodeFloat32LE decodes little-endian IEEE-754 float32 samples. Trailing
// bytes that do not form a whole sample are ignored.
func DecodeFloat32LE(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// Downmix averages interleaved multi-channel samples into mono. A channel
// count of one or less returns samples unchanged.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Peak returns the largest absolute sample value in pcm, which must be
// little-endian int16.
func Peak(pcm []byte) int {
	peak := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int(int16(binary.LittleEndian.Uint16(pcm[i:])))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "44100Hz mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
