// Package audio defines the capture abstractions and the sample-level stages
// of the radiocast pipeline.
//
// The two primary abstractions are:
//
//   - [Source] acquires a system/display audio capture and returns a [Stream].
//   - [Stream] is a live capture delivering float32 [Block] values until closed.
//
// Implementations live in backend packages (audio/ffmpeg, audio/portaudio) and
// a test double in audio/mock. The stages that run on every block ([Gain],
// [Analyser], [FloatToPCM16]) are in this package so that backends and the
// capture pipeline share one definition of the sample format.
package audio

import (
	"context"
	"errors"
)

// ErrPermissionDenied is returned by [Source.Open] when the operating system
// or the user refused access to the capture device.
var ErrPermissionDenied = errors.New("audio: capture permission denied")

// ErrNoCaptureSource is returned by [Source.Open] when no capturable device or
// loopback source is available.
var ErrNoCaptureSource = errors.New("audio: no capture source available")

// Stream is a live capture acquired through [Source.Open].
//
// Implementations must be safe for concurrent use of Close with a goroutine
// ranging over Blocks.
type Stream interface {
	// Blocks returns the channel of captured sample blocks. The channel is
	// closed when the capture ends, either because Close was called or because
	// the device went away; in the latter case Err reports why.
	Blocks() <-chan Block

	// Err returns the reason the capture ended on its own, or nil while the
	// capture is live or after a clean Close.
	Err() error

	// Close stops the underlying capture tracks and releases the device.
	// It is safe to call Close more than once.
	Close() error
}

// Source is the entry point of a capture backend.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Open acquires a capture stream delivering samples in format f. It may
	// block while the user grants permission; ctx bounds that wait only, not
	// the lifetime of the returned [Stream].
	//
	// Failures should wrap [ErrPermissionDenied] or [ErrNoCaptureSource] where
	// the cause is known.
	Open(ctx context.Context, f Format) (Stream, error)
}
