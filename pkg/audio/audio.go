// Package audio defines the frame type, device interfaces, and PCM helpers
// shared by the questvoice capture, playback, and transport packages.
//
// The two device abstractions are:
//
//   - [Source]: a capture device (microphone) that produces PCM frames once
//     started with a set of [Constraints].
//   - [Sink]: a playback device that accepts PCM frames and can be stopped
//     and rewound (queued audio discarded) at any time.
//
// Concrete backends live in sub-packages (audio/portaudio for host devices,
// audio/mock for tests). The interfaces are intentionally narrow so that the
// session layer remains device-agnostic.
package audio

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by [Source.Start] implementations. Callers use
// [errors.Is] to classify microphone failures.
var (
	// ErrPermissionDenied indicates the user or OS refused microphone access.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrNoDevice indicates no suitable capture or playback device exists.
	ErrNoDevice = errors.New("audio: no audio device available")

	// ErrClosed is returned when a closed device is used.
	ErrClosed = errors.New("audio: device closed")
)

// AudioFrame represents a single frame of 16-bit little-endian PCM audio.
type AudioFrame struct {
	// PCM audio data. Sample rate and channel count are given below.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for Opus).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel in the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / 2 / f.Channels
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Constraints are the capture properties requested from a [Source]. They
// mirror what a browser media-capture request would ask for.
type Constraints struct {
	Format

	// FrameDuration is the size of each captured frame. Opus needs 20 ms.
	FrameDuration time.Duration

	// EchoCancellation requests acoustic echo cancellation. Backends that
	// cannot provide it report so via [Source.Capabilities].
	EchoCancellation bool

	// NoiseSuppression requests suppression of background noise.
	NoiseSuppression bool

	// AutoGainControl requests automatic input gain normalisation.
	AutoGainControl bool
}

// Capabilities lists the constraints a [Source] backend can honour natively.
// Anything it cannot honour is either emulated in software by the caller or
// skipped with a warning.
type Capabilities struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Source is an exclusive capture device.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Start acquires the device and begins capture. The returned channel is
	// closed when capture stops (Close or ctx cancellation). Returns an error
	// wrapping [ErrPermissionDenied] or [ErrNoDevice] when the device cannot
	// be acquired.
	Start(ctx context.Context, c Constraints) (<-chan AudioFrame, error)

	// Capabilities reports which constraints the backend applies natively.
	Capabilities() Capabilities

	// Close stops capture and releases the device. Safe to call more than once.
	Close() error
}

// Sink is a playback device.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	// Write queues a frame for playback. Frames written while the sink is
	// muted are discarded. Write must not block for longer than one frame.
	Write(frame AudioFrame) error

	// Stop discards all queued audio immediately ("stop and rewind").
	Stop()

	// SetMuted mutes or unmutes playback. A muted sink drops incoming frames.
	SetMuted(muted bool)

	// Format returns the format the sink expects.
	Format() Format

	// Close releases the device. Safe to call more than once.
	Close() error
}
