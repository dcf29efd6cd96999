// Package mock provides in-memory implementations of [audio.Source] and
// [audio.Sink] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := mock.NewSource()
//	frames, err := src.Start(ctx, constraints)
//	src.Push(audio.AudioFrame{Data: pcm, SampleRate: 48000, Channels: 1})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/questvoice/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. Frames pushed with
// [Source.Push] are delivered on the channel returned by Start.
type Source struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// Caps is returned by Capabilities.
	Caps audio.Capabilities

	// StartCalls records the constraints passed to every Start call.
	StartCalls []audio.Constraints

	// CloseCount records how many times Close was called.
	CloseCount int

	out    chan audio.AudioFrame
	closed bool
}

// NewSource returns a Source with native support for every constraint.
func NewSource() *Source {
	return &Source{Caps: audio.Capabilities{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true}}
}

// Start records the call and returns a buffered frame channel.
func (s *Source) Start(ctx context.Context, c audio.Constraints) (<-chan audio.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCalls = append(s.StartCalls, c)
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	s.out = make(chan audio.AudioFrame, 64)
	s.closed = false
	out := s.out
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return out, nil
}

// Push delivers a frame to the capture channel. It is a no-op when the source
// is not started or already closed.
func (s *Source) Push(f audio.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil || s.closed {
		return
	}
	select {
	case s.out <- f:
	default:
	}
}

// Capabilities returns Caps.
func (s *Source) Capabilities() audio.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Caps
}

// Close closes the capture channel. Safe to call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	if s.out != nil && !s.closed {
		close(s.out)
	}
	s.closed = true
	return nil
}

// Closed reports whether the source has been closed.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink] that keeps written frames in
// memory.
type Sink struct {
	mu sync.Mutex

	// SinkFormat is returned by Format. Defaults to 48 kHz mono when zero.
	SinkFormat audio.Format

	// WriteErr, if non-nil, is returned by Write.
	WriteErr error

	// Frames holds every frame accepted while unmuted and not stopped since.
	Frames []audio.AudioFrame

	// StopCount records how many times Stop was called.
	StopCount int

	// CloseCount records how many times Close was called.
	CloseCount int

	muted bool
}

// Write records the frame unless the sink is muted.
func (s *Sink) Write(f audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	if s.muted {
		return nil
	}
	s.Frames = append(s.Frames, f)
	return nil
}

// Stop discards queued frames.
func (s *Sink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCount++
	s.Frames = nil
}

// SetMuted records the mute state.
func (s *Sink) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

// Muted reports the current mute state.
func (s *Sink) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// Format returns SinkFormat or 48 kHz mono.
func (s *Sink) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SinkFormat.SampleRate == 0 {
		return audio.Format{SampleRate: 48000, Channels: 1}
	}
	return s.SinkFormat
}

// Close records the call.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	return nil
}
