// Package portaudio provides host microphone and speaker devices backed by
// PortAudio. Both use blocking stream I/O on a dedicated goroutine.
//
// PortAudio has no echo cancellation, noise suppression or gain control of its
// own, so [Source.Capabilities] reports none and the microphone pipeline falls
// back to its software stages.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/questvoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Source = (*Source)(nil)
	_ audio.Sink   = (*Sink)(nil)
)

const (
	defaultFrame = 20 * time.Millisecond
	sinkQueue    = 50 // one second of 20 ms frames
)

var (
	initMu   sync.Mutex
	initRefs int
)

// acquire initialises PortAudio on first use. Each successful call must be
// paired with release.
func acquire() error {
	initMu.Lock()
	defer initMu.Unlock()
	if initRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	initRefs++
	return nil
}

func release() {
	initMu.Lock()
	defer initMu.Unlock()
	initRefs--
	if initRefs == 0 {
		_ = portaudio.Terminate()
	}
}

// classify maps PortAudio device errors onto the audio sentinels.
func classify(err error) error {
	switch {
	case errors.Is(err, portaudio.DeviceUnavailable):
		return fmt.Errorf("%w: %w", audio.ErrPermissionDenied, err)
	case errors.Is(err, portaudio.InvalidDevice), errors.Is(err, portaudio.InvalidChannelCount):
		return fmt.Errorf("%w: %w", audio.ErrNoDevice, err)
	default:
		return err
	}
}

func framesPer(f audio.Format, d time.Duration) int {
	if d <= 0 {
		d = defaultFrame
	}
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}

// ── Source ────────────────────────────────────────────────────────────────────

// Source captures from the default input device.
type Source struct {
	log *slog.Logger

	mu      sync.Mutex
	stream  *portaudio.Stream
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewSource returns a capture device. A nil logger uses slog.Default().
func NewSource(log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{log: log}
}

// Capabilities reports no native processing.
func (s *Source) Capabilities() audio.Capabilities { return audio.Capabilities{} }

// Start opens the default input stream with the requested format.
func (s *Source) Start(ctx context.Context, c audio.Constraints) (<-chan audio.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, fmt.Errorf("portaudio: source already started")
	}

	if err := acquire(); err != nil {
		return nil, err
	}
	if _, err := portaudio.DefaultInputDevice(); err != nil {
		release()
		return nil, fmt.Errorf("portaudio: default input: %w: %w", audio.ErrNoDevice, err)
	}

	n := framesPer(c.Format, c.FrameDuration)
	buf := make([]int16, n*c.Channels)
	stream, err := portaudio.OpenDefaultStream(c.Channels, 0, float64(c.SampleRate), n, buf)
	if err != nil {
		release()
		return nil, fmt.Errorf("portaudio: open input: %w", classify(err))
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		release()
		return nil, fmt.Errorf("portaudio: start input: %w", classify(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	out := make(chan audio.AudioFrame, 16)
	s.stream, s.cancel, s.done, s.started = stream, cancel, make(chan struct{}), true

	go s.capture(runCtx, stream, buf, c.Format, out)
	return out, nil
}

func (s *Source) capture(ctx context.Context, stream *portaudio.Stream, buf []int16, f audio.Format, out chan<- audio.AudioFrame) {
	defer close(s.done)
	defer close(out)

	start := time.Now()
	for ctx.Err() == nil {
		if err := stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			s.log.Warn("portaudio: capture read", "err", err)
			return
		}
		frame := audio.AudioFrame{
			Data:       audio.Int16sToBytes(buf),
			SampleRate: f.SampleRate,
			Channels:   f.Channels,
			Timestamp:  time.Since(start),
		}
		select {
		case out <- frame:
		case <-ctx.Done():
			return
		default:
			// Consumer is behind; drop rather than stall the device.
		}
	}
}

// Close stops capture and releases the device. Safe to call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	s.cancel()
	err := s.stream.Stop()
	<-s.done
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	release()
	return err
}

// ── Sink ──────────────────────────────────────────────────────────────────────

// Sink plays to the default output device.
type Sink struct {
	format audio.Format
	log    *slog.Logger
	stream *portaudio.Stream
	buf    []int16
	conv   audio.FormatConverter

	queue     chan audio.AudioFrame
	pending   []int16
	muted     atomic.Bool
	flush     atomic.Bool
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

// OpenSink opens the default output device in the given format.
func OpenSink(f audio.Format, log *slog.Logger) (*Sink, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := acquire(); err != nil {
		return nil, err
	}
	if _, err := portaudio.DefaultOutputDevice(); err != nil {
		release()
		return nil, fmt.Errorf("portaudio: default output: %w: %w", audio.ErrNoDevice, err)
	}

	n := framesPer(f, defaultFrame)
	buf := make([]int16, n*f.Channels)
	stream, err := portaudio.OpenDefaultStream(0, f.Channels, float64(f.SampleRate), n, buf)
	if err != nil {
		release()
		return nil, fmt.Errorf("portaudio: open output: %w", classify(err))
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		release()
		return nil, fmt.Errorf("portaudio: start output: %w", classify(err))
	}

	s := &Sink{
		format: f,
		log:    log,
		stream: stream,
		buf:    buf,
		conv:   audio.FormatConverter{Target: f, Logger: log},
		queue:  make(chan audio.AudioFrame, sinkQueue),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.play()
	return s, nil
}

// Format returns the output format.
func (s *Sink) Format() audio.Format { return s.format }

// Write queues frame for playback. Frames are dropped while muted or when
// the queue is full.
func (s *Sink) Write(frame audio.AudioFrame) error {
	if s.muted.Load() {
		return nil
	}
	select {
	case <-s.done:
		return audio.ErrClosed
	default:
	}
	select {
	case s.queue <- frame:
	default:
		s.log.Debug("portaudio: playback queue full, dropping frame")
	}
	return nil
}

// Stop discards queued audio.
func (s *Sink) Stop() {
	s.flush.Store(true)
	for {
		select {
		case <-s.queue:
		default:
			return
		}
	}
}

// SetMuted mutes or unmutes playback. Muting also discards queued audio.
func (s *Sink) SetMuted(muted bool) {
	s.muted.Store(muted)
	if muted {
		s.Stop()
	}
}

// play feeds the output stream, writing silence when nothing is queued so
// the device never underruns.
func (s *Sink) play() {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			return
		default:
		}
		if s.flush.Swap(false) {
			s.pending = s.pending[:0]
		}
		for len(s.pending) < len(s.buf) {
			select {
			case f := <-s.queue:
				s.pending = append(s.pending, audio.BytesToInt16s(s.conv.Convert(f).Data)...)
				continue
			default:
			}
			break
		}
		n := copy(s.buf, s.pending)
		clear(s.buf[n:])
		s.pending = s.pending[n:]
		if err := s.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			s.log.Warn("portaudio: playback write", "err", err)
			return
		}
	}
}

// Close stops playback and releases the device. Safe to call more than once.
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.exited
		err = s.stream.Stop()
		if cerr := s.stream.Close(); err == nil {
			err = cerr
		}
		release()
	})
	return err
}
