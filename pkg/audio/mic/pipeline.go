// Package mic implements the microphone capture pipeline: device acquisition,
// an armed/muted gate, optional software gain control and noise gating, and a
// live amplitude signal for visualisation.
//
// The gate starts closed. Until [Pipeline.Arm] is called, every frame leaving
// the pipeline is silence, so no user audio reaches the transport before the
// user explicitly begins listening.
package mic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/questvoice/pkg/audio"
	"github.com/MrWong99/questvoice/pkg/audio/level"
)

const (
	frameBuffer          = 32
	defaultLevelInterval = time.Second / 60
	defaultNoiseFloor    = 0.004
	defaultTargetRMS     = 0.08
)

// DefaultConstraints returns the capture constraints used for realtime
// sessions: 48 kHz mono, 20 ms frames, echo cancellation, noise suppression
// and automatic gain control enabled.
func DefaultConstraints() audio.Constraints {
	return audio.Constraints{
		Format:           audio.Format{SampleRate: 48000, Channels: 1},
		FrameDuration:    20 * time.Millisecond,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithMeter replaces the default level meter.
func WithMeter(m *level.Meter) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.meter = m
		}
	}
}

// WithNoiseFloor sets the RMS level below which frames are zeroed when noise
// suppression is emulated in software.
func WithNoiseFloor(rms float64) Option {
	return func(p *Pipeline) {
		if rms >= 0 {
			p.noiseFloor = rms
		}
	}
}

// Pipeline owns one microphone stream for the lifetime of a connection.
// All methods are safe for concurrent use.
type Pipeline struct {
	src         audio.Source
	constraints audio.Constraints
	log         *slog.Logger
	meter       *level.Meter
	noiseFloor  float64

	softAGC bool
	softNS  bool
	gain    *gainControl

	armed    atomic.Bool
	monitors atomic.Int32

	frames    chan audio.AudioFrame
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Open acquires src with the given constraints and starts the capture loop.
// Acquisition failures are returned wrapped so that callers can test for
// [audio.ErrPermissionDenied] and [audio.ErrNoDevice]; there is no silent
// fallback to a muted stream.
func Open(ctx context.Context, src audio.Source, c audio.Constraints, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		src:         src,
		constraints: c,
		log:         slog.Default(),
		noiseFloor:  defaultNoiseFloor,
		frames:      make(chan audio.AudioFrame, frameBuffer),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.meter == nil {
		p.meter = level.New()
	}

	capCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	in, err := src.Start(capCtx, c)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mic: acquire microphone: %w", err)
	}
	p.cancel = cancel

	caps := src.Capabilities()
	p.softAGC = c.AutoGainControl && !caps.AutoGainControl
	p.softNS = c.NoiseSuppression && !caps.NoiseSuppression
	if p.softAGC {
		p.gain = newGainControl(defaultTargetRMS)
	}
	if c.EchoCancellation && !caps.EchoCancellation {
		p.log.Warn("mic: capture backend has no echo cancellation; use headphones to avoid feedback")
	}

	go p.run(in)
	return p, nil
}

// Arm opens the gate so captured audio flows to the transport.
func (p *Pipeline) Arm() {
	if !p.armed.Swap(true) {
		p.log.Debug("mic: armed")
	}
}

// Disarm closes the gate. Subsequent frames carry silence.
func (p *Pipeline) Disarm() {
	if p.armed.Swap(false) {
		p.meter.Reset()
		p.log.Debug("mic: disarmed")
	}
}

// Armed reports whether the gate is open.
func (p *Pipeline) Armed() bool { return p.armed.Load() }

// Frames returns the gated outbound frame stream. The channel is closed when
// the pipeline closes.
func (p *Pipeline) Frames() <-chan audio.AudioFrame { return p.frames }

// Levels starts a level monitor that emits one sample per interval until ctx
// is cancelled or the pipeline closes. While armed the sample is the meter's
// current level; while disarmed it is 0. The channel holds only the newest
// sample: a slow reader skips values rather than stalling the monitor.
func (p *Pipeline) Levels(ctx context.Context, interval time.Duration) <-chan float64 {
	if interval <= 0 {
		interval = defaultLevelInterval
	}
	out := make(chan float64, 1)
	p.monitors.Add(1)
	go func() {
		defer close(out)
		defer p.monitors.Add(-1)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case <-ticker.C:
			}
			var v float64
			if p.armed.Load() {
				v = p.meter.Level()
			}
			select {
			case out <- v:
			default:
				// Replace the stale sample with the fresh one.
				select {
				case <-out:
				default:
				}
				select {
				case out <- v:
				default:
				}
			}
		}
	}()
	return out
}

// ActiveMonitors returns the number of level monitors still running.
func (p *Pipeline) ActiveMonitors() int { return int(p.monitors.Load()) }

// Close disarms the gate, stops capture and releases the device. It waits for
// the capture loop to exit, so Frames is closed when Close returns. Safe to
// call more than once.
func (p *Pipeline) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.Disarm()
		p.cancel()
		err = p.src.Close()
		<-p.done
	})
	return err
}

// run forwards captured frames through the processing stages and the gate.
func (p *Pipeline) run(in <-chan audio.AudioFrame) {
	defer close(p.done)
	defer close(p.frames)

	for frame := range in {
		if len(frame.Data)%2 != 0 {
			continue
		}
		if p.softAGC {
			p.gain.apply(frame.Data)
		}
		if p.softNS && audio.RMS(frame.Data) < p.noiseFloor {
			clear(frame.Data)
		}

		if p.armed.Load() {
			p.meter.Write(frame.Data)
		} else {
			frame.Data = make([]byte, len(frame.Data))
		}

		select {
		case p.frames <- frame:
		default:
			p.log.Debug("mic: outbound buffer full, dropping frame")
		}
	}
}
