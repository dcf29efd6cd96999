package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/questvoice/internal/engine"
	"github.com/MrWong99/questvoice/pkg/audio"
	"github.com/MrWong99/questvoice/pkg/audio/mic"
	"github.com/MrWong99/questvoice/pkg/realtime"
)

// Compile-time interface assertions.
var (
	_ engine.Sender = (*generation)(nil)
	_ engine.Media  = (*generation)(nil)
)

// generation owns the resources of one connection attempt. Every field is
// guarded by SessionManager.mu, and the engine only calls the Sender and
// Media methods while that lock is held.
type generation struct {
	id      uint64
	started time.Time
	eng     *engine.Engine
	log     *slog.Logger

	transport Transport
	pipeline  *mic.Pipeline
	sink      audio.Sink

	// opened is set when the event channel opens before Dial returns.
	opened bool
	// live is set once the session is active and counted in metrics.
	live bool

	cancel  context.CancelFunc
	timeout *time.Timer

	dispatch      *dispatcher
	onLevel       func(float64)
	levelInterval time.Duration
	levelsCancel  context.CancelFunc
	levelsDone    chan struct{}
}

// Send forwards ev to the transport. Events sent before the transport exists
// are dropped, as they would be on an unopened channel.
func (g *generation) Send(ev realtime.ClientEvent) {
	if g.transport == nil {
		g.log.Warn("app: event dropped before transport is ready", "type", ev.Type)
		return
	}
	g.transport.Send(ev)
}

func (g *generation) Arm() {
	if g.pipeline != nil {
		g.pipeline.Arm()
	}
}

func (g *generation) Disarm() {
	if g.pipeline != nil {
		g.pipeline.Disarm()
	}
}

func (g *generation) StopPlayback() {
	if g.sink != nil {
		g.sink.Stop()
	}
}

func (g *generation) MutePlayback(muted bool) {
	if g.sink != nil {
		g.sink.SetMuted(muted)
	}
}

// StartLevels forwards pipeline amplitude samples to OnAudioLevel until
// StopLevels.
func (g *generation) StartLevels() {
	if g.pipeline == nil || g.levelsCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	levels := g.pipeline.Levels(ctx, g.levelInterval)
	done := make(chan struct{})
	g.levelsCancel, g.levelsDone = cancel, done

	onLevel, dispatch := g.onLevel, g.dispatch
	go func() {
		defer close(done)
		for v := range levels {
			if onLevel != nil {
				v := v
				dispatch.push(func() { onLevel(v) })
			}
		}
	}()
}

// StopLevels stops the level monitor and waits for it to exit.
func (g *generation) StopLevels() {
	if g.levelsCancel == nil {
		return
	}
	g.levelsCancel()
	<-g.levelsDone
	g.levelsCancel, g.levelsDone = nil, nil
}

// detach shuts the engine down and hands back a function that releases the
// devices and transport. The returned function must run without
// SessionManager.mu held: closing a peer connection can wait on goroutines
// that are themselves waiting for the lock.
func (g *generation) detach(failed bool) func() {
	g.eng.Shutdown(failed)
	g.StopLevels()
	if g.timeout != nil {
		g.timeout.Stop()
	}
	if g.cancel != nil {
		g.cancel()
	}
	t, p, s := g.transport, g.pipeline, g.sink
	g.transport, g.pipeline, g.sink = nil, nil, nil

	return func() {
		if t != nil {
			if err := t.Close(); err != nil {
				g.log.Warn("app: close transport", "err", err)
			}
		}
		if p != nil {
			if err := p.Close(); err != nil {
				g.log.Warn("app: close microphone", "err", err)
			}
		}
		if s != nil {
			if err := s.Close(); err != nil {
				g.log.Warn("app: close playback", "err", err)
			}
		}
	}
}
