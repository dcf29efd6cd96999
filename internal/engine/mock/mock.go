// Package mock provides an in-memory implementation of [engine.Sender] and
// [engine.Media] for use in unit tests.
//
// A single [Recorder] captures both outbound events and device effects in one
// ordered log, so tests can assert on interleaving (for example that
// response.cancel is sent before input_audio_buffer.clear). It is safe for
// concurrent use.
//
// Example:
//
//	rec := &mock.Recorder{}
//	e, _ := engine.New(cfg, rec, rec, engine.Callbacks{})
//	...
//	if got := rec.Log(); !slices.Equal(got, want) { ... }
package mock

import (
	"sync"

	"github.com/MrWong99/questvoice/internal/engine"
	"github.com/MrWong99/questvoice/pkg/realtime"
)

// Compile-time interface assertions.
var (
	_ engine.Sender = (*Recorder)(nil)
	_ engine.Media  = (*Recorder)(nil)
)

// Log entries for device effects. Sent events are logged as "send:<type>".
const (
	CallArm          = "arm"
	CallDisarm       = "disarm"
	CallStopPlayback = "stop_playback"
	CallMute         = "mute"
	CallUnmute       = "unmute"
	CallStartLevels  = "start_levels"
	CallStopLevels   = "stop_levels"
)

// Recorder is a mock implementation of [engine.Sender] and [engine.Media].
type Recorder struct {
	mu sync.Mutex

	events []realtime.ClientEvent
	log    []string

	armed  bool
	muted  bool
	levels int
}

// Send records ev.
func (r *Recorder) Send(ev realtime.ClientEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.log = append(r.log, "send:"+ev.Type)
}

// Arm records the call and opens the gate.
func (r *Recorder) Arm() { r.record(CallArm, func() { r.armed = true }) }

// Disarm records the call and closes the gate.
func (r *Recorder) Disarm() { r.record(CallDisarm, func() { r.armed = false }) }

// StopPlayback records the call.
func (r *Recorder) StopPlayback() { r.record(CallStopPlayback, nil) }

// MutePlayback records the call and the mute state.
func (r *Recorder) MutePlayback(muted bool) {
	name := CallUnmute
	if muted {
		name = CallMute
	}
	r.record(name, func() { r.muted = muted })
}

// StartLevels records the call and counts one more active monitor.
func (r *Recorder) StartLevels() { r.record(CallStartLevels, func() { r.levels++ }) }

// StopLevels records the call and counts one fewer active monitor.
func (r *Recorder) StopLevels() {
	r.record(CallStopLevels, func() {
		if r.levels > 0 {
			r.levels--
		}
	})
}

func (r *Recorder) record(name string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, name)
	if fn != nil {
		fn()
	}
}

// Events returns a copy of every sent event.
func (r *Recorder) Events() []realtime.ClientEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]realtime.ClientEvent, len(r.events))
	copy(out, r.events)
	return out
}

// EventsOfType returns the sent events whose Type is typ.
func (r *Recorder) EventsOfType(typ string) []realtime.ClientEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []realtime.ClientEvent
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Log returns a copy of the ordered call log.
func (r *Recorder) Log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.log))
	copy(out, r.log)
	return out
}

// Armed reports whether the gate is open.
func (r *Recorder) Armed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.armed
}

// Muted reports whether playback is muted.
func (r *Recorder) Muted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.muted
}

// Levels returns the number of active level monitors.
func (r *Recorder) Levels() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.levels
}

// Reset clears the recorded events and log but keeps device state.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.log = nil
}
