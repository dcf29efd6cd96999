// Package engine implements the session protocol state machine: it owns the
// active persona and the response in flight, pushes session configuration to
// the provider, interprets the inbound event stream, and routes the single
// conversation between personas.
//
// An [Engine] is bound to one connection generation. It is not safe for
// concurrent use: the owner must serialise every call, including the
// callbacks it schedules through [WithScheduler]. Outbound events go through a
// [Sender]; local device effects (mic gate, playback, level monitoring) go
// through [Media]. Neither is ever called concurrently by the engine.
//
// This package lives under internal/ because it encapsulates application-private
// processing logic and is not intended to be imported by external code.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/questvoice/internal/observe"
	"github.com/MrWong99/questvoice/internal/persona"
	"github.com/MrWong99/questvoice/pkg/realtime"
)

const (
	// DefaultConfigAckTimeout bounds how long a routed follow-up response
	// waits for session.updated before it is requested anyway.
	DefaultConfigAckTimeout = 300 * time.Millisecond

	maxHistory = 100
)

// State is the connection-level state of an [Engine].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateDisconnected
	StateFailed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sender delivers client events to the provider. Delivery is best effort.
type Sender interface {
	Send(ev realtime.ClientEvent)
}

// Media is the set of local device effects the engine drives.
type Media interface {
	// Arm opens the microphone gate.
	Arm()
	// Disarm closes the microphone gate.
	Disarm()
	// StopPlayback discards queued remote audio.
	StopPlayback()
	// MutePlayback mutes or unmutes remote audio.
	MutePlayback(muted bool)
	// StartLevels starts amplitude monitoring for the UI.
	StartLevels()
	// StopLevels stops amplitude monitoring.
	StopLevels()
}

// Turn is one completed utterance.
type Turn struct {
	// Speaker is the persona that spoke, or [persona.User].
	Speaker   persona.Name
	Text      string
	Timestamp time.Time
}

// Message is one entry of the engine's rolling conversation history.
type Message struct {
	Role    string
	Content string
}

// Callbacks receive the engine's user-visible effects. Nil fields are skipped.
type Callbacks struct {
	OnTurn           func(Turn)
	OnUserTranscript func(text string)
	OnError          func(message string)
	OnPersonaChange  func(name persona.Name)
}

// Config is the per-conversation configuration of an [Engine].
type Config struct {
	Personas    *persona.Set
	Character   persona.Character
	Temperature float64

	// ConfigAckTimeout overrides [DefaultConfigAckTimeout] when positive.
	ConfigAckTimeout time.Duration
}

// Scheduler runs fn once after d and returns a function that cancels it.
type Scheduler func(d time.Duration, fn func()) (cancel func())

func afterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// Option configures an [Engine].
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMetrics records turns, switches, barge-ins and provider errors.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithScheduler replaces the timer used for the routed follow-up fallback.
// Scheduled functions run on whatever goroutine the scheduler chooses, so the
// owner normally injects a scheduler that takes its own lock.
func WithScheduler(s Scheduler) Option {
	return func(e *Engine) {
		if s != nil {
			e.schedule = s
		}
	}
}

// WithClock overrides the turn timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// response is the assistant utterance currently being generated.
type response struct {
	id      string
	text    string
	speaker persona.Name
}

// Engine is the per-connection session protocol state machine.
type Engine struct {
	cfg      Config
	sender   Sender
	media    Media
	cb       Callbacks
	log      *slog.Logger
	metrics  *observe.Metrics
	schedule Scheduler
	now      func() time.Time

	state     State
	listening bool
	active    persona.Name
	resp      *response

	// Routed follow-up awaiting session.updated.
	followUp       bool
	cancelFollowUp func()

	handledCalls map[string]struct{}
	seenUserItem map[string]struct{}
	history      []Message
}

// New returns an idle engine. Every persona's instructions are rendered once
// so that template errors surface here rather than mid-conversation.
func New(cfg Config, sender Sender, media Media, cb Callbacks, opts ...Option) (*Engine, error) {
	if cfg.Personas == nil {
		return nil, fmt.Errorf("engine: persona set is required")
	}
	if sender == nil || media == nil {
		return nil, fmt.Errorf("engine: sender and media are required")
	}
	if cfg.ConfigAckTimeout <= 0 {
		cfg.ConfigAckTimeout = DefaultConfigAckTimeout
	}
	for _, n := range cfg.Personas.Names() {
		if _, err := cfg.Personas.Instructions(n, cfg.Character); err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}
	e := &Engine{
		cfg:          cfg,
		sender:       sender,
		media:        media,
		cb:           cb,
		log:          slog.Default(),
		schedule:     afterFunc,
		now:          time.Now,
		active:       cfg.Personas.Narrator().Name,
		handledCalls: make(map[string]struct{}),
		seenUserItem: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// ── Accessors ─────────────────────────────────────────────────────────────────

// State returns the connection-level state.
func (e *Engine) State() State { return e.state }

// Listening reports whether the engine is in the listening sub-state.
func (e *Engine) Listening() bool { return e.listening }

// Generating reports whether a response is in flight.
func (e *Engine) Generating() bool { return e.resp != nil }

// Persona returns the active persona.
func (e *Engine) Persona() persona.Name { return e.active }

// History returns a copy of the rolling conversation history.
func (e *Engine) History() []Message {
	out := make([]Message, len(e.history))
	copy(out, e.history)
	return out
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// Connecting marks the start of connection establishment.
func (e *Engine) Connecting() {
	if e.state == StateIdle || e.state == StateDisconnected {
		e.state = StateConnecting
	}
}

// Open is called once the event channel is open. It resets the conversation
// to the narrator and pushes the initial session configuration.
func (e *Engine) Open() {
	if e.state != StateConnecting {
		e.log.Debug("engine: open ignored", "state", e.state)
		return
	}
	e.state = StateActive
	e.active = e.cfg.Personas.Narrator().Name
	e.pushSession()
	e.log.Info("engine: session active", "persona", e.active)
}

// Shutdown ends the conversation. failed selects [StateFailed] over
// [StateDisconnected]. The mic is disarmed and level monitoring stopped.
// Safe to call in any state.
func (e *Engine) Shutdown(failed bool) {
	if e.listening {
		e.media.StopLevels()
		e.media.Disarm()
		e.listening = false
	}
	e.clearFollowUp()
	e.resp = nil
	if failed {
		e.state = StateFailed
	} else {
		e.state = StateDisconnected
	}
}

// ── Listening ─────────────────────────────────────────────────────────────────

// BeginListening starts a user utterance. Any response in flight is cancelled
// first, queued playback is discarded and muted, then the mic is armed and the
// provider's input buffer cleared. Returns false when not active or already
// listening.
func (e *Engine) BeginListening() bool {
	if e.state != StateActive || e.listening {
		return false
	}
	if e.resp != nil {
		e.metrics.RecordBargeIn(context.Background())
	}
	e.cancelResponse()
	e.clearFollowUp()
	e.media.StopPlayback()
	e.media.MutePlayback(true)
	e.media.Arm()
	e.listening = true
	e.sender.Send(realtime.InputAudioBufferClear())
	e.media.StartLevels()
	return true
}

// EndListening finishes the user utterance: the buffered audio is committed
// and a response requested. It is a no-op when not listening.
func (e *Engine) EndListening() {
	if e.state != StateActive || !e.listening {
		return
	}
	e.cancelResponse()
	e.media.StopPlayback()
	e.media.MutePlayback(false)
	e.media.StopLevels()
	e.media.Disarm()
	e.listening = false
	e.sender.Send(realtime.InputAudioBufferCommit())
	e.sender.Send(realtime.ResponseCreate())
}

// cancelResponse sends response.cancel for the response in flight, if any,
// and discards its partial transcript.
func (e *Engine) cancelResponse() {
	if e.resp == nil {
		return
	}
	e.log.Debug("engine: cancelling response", "response_id", e.resp.id)
	e.sender.Send(realtime.ResponseCancel())
	e.resp = nil
}

// ── Personas ──────────────────────────────────────────────────────────────────

// SwitchPersona hands the conversation to n on the user's request and
// announces it with a narrator turn. Returns false when not active, when n is
// already active, or when n is unknown.
func (e *Engine) SwitchPersona(n persona.Name) bool {
	if e.state != StateActive || n == e.active {
		return false
	}
	p, ok := e.cfg.Personas.Get(n)
	if !ok {
		e.log.Warn("engine: switch to unknown persona", "persona", n)
		return false
	}
	e.clearFollowUp()
	e.setPersona(n, "user")
	e.pushSession()

	narrator := e.cfg.Personas.Narrator()
	text := fmt.Sprintf("%s steps forward to speak with %s.", p.DisplayName, e.cfg.Character.Name)
	if p.CanRoute {
		text = fmt.Sprintf("The %s takes back the conversation.", narrator.DisplayName)
	}
	e.emitTurn(narrator.Name, text)
	return true
}

func (e *Engine) setPersona(n persona.Name, source string) {
	from := e.active
	e.active = n
	e.log.Info("engine: persona switched", "from", from, "to", n, "source", source)
	e.metrics.RecordPersonaSwitch(context.Background(), string(n), source)
	if e.cb.OnPersonaChange != nil {
		e.cb.OnPersonaChange(n)
	}
}

// pushSession sends the session configuration for the active persona.
func (e *Engine) pushSession() {
	params, err := SessionParams(e.cfg.Personas, e.active, e.cfg.Character, e.cfg.Temperature)
	if err != nil {
		e.log.Error("engine: build session configuration", "persona", e.active, "err", err)
		return
	}
	e.sender.Send(realtime.SessionUpdate(params))
}

// ── Follow-up pacing ──────────────────────────────────────────────────────────

// awaitFollowUp arranges for response.create to be sent once the provider
// acknowledges the routed session.update, or after ConfigAckTimeout. While
// the user is speaking nothing is scheduled: EndListening requests the
// response.
func (e *Engine) awaitFollowUp() {
	e.clearFollowUp()
	if e.listening {
		return
	}
	e.followUp = true
	e.cancelFollowUp = e.schedule(e.cfg.ConfigAckTimeout, e.flushFollowUp)
}

// flushFollowUp sends the pending follow-up response.create at most once.
func (e *Engine) flushFollowUp() {
	if !e.followUp {
		return
	}
	e.clearFollowUp()
	if e.state != StateActive || e.listening {
		return
	}
	e.sender.Send(realtime.ResponseCreate())
}

func (e *Engine) clearFollowUp() {
	e.followUp = false
	if e.cancelFollowUp != nil {
		e.cancelFollowUp()
		e.cancelFollowUp = nil
	}
}

// ── Turns ─────────────────────────────────────────────────────────────────────

func (e *Engine) emitTurn(speaker persona.Name, text string) {
	role := "assistant"
	if speaker == persona.User {
		role = "user"
	}
	e.history = append(e.history, Message{Role: role, Content: text})
	if over := len(e.history) - maxHistory; over > 0 {
		e.history = append(e.history[:0], e.history[over:]...)
	}
	e.metrics.RecordTurn(context.Background(), string(speaker))
	if e.cb.OnTurn != nil {
		e.cb.OnTurn(Turn{Speaker: speaker, Text: text, Timestamp: e.now()})
	}
}
