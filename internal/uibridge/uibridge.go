// Package uibridge exposes a session over WebSocket so that a browser or any
// other out-of-process UI can drive it.
//
// Every connected client receives the session's callbacks as JSON events:
//
//	{"type":"turn","speaker":"elara","text":"Welcome, traveller."}
//	{"type":"user_transcript","text":"I greet the merchant"}
//	{"type":"error","message":"Microphone access was denied."}
//	{"type":"audio_level","level":0.42}
//	{"type":"persona","persona":"thorin"}
//	{"type":"state","state":{"conn":"connected","listening":true,...}}
//
// Clients send commands in the same envelope: listen, stop, connect,
// disconnect, and persona (with a "name" field).
package uibridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Event types sent to clients.
const (
	EventTurn           = "turn"
	EventUserTranscript = "user_transcript"
	EventError          = "error"
	EventAudioLevel     = "audio_level"
	EventPersona        = "persona"
	EventState          = "state"
)

// Command types accepted from clients.
const (
	CommandListen     = "listen"
	CommandStop       = "stop"
	CommandPersona    = "persona"
	CommandConnect    = "connect"
	CommandDisconnect = "disconnect"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
	readLimit    = 16 << 10
)

// Controller is the session surface commands are forwarded to.
type Controller interface {
	Connect(ctx context.Context)
	Disconnect()
	StartListening() bool
	StopListening()
	RequestPersonaSwitch(name string)
}

// State mirrors the session snapshot in wire form.
type State struct {
	Conn       string `json:"conn"`
	Connected  bool   `json:"connected"`
	Listening  bool   `json:"listening"`
	Generating bool   `json:"generating"`
	Persona    string `json:"persona,omitempty"`
}

// Event is one message sent to clients.
type Event struct {
	Type    string  `json:"type"`
	Speaker string  `json:"speaker,omitempty"`
	Text    string  `json:"text,omitempty"`
	Message string  `json:"message,omitempty"`
	Level   float64 `json:"level,omitempty"`
	Persona string  `json:"persona,omitempty"`
	State   *State  `json:"state,omitempty"`
	Time    int64   `json:"ts,omitempty"`
}

// Command is one message received from a client.
type Command struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// Option configures a [Hub].
type Option func(*Hub)

// WithLogger sets the hub's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// WithOriginPatterns allows cross-origin clients matching the given host
// patterns. Same-origin requests are always accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.origins = patterns }
}

// Hub fans events out to every connected client and forwards their commands
// to a [Controller]. Slow clients lose events rather than blocking the
// session. It is safe for concurrent use.
type Hub struct {
	ctrl    Controller
	log     *slog.Logger
	origins []string

	mu      sync.Mutex
	clients map[*client]struct{}
	last    *State
	closed  bool
	dropped uint64
}

type client struct {
	out  chan []byte
	done chan struct{}
}

// New creates a hub forwarding commands to ctrl.
func New(ctrl Controller, opts ...Option) *Hub {
	h := &Hub{
		ctrl:    ctrl,
		log:     slog.Default(),
		clients: make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ── Publishing ────────────────────────────────────────────────────────────────

// Turn publishes a completed conversation turn.
func (h *Hub) Turn(speaker, text string, at time.Time) {
	h.Publish(Event{Type: EventTurn, Speaker: speaker, Text: text, Time: at.UnixMilli()})
}

// UserTranscript publishes the transcription of the user's speech.
func (h *Hub) UserTranscript(text string) {
	h.Publish(Event{Type: EventUserTranscript, Text: text})
}

// Error publishes a user-facing error message.
func (h *Hub) Error(message string) {
	h.Publish(Event{Type: EventError, Message: message})
}

// AudioLevel publishes a microphone level in [0,1].
func (h *Hub) AudioLevel(level float64) {
	h.Publish(Event{Type: EventAudioLevel, Level: level})
}

// Persona publishes an active persona change.
func (h *Hub) Persona(name string) {
	h.Publish(Event{Type: EventPersona, Persona: name})
}

// State publishes a state snapshot. The latest snapshot is also replayed to
// clients as they connect.
func (h *Hub) State(s State) {
	h.mu.Lock()
	h.last = &s
	h.mu.Unlock()
	h.Publish(Event{Type: EventState, State: &s})
}

// Publish sends ev to every connected client.
func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("uibridge: marshal event", "type", ev.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.out <- data:
		default:
			h.dropped++
			h.log.Debug("uibridge: client too slow, event dropped", "type", ev.Type)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns the number of events dropped for slow clients.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close disconnects every client. Later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		close(c.done)
		delete(h.clients, c)
	}
}

// ── Connections ───────────────────────────────────────────────────────────────

// ServeHTTP upgrades the request to a WebSocket and serves the client until
// it disconnects or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.Warn("uibridge: accept failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	c, ok := h.register()
	if !ok {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	h.log.Info("uibridge: client connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		h.writeLoop(ctx, conn, c)
	}()

	err = h.readLoop(ctx, conn)
	cancel()
	<-writerDone
	h.unregister(c)

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
		conn.Close(websocket.StatusNormalClosure, "")
	} else {
		h.log.Debug("uibridge: client read ended", "err", err)
		conn.Close(websocket.StatusInternalError, "read failed")
	}
	h.log.Info("uibridge: client disconnected", "remote", r.RemoteAddr)
}

func (h *Hub) register() (*client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	c := &client{out: make(chan []byte, clientBuffer), done: make(chan struct{})}
	if h.last != nil {
		if data, err := json.Marshal(Event{Type: EventState, State: h.last}); err == nil {
			c.out <- data
		}
	}
	h.clients[c] = struct{}{}
	return c, true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.done)
	}
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.log.Debug("uibridge: write failed", "err", err)
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.replyError(ctx, conn, fmt.Sprintf("invalid command: %v", err))
			continue
		}
		if err := h.dispatch(ctx, cmd); err != nil {
			h.replyError(ctx, conn, err.Error())
		}
	}
}

// dispatch forwards cmd to the controller. Connect runs in the background so
// that the read loop keeps serving commands such as disconnect meanwhile.
func (h *Hub) dispatch(ctx context.Context, cmd Command) error {
	h.log.Debug("uibridge: command", "type", cmd.Type, "name", cmd.Name)
	switch cmd.Type {
	case CommandListen:
		h.ctrl.StartListening()
	case CommandStop:
		h.ctrl.StopListening()
	case CommandPersona:
		if cmd.Name == "" {
			return errors.New("persona command requires a name")
		}
		h.ctrl.RequestPersonaSwitch(cmd.Name)
	case CommandConnect:
		go h.ctrl.Connect(context.WithoutCancel(ctx))
	case CommandDisconnect:
		h.ctrl.Disconnect()
	default:
		return fmt.Errorf("unknown command %q", cmd.Type)
	}
	return nil
}

func (h *Hub) replyError(ctx context.Context, conn *websocket.Conn, msg string) {
	data, err := json.Marshal(Event{Type: EventError, Message: msg})
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = conn.Write(wctx, websocket.MessageText, data)
}
