package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/questvoice/internal/engine"
	"github.com/MrWong99/questvoice/internal/observe"
	"github.com/MrWong99/questvoice/internal/persona"
	"github.com/MrWong99/questvoice/pkg/audio"
	"github.com/MrWong99/questvoice/pkg/audio/level"
	"github.com/MrWong99/questvoice/pkg/audio/mic"
	"github.com/MrWong99/questvoice/pkg/audio/webrtc"
	"github.com/MrWong99/questvoice/pkg/provider/s2s"
	"github.com/MrWong99/questvoice/pkg/realtime"
)

// DefaultConnectTimeout bounds credential exchange, signaling and the wait for
// the event channel to open.
const DefaultConnectTimeout = 30 * time.Second

// ConnState is the connection lifecycle state reported to the UI.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
	ConnFailed
)

func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnFailed:
		return "failed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// SessionConfig is the provider configuration of a session. It is fixed for
// the lifetime of a connection; changing it requires a reconnect.
type SessionConfig struct {
	// APIKey is the caller credential, opaque to the session manager.
	APIKey string
	Model  string
	// Voice is the preferred voice, used by the narrator.
	Voice       string
	Temperature float64
}

// Snapshot is a point-in-time view of a [SessionManager].
type Snapshot struct {
	Conn       ConnState
	Connected  bool
	Listening  bool
	Generating bool
	Persona    persona.Name
}

// Callbacks receive everything the session manager reports to the UI. They
// are called one at a time, in emission order, on a dedicated goroutine and
// never while the manager's lock is held, so they may call back into the
// manager. Nil fields are skipped.
type Callbacks struct {
	OnTurn           func(engine.Turn)
	OnUserTranscript func(text string)
	OnError          func(message string)
	OnAudioLevel     func(level float64)
	OnPersonaChange  func(name persona.Name)
	OnStateChange    func(Snapshot)
}

// Transport is the part of a realtime connection the session manager uses.
type Transport interface {
	Send(ev realtime.ClientEvent)
	Close() error
}

// DialFunc opens a realtime connection.
type DialFunc func(ctx context.Context, req webrtc.Request) (Transport, error)

// DialWebRTC adapts a [webrtc.Dialer] to a DialFunc.
func DialWebRTC(d *webrtc.Dialer) DialFunc {
	return func(ctx context.Context, req webrtc.Request) (Transport, error) {
		t, err := d.Dial(ctx, req)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Session   SessionConfig
	Personas  *persona.Set
	Character persona.Character

	// Credentials builds the secret minter for a session configuration.
	Credentials func(SessionConfig) s2s.Credentials
	Dial        DialFunc
	// Source returns a fresh capture device for each connection.
	Source func() audio.Source
	// OpenSink opens a playback device for each connection.
	OpenSink func(audio.Format) (audio.Sink, error)

	// Constraints default to [mic.DefaultConstraints].
	Constraints audio.Constraints
	// PlaybackFormat defaults to 48 kHz mono.
	PlaybackFormat audio.Format
	// LevelInterval is the audio level sampling period. Zero uses ~60 Hz.
	LevelInterval time.Duration
	// MeterOptions tune the level meter of each microphone pipeline.
	MeterOptions []level.Option
	// NoiseFloor is the RMS gate used when noise suppression runs in
	// software. Zero keeps the pipeline default.
	NoiseFloor float64
	// ConnectTimeout of zero disables the timeout.
	ConnectTimeout   time.Duration
	ConfigAckTimeout time.Duration

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// SessionManager is the façade the UI drives. It owns at most one connection
// at a time and serialises every engine call behind a single mutex.
//
// No method panics or returns an error after construction: failures are
// reported once through [Callbacks.OnError] with a human-readable message.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu     sync.Mutex
	cfg    SessionManagerConfig
	cb     Callbacks
	log    *slog.Logger
	disp   *dispatcher
	seq    uint64
	gen    *generation
	conn   ConnState
	closed bool
}

// NewSessionManager validates cfg and returns a disconnected manager.
func NewSessionManager(cfg SessionManagerConfig, cb Callbacks) (*SessionManager, error) {
	var errs []error
	if cfg.Personas == nil {
		errs = append(errs, errors.New("personas are required"))
	}
	if cfg.Credentials == nil {
		errs = append(errs, errors.New("credentials are required"))
	}
	if cfg.Dial == nil {
		errs = append(errs, errors.New("dial func is required"))
	}
	if cfg.Source == nil || cfg.OpenSink == nil {
		errs = append(errs, errors.New("audio source and sink are required"))
	}
	if cfg.Session.Temperature < 0 || cfg.Session.Temperature > 1 {
		errs = append(errs, fmt.Errorf("temperature %v out of range [0,1]", cfg.Session.Temperature))
	}
	if cfg.NoiseFloor < 0 || cfg.NoiseFloor >= 1 {
		errs = append(errs, fmt.Errorf("noise floor %v out of range [0,1)", cfg.NoiseFloor))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("app: session manager: %w", err)
	}
	if cfg.Constraints.SampleRate == 0 {
		cfg.Constraints = mic.DefaultConstraints()
	}
	if cfg.PlaybackFormat.SampleRate == 0 {
		cfg.PlaybackFormat = audio.Format{SampleRate: 48000, Channels: 1}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SessionManager{
		cfg:  cfg,
		cb:   cb,
		log:  cfg.Logger,
		disp: newDispatcher(),
	}, nil
}

// ── Connection lifecycle ──────────────────────────────────────────────────────

// Connect establishes a new connection, disconnecting any previous one first.
// It blocks until signaling completes or fails; the session becomes active
// when the event channel opens. Failures are reported through OnError.
func (sm *SessionManager) Connect(ctx context.Context) {
	sm.Disconnect()

	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return
	}
	sm.seq++
	g := &generation{
		id:            sm.seq,
		started:       time.Now(),
		log:           sm.log.With("generation", sm.seq),
		dispatch:      sm.disp,
		onLevel:       sm.cb.OnAudioLevel,
		levelInterval: sm.cfg.LevelInterval,
	}
	eng, err := engine.New(engine.Config{
		Personas:         sm.cfg.Personas,
		Character:        sm.cfg.Character,
		Temperature:      sm.cfg.Session.Temperature,
		ConfigAckTimeout: sm.cfg.ConfigAckTimeout,
	}, g, g, sm.engineCallbacks(),
		engine.WithLogger(g.log),
		engine.WithMetrics(sm.cfg.Metrics),
		engine.WithScheduler(sm.scheduler(g)),
	)
	if err != nil {
		sm.conn = ConnFailed
		sm.stateChangedLocked()
		sm.reportLocked(err)
		sm.mu.Unlock()
		return
	}
	g.eng = eng
	eng.Connecting()

	var (
		connectCtx context.Context
		cancel     context.CancelFunc
	)
	if sm.cfg.ConnectTimeout > 0 {
		connectCtx, cancel = context.WithDeadline(ctx, g.started.Add(sm.cfg.ConnectTimeout))
	} else {
		connectCtx, cancel = context.WithCancel(ctx)
	}
	g.cancel = cancel
	sm.gen = g
	sm.conn = ConnConnecting
	sm.stateChangedLocked()
	cfg := sm.cfg
	sm.mu.Unlock()

	if err := sm.establish(connectCtx, g, cfg); err != nil {
		sm.abort(g, err)
	}
}

// establish performs credential exchange, device acquisition and signaling
// for g. Each acquired resource is attached to g under the lock so that a
// concurrent Disconnect releases it.
func (sm *SessionManager) establish(ctx context.Context, g *generation, cfg SessionManagerConfig) error {
	ctx, span := observe.StartSpan(observe.WithLogger(ctx, sm.log), "session.connect")
	defer span.End()
	log := observe.Logger(ctx).With("generation", g.id)

	narrator := cfg.Personas.Narrator().Name
	req := s2s.SecretRequest{Model: cfg.Session.Model, Voice: cfg.Personas.VoiceFor(narrator, cfg.Session.Voice)}
	secret, err := cfg.Credentials(cfg.Session).Mint(ctx, req)
	cfg.Metrics.RecordProviderRequest(ctx, "credentials", requestStatus(err))
	if err != nil {
		return fmt.Errorf("app: credential exchange: %w", err)
	}
	if secret.Expired(time.Now()) {
		return fmt.Errorf("app: credential exchange: %w (expires_at %s)", ErrSecretExpired, secret.ExpiresAt.Format(time.RFC3339))
	}
	log.Debug("app: session secret minted", "model", req.Model, "voice", req.Voice, "expires_at", secret.ExpiresAt)

	micOpts := []mic.Option{mic.WithLogger(g.log), mic.WithMeter(level.New(cfg.MeterOptions...))}
	if cfg.NoiseFloor > 0 {
		micOpts = append(micOpts, mic.WithNoiseFloor(cfg.NoiseFloor))
	}
	pipeline, err := mic.Open(ctx, cfg.Source(), cfg.Constraints, micOpts...)
	if err != nil {
		return err
	}
	if !sm.attach(g, func() { g.pipeline = pipeline }) {
		_ = pipeline.Close()
		return context.Canceled
	}

	sink, err := cfg.OpenSink(cfg.PlaybackFormat)
	if err != nil {
		return fmt.Errorf("app: open playback: %w", err)
	}
	if !sm.attach(g, func() { g.sink = sink }) {
		_ = sink.Close()
		return context.Canceled
	}

	t, err := cfg.Dial(ctx, webrtc.Request{
		Secret:   secret.Value,
		Model:    cfg.Session.Model,
		Capture:  pipeline.Frames(),
		Playback: sink,
		Handlers: sm.handlers(g),
	})
	cfg.Metrics.RecordProviderRequest(ctx, "signaling", requestStatus(err))
	if err != nil {
		return fmt.Errorf("app: connect transport: %w", err)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.gen != g {
		go func() { _ = t.Close() }()
		return context.Canceled
	}
	g.transport = t
	if g.opened {
		sm.openLocked(g)
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok {
		g.timeout = time.AfterFunc(time.Until(deadline), func() { sm.fail(g, ErrConnectTimeout) })
	}
	log.Info("app: signaling complete, waiting for event channel")
	return nil
}

// attach runs set under the lock if g is still the current generation.
func (sm *SessionManager) attach(g *generation, set func()) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.gen != g {
		return false
	}
	set()
	return true
}

func requestStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// handlers binds transport notifications to generation g. Notifications for
// a generation that is no longer current are ignored.
func (sm *SessionManager) handlers(g *generation) webrtc.Handlers {
	return webrtc.Handlers{
		OnOpen: func() {
			sm.mu.Lock()
			defer sm.mu.Unlock()
			if sm.gen != g {
				return
			}
			if g.transport == nil {
				g.opened = true
				return
			}
			sm.openLocked(g)
		},
		OnEvent: func(ev realtime.ServerEvent) {
			sm.mu.Lock()
			defer sm.mu.Unlock()
			if sm.gen == g {
				g.eng.HandleEvent(ev)
			}
		},
		OnStateChange: func(s webrtc.State) {
			switch s {
			case webrtc.StateFailed:
				go sm.fail(g, webrtc.ErrTransportFailed)
			case webrtc.StateClosed:
				go sm.drop(g)
			default:
				g.log.Debug("app: transport state", "state", s)
			}
		},
	}
}

// openLocked activates g once both the transport and its event channel are up.
func (sm *SessionManager) openLocked(g *generation) {
	if g.timeout != nil {
		g.timeout.Stop()
		g.timeout = nil
	}
	g.eng.Open()
	g.live = true
	sm.conn = ConnConnected
	sm.cfg.Metrics.RecordConnect(context.Background(), time.Since(g.started).Seconds(), "ok")
	sm.cfg.Metrics.SessionStarted(context.Background())
	sm.log.Info("app: session connected", "generation", g.id, "persona", g.eng.Persona())
	sm.stateChangedLocked()
}

// abort handles a failed connection attempt.
func (sm *SessionManager) abort(g *generation, err error) {
	sm.mu.Lock()
	if sm.gen != g {
		sm.mu.Unlock()
		return
	}
	release := sm.detachLocked(g, true)
	sm.conn = ConnFailed
	sm.cfg.Metrics.RecordConnect(context.Background(), time.Since(g.started).Seconds(), "error")
	sm.log.Warn("app: connect failed", "generation", g.id, "err", err)
	sm.reportLocked(err)
	sm.stateChangedLocked()
	sm.mu.Unlock()
	release()
}

// fail tears down g after a transport failure or connect timeout.
func (sm *SessionManager) fail(g *generation, err error) {
	sm.mu.Lock()
	if sm.gen != g || (errors.Is(err, ErrConnectTimeout) && g.live) {
		sm.mu.Unlock()
		return
	}
	release := sm.detachLocked(g, true)
	sm.conn = ConnFailed
	sm.cfg.Metrics.RecordProviderError(context.Background(), "transport")
	sm.log.Warn("app: connection failed", "generation", g.id, "err", err)
	sm.reportLocked(err)
	sm.stateChangedLocked()
	sm.mu.Unlock()
	release()
}

// drop tears down g after the peer closed the connection.
func (sm *SessionManager) drop(g *generation) {
	sm.mu.Lock()
	if sm.gen != g {
		sm.mu.Unlock()
		return
	}
	release := sm.detachLocked(g, false)
	sm.conn = ConnDisconnected
	sm.log.Info("app: connection closed by peer", "generation", g.id)
	sm.stateChangedLocked()
	sm.mu.Unlock()
	release()
}

func (sm *SessionManager) detachLocked(g *generation, failed bool) func() {
	sm.gen = nil
	if g.live {
		g.live = false
		sm.cfg.Metrics.SessionEnded(context.Background())
	}
	return g.detach(failed)
}

// Disconnect releases the transport, microphone, playback and level monitor
// of the current connection. It is safe to call at any time, repeatedly.
func (sm *SessionManager) Disconnect() {
	sm.mu.Lock()
	g := sm.gen
	if g == nil {
		sm.mu.Unlock()
		return
	}
	release := sm.detachLocked(g, false)
	sm.conn = ConnDisconnected
	sm.log.Info("app: session disconnected", "generation", g.id)
	sm.stateChangedLocked()
	sm.mu.Unlock()
	release()
}

// Reconfigure replaces the session configuration, persona set and character.
// A nil personas keeps the current set. An existing or pending connection is
// replaced by a new one using the new configuration.
func (sm *SessionManager) Reconfigure(ctx context.Context, session SessionConfig, personas *persona.Set, c persona.Character) {
	sm.mu.Lock()
	sm.cfg.Session = session
	if personas != nil {
		sm.cfg.Personas = personas
	}
	sm.cfg.Character = c
	reconnect := sm.gen != nil
	sm.mu.Unlock()

	if reconnect {
		sm.log.Info("app: configuration changed, reconnecting")
		sm.Connect(ctx)
	}
}

// Close disconnects and stops callback delivery after the queued callbacks
// have run. The manager cannot be reused.
func (sm *SessionManager) Close() {
	sm.Disconnect()
	sm.mu.Lock()
	sm.closed = true
	sm.mu.Unlock()
	sm.disp.close()
}

// ── Conversation ──────────────────────────────────────────────────────────────

// StartListening arms the microphone, interrupting any response in progress.
// Returns false when not connected or already listening.
func (sm *SessionManager) StartListening() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.gen == nil || sm.conn != ConnConnected {
		return false
	}
	if !sm.gen.eng.BeginListening() {
		return false
	}
	sm.stateChangedLocked()
	return true
}

// StopListening commits the user's utterance and requests a response. It is
// a no-op when not listening.
func (sm *SessionManager) StopListening() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.gen == nil || !sm.gen.eng.Listening() {
		return
	}
	sm.gen.eng.EndListening()
	sm.stateChangedLocked()
}

// RequestPersonaSwitch hands the conversation to the persona best matching
// name. It is a no-op for the active persona or when not connected.
func (sm *SessionManager) RequestPersonaSwitch(name string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.gen == nil || sm.conn != ConnConnected {
		sm.log.Debug("app: persona switch while not connected", "name", name)
		return
	}
	n, ok := sm.cfg.Personas.Resolve(name)
	if !ok {
		sm.reportLocked(fmt.Errorf("%w: %q", ErrUnknownPersona, name))
		return
	}
	if sm.gen.eng.SwitchPersona(n) {
		sm.stateChangedLocked()
	}
}

// State returns a snapshot of the connection and conversation state.
func (sm *SessionManager) State() Snapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.snapshotLocked()
}

// Personas returns the persona set in use.
func (sm *SessionManager) Personas() *persona.Set {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.cfg.Personas
}

func (sm *SessionManager) snapshotLocked() Snapshot {
	s := Snapshot{Conn: sm.conn, Connected: sm.conn == ConnConnected}
	if g := sm.gen; g != nil && g.eng != nil {
		s.Listening = g.eng.Listening()
		s.Generating = g.eng.Generating()
		s.Persona = g.eng.Persona()
	}
	return s
}

// ── Callbacks ─────────────────────────────────────────────────────────────────

func (sm *SessionManager) engineCallbacks() engine.Callbacks {
	cb := sm.cb
	return engine.Callbacks{
		OnTurn: func(t engine.Turn) {
			if cb.OnTurn != nil {
				sm.disp.push(func() { cb.OnTurn(t) })
			}
		},
		OnUserTranscript: func(text string) {
			if cb.OnUserTranscript != nil {
				sm.disp.push(func() { cb.OnUserTranscript(text) })
			}
		},
		OnError: func(msg string) {
			if cb.OnError != nil {
				sm.disp.push(func() { cb.OnError(msg) })
			}
		},
		OnPersonaChange: func(n persona.Name) {
			if cb.OnPersonaChange != nil {
				sm.disp.push(func() { cb.OnPersonaChange(n) })
			}
		},
	}
}

func (sm *SessionManager) reportLocked(err error) {
	msg := userMessage(err)
	if msg == "" || sm.cb.OnError == nil {
		return
	}
	onError := sm.cb.OnError
	sm.disp.push(func() { onError(msg) })
}

func (sm *SessionManager) stateChangedLocked() {
	if sm.cb.OnStateChange == nil {
		return
	}
	s := sm.snapshotLocked()
	onState := sm.cb.OnStateChange
	sm.disp.push(func() { onState(s) })
}

// scheduler runs engine timers under the manager lock, and only while g is
// still current.
func (sm *SessionManager) scheduler(g *generation) engine.Scheduler {
	return func(d time.Duration, fn func()) func() {
		t := time.AfterFunc(d, func() {
			sm.mu.Lock()
			defer sm.mu.Unlock()
			if sm.gen == g {
				fn()
			}
		})
		return func() { t.Stop() }
	}
}
