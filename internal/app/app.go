// Package app wires the questvoice subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the store, builds the
// session manager from the config and starts watching the config file, Run
// serves the metrics and UI listeners, and Shutdown tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithStore, WithDevices,
// WithDial, WithCredentials). When an option is not provided, New creates the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/questvoice/internal/config"
	"github.com/MrWong99/questvoice/internal/engine"
	"github.com/MrWong99/questvoice/internal/health"
	"github.com/MrWong99/questvoice/internal/observe"
	"github.com/MrWong99/questvoice/internal/persona"
	"github.com/MrWong99/questvoice/internal/store"
	"github.com/MrWong99/questvoice/internal/uibridge"
	"github.com/MrWong99/questvoice/pkg/audio"
	"github.com/MrWong99/questvoice/pkg/audio/level"
	"github.com/MrWong99/questvoice/pkg/audio/portaudio"
	"github.com/MrWong99/questvoice/pkg/audio/webrtc"
	"github.com/MrWong99/questvoice/pkg/provider/s2s"
	"github.com/MrWong99/questvoice/pkg/provider/s2s/openai"
)

const (
	// storeTimeout bounds each persistence call made from a callback.
	storeTimeout  = 3 * time.Second
	purgeInterval = 10 * time.Minute
)

// Devices supplies the host audio devices.
type Devices struct {
	Source   func() audio.Source
	OpenSink func(audio.Format) (audio.Sink, error)
}

// App owns all subsystem lifetimes.
type App struct {
	log      *slog.Logger
	level    *slog.LevelVar
	metrics  *observe.Metrics
	cfgPath  string
	watchInt time.Duration
	ui       Callbacks
	devices  *Devices
	dial     DialFunc
	creds    func(SessionConfig) s2s.Credentials
	store    store.Store
	ownStore bool

	sessions    *SessionManager
	transcripts *store.Transcripts
	hub         *uibridge.Hub
	health      *health.Handler
	watcher     *config.Watcher

	mu         sync.Mutex
	cfg        *config.Config
	transcript string
	connected  bool
	runCtx     context.Context

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of opening the configured backend. The
// App does not close an injected store.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithDevices injects audio devices instead of the configured backend.
func WithDevices(d Devices) Option {
	return func(a *App) { a.devices = &d }
}

// WithDial injects the transport dialer.
func WithDial(d DialFunc) Option {
	return func(a *App) { a.dial = d }
}

// WithCredentials injects the secret minter factory.
func WithCredentials(fn func(SessionConfig) s2s.Credentials) Option {
	return func(a *App) { a.creds = fn }
}

// WithCallbacks forwards every session callback to a local UI in addition
// to the WebSocket bridge.
func WithCallbacks(cb Callbacks) Option {
	return func(a *App) { a.ui = cb }
}

// WithConfigPath enables hot reload of the config file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.cfgPath = path }
}

// WithWatchInterval sets how often the config file is polled.
func WithWatchInterval(d time.Duration) Option {
	return func(a *App) { a.watchInt = d }
}

// WithLogLevel lets config reloads change the log level through v.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metrics sink. The default is observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.log = l
		}
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. cfg must already be validated.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		log:    slog.Default(),
		runCtx: context.Background(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if a.store == nil {
		st, err := OpenStore(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("app: open store: %w", err)
		}
		a.store = st
		a.ownStore = true
	}
	a.transcripts = store.NewTranscripts(a.store, cfg.Store.TranscriptTTL)

	// ── 2. Personas ──────────────────────────────────────────────────────
	personas, err := cfg.PersonaSet()
	if err != nil {
		a.closeStore()
		return nil, fmt.Errorf("app: personas: %w", err)
	}

	// ── 3. Providers and devices ─────────────────────────────────────────
	if a.creds == nil {
		a.creds = a.credentials
	}
	if a.dial == nil {
		a.dial = a.dialWebRTC
	}
	if a.devices == nil {
		d := a.portAudio()
		a.devices = &d
	}

	// ── 4. Session manager ───────────────────────────────────────────────
	a.sessions, err = NewSessionManager(SessionManagerConfig{
		Session:          sessionConfig(cfg.Realtime),
		Personas:         personas,
		Character:        cfg.Character,
		Credentials:      a.creds,
		Dial:             a.dial,
		Source:           a.devices.Source,
		OpenSink:         a.devices.OpenSink,
		Constraints:      constraints(cfg.Audio),
		PlaybackFormat:   audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: 1},
		LevelInterval:    cfg.Audio.LevelInterval,
		MeterOptions:     meterOptions(cfg.Audio),
		NoiseFloor:       cfg.Audio.NoiseFloor,
		ConnectTimeout:   connectTimeout(cfg.Realtime.ConnectTimeout),
		ConfigAckTimeout: cfg.Realtime.ConfigAckTimeout,
		Metrics:          a.metrics,
		Logger:           a.log,
	}, a.callbacks())
	if err != nil {
		a.closeStore()
		return nil, err
	}

	// ── 5. UI bridge and health ──────────────────────────────────────────
	if cfg.Server.UIAddr != "" {
		a.hub = uibridge.New(a.sessions, uibridge.WithLogger(a.log))
	}
	a.health = health.New(health.Checker{Name: "store", Check: a.checkStore})

	// ── 6. Config watcher ────────────────────────────────────────────────
	if a.cfgPath != "" {
		w, err := config.NewWatcher(a.cfgPath, a.applyConfig,
			config.WithPrepare(config.ApplyEnv),
			config.WithWatcherLogger(a.log),
			config.WithInterval(a.watchInt),
		)
		if err != nil {
			a.sessions.Close()
			a.closeStore()
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
	}

	a.log.Info("app: initialised",
		"personas", len(personas.Names()),
		"store", cfg.Store.Backend,
		"model", cfg.Realtime.Model,
	)
	return a, nil
}

// OpenStore opens the configured store backend.
func OpenStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Backend {
	case config.StorePostgres:
		s, err := store.OpenPostgres(ctx, sc.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreRedis:
		s, err := store.OpenRedis(ctx, sc.RedisAddr, sc.RedisPassword, sc.RedisDB)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreMemory, "":
		return store.NewMemory(time.Minute), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", sc.Backend)
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Sessions returns the session manager driven by the UI.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Transcripts returns the transcript log.
func (a *App) Transcripts() *store.Transcripts { return a.transcripts }

// TranscriptID returns the ID of the transcript of the current connection,
// or "" before the first connection.
func (a *App) TranscriptID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transcript
}

// Preferences returns the stored user preferences.
func (a *App) Preferences(ctx context.Context) (store.Preferences, error) {
	return store.LoadPreferences(ctx, a.store)
}

// ErrNoConfigWatch is returned by [App.ReloadConfig] when the app was built
// without [WithConfigPath].
var ErrNoConfigWatch = errors.New("app: config file is not watched")

// ReloadConfig re-reads the watched config file now and applies any change
// before returning.
func (a *App) ReloadConfig() error {
	if a.watcher == nil {
		return ErrNoConfigWatch
	}
	return a.watcher.Reload()
}

// Handler returns the metrics listener's routes: /metrics, /healthz and
// /readyz.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(a.metrics))
	r.Handle("/metrics", promhttp.Handler())
	a.health.Register(r)
	return r
}

// UIHandler returns the WebSocket bridge routes, or nil when the bridge is
// disabled.
func (a *App) UIHandler() http.Handler {
	if a.hub == nil {
		return nil
	}
	r := chi.NewRouter()
	r.Handle("/ws", a.hub)
	r.Get("/healthz", a.health.Healthz)
	return r
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the configured listeners and sweeps expired records until ctx
// is cancelled. It returns ctx.Err() on a clean stop.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	a.runCtx = ctx
	cfg := a.cfg
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.MetricsAddr != "" {
		g.Go(func() error { return serve(gctx, "metrics", cfg.Server.MetricsAddr, a.Handler(), a.log) })
	}
	if h := a.UIHandler(); h != nil {
		g.Go(func() error { return serve(gctx, "ui", cfg.Server.UIAddr, h, a.log) })
	}

	if p, ok := a.store.(purger); ok {
		g.Go(func() error {
			a.purgeLoop(gctx, p)
			return nil
		})
	}

	a.log.Info("app: running", "metrics_addr", cfg.Server.MetricsAddr, "ui_addr", cfg.Server.UIAddr)
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// purger is implemented by stores that keep expired rows until swept.
type purger interface {
	Purge(ctx context.Context) (int64, error)
}

func (a *App) purgeLoop(ctx context.Context, p purger) {
	t := time.NewTicker(purgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := p.Purge(ctx)
			if err != nil {
				a.log.Warn("app: purge expired records", "err", err)
				continue
			}
			if n > 0 {
				a.log.Debug("app: purged expired records", "count", n)
			}
		}
	}
}

// serve runs an HTTP server on addr until ctx is done.
func serve(ctx context.Context, name, addr string, h http.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("app: listener started", "name", name, "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: %s listener: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("app: listener shutdown", "name", name, "err", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: %s listener: %w", name, err)
		}
		return nil
	}
}

// applyConfig reacts to a reloaded config file.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	a.mu.Lock()
	a.cfg = new
	ctx := a.runCtx
	a.mu.Unlock()

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.RestartRequired {
		a.log.Warn("app: config change requires a restart to take effect")
	}
	if !d.NeedsReconnect() {
		return
	}

	var personas *persona.Set
	if d.PersonasChanged {
		set, err := new.PersonaSet()
		if err != nil {
			a.log.Error("app: reloaded personas are invalid, keeping the current set", "err", err)
		} else {
			personas = set
		}
		for _, pd := range d.PersonaChanges {
			a.log.Info("app: persona changed", "name", pd.Name, "added", pd.Added, "removed", pd.Removed)
		}
	}
	a.sessions.Reconfigure(ctx, sessionConfig(new.Realtime), personas, new.Character)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown disconnects the session and releases the store. It respects the
// context deadline for the store close.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("app: shutting down")
		if a.watcher != nil {
			a.watcher.Stop()
		}
		a.sessions.Close()
		if a.hub != nil {
			a.hub.Close()
		}

		done := make(chan error, 1)
		go func() { done <- a.closeStore() }()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("app: store close", "err", err)
			}
		case <-ctx.Done():
			a.log.Warn("app: shutdown deadline exceeded")
			shutdownErr = ctx.Err()
			return
		}
		a.log.Info("app: shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeStore() error {
	if !a.ownStore {
		return nil
	}
	return a.store.Close()
}

// ─── Callbacks ───────────────────────────────────────────────────────────────

// callbacks fans session callbacks out to the transcript log, the bridge and
// the local UI. They run on the session manager's callback goroutine.
func (a *App) callbacks() Callbacks {
	return Callbacks{
		OnTurn: func(t engine.Turn) {
			a.recordTurn(t)
			if a.hub != nil {
				a.hub.Turn(string(t.Speaker), t.Text, t.Timestamp)
			}
			if a.ui.OnTurn != nil {
				a.ui.OnTurn(t)
			}
		},
		OnUserTranscript: func(text string) {
			if a.hub != nil {
				a.hub.UserTranscript(text)
			}
			if a.ui.OnUserTranscript != nil {
				a.ui.OnUserTranscript(text)
			}
		},
		OnError: func(msg string) {
			if a.hub != nil {
				a.hub.Error(msg)
			}
			if a.ui.OnError != nil {
				a.ui.OnError(msg)
			}
		},
		OnAudioLevel: func(level float64) {
			if a.hub != nil {
				a.hub.AudioLevel(level)
			}
			if a.ui.OnAudioLevel != nil {
				a.ui.OnAudioLevel(level)
			}
		},
		OnPersonaChange: func(n persona.Name) {
			a.savePreferences(func(p *store.Preferences) { p.LastPersona = string(n) })
			if a.hub != nil {
				a.hub.Persona(string(n))
			}
			if a.ui.OnPersonaChange != nil {
				a.ui.OnPersonaChange(n)
			}
		},
		OnStateChange: func(s Snapshot) {
			a.stateChanged(s)
			if a.hub != nil {
				a.hub.State(uibridge.State{
					Conn:       s.Conn.String(),
					Connected:  s.Connected,
					Listening:  s.Listening,
					Generating: s.Generating,
					Persona:    string(s.Persona),
				})
			}
			if a.ui.OnStateChange != nil {
				a.ui.OnStateChange(s)
			}
		},
	}
}

// stateChanged starts a new transcript each time a connection comes up.
func (a *App) stateChanged(s Snapshot) {
	a.mu.Lock()
	was := a.connected
	a.connected = s.Connected
	voice := a.cfg.Realtime.Voice
	a.mu.Unlock()
	if !s.Connected || was {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	id, err := a.transcripts.Begin(ctx, time.Now())
	if err != nil {
		a.log.Warn("app: begin transcript", "err", err)
		return
	}
	a.mu.Lock()
	a.transcript = id
	a.mu.Unlock()
	a.log.Debug("app: transcript started", "id", id)
	a.savePreferences(func(p *store.Preferences) { p.Voice = voice })
}

func (a *App) recordTurn(t engine.Turn) {
	id := a.TranscriptID()
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := a.transcripts.Append(ctx, id, store.TranscriptTurn{
		Speaker:   string(t.Speaker),
		Text:      t.Text,
		Timestamp: t.Timestamp,
	})
	if err != nil {
		a.log.Warn("app: append transcript", "id", id, "err", err)
	}
}

func (a *App) savePreferences(update func(*store.Preferences)) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	p, err := store.LoadPreferences(ctx, a.store)
	if err != nil {
		a.log.Warn("app: load preferences", "err", err)
	}
	update(&p)
	if err := store.SavePreferences(ctx, a.store, p); err != nil {
		a.log.Warn("app: save preferences", "err", err)
	}
}

func (a *App) checkStore(ctx context.Context) error {
	_, err := a.store.Get(ctx, store.PreferencesKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// ─── Provider wiring ─────────────────────────────────────────────────────────

func (a *App) realtime() config.RealtimeConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Realtime
}

// credentials mints secrets directly, through a custom endpoint, or through
// a relay, following the current config.
func (a *App) credentials(sc SessionConfig) s2s.Credentials {
	rc := a.realtime()
	var opts []openai.Option
	switch {
	case rc.RelayURL != "":
		opts = append(opts, openai.WithRelay(rc.RelayURL))
	case rc.CredentialURL != "":
		opts = append(opts, openai.WithBaseURL(rc.CredentialURL))
	}
	return openai.New(sc.APIKey, opts...)
}

// dialWebRTC dials with the STUN servers and signaling endpoint of the
// current config.
func (a *App) dialWebRTC(ctx context.Context, req webrtc.Request) (Transport, error) {
	rc := a.realtime()
	opts := []webrtc.Option{
		webrtc.WithSignaler(webrtc.NewSignaler(rc.SignalingURL, nil)),
		webrtc.WithLogger(a.log),
	}
	if len(rc.STUNServers) > 0 {
		opts = append(opts, webrtc.WithSTUNServers(rc.STUNServers...))
	}
	return DialWebRTC(webrtc.NewDialer(opts...))(ctx, req)
}

func (a *App) portAudio() Devices {
	return Devices{
		Source: func() audio.Source { return portaudio.NewSource(a.log) },
		OpenSink: func(f audio.Format) (audio.Sink, error) {
			s, err := portaudio.OpenSink(f, a.log)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func sessionConfig(rc config.RealtimeConfig) SessionConfig {
	return SessionConfig{
		APIKey:      rc.APIKey,
		Model:       rc.Model,
		Voice:       rc.Voice,
		Temperature: rc.SamplingTemperature(),
	}
}

func constraints(ac config.AudioConfig) audio.Constraints {
	return audio.Constraints{
		Format:           audio.Format{SampleRate: ac.SampleRate, Channels: 1},
		FrameDuration:    ac.FrameDuration(),
		EchoCancellation: ac.EchoCancellationEnabled(),
		NoiseSuppression: ac.NoiseSuppressionEnabled(),
		AutoGainControl:  ac.AutoGainControlEnabled(),
	}
}

func meterOptions(ac config.AudioConfig) []level.Option {
	var opts []level.Option
	if ac.LevelWindow > 0 {
		opts = append(opts, level.WithSize(ac.LevelWindow))
	}
	if ac.LevelMinDB != 0 || ac.LevelMaxDB != 0 {
		opts = append(opts, level.WithDecibelRange(ac.LevelMinDB, ac.LevelMaxDB))
	}
	return opts
}

// connectTimeout maps the config value: zero means the default and a
// negative value disables the timeout.
func connectTimeout(d time.Duration) time.Duration {
	switch {
	case d < 0:
		return 0
	case d == 0:
		return DefaultConnectTimeout
	default:
		return d
	}
}
