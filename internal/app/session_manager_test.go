package app_test

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/questvoice/internal/app"
	"github.com/MrWong99/questvoice/internal/engine"
	"github.com/MrWong99/questvoice/internal/persona"
	"github.com/MrWong99/questvoice/pkg/audio"
	audiomock "github.com/MrWong99/questvoice/pkg/audio/mock"
	"github.com/MrWong99/questvoice/pkg/audio/webrtc"
	"github.com/MrWong99/questvoice/pkg/provider/s2s"
	s2smock "github.com/MrWong99/questvoice/pkg/provider/s2s/mock"
	"github.com/MrWong99/questvoice/pkg/realtime"
)

// ── Test doubles ──────────────────────────────────────────────────────────────

type fakeTransport struct {
	mu     sync.Mutex
	req    webrtc.Request
	events []realtime.ClientEvent
	closed int
}

func (t *fakeTransport) Send(ev realtime.ClientEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, ev)
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

func (t *fakeTransport) types() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.events))
	for i, ev := range t.events {
		out[i] = ev.Type
	}
	return out
}

func (t *fakeTransport) count(typ string) int {
	n := 0
	for _, ty := range t.types() {
		if ty == typ {
			n++
		}
	}
	return n
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed > 0
}

func (t *fakeTransport) open()                         { t.req.Handlers.OnOpen() }
func (t *fakeTransport) event(ev realtime.ServerEvent) { t.req.Handlers.OnEvent(ev) }

type fakeDialer struct {
	mu         sync.Mutex
	err        error
	openOnDial bool
	transports []*fakeTransport
	// closedAtDial records whether every earlier transport was closed when
	// each dial started.
	closedAtDial []bool
}

func (d *fakeDialer) dial(_ context.Context, req webrtc.Request) (app.Transport, error) {
	d.mu.Lock()
	prevClosed := true
	for _, t := range d.transports {
		if !t.isClosed() {
			prevClosed = false
		}
	}
	d.closedAtDial = append(d.closedAtDial, prevClosed)
	if d.err != nil {
		d.mu.Unlock()
		return nil, d.err
	}
	t := &fakeTransport{req: req}
	d.transports = append(d.transports, t)
	openNow := d.openOnDial
	d.mu.Unlock()
	if openNow {
		t.open()
	}
	return t, nil
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func (d *fakeDialer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.closedAtDial)
}

// recorder collects callbacks.
type recorder struct {
	mu       sync.Mutex
	turns    []engine.Turn
	errs     []string
	personas []persona.Name
	levels   int
	states   []app.ConnState
}

func (r *recorder) callbacks() app.Callbacks {
	return app.Callbacks{
		OnTurn:          func(t engine.Turn) { r.mu.Lock(); r.turns = append(r.turns, t); r.mu.Unlock() },
		OnError:         func(s string) { r.mu.Lock(); r.errs = append(r.errs, s); r.mu.Unlock() },
		OnAudioLevel:    func(float64) { r.mu.Lock(); r.levels++; r.mu.Unlock() },
		OnPersonaChange: func(n persona.Name) { r.mu.Lock(); r.personas = append(r.personas, n); r.mu.Unlock() },
		OnStateChange:   func(s app.Snapshot) { r.mu.Lock(); r.states = append(r.states, s.Conn); r.mu.Unlock() },
	}
}

func (r *recorder) errors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.errs)
}

type fixture struct {
	sm      *app.SessionManager
	creds   *s2smock.Credentials
	dialer  *fakeDialer
	rec     *recorder
	mu      sync.Mutex
	sources []*audiomock.Source
	sinks   []*audiomock.Sink
	// sourceErr is set on every new source.
	sourceErr error
}

func newFixture(t *testing.T, mutate ...func(*app.SessionManagerConfig)) *fixture {
	t.Helper()
	f := &fixture{
		creds:  &s2smock.Credentials{Secret: s2s.Secret{Value: "ek_test"}},
		dialer: &fakeDialer{},
		rec:    &recorder{},
	}
	cfg := app.SessionManagerConfig{
		Session:     app.SessionConfig{APIKey: "sk-test", Model: "gpt-realtime", Voice: "verse", Temperature: 0.7},
		Personas:    persona.DefaultSet(),
		Character:   persona.DefaultCharacter(),
		Credentials: func(app.SessionConfig) s2s.Credentials { return f.creds },
		Dial:        f.dialer.dial,
		Source: func() audio.Source {
			f.mu.Lock()
			defer f.mu.Unlock()
			src := audiomock.NewSource()
			src.StartErr = f.sourceErr
			f.sources = append(f.sources, src)
			return src
		},
		OpenSink: func(audio.Format) (audio.Sink, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			s := &audiomock.Sink{}
			f.sinks = append(f.sinks, s)
			return s, nil
		},
		LevelInterval: 5 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	sm, err := app.NewSessionManager(cfg, f.rec.callbacks())
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	t.Cleanup(sm.Close)
	f.sm = sm
	return f
}

// connect connects and opens the event channel.
func (f *fixture) connect(t *testing.T) *fakeTransport {
	t.Helper()
	f.sm.Connect(context.Background())
	tr := f.dialer.last()
	if tr == nil {
		t.Fatalf("no transport dialled; errors: %v", f.rec.errors())
	}
	tr.open()
	if s := f.sm.State(); s.Conn != app.ConnConnected {
		t.Fatalf("state = %v, want connected", s.Conn)
	}
	return tr
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ── Construction ──────────────────────────────────────────────────────────────

func TestNewSessionManager_Validation(t *testing.T) {
	t.Parallel()

	_, err := app.NewSessionManager(app.SessionManagerConfig{Session: app.SessionConfig{Temperature: 2}, NoiseFloor: 1}, app.Callbacks{})
	if err == nil {
		t.Fatal("want error")
	}
	for _, want := range []string{"personas", "credentials", "dial", "audio", "temperature", "noise floor"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_Success(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sm.Connect(context.Background())

	if s := f.sm.State(); s.Conn != app.ConnConnecting || s.Connected {
		t.Fatalf("state before open = %+v, want connecting", s)
	}
	calls := f.creds.Calls()
	if len(calls) != 1 || calls[0].Voice != "verse" || calls[0].Model != "gpt-realtime" {
		t.Errorf("mint calls = %+v", calls)
	}
	tr := f.dialer.last()
	if tr.req.Secret != "ek_test" || tr.req.Model != "gpt-realtime" {
		t.Errorf("dial request = %+v", tr.req)
	}
	if tr.req.Capture == nil || tr.req.Playback == nil {
		t.Error("dial request lacks capture or playback")
	}
	if len(tr.types()) != 0 {
		t.Errorf("events sent before open: %v", tr.types())
	}

	tr.open()
	s := f.sm.State()
	if !s.Connected || s.Persona != persona.Narrator || s.Listening || s.Generating {
		t.Errorf("state after open = %+v", s)
	}
	if got := tr.types(); !slices.Equal(got, []string{realtime.TypeSessionUpdate}) {
		t.Errorf("events = %v, want one session.update", got)
	}
	if f.sm.Pipeline().Armed() {
		t.Error("mic armed right after connect")
	}

	f.sm.Wait()
	f.rec.mu.Lock()
	states := slices.Clone(f.rec.states)
	f.rec.mu.Unlock()
	if !slices.Equal(states, []app.ConnState{app.ConnConnecting, app.ConnConnected}) {
		t.Errorf("state changes = %v", states)
	}
}

func TestConnect_OpenDuringDial(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.dialer.openOnDial = true
	f.sm.Connect(context.Background())

	if s := f.sm.State(); !s.Connected {
		t.Fatalf("state = %+v, want connected", s)
	}
	if n := f.dialer.last().count(realtime.TypeSessionUpdate); n != 1 {
		t.Errorf("session.update count = %d, want 1", n)
	}
}

func TestConnect_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mintErr   error
		expiresAt time.Time
		sourceErr error
		dialErr   error
		wantMsg   string
		wantDial  bool
		wantMicUp bool
	}{
		{
			name:    "missing credential",
			mintErr: fmt.Errorf("openai: %w", s2s.ErrMissingCredential),
			wantMsg: "API key",
		},
		{
			name:    "provider rejects key",
			mintErr: &s2s.ProviderError{Status: 401, Body: `{"error":{"message":"Incorrect API key provided"}}`},
			wantMsg: `{"error":{"message":"Incorrect API key provided"}}`,
		},
		{
			name:      "secret already expired",
			expiresAt: time.Now().Add(-time.Minute),
			wantMsg:   "already expired",
		},
		{
			name:      "microphone denied",
			sourceErr: fmt.Errorf("portaudio: %w", audio.ErrPermissionDenied),
			wantMsg:   "Microphone access was denied",
		},
		{
			name:      "no microphone",
			sourceErr: audio.ErrNoDevice,
			wantMsg:   "No microphone",
		},
		{
			name:      "signaling rejected",
			dialErr:   &webrtc.SignalingError{Status: 400, Body: "invalid sdp"},
			wantMsg:   "invalid sdp",
			wantDial:  true,
			wantMicUp: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.creds.MintErr = tc.mintErr
			f.creds.Secret.ExpiresAt = tc.expiresAt
			f.sourceErr = tc.sourceErr
			f.dialer.err = tc.dialErr

			f.sm.Connect(context.Background())
			f.sm.Wait()

			errs := f.rec.errors()
			if len(errs) != 1 || !strings.Contains(errs[0], tc.wantMsg) {
				t.Fatalf("errors = %q, want one containing %q", errs, tc.wantMsg)
			}
			if s := f.sm.State(); s.Conn != app.ConnFailed || s.Connected {
				t.Errorf("state = %+v, want failed", s)
			}
			if got := f.dialer.calls() > 0; got != tc.wantDial {
				t.Errorf("dialled = %v, want %v", got, tc.wantDial)
			}
			f.mu.Lock()
			defer f.mu.Unlock()
			if tc.wantMicUp {
				if len(f.sources) != 1 || !f.sources[0].Closed() {
					t.Error("microphone not released after failure")
				}
				if len(f.sinks) != 1 || f.sinks[0].CloseCount != 1 {
					t.Error("playback not released after failure")
				}
			}
		})
	}
}

func TestConnect_Timeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(c *app.SessionManagerConfig) { c.ConnectTimeout = 30 * time.Millisecond })
	f.sm.Connect(context.Background())

	eventually(t, "connect timeout", func() bool { return f.sm.State().Conn == app.ConnFailed })
	f.sm.Wait()
	errs := f.rec.errors()
	if len(errs) != 1 || !strings.Contains(errs[0], "Timed out") {
		t.Errorf("errors = %q", errs)
	}
	if !f.dialer.last().isClosed() {
		t.Error("transport not closed after timeout")
	}
}

func TestConnect_ReleasesPriorGeneration(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	first := f.connect(t)
	f.sm.StartListening()
	second := f.connect(t)

	if first == second {
		t.Fatal("reconnect reused the transport")
	}
	if !first.isClosed() {
		t.Error("first transport still open")
	}
	if got := f.dialer.closedAtDial; !slices.Equal(got, []bool{true, true}) {
		t.Errorf("prior transports closed at dial = %v", got)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sources[0].Closed() || f.sinks[0].CloseCount != 1 {
		t.Error("first generation devices not released")
	}
	if s := f.sm.State(); s.Listening || s.Persona != persona.Narrator {
		t.Errorf("state not reset on reconnect: %+v", s)
	}
}

// ── Disconnect ────────────────────────────────────────────────────────────────

func TestDisconnect_ReleasesEverything(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	tr := f.connect(t)
	if !f.sm.StartListening() {
		t.Fatal("StartListening returned false")
	}
	p := f.sm.Pipeline()
	if !p.Armed() || p.ActiveMonitors() != 1 {
		t.Fatalf("armed=%v monitors=%d while listening", p.Armed(), p.ActiveMonitors())
	}

	f.sm.Disconnect()
	f.sm.Disconnect()

	if p.Armed() {
		t.Error("mic still armed after disconnect")
	}
	if n := p.ActiveMonitors(); n != 0 {
		t.Errorf("active level monitors = %d, want 0", n)
	}
	if !tr.isClosed() {
		t.Error("transport not closed")
	}
	if s := f.sm.State(); s.Conn != app.ConnDisconnected || s.Listening || s.Connected {
		t.Errorf("state = %+v", s)
	}
	f.mu.Lock()
	if !f.sources[0].Closed() || f.sinks[0].CloseCount != 1 {
		t.Error("devices not released")
	}
	f.mu.Unlock()

	f.sm.Wait()
	if errs := f.rec.errors(); len(errs) != 0 {
		t.Errorf("disconnect reported errors: %v", errs)
	}
	if f.sm.StartListening() {
		t.Error("StartListening after disconnect returned true")
	}
}

func TestDisconnect_DuringConnect(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sm.Connect(context.Background())
	f.sm.Disconnect()
	tr := f.dialer.last()
	tr.open()

	if s := f.sm.State(); s.Conn != app.ConnDisconnected {
		t.Errorf("state = %v, want disconnected", s.Conn)
	}
	if n := len(tr.types()); n != 0 {
		t.Errorf("stale open sent %d events", n)
	}
}

// ── Listening ─────────────────────────────────────────────────────────────────

func TestListening(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if f.sm.StartListening() {
		t.Fatal("StartListening while disconnected returned true")
	}
	f.sm.StopListening()

	tr := f.connect(t)
	if !f.sm.StartListening() {
		t.Fatal("StartListening returned false")
	}
	if f.sm.StartListening() {
		t.Error("second StartListening returned true")
	}
	if !f.sm.State().Listening || !f.sm.Pipeline().Armed() {
		t.Error("not listening with armed mic")
	}
	eventually(t, "audio levels", func() bool {
		f.rec.mu.Lock()
		defer f.rec.mu.Unlock()
		return f.rec.levels > 0
	})

	f.sm.StopListening()
	if f.sm.State().Listening || f.sm.Pipeline().Armed() {
		t.Error("still listening after StopListening")
	}
	want := []string{
		realtime.TypeSessionUpdate,
		realtime.TypeInputAudioBufferClear,
		realtime.TypeInputAudioBufferCommit,
		realtime.TypeResponseCreate,
	}
	if got := tr.types(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestScenario_GreetMerchant(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	tr := f.connect(t)
	f.sm.StartListening()
	f.sm.StopListening()
	tr.event(realtime.ServerEvent{Type: realtime.TypeInputTranscriptionComplete, ItemID: "item_1", Transcript: "I greet the merchant"})
	tr.event(realtime.ServerEvent{Type: realtime.TypeResponseCreated, Response: &realtime.Response{ID: "resp_1"}})
	if !f.sm.State().Generating {
		t.Error("not generating after response.created")
	}
	tr.event(realtime.ServerEvent{Type: realtime.TypeTranscriptDelta, ResponseID: "resp_1", Delta: "Elara smiles"})
	tr.event(realtime.ServerEvent{Type: realtime.TypeTranscriptDelta, ResponseID: "resp_1", Delta: " warmly."})
	tr.event(realtime.ServerEvent{Type: realtime.TypeResponseDone, Response: &realtime.Response{ID: "resp_1", Status: "completed"}})
	f.sm.Wait()

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	if len(f.rec.turns) != 2 {
		t.Fatalf("turns = %+v", f.rec.turns)
	}
	if got := f.rec.turns[0]; got.Speaker != persona.User || got.Text != "I greet the merchant" {
		t.Errorf("user turn = %+v", got)
	}
	if got := f.rec.turns[1]; got.Speaker != persona.Narrator || got.Text != "Elara smiles warmly." {
		t.Errorf("narrator turn = %+v", got)
	}
}

func TestRoutedFollowUpWithoutAck(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(c *app.SessionManagerConfig) { c.ConfigAckTimeout = 10 * time.Millisecond })
	tr := f.connect(t)
	tr.event(realtime.ServerEvent{
		Type: realtime.TypeResponseDone,
		Response: &realtime.Response{ID: "resp_1", Output: []realtime.Item{{
			Type: realtime.ItemFunctionCall, Name: engine.RouteToolName, CallID: "call_1", Arguments: `{"npc_name":"elara"}`,
		}}},
	})

	eventually(t, "follow-up response.create", func() bool { return tr.count(realtime.TypeResponseCreate) == 1 })
	if s := f.sm.State(); s.Persona != persona.Elara {
		t.Errorf("persona = %q", s.Persona)
	}
	f.sm.Wait()
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	if !slices.Equal(f.rec.personas, []persona.Name{persona.Elara}) {
		t.Errorf("persona changes = %v", f.rec.personas)
	}
}

// ── Persona switching ─────────────────────────────────────────────────────────

func TestRequestPersonaSwitch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sm.RequestPersonaSwitch("thorin")
	tr := f.connect(t)

	f.sm.RequestPersonaSwitch("dm")
	f.sm.RequestPersonaSwitch("Thorin Ironforge")
	f.sm.RequestPersonaSwitch("thorin")
	f.sm.RequestPersonaSwitch("qwerty")
	f.sm.Wait()

	if s := f.sm.State(); s.Persona != persona.Thorin {
		t.Errorf("persona = %q, want thorin", s.Persona)
	}
	if n := tr.count(realtime.TypeSessionUpdate); n != 2 {
		t.Errorf("session.update count = %d, want 2", n)
	}
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	if !slices.Equal(f.rec.personas, []persona.Name{persona.Thorin}) {
		t.Errorf("persona changes = %v", f.rec.personas)
	}
	if len(f.rec.errs) != 1 || !strings.Contains(f.rec.errs[0], "unknown persona") {
		t.Errorf("errors = %v", f.rec.errs)
	}
}

// ── Failures after connect ────────────────────────────────────────────────────

func TestTransportFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	tr := f.connect(t)
	f.sm.StartListening()
	p := f.sm.Pipeline()

	tr.req.Handlers.OnStateChange(webrtc.StateFailed)
	eventually(t, "failed state", func() bool { return f.sm.State().Conn == app.ConnFailed })
	f.sm.Wait()

	errs := f.rec.errors()
	if len(errs) != 1 || !strings.Contains(errs[0], "failed") {
		t.Errorf("errors = %q", errs)
	}
	if p.Armed() || p.ActiveMonitors() != 0 || !tr.isClosed() {
		t.Error("resources not released after transport failure")
	}
}

func TestProviderErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	tr := f.connect(t)
	tr.event(realtime.ServerEvent{Type: realtime.TypeError, Error: &realtime.ErrorDetail{Message: "Cancellation failed: no active response found"}})
	tr.event(realtime.ServerEvent{Type: realtime.TypeError, Error: &realtime.ErrorDetail{Message: "Rate limit reached"}})
	f.sm.Wait()

	if errs := f.rec.errors(); !slices.Equal(errs, []string{"Rate limit reached"}) {
		t.Errorf("errors = %q", errs)
	}
}

// ── Reconfigure ───────────────────────────────────────────────────────────────

func TestReconfigure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sm.Reconfigure(context.Background(), app.SessionConfig{Model: "gpt-realtime", Voice: "alloy"}, nil, persona.DefaultCharacter())
	if n := len(f.creds.Calls()); n != 0 {
		t.Fatalf("reconfigure while disconnected minted %d secrets", n)
	}

	first := f.connect(t)
	f.sm.Reconfigure(context.Background(), app.SessionConfig{Model: "gpt-realtime", Voice: "sage"}, nil, persona.DefaultCharacter())

	calls := f.creds.Calls()
	if len(calls) != 2 || calls[1].Voice != "sage" {
		t.Errorf("mint calls = %+v", calls)
	}
	if !first.isClosed() {
		t.Error("old transport not closed on reconfigure")
	}
	if f.dialer.last() == first {
		t.Error("no new transport after reconfigure")
	}
}

func TestConnState_String(t *testing.T) {
	t.Parallel()

	if got := app.ConnConnecting.String(); got != "connecting" {
		t.Errorf("String = %q", got)
	}
}
