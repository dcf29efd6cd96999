// Package webrtc implements the realtime media transport: a pion peer
// connection to the speech provider carrying one outbound Opus audio track
// from the microphone pipeline and one data channel for JSON events. Remote
// audio tracks are decoded and written to the local playback sink as they
// arrive.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/MrWong99/questvoice/pkg/audio"
	"github.com/MrWong99/questvoice/pkg/audio/opus"
	"github.com/MrWong99/questvoice/pkg/realtime"
)

// EventsChannel is the label of the provider's event data channel.
const EventsChannel = "oai-events"

// ErrTransportFailed reports that an established peer connection entered the
// terminal failed state. It is distinct from an ordinary close.
var ErrTransportFailed = errors.New("webrtc: peer connection failed")

// State is the observable lifecycle state of a [Transport].
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func stateFromPeer(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// Handlers receives transport notifications. Every field is optional. The
// callbacks run on transport goroutines; OnEvent is called sequentially in
// arrival order.
type Handlers struct {
	// OnOpen fires once when the event data channel opens.
	OnOpen func()
	// OnEvent receives each well-formed inbound event.
	OnEvent func(realtime.ServerEvent)
	// OnStateChange reports peer connection state transitions.
	OnStateChange func(State)
}

// Request describes one connection attempt.
type Request struct {
	// Secret is the short-lived session credential.
	Secret string
	// Model is sent as the model query parameter during signaling.
	Model string
	// Capture yields the gated microphone frames to send. May be nil.
	Capture <-chan audio.AudioFrame
	// Playback receives decoded remote audio. May be nil.
	Playback audio.Sink
	Handlers Handlers
}

// ── Options ───────────────────────────────────────────────────────────────────

// Option configures a [Dialer].
type Option func(*Dialer)

// WithSTUNServers sets the STUN server URLs used during ICE negotiation.
// Defaults to ["stun:stun.l.google.com:19302"].
func WithSTUNServers(servers ...string) Option {
	return func(d *Dialer) {
		d.stunServers = servers
	}
}

// WithSignaler replaces the default signaling client.
func WithSignaler(s *Signaler) Option {
	return func(d *Dialer) {
		if s != nil {
			d.signaler = s
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dialer) {
		if l != nil {
			d.log = l
		}
	}
}

// ── Dialer ────────────────────────────────────────────────────────────────────

// Dialer creates [Transport] instances. It is safe for concurrent use.
type Dialer struct {
	stunServers []string
	signaler    *Signaler
	log         *slog.Logger
}

// NewDialer returns a Dialer with the given options applied.
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		stunServers: []string{"stun:stun.l.google.com:19302"},
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.signaler == nil {
		d.signaler = NewSignaler("", nil)
	}
	return d
}

// Dial negotiates a peer connection with the provider. It returns once the
// remote description is applied; the data channel opens asynchronously and is
// reported through Handlers.OnOpen. ctx bounds the negotiation only.
func (d *Dialer) Dial(ctx context.Context, req Request) (*Transport, error) {
	cfg := webrtc.Configuration{}
	if len(d.stunServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: d.stunServers}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create peer connection: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		pc:       pc,
		log:      d.log,
		handlers: req.Handlers,
		playback: req.Playback,
		ctx:      runCtx,
		cancel:   cancel,
	}

	if err := t.setup(); err != nil {
		_ = t.Close()
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("webrtc: create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = t.Close()
		return nil, fmt.Errorf("webrtc: ice gathering: %w", ctx.Err())
	}

	answer, err := d.signaler.Exchange(ctx, req.Secret, req.Model, pc.LocalDescription().SDP)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("webrtc: set remote description: %w", err)
	}

	if req.Capture != nil {
		t.wg.Add(1)
		go t.sendCapture(req.Capture)
	}
	return t, nil
}

// ── Transport ─────────────────────────────────────────────────────────────────

// Transport is one established peer connection. All methods are safe for
// concurrent use.
type Transport struct {
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
	track    *webrtc.TrackLocalStaticSample
	log      *slog.Logger
	handlers Handlers
	playback audio.Sink

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// setup adds the local audio track and the event data channel and registers
// the peer connection callbacks.
func (t *Transport) setup() error {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opus.SampleRate, Channels: 2},
		"audio", "questvoice-mic",
	)
	if err != nil {
		return fmt.Errorf("webrtc: create local track: %w", err)
	}
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("webrtc: add local track: %w", err)
	}
	t.track = track

	// RTCP must be drained for interceptors to run.
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	dc, err := t.pc.CreateDataChannel(EventsChannel, nil)
	if err != nil {
		return fmt.Errorf("webrtc: create data channel: %w", err)
	}
	t.dc = dc
	dc.OnOpen(func() {
		t.log.Debug("webrtc: event channel open")
		if t.handlers.OnOpen != nil {
			t.handlers.OnOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.handleMessage(msg.IsString, msg.Data)
	})

	t.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		t.log.Debug("webrtc: remote audio track", "codec", remote.Codec().MimeType)
		t.wg.Add(1)
		go t.playRemote(remote)
	})

	t.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		state := stateFromPeer(s)
		t.log.Debug("webrtc: connection state", "state", state)
		if t.handlers.OnStateChange != nil {
			t.handlers.OnStateChange(state)
		}
	})
	return nil
}

// handleMessage decodes one data-channel message. Binary and malformed
// payloads are logged and dropped.
func (t *Transport) handleMessage(isString bool, data []byte) {
	if !isString {
		t.log.Debug("webrtc: dropping binary data channel message", "bytes", len(data))
		return
	}
	ev, err := realtime.Parse(data)
	if err != nil {
		t.log.Warn("webrtc: dropping malformed event", "err", err)
		return
	}
	if t.handlers.OnEvent != nil {
		t.handlers.OnEvent(ev)
	}
}

// Send writes ev to the event data channel. It is best effort: if the channel
// is not open the event is dropped with a warning and no error is reported.
func (t *Transport) Send(ev realtime.ClientEvent) {
	if t.dc == nil || t.dc.ReadyState() != webrtc.DataChannelStateOpen {
		t.log.Warn("webrtc: event channel not open, dropping event", "type", ev.Type)
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.log.Warn("webrtc: marshal event", "type", ev.Type, "err", err)
		return
	}
	if err := t.dc.SendText(string(data)); err != nil {
		t.log.Warn("webrtc: send event", "type", ev.Type, "err", err)
	}
}

// sendCapture encodes gated microphone frames and writes them to the local
// track until the capture channel closes or the transport closes.
func (t *Transport) sendCapture(frames <-chan audio.AudioFrame) {
	defer t.wg.Done()

	enc, err := opus.NewEncoder(1)
	if err != nil {
		t.log.Error("webrtc: capture encoder", "err", err)
		return
	}
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: opus.SampleRate, Channels: 1}, Logger: t.log}
	framer := opus.NewFramer(1)

	for {
		select {
		case <-t.ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			for _, chunk := range framer.Push(conv.Convert(frame).Data) {
				pkt, err := enc.Encode(chunk)
				if err != nil {
					t.log.Debug("webrtc: encode capture frame", "err", err)
					continue
				}
				if err := t.track.WriteSample(media.Sample{Data: pkt, Duration: opus.FrameMillis * time.Millisecond}); err != nil {
					t.log.Debug("webrtc: write sample", "err", err)
				}
			}
		}
	}
}

// playRemote reads RTP from a remote audio track, decodes it and writes it to
// the playback sink until the track ends.
func (t *Transport) playRemote(remote *webrtc.TrackRemote) {
	defer t.wg.Done()

	dec, err := opus.NewDecoder(1)
	if err != nil {
		t.log.Error("webrtc: playback decoder", "err", err)
		return
	}
	p := &player{dec: dec, sink: t.playback, log: t.log}
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		p.play(pkt)
	}
}

// player turns RTP packets of one remote track into PCM for the sink.
type player struct {
	dec     *opus.Decoder
	sink    audio.Sink
	conv    *audio.FormatConverter
	log     *slog.Logger
	lastSeq uint16
	started bool
}

func (p *player) play(pkt *rtp.Packet) {
	if len(pkt.Payload) == 0 {
		return
	}
	if p.started && pkt.SequenceNumber-p.lastSeq > 1 {
		p.log.Debug("webrtc: remote packets lost", "gap", pkt.SequenceNumber-p.lastSeq-1)
	}
	p.lastSeq, p.started = pkt.SequenceNumber, true

	if p.sink == nil {
		return
	}
	frame, err := p.dec.Decode(pkt.Payload)
	if err != nil {
		p.log.Debug("webrtc: decode remote packet", "err", err)
		return
	}
	if p.conv == nil {
		p.conv = &audio.FormatConverter{Target: p.sink.Format(), Logger: p.log}
	}
	if err := p.sink.Write(p.conv.Convert(frame)); err != nil {
		p.log.Debug("webrtc: playback write", "err", err)
	}
}

// Close tears down the peer connection and waits for the capture and
// playback loops to exit. Safe to call more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		if t.dc != nil {
			_ = t.dc.Close()
		}
		err = t.pc.Close()
		t.wg.Wait()
	})
	return err
}
