// Package relay implements the credential relay: a stateless HTTP service that
// mints realtime session secrets on behalf of clients that do not hold an API
// key.
//
// The relay accepts the same request body as the provider's sessions endpoint
// and answers with the same response shape, so a client only changes the URL
// it posts to. Upstream failures are passed through with their status and body
// unchanged.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/questvoice/internal/health"
	"github.com/MrWong99/questvoice/internal/observe"
	"github.com/MrWong99/questvoice/internal/resilience"
	"github.com/MrWong99/questvoice/pkg/provider/s2s"
	"github.com/MrWong99/questvoice/pkg/provider/s2s/openai"
)

// SessionsPath is the route secrets are minted on.
const SessionsPath = "/v1/realtime/sessions"

const maxRequestBytes = 64 << 10

// Option configures a [Server].
type Option func(*Server)

// WithAPIKey sets the upstream key. When empty the caller's bearer token is
// forwarded instead.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = strings.TrimSpace(key) }
}

// WithUpstreamURL overrides the provider sessions endpoint.
func WithUpstreamURL(url string) Option {
	return func(s *Server) {
		if url != "" {
			s.upstream = url
		}
	}
}

// WithAllowedVoices restricts the voices callers may request.
func WithAllowedVoices(voices ...string) Option {
	return func(s *Server) { s.voices = slices.Clone(voices) }
}

// WithHTTPClient sets the client used for upstream requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Server) { s.client = hc }
}

// WithMetrics records upstream requests and HTTP latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth mounts h's liveness and readiness endpoints on the router.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithCircuitBreaker replaces the breaker guarding upstream calls.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Server) { s.breaker = cb }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// Server mints session secrets. It keeps no per-request state and is safe for
// concurrent use.
type Server struct {
	apiKey   string
	upstream string
	voices   []string
	client   *http.Client
	metrics  *observe.Metrics
	health   *health.Handler
	breaker  *resilience.CircuitBreaker
	log      *slog.Logger
}

// New returns a relay server.
func New(opts ...Option) *Server {
	s := &Server{
		upstream: openai.DefaultSessionsURL,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.breaker == nil {
		s.breaker = resilience.New(resilience.Config{
			Name:      "relay-upstream",
			IsFailure: upstreamFailure,
			Logger:    s.log,
		})
	}
	return s
}

// upstreamFailure reports whether err means the upstream is unhealthy.
// Rejections of the request itself, such as a bad key, do not count.
func upstreamFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var provErr *s2s.ProviderError
	if errors.As(err, &provErr) {
		return provErr.Status >= http.StatusInternalServerError || provErr.Status == http.StatusTooManyRequests
	}
	return true
}

// Router returns the relay's HTTP handler.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	if s.metrics != nil {
		r.Use(observe.Middleware(s.metrics))
	}
	if s.health != nil {
		s.health.Register(r)
	}
	r.Post(SessionsPath, s.handleMint)
	return r
}

type mintResponse struct {
	ClientSecret clientSecret `json:"client_secret"`
}

type clientSecret struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(observe.WithLogger(ctx, s.log))

	var req openai.SessionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Voice != "" && len(s.voices) > 0 && !slices.Contains(s.voices, req.Voice) {
		respondError(w, http.StatusBadRequest, "voice_not_allowed", "voice "+req.Voice+" is not allowed")
		return
	}

	key := s.apiKey
	if key == "" {
		key = bearer(r)
	}
	if key == "" {
		respondError(w, http.StatusUnauthorized, "missing_credential", "no API key configured or supplied")
		return
	}

	creds := openai.New(key, openai.WithBaseURL(s.upstream), openai.WithHTTPClient(s.client))
	var secret s2s.Secret
	err := s.breaker.Execute(func() error {
		var err error
		secret, err = creds.Mint(ctx, s2s.SecretRequest{Model: req.Model, Voice: req.Voice})
		return err
	})

	var provErr *s2s.ProviderError
	switch {
	case err == nil:
		s.metrics.RecordProviderRequest(ctx, "relay", "ok")
	case errors.Is(err, resilience.ErrCircuitOpen):
		s.metrics.RecordProviderRequest(ctx, "relay", "rejected")
		w.Header().Set("Retry-After", "30")
		respondError(w, http.StatusServiceUnavailable, "upstream_circuit_open", "upstream is failing, try again later")
		return
	case errors.As(err, &provErr):
		s.metrics.RecordProviderRequest(ctx, "relay", "error")
		log.Warn("relay: upstream rejected request", "status", provErr.Status, "model", req.Model)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(provErr.Status)
		_, _ = w.Write([]byte(provErr.Body))
		return
	default:
		s.metrics.RecordProviderRequest(ctx, "relay", "error")
		log.Error("relay: upstream request failed", "err", err)
		respondError(w, http.StatusBadGateway, "upstream_unavailable", err.Error())
		return
	}

	resp := mintResponse{ClientSecret: clientSecret{Value: secret.Value}}
	if !secret.ExpiresAt.IsZero() {
		resp.ClientSecret.ExpiresAt = secret.ExpiresAt.Unix()
	}
	log.Debug("relay: secret minted", "model", req.Model, "voice", req.Voice)
	respondJSON(w, http.StatusOK, resp)
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
