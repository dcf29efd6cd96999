// Package openai implements s2s.Credentials for the OpenAI Realtime API.
//
// Secrets are minted with a POST to /v1/realtime/sessions. Pointing the base
// URL at a credential relay lets clients run without holding the API key
// locally: the relay accepts the same request and forwards it upstream.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/questvoice/pkg/provider/s2s"
)

// Compile-time assertion that Credentials satisfies s2s.Credentials.
var _ s2s.Credentials = (*Credentials)(nil)

const (
	// DefaultSessionsURL is the OpenAI endpoint that mints ephemeral secrets.
	DefaultSessionsURL = "https://api.openai.com/v1/realtime/sessions"
	// DefaultModel is used when a request does not name a model.
	DefaultModel = "gpt-4o-realtime-preview-2024-12-17"

	maxBodyBytes = 1 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring Credentials.
type Option func(*Credentials)

// WithBaseURL overrides the sessions endpoint. Use it to target a relay or a
// local test server.
func WithBaseURL(url string) Option {
	return func(c *Credentials) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithRelay sends secret requests to a credential relay at url. The API key
// becomes optional: when set it is forwarded for the relay to use upstream,
// when empty the relay's own key is used.
func WithRelay(url string) Option {
	return func(c *Credentials) {
		if url != "" {
			c.baseURL = url
			c.relay = true
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Credentials) {
		if hc != nil {
			c.client = hc
		}
	}
}

// ── Credentials ────────────────────────────────────────────────────────────────

// Credentials mints OpenAI Realtime session secrets.
type Credentials struct {
	apiKey  string
	baseURL string
	relay   bool
	client  *http.Client
}

// New creates Credentials for the given API key.
func New(apiKey string, opts ...Option) *Credentials {
	c := &Credentials{
		apiKey:  apiKey,
		baseURL: DefaultSessionsURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SessionRequest is the JSON body of a secret request.
type SessionRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice,omitempty"`
}

// SessionResponse is the subset of the sessions response the client reads.
type SessionResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Mint requests a session secret bound to req.Model and req.Voice.
func (c *Credentials) Mint(ctx context.Context, req s2s.SecretRequest) (s2s.Secret, error) {
	hasKey := strings.TrimSpace(c.apiKey) != ""
	if !hasKey && !c.relay {
		return s2s.Secret{}, s2s.ErrMissingCredential
	}
	model := req.Model
	if model == "" {
		model = DefaultModel
	}

	body, err := json.Marshal(SessionRequest{Model: model, Voice: req.Voice})
	if err != nil {
		return s2s.Secret{}, fmt.Errorf("openai: marshal session request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return s2s.Secret{}, fmt.Errorf("openai: build session request: %w", err)
	}
	if hasKey {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return s2s.Secret{}, fmt.Errorf("openai: session request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return s2s.Secret{}, fmt.Errorf("openai: read session response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return s2s.Secret{}, &s2s.ProviderError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var sr SessionResponse
	if err := json.Unmarshal(data, &sr); err != nil {
		return s2s.Secret{}, fmt.Errorf("openai: decode session response: %w", err)
	}
	if sr.ClientSecret.Value == "" {
		return s2s.Secret{}, fmt.Errorf("openai: session response has no client secret")
	}

	secret := s2s.Secret{Value: sr.ClientSecret.Value}
	if sr.ClientSecret.ExpiresAt > 0 {
		secret.ExpiresAt = time.Unix(sr.ClientSecret.ExpiresAt, 0)
	}
	return secret, nil
}
