package webrtc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultSignalingURL is the OpenAI Realtime SDP exchange endpoint.
const DefaultSignalingURL = "https://api.openai.com/v1/realtime"

// maxAnswerBytes bounds the size of an SDP answer read from the provider.
const maxAnswerBytes = 1 << 20

// SignalingError is returned when the signaling endpoint answers with a
// non-success status. Body holds the provider's response text verbatim.
type SignalingError struct {
	Status int
	Body   string
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("webrtc: signaling failed with status %d: %s", e.Status, e.Body)
}

// Signaler performs the offer/answer exchange with the provider over HTTP.
// It is safe for concurrent use.
type Signaler struct {
	endpoint string
	client   *http.Client
}

// NewSignaler returns a Signaler posting offers to endpoint. A nil client
// uses a default client with a 15 s timeout.
func NewSignaler(endpoint string, client *http.Client) *Signaler {
	if endpoint == "" {
		endpoint = DefaultSignalingURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Signaler{endpoint: endpoint, client: client}
}

// Exchange posts the SDP offer, authenticated with the ephemeral secret, and
// returns the provider's SDP answer.
func (s *Signaler) Exchange(ctx context.Context, secret, model, offer string) (string, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return "", fmt.Errorf("webrtc: parse signaling url: %w", err)
	}
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewBufferString(offer))
	if err != nil {
		return "", fmt.Errorf("webrtc: build signaling request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webrtc: signaling request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
	if err != nil {
		return "", fmt.Errorf("webrtc: read signaling response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &SignalingError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if len(body) == 0 {
		return "", fmt.Errorf("webrtc: signaling response has empty answer")
	}
	return string(body), nil
}
