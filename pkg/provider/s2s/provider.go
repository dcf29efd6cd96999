// Package s2s defines how the session layer obtains credentials for a
// realtime speech-to-speech provider.
//
// A realtime session is authenticated with a short-lived secret minted from
// the long-lived API key, either directly against the provider or through a
// relay that holds the key on the caller's behalf. The secret is then used for
// the WebRTC signaling exchange and is never persisted.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMissingCredential is returned when no API key is configured.
var ErrMissingCredential = errors.New("s2s: missing API credential")

// SecretRequest asks for a session secret bound to a model and voice. The
// voice cannot be changed for the lifetime of the resulting session.
type SecretRequest struct {
	Model string
	Voice string
}

// Secret is a short-lived session credential.
type Secret struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the secret has expired at now.
func (s Secret) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// ProviderError is returned when the provider or relay answers a credential
// request with a non-success status. Body is the response text verbatim.
type ProviderError struct {
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("s2s: credential exchange failed with status %d: %s", e.Status, e.Body)
}

// Credentials mints short-lived session secrets.
type Credentials interface {
	// Mint exchanges the configured API credential for a session secret.
	// Returns [ErrMissingCredential] when no credential is configured and a
	// *[ProviderError] for non-success responses.
	Mint(ctx context.Context, req SecretRequest) (Secret, error)
}
