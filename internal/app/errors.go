package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/questvoice/pkg/audio"
	"github.com/MrWong99/questvoice/pkg/audio/webrtc"
	"github.com/MrWong99/questvoice/pkg/provider/s2s"
)

// Sentinel errors reported through [Callbacks.OnError].
var (
	// ErrMissingCredential aliases [s2s.ErrMissingCredential].
	ErrMissingCredential = s2s.ErrMissingCredential

	// ErrConnectTimeout means the event channel did not open within the
	// configured connect timeout.
	ErrConnectTimeout = errors.New("app: timed out waiting for the connection to open")

	// ErrSecretExpired means the minted session secret was already past its
	// expiry when it arrived.
	ErrSecretExpired = errors.New("app: session secret already expired")

	// ErrUnknownPersona means a persona switch named nobody in the set.
	ErrUnknownPersona = errors.New("app: unknown persona")
)

// userMessage turns err into the text shown to the user. It returns "" for
// errors that must not be surfaced, such as a connect cancelled by the user.
func userMessage(err error) string {
	var (
		provErr *s2s.ProviderError
		sigErr  *webrtc.SignalingError
	)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return ""
	case errors.Is(err, ErrMissingCredential):
		return "No OpenAI API key is configured. Add one in the settings and connect again."
	case errors.Is(err, ErrSecretExpired):
		return "The voice session credential had already expired. Check the system clock and connect again."
	case errors.Is(err, audio.ErrPermissionDenied):
		return "Microphone access was denied. Allow microphone access and connect again."
	case errors.Is(err, audio.ErrNoDevice):
		return "No microphone was found. Connect a microphone and try again."
	case errors.As(err, &provErr):
		return fmt.Sprintf("Could not start a voice session (HTTP %d): %s", provErr.Status, provErr.Body)
	case errors.As(err, &sigErr):
		return fmt.Sprintf("Could not negotiate the voice connection (HTTP %d): %s", sigErr.Status, sigErr.Body)
	case errors.Is(err, webrtc.ErrTransportFailed):
		return "The connection to the voice service failed. Connect again to continue."
	case errors.Is(err, ErrConnectTimeout), errors.Is(err, context.DeadlineExceeded):
		return "Timed out connecting to the voice service. Check your network and try again."
	default:
		return err.Error()
	}
}
