// Package mock provides a test double for s2s.Credentials.
//
// Example:
//
//	creds := &mock.Credentials{Secret: s2s.Secret{Value: "ek_test"}}
//	secret, _ := creds.Mint(ctx, s2s.SecretRequest{Model: "m", Voice: "verse"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/questvoice/pkg/provider/s2s"
)

var _ s2s.Credentials = (*Credentials)(nil)

// Credentials is a mock implementation of s2s.Credentials.
type Credentials struct {
	mu sync.Mutex

	// Secret is returned by Mint when MintErr is nil.
	Secret s2s.Secret

	// MintErr, if non-nil, is returned as the error from Mint.
	MintErr error

	// MintCalls records every request passed to Mint in order.
	MintCalls []s2s.SecretRequest
}

// Mint records the call and returns Secret, MintErr.
func (c *Credentials) Mint(_ context.Context, req s2s.SecretRequest) (s2s.Secret, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MintCalls = append(c.MintCalls, req)
	if c.MintErr != nil {
		return s2s.Secret{}, c.MintErr
	}
	return c.Secret, nil
}

// Calls returns a copy of the recorded requests. Thread-safe.
func (c *Credentials) Calls() []s2s.SecretRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]s2s.SecretRequest(nil), c.MintCalls...)
}
