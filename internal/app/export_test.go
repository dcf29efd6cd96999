package app

import "github.com/MrWong99/questvoice/pkg/audio/mic"

// Wait blocks until every callback queued so far has been delivered.
func (sm *SessionManager) Wait() { sm.disp.wait() }

// Pipeline returns the microphone pipeline of the current connection.
func (sm *SessionManager) Pipeline() *mic.Pipeline {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.gen == nil {
		return nil
	}
	return sm.gen.pipeline
}
