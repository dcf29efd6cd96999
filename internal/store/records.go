package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Key layout.
const (
	PreferencesKey   = "prefs"
	transcriptPrefix = "transcript/"
)

// ── Preferences ───────────────────────────────────────────────────────────────

// Preferences are user choices remembered across runs.
type Preferences struct {
	// Voice is the preferred narrator voice.
	Voice string `json:"voice,omitempty"`

	// LastPersona is the persona that was speaking when the last session ended.
	LastPersona string `json:"last_persona,omitempty"`
}

// LoadPreferences returns the stored preferences, or zero preferences if
// none were saved.
func LoadPreferences(ctx context.Context, s Store) (Preferences, error) {
	var p Preferences
	b, err := s.Get(ctx, PreferencesKey)
	if errors.Is(err, ErrNotFound) {
		return p, nil
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return Preferences{}, fmt.Errorf("store: decode preferences: %w", err)
	}
	return p, nil
}

// SavePreferences replaces the stored preferences.
func SavePreferences(ctx context.Context, s Store, p Preferences) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: encode preferences: %w", err)
	}
	return s.Put(ctx, PreferencesKey, b, 0)
}

// ── Transcripts ───────────────────────────────────────────────────────────────

// TranscriptTurn is one persisted conversation turn.
type TranscriptTurn struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is the record of one connected session.
type Transcript struct {
	ID        string           `json:"id"`
	StartedAt time.Time        `json:"started_at"`
	Turns     []TranscriptTurn `json:"turns"`
}

// Transcripts persists conversation transcripts, one document per session.
// It is safe for concurrent use within one process.
type Transcripts struct {
	s   Store
	ttl time.Duration

	mu sync.Mutex
}

// NewTranscripts stores transcripts in s. A positive ttl expires each
// transcript that long after its last turn.
func NewTranscripts(s Store, ttl time.Duration) *Transcripts {
	return &Transcripts{s: s, ttl: ttl}
}

// Begin starts a new transcript and returns its id.
func (t *Transcripts) Begin(ctx context.Context, started time.Time) (string, error) {
	tr := Transcript{ID: uuid.NewString(), StartedAt: started.UTC()}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.put(ctx, tr); err != nil {
		return "", err
	}
	return tr.ID, nil
}

// Append adds turn to the transcript id.
func (t *Transcripts) Append(ctx context.Context, id string, turn TranscriptTurn) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, err := t.get(ctx, id)
	if err != nil {
		return err
	}
	turn.Timestamp = turn.Timestamp.UTC()
	tr.Turns = append(tr.Turns, turn)
	return t.put(ctx, tr)
}

// Get returns the transcript id, or an error wrapping [ErrNotFound].
func (t *Transcripts) Get(ctx context.Context, id string) (Transcript, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.get(ctx, id)
}

// IDs returns the ids of all stored transcripts.
func (t *Transcripts) IDs(ctx context.Context) ([]string, error) {
	keys, err := t.s.List(ctx, transcriptPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = strings.TrimPrefix(k, transcriptPrefix)
	}
	return ids, nil
}

func (t *Transcripts) get(ctx context.Context, id string) (Transcript, error) {
	var tr Transcript
	b, err := t.s.Get(ctx, transcriptPrefix+id)
	if err != nil {
		return tr, fmt.Errorf("store: transcript %s: %w", id, err)
	}
	if err := json.Unmarshal(b, &tr); err != nil {
		return tr, fmt.Errorf("store: decode transcript %s: %w", id, err)
	}
	return tr, nil
}

func (t *Transcripts) put(ctx context.Context, tr Transcript) error {
	b, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("store: encode transcript %s: %w", tr.ID, err)
	}
	return t.s.Put(ctx, transcriptPrefix+tr.ID, b, t.ttl)
}
