// Package realtime defines the JSON event protocol exchanged with the OpenAI
// Realtime API over the WebRTC data channel.
//
// Client events are built with the constructor functions in this package, which
// stamp every event with a fresh event_id. Server events are decoded with
// [Parse] into a single flat [ServerEvent] whose populated fields depend on its
// Type.
package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Client event types.
const (
	TypeSessionUpdate          = "session.update"
	TypeInputAudioBufferClear  = "input_audio_buffer.clear"
	TypeInputAudioBufferCommit = "input_audio_buffer.commit"
	TypeResponseCreate         = "response.create"
	TypeResponseCancel         = "response.cancel"
	TypeConversationItemCreate = "conversation.item.create"
)

// Server event types.
const (
	TypeSessionCreated             = "session.created"
	TypeSessionUpdated             = "session.updated"
	TypeSpeechStarted              = "input_audio_buffer.speech_started"
	TypeSpeechStopped              = "input_audio_buffer.speech_stopped"
	TypeInputTranscriptionComplete = "conversation.item.input_audio_transcription.completed"
	TypeConversationItemCreated    = "conversation.item.created"
	TypeResponseCreated            = "response.created"
	TypeTranscriptDelta            = "response.audio_transcript.delta"
	TypeTranscriptDone             = "response.audio_transcript.done"
	TypeResponseDone               = "response.done"
	TypeError                      = "error"
)

// Item types and content part types used in conversation items.
const (
	ItemMessage            = "message"
	ItemFunctionCall       = "function_call"
	ItemFunctionCallOutput = "function_call_output"

	PartInputAudio = "input_audio"
	PartInputText  = "input_text"
	PartText       = "text"
	PartAudio      = "audio"
)

// ErrNotText is returned by [Parse] for payloads that are not a JSON object.
var ErrNotText = errors.New("realtime: payload is not a JSON event")

// ── Client events ─────────────────────────────────────────────────────────────

// ClientEvent is one outbound event. Only the fields relevant to Type are set.
type ClientEvent struct {
	EventID string         `json:"event_id,omitempty"`
	Type    string         `json:"type"`
	Session *SessionParams `json:"session,omitempty"`
	Item    *Item          `json:"item,omitempty"`
}

// Tool is a function tool declaration.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Transcription configures server-side input transcription.
type Transcription struct {
	Model string `json:"model"`
}

// TurnDetection configures server-side voice activity detection. A nil
// *TurnDetection in [SessionParams] serialises as null, which disables it.
type TurnDetection struct {
	Type string `json:"type"`
}

// SessionParams is the body of a session.update event. Voice is deliberately
// absent: it is fixed when the ephemeral session is minted.
//
// Tools has no omitempty so that an empty, non-nil slice clears the tools of a
// previous persona. TurnDetection has no omitempty so that nil is sent as null.
type SessionParams struct {
	Modalities              []string       `json:"modalities"`
	Instructions            string         `json:"instructions"`
	Temperature             float64        `json:"temperature"`
	Tools                   []Tool         `json:"tools"`
	ToolChoice              string         `json:"tool_choice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection"`
}

func newEvent(typ string) ClientEvent {
	return ClientEvent{EventID: "evt_" + uuid.NewString(), Type: typ}
}

// SessionUpdate builds a session.update event.
func SessionUpdate(p SessionParams) ClientEvent {
	ev := newEvent(TypeSessionUpdate)
	ev.Session = &p
	return ev
}

// InputAudioBufferClear builds an input_audio_buffer.clear event.
func InputAudioBufferClear() ClientEvent { return newEvent(TypeInputAudioBufferClear) }

// InputAudioBufferCommit builds an input_audio_buffer.commit event.
func InputAudioBufferCommit() ClientEvent { return newEvent(TypeInputAudioBufferCommit) }

// ResponseCreate builds a response.create event.
func ResponseCreate() ClientEvent { return newEvent(TypeResponseCreate) }

// ResponseCancel builds a response.cancel event.
func ResponseCancel() ClientEvent { return newEvent(TypeResponseCancel) }

// FunctionCallOutput builds the conversation.item.create event that answers
// the function call identified by callID.
func FunctionCallOutput(callID, output string) ClientEvent {
	ev := newEvent(TypeConversationItemCreate)
	ev.Item = &Item{Type: ItemFunctionCallOutput, CallID: callID, Output: output}
	return ev
}

// ── Server events ─────────────────────────────────────────────────────────────

// ContentPart is one part of a conversation item's content.
type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// Item is a conversation item, either sent by the client (function call
// output) or reported by the server (messages and function calls).
type Item struct {
	ID        string        `json:"id,omitempty"`
	Type      string        `json:"type"`
	Status    string        `json:"status,omitempty"`
	Role      string        `json:"role,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	Name      string        `json:"name,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
}

// Response is the response object carried by response.created and
// response.done.
type Response struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Output []Item `json:"output,omitempty"`
}

// ErrorDetail is the nested error object of an error event.
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	EventID string `json:"event_id,omitempty"`
}

// ServerEvent is a decoded inbound event.
type ServerEvent struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`

	// response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`
	// response.audio_transcript.done and input transcription completed
	Transcript string `json:"transcript,omitempty"`

	Response *Response    `json:"response,omitempty"`
	Item     *Item        `json:"item,omitempty"`
	Error    *ErrorDetail `json:"error,omitempty"`
}

// Parse decodes one data-channel message into a [ServerEvent]. Surrounding
// whitespace is ignored; payloads without a type are rejected.
func Parse(data []byte) (ServerEvent, error) {
	var ev ServerEvent
	data = bytes.TrimLeft(data, " \t\r\n")
	if len(data) == 0 || data[0] != '{' {
		return ev, ErrNotText
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("realtime: decode event: %w", err)
	}
	if ev.Type == "" {
		return ev, fmt.Errorf("realtime: event has no type")
	}
	return ev, nil
}

// UserTranscript returns the transcript embedded in a user message item, if
// any. The provider sometimes attaches the input transcription directly to
// the conversation.item.created event instead of sending a separate
// transcription-completed event.
func (it *Item) UserTranscript() string {
	if it == nil || it.Type != ItemMessage || it.Role != "user" {
		return ""
	}
	for _, c := range it.Content {
		switch c.Type {
		case PartInputAudio:
			if c.Transcript != "" {
				return c.Transcript
			}
		case PartInputText:
			if c.Text != "" {
				return c.Text
			}
		}
	}
	return ""
}
