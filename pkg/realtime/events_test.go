package realtime_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/questvoice/pkg/realtime"
)

func TestSessionUpdate_Wire(t *testing.T) {
	t.Parallel()

	ev := realtime.SessionUpdate(realtime.SessionParams{
		Modalities:        []string{"text", "audio"},
		Instructions:      "be a dwarf",
		Temperature:       0.8,
		Tools:             []realtime.Tool{},
		ToolChoice:        "none",
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	})
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(data)

	for _, want := range []string{
		`"type":"session.update"`,
		`"turn_detection":null`,
		`"tools":[]`,
		`"event_id":"evt_`,
	} {
		if !strings.Contains(s, want) {
			t.Errorf("payload %s missing %s", s, want)
		}
	}
	if strings.Contains(s, `"voice"`) {
		t.Errorf("session.update must not carry a voice: %s", s)
	}
}

func TestClientEvents_UniqueIDs(t *testing.T) {
	t.Parallel()
	a, b := realtime.ResponseCreate(), realtime.ResponseCreate()
	if a.EventID == b.EventID {
		t.Errorf("event ids not unique: %q", a.EventID)
	}
}

func TestFunctionCallOutput(t *testing.T) {
	t.Parallel()
	ev := realtime.FunctionCallOutput("call_1", `{"success":true}`)
	if ev.Type != realtime.TypeConversationItemCreate {
		t.Errorf("Type = %q", ev.Type)
	}
	if ev.Item == nil || ev.Item.Type != realtime.ItemFunctionCallOutput || ev.Item.CallID != "call_1" {
		t.Errorf("Item = %+v", ev.Item)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		wantErr bool
		check   func(t *testing.T, ev realtime.ServerEvent)
	}{
		{
			name:    "transcript delta",
			payload: `{"type":"response.audio_transcript.delta","response_id":"r1","delta":"Elara"}`,
			check: func(t *testing.T, ev realtime.ServerEvent) {
				if ev.Delta != "Elara" || ev.ResponseID != "r1" {
					t.Errorf("got %+v", ev)
				}
			},
		},
		{
			name: "response done with function call",
			payload: `{"type":"response.done","response":{"id":"r2","status":"completed","output":[
				{"type":"function_call","name":"route_to_npc","call_id":"c1","arguments":"{\"npc_name\":\"elara\"}"}]}}`,
			check: func(t *testing.T, ev realtime.ServerEvent) {
				if ev.Response == nil || len(ev.Response.Output) != 1 {
					t.Fatalf("Response = %+v", ev.Response)
				}
				out := ev.Response.Output[0]
				if out.Name != "route_to_npc" || out.CallID != "c1" {
					t.Errorf("output = %+v", out)
				}
			},
		},
		{
			name:    "error",
			payload: `{"type":"error","error":{"type":"invalid_request_error","code":"response_cancel_not_active","message":"Cancellation failed: no active response found"}}`,
			check: func(t *testing.T, ev realtime.ServerEvent) {
				if ev.Error == nil || ev.Error.Code != "response_cancel_not_active" {
					t.Errorf("Error = %+v", ev.Error)
				}
			},
		},
		{
			name:    "leading whitespace",
			payload: "\n \t{\"type\":\"response.created\",\"response\":{\"id\":\"r3\"}}\r\n",
			check: func(t *testing.T, ev realtime.ServerEvent) {
				if ev.Type != realtime.TypeResponseCreated || ev.Response == nil || ev.Response.ID != "r3" {
					t.Errorf("got %+v", ev)
				}
			},
		},
		{name: "not json", payload: "hello", wantErr: true},
		{name: "whitespace only", payload: " \n", wantErr: true},
		{name: "empty", payload: "", wantErr: true},
		{name: "malformed", payload: `{"type":`, wantErr: true},
		{name: "no type", payload: `{"foo":1}`, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ev, err := realtime.Parse([]byte(tc.payload))
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			tc.check(t, ev)
		})
	}
}

func TestParse_NotTextSentinel(t *testing.T) {
	t.Parallel()
	_, err := realtime.Parse([]byte{0x00, 0x01})
	if !errors.Is(err, realtime.ErrNotText) {
		t.Errorf("err = %v, want ErrNotText", err)
	}
}

func TestItem_UserTranscript(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		item *realtime.Item
		want string
	}{
		{name: "nil", item: nil, want: ""},
		{
			name: "audio transcript",
			item: &realtime.Item{Type: "message", Role: "user", Content: []realtime.ContentPart{
				{Type: "input_audio", Transcript: "hello there"},
			}},
			want: "hello there",
		},
		{
			name: "assistant message ignored",
			item: &realtime.Item{Type: "message", Role: "assistant", Content: []realtime.ContentPart{
				{Type: "text", Text: "hi"},
			}},
			want: "",
		},
		{
			name: "pending transcript",
			item: &realtime.Item{Type: "message", Role: "user", Content: []realtime.ContentPart{
				{Type: "input_audio"},
			}},
			want: "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.item.UserTranscript(); got != tc.want {
				t.Errorf("UserTranscript() = %q, want %q", got, tc.want)
			}
		})
	}
}
