package main

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/MrWong99/questvoice/internal/app"
	"github.com/MrWong99/questvoice/internal/engine"
	"github.com/MrWong99/questvoice/internal/persona"
)

type fakeController struct {
	mu        sync.Mutex
	calls     []string
	listening bool
	connected bool
}

func (f *fakeController) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeController) Connect(context.Context) { f.record("connect") }
func (f *fakeController) Disconnect()             { f.record("disconnect") }
func (f *fakeController) StopListening() {
	f.record("stop")
	f.mu.Lock()
	f.listening = false
	f.mu.Unlock()
}
func (f *fakeController) RequestPersonaSwitch(name string) { f.record("persona:" + name) }

func (f *fakeController) StartListening() bool {
	f.record("listen")
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	f.listening = true
	return true
}

func (f *fakeController) State() app.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return app.Snapshot{Conn: app.ConnConnected, Connected: f.connected, Listening: f.listening}
}

func (f *fakeController) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func TestConsole_ReadCommands(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	con := newConsole(&out)
	ctrl := &fakeController{connected: true}

	in := strings.NewReader("l\nl\nP thorin\nd\n\nbogus\nq\nc\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		con.readCommands(ctx, in, ctrl)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("readCommands did not stop on quit")
	}

	want := []string{"listen", "stop", "persona:thorin", "disconnect"}
	if got := ctrl.snapshot(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if !strings.Contains(out.String(), "commands:") {
		t.Errorf("unknown command should print help, got %q", out.String())
	}
}

func TestConsole_Execute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		line     string
		wantOut  string
		wantCall string
		wantMore bool
	}{
		{name: "listen while disconnected", line: "l", wantOut: "not connected", wantCall: "listen", wantMore: true},
		{name: "persona without name", line: "p", wantOut: "usage", wantMore: true},
		{name: "status", line: "s", wantOut: "connected", wantMore: true},
		{name: "quit", line: "quit", wantMore: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			ctrl := &fakeController{}
			more := newConsole(&out).execute(context.Background(), tc.line, ctrl)
			if more != tc.wantMore {
				t.Errorf("execute(%q) = %v, want %v", tc.line, more, tc.wantMore)
			}
			if !strings.Contains(out.String(), tc.wantOut) {
				t.Errorf("output = %q, want %q", out.String(), tc.wantOut)
			}
			calls := ctrl.snapshot()
			if tc.wantCall == "" && len(calls) != 0 || tc.wantCall != "" && !slices.Contains(calls, tc.wantCall) {
				t.Errorf("calls = %v, want %q", calls, tc.wantCall)
			}
		})
	}
}

func TestConsole_Callbacks(t *testing.T) {
	color.NoColor = true
	var out bytes.Buffer
	con := newConsole(&out)
	con.setPersonas(persona.DefaultSet)
	cb := con.callbacks()

	cb.OnUserTranscript("I greet the merchant")
	cb.OnTurn(engine.Turn{Speaker: persona.User, Text: "ignored"})
	cb.OnTurn(engine.Turn{Speaker: persona.Elara, Text: "Welcome, traveller."})
	cb.OnError("Microphone access was denied.")

	got := out.String()
	for _, want := range []string{"You: I greet the merchant", ": Welcome, traveller.", "! Microphone access was denied."} {
		if !strings.Contains(got, want) {
			t.Errorf("output %q missing %q", got, want)
		}
	}
	if strings.Contains(got, "ignored") {
		t.Error("user turns should only be printed from the transcript callback")
	}
}
