package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/MrWong99/questvoice/internal/app"
	"github.com/MrWong99/questvoice/internal/engine"
	"github.com/MrWong99/questvoice/internal/persona"
)

const helpText = `commands: c connect · d disconnect · l listen/send · p <name> persona · s status · q quit`

// controller is the part of the session manager the console drives.
type controller interface {
	Connect(ctx context.Context)
	Disconnect()
	StartListening() bool
	StopListening()
	RequestPersonaSwitch(name string)
	State() app.Snapshot
}

// palette assigns speakers a stable colour in order of first appearance.
var palette = []color.Attribute{
	color.FgHiYellow, color.FgHiCyan, color.FgHiMagenta, color.FgHiGreen, color.FgHiBlue,
}

// console prints session callbacks to a terminal and turns typed lines into
// session commands.
type console struct {
	out io.Writer

	mu       sync.Mutex
	personas func() *persona.Set
	colors   map[persona.Name]*color.Color
}

func newConsole(out io.Writer) *console {
	return &console{out: out, colors: make(map[persona.Name]*color.Color)}
}

func (c *console) setPersonas(fn func() *persona.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.personas = fn
}

func (c *console) callbacks() app.Callbacks {
	info := color.New(color.Faint)
	warn := color.New(color.FgRed, color.Bold)
	return app.Callbacks{
		OnTurn: func(t engine.Turn) {
			if t.Speaker == persona.User {
				return
			}
			label, col := c.speaker(t.Speaker)
			col.Fprintf(c.out, "%s: ", label)
			fmt.Fprintln(c.out, t.Text)
		},
		OnUserTranscript: func(text string) {
			label, col := c.speaker(persona.User)
			col.Fprintf(c.out, "%s: ", label)
			fmt.Fprintln(c.out, text)
		},
		OnError: func(msg string) {
			warn.Fprintf(c.out, "! %s\n", msg)
		},
		OnPersonaChange: func(n persona.Name) {
			label, _ := c.speaker(n)
			info.Fprintf(c.out, "» %s takes over\n", label)
		},
		OnStateChange: func(s app.Snapshot) {
			info.Fprintf(c.out, "[%s]\n", describe(s))
		},
	}
}

// speaker returns the label and colour for n.
func (c *console) speaker(n persona.Name) (string, *color.Color) {
	c.mu.Lock()
	defer c.mu.Unlock()
	label := string(n)
	if n == persona.User {
		label = "You"
	} else if c.personas != nil {
		if p, ok := c.personas().Get(n); ok && p.DisplayName != "" {
			label = p.DisplayName
		}
	}
	col, ok := c.colors[n]
	if !ok {
		if n == persona.User {
			col = color.New(color.Bold)
		} else {
			col = color.New(palette[len(c.colors)%len(palette)], color.Bold)
		}
		c.colors[n] = col
	}
	return label, col
}

func describe(s app.Snapshot) string {
	parts := []string{s.Conn.String()}
	if s.Persona != "" {
		parts = append(parts, "persona "+string(s.Persona))
	}
	if s.Listening {
		parts = append(parts, "listening")
	}
	if s.Generating {
		parts = append(parts, "responding")
	}
	return strings.Join(parts, ", ")
}

// readCommands executes one command per input line until EOF, a quit
// command, or ctx is done.
func (c *console) readCommands(ctx context.Context, in io.Reader, ctrl controller) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || !c.execute(ctx, line, ctrl) {
				return
			}
		}
	}
}

// execute runs one command line. It returns false on quit.
func (c *console) execute(ctx context.Context, line string, ctrl controller) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(cmd) {
	case "":
	case "q", "quit", "exit":
		return false
	case "c", "connect":
		go ctrl.Connect(ctx)
	case "d", "disconnect":
		ctrl.Disconnect()
	case "l", "listen":
		// Toggle: the second press sends the utterance.
		if ctrl.State().Listening {
			ctrl.StopListening()
		} else if !ctrl.StartListening() {
			fmt.Fprintln(c.out, "not connected, or the microphone is busy")
		}
	case "p", "persona":
		if arg == "" {
			fmt.Fprintln(c.out, "usage: p <name>")
			break
		}
		ctrl.RequestPersonaSwitch(arg)
	case "s", "status":
		fmt.Fprintln(c.out, describe(ctrl.State()))
	default:
		fmt.Fprintln(c.out, helpText)
	}
	return true
}
