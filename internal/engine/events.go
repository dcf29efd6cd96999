package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/MrWong99/questvoice/internal/persona"
	"github.com/MrWong99/questvoice/pkg/realtime"
)

// HandleEvent interprets one inbound provider event. Events must be passed in
// arrival order. Anomalies such as an unmatched completion are logged and
// dropped; they never reach the error callback.
func (e *Engine) HandleEvent(ev realtime.ServerEvent) {
	if e.state != StateActive {
		e.log.Debug("engine: event while inactive", "type", ev.Type, "state", e.state)
		return
	}
	switch ev.Type {
	case realtime.TypeSessionCreated:
		e.log.Debug("engine: session created")
	case realtime.TypeSessionUpdated:
		e.flushFollowUp()
	case realtime.TypeSpeechStarted, realtime.TypeSpeechStopped:
		e.log.Debug("engine: speech activity", "type", ev.Type)
	case realtime.TypeInputTranscriptionComplete:
		e.userTranscript(ev.ItemID, ev.Transcript)
	case realtime.TypeConversationItemCreated:
		if ev.Item != nil {
			if t := ev.Item.UserTranscript(); t != "" {
				e.userTranscript(ev.Item.ID, t)
			}
		}
	case realtime.TypeResponseCreated:
		e.responseCreated(ev)
	case realtime.TypeTranscriptDelta:
		if r := e.current(ev.ResponseID); r != nil {
			r.text += ev.Delta
		}
	case realtime.TypeTranscriptDone:
		if r := e.current(ev.ResponseID); r != nil && ev.Transcript != "" {
			r.text = ev.Transcript
		}
	case realtime.TypeResponseDone:
		e.responseDone(ev)
	case realtime.TypeError:
		e.providerError(ev.Error)
	default:
		e.log.Debug("engine: unhandled event", "type", ev.Type)
	}
}

// ── User input ────────────────────────────────────────────────────────────────

// userTranscript emits a user turn once per conversation item.
func (e *Engine) userTranscript(itemID, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if itemID != "" {
		if _, dup := e.seenUserItem[itemID]; dup {
			return
		}
		e.seenUserItem[itemID] = struct{}{}
	}
	if e.cb.OnUserTranscript != nil {
		e.cb.OnUserTranscript(text)
	}
	e.emitTurn(persona.User, text)
}

// ── Responses ─────────────────────────────────────────────────────────────────

func (e *Engine) responseCreated(ev realtime.ServerEvent) {
	var id string
	if ev.Response != nil {
		id = ev.Response.ID
	}
	if e.resp != nil {
		e.log.Debug("engine: response superseded", "old", e.resp.id, "new", id)
	}
	e.resp = &response{id: id, speaker: e.active}
}

// current returns the response in flight if id matches it. An empty id on
// either side matches.
func (e *Engine) current(id string) *response {
	if e.resp == nil {
		e.log.Debug("engine: transcript without response in flight", "response_id", id)
		return nil
	}
	if id != "" && e.resp.id != "" && id != e.resp.id {
		e.log.Debug("engine: transcript for stale response", "response_id", id, "current", e.resp.id)
		return nil
	}
	return e.resp
}

// responseDone emits the completed turn, labelled with the persona active at
// response.created, and only then looks for a routing call.
func (e *Engine) responseDone(ev realtime.ServerEvent) {
	var (
		id     string
		status string
		output []realtime.Item
	)
	if ev.Response != nil {
		id, status, output = ev.Response.ID, ev.Response.Status, ev.Response.Output
	}

	r := e.current(id)
	if r == nil {
		e.log.Debug("engine: completion without matching response", "response_id", id)
		e.metrics.RecordDroppedEvent(context.Background(), "unmatched_completion")
	} else {
		e.resp = nil
		text := strings.TrimSpace(r.text)
		if text == "" {
			text = outputTranscript(output)
		}
		if status != "cancelled" && text != "" {
			e.emitTurn(r.speaker, text)
		}
	}
	e.route(output)
}

// outputTranscript collects the audio transcripts of assistant message items.
func outputTranscript(items []realtime.Item) string {
	var parts []string
	for _, it := range items {
		if it.Type != realtime.ItemMessage {
			continue
		}
		for _, c := range it.Content {
			switch {
			case c.Transcript != "":
				parts = append(parts, c.Transcript)
			case c.Type == realtime.PartText && c.Text != "":
				parts = append(parts, c.Text)
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// ── Routing ───────────────────────────────────────────────────────────────────

type routeArgs struct {
	NPCName string `json:"npc_name"`
}

// route honours unhandled route_to_npc calls among output. A call naming the
// active persona changes nothing.
func (e *Engine) route(output []realtime.Item) {
	for _, it := range output {
		if it.Type != realtime.ItemFunctionCall || it.Name != RouteToolName {
			continue
		}
		key := it.CallID
		if key == "" {
			key = it.ID
		}
		if _, done := e.handledCalls[key]; done && key != "" {
			continue
		}
		e.handledCalls[key] = struct{}{}

		var args routeArgs
		if err := json.Unmarshal([]byte(it.Arguments), &args); err != nil {
			e.log.Warn("engine: malformed routing arguments", "call_id", it.CallID, "err", err)
			continue
		}
		target, ok := e.cfg.Personas.Lookup(args.NPCName)
		if !ok {
			e.log.Warn("engine: routing to unknown persona", "npc_name", args.NPCName)
			continue
		}
		if target == e.active {
			e.log.Debug("engine: routing to active persona ignored", "persona", target)
			continue
		}

		out, _ := json.Marshal(map[string]any{"success": true, "npc_name": target})
		e.sender.Send(realtime.FunctionCallOutput(it.CallID, string(out)))
		e.setPersona(target, "provider")
		e.pushSession()
		e.awaitFollowUp()
	}
}

// ── Errors ────────────────────────────────────────────────────────────────────

func (e *Engine) providerError(d *realtime.ErrorDetail) {
	if d == nil {
		e.log.Warn("engine: error event without detail")
		return
	}
	if IsBenignError(d) {
		e.log.Debug("engine: benign provider error", "code", d.Code, "message", d.Message)
		return
	}
	kind := d.Code
	if kind == "" {
		kind = d.Type
	}
	e.metrics.RecordProviderError(context.Background(), kind)
	e.log.Warn("engine: provider error", "type", d.Type, "code", d.Code, "message", d.Message)
	if e.cb.OnError != nil {
		e.cb.OnError(d.Message)
	}
}

// IsBenignError reports whether d is the provider complaining that there was
// no response to cancel, which barge-in triggers routinely.
func IsBenignError(d *realtime.ErrorDetail) bool {
	if d == nil {
		return false
	}
	if d.Code == "response_cancel_not_active" {
		return true
	}
	return strings.Contains(strings.ToLower(d.Message), "no active response")
}
