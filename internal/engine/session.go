package engine

import (
	"github.com/MrWong99/questvoice/internal/persona"
	"github.com/MrWong99/questvoice/pkg/realtime"
)

// RouteToolName is the function the narrator calls to hand the conversation
// to an NPC.
const RouteToolName = "route_to_npc"

// TranscriptionModel is the server-side input transcription model.
const TranscriptionModel = "whisper-1"

// RouteTool declares the routing function. npc_name is restricted to the
// NPCs of set.
func RouteTool(set *persona.Set) realtime.Tool {
	npcs := set.NPCs()
	names := make([]string, len(npcs))
	for i, p := range npcs {
		names[i] = string(p.Name)
	}
	return realtime.Tool{
		Type:        "function",
		Name:        RouteToolName,
		Description: "Hand the conversation to an NPC so that they answer the player in their own voice. Call this when the player addresses an NPC or when an NPC should speak next.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"npc_name": map[string]any{
					"type":        "string",
					"enum":        names,
					"description": "Name of the NPC who should speak next.",
				},
			},
			"required": []string{"npc_name"},
		},
	}
}

// SessionParams builds the session configuration for persona n. Only a
// persona that can route is offered the routing tool; everyone else gets an
// empty tool list. Server-side turn detection is always disabled so that turn
// boundaries come from explicit listening actions.
func SessionParams(set *persona.Set, n persona.Name, c persona.Character, temperature float64) (realtime.SessionParams, error) {
	instructions, err := set.Instructions(n, c)
	if err != nil {
		return realtime.SessionParams{}, err
	}
	p := realtime.SessionParams{
		Modalities:              []string{"text", "audio"},
		Instructions:            instructions,
		Temperature:             temperature,
		Tools:                   []realtime.Tool{},
		ToolChoice:              "none",
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &realtime.Transcription{Model: TranscriptionModel},
		TurnDetection:           nil,
	}
	if per, ok := set.Get(n); ok && per.CanRoute {
		p.Tools = []realtime.Tool{RouteTool(set)}
		p.ToolChoice = "auto"
	}
	return p, nil
}
