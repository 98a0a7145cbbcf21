package agent

import "github.com/vinayprograms/agentkit/llm"

// SpawnToolName is the delegation-trigger pseudo-tool offered to the
// reasoning engine alongside the real tool registry.
const SpawnToolName = "spawn"

// decisionKind classifies one reasoning-engine response. Exactly three
// cases exist and every state-machine transition matches all of them.
type decisionKind int

const (
	decideAnswer    decisionKind = iota // plain text, terminal
	decideToolCalls                     // execute tools, loop
	decideDelegate                      // spawn subagent(s), loop
)

// decision is the tagged classification of a reasoning response.
type decision struct {
	kind    decisionKind
	content string
	calls   []llm.ToolCallResponse
}

// classify maps a chat response onto the three-case decision union.
// A response containing any spawn call is a delegation; its remaining
// tool calls are handled within the delegating transition.
func classify(resp *llm.ChatResponse) decision {
	if len(resp.ToolCalls) == 0 {
		return decision{kind: decideAnswer, content: resp.Content}
	}
	for _, tc := range resp.ToolCalls {
		if tc.Name == SpawnToolName {
			return decision{kind: decideDelegate, content: resp.Content, calls: resp.ToolCalls}
		}
	}
	return decision{kind: decideToolCalls, content: resp.Content, calls: resp.ToolCalls}
}

// spawnToolDef describes the delegation pseudo-tool.
func spawnToolDef() llm.ToolDef {
	return llm.ToolDef{
		Name:        SpawnToolName,
		Description: "Delegate a sub-task to a background subagent. The subagent works independently with its own tools and reports back when finished. Use for long-running or self-contained work.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"task": map[string]interface{}{
					"type":        "string",
					"description": "Full description of the sub-task to perform",
				},
				"label": map[string]interface{}{
					"type":        "string",
					"description": "Short human-readable label for the sub-task",
				},
			},
			"required": []string{"task"},
		},
	}
}
