// Tool execution for the main loop.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// concurrencyLimit caps concurrent tool executions. Tools are largely
// I/O bound, so CPUs are oversubscribed, clamped to a sane range.
var concurrencyLimit = func() int {
	limit := runtime.NumCPU() * 4
	if limit < 4 {
		limit = 4
	}
	if limit > 32 {
		limit = 32
	}
	return limit
}()

// serializeTools must not be parallelized: they have side effects whose
// order matters. They run sequentially in the order the engine requested.
var serializeTools = map[string]bool{
	"write": true,
	"bash":  true,
}

// toolResult holds the outcome of one tool call within a batch.
type toolResult struct {
	index   int
	id      string
	name    string
	content string
}

// executeCall runs a single tool call and renders its result as message
// content. A failing tool is a recoverable, reported event: the error
// becomes the tool-result content, never a loop-terminating fault.
func (a *Agent) executeCall(ctx context.Context, tc llm.ToolCallResponse) string {
	if a.registry == nil {
		return fmt.Sprintf("Error executing %s: no tool registry", tc.Name)
	}
	tool := a.registry.Get(tc.Name)
	if tool == nil {
		return fmt.Sprintf("Error executing %s: tool not found: %s", tc.Name, tc.Name)
	}
	result, err := tool.Execute(ctx, tc.Args)
	if err != nil {
		if a.OnToolError != nil {
			a.OnToolError(tc.Name, err)
		}
		return fmt.Sprintf("Error executing %s: %v", tc.Name, err)
	}
	switch v := result.(type) {
	case string:
		return v
	default:
		data, _ := json.Marshal(v)
		return string(data)
	}
}

// executeBatch executes all tool calls of one reasoning turn and returns
// their result messages in the original issue order, each linked to its
// call id. Independent tools run concurrently under the semaphore;
// serialized tools run in order after them.
func (a *Agent) executeBatch(ctx context.Context, calls []llm.ToolCallResponse) []llm.Message {
	if len(calls) == 0 {
		return nil
	}

	ctx, span := telemetry.GetTracer().StartSpan(ctx, "agent.tools")
	span.SetAttributes(attribute.Int("tools.count", len(calls)))
	defer span.End()

	if len(calls) == 1 {
		tc := calls[0]
		return []llm.Message{{
			Role:       "tool",
			ToolCallID: tc.ID,
			Content:    a.executeCall(ctx, tc),
		}}
	}

	var parallelCalls, serialCalls []int
	for i, tc := range calls {
		if serializeTools[tc.Name] {
			serialCalls = append(serialCalls, i)
		} else {
			parallelCalls = append(parallelCalls, i)
		}
	}

	results := make([]toolResult, len(calls))

	if len(parallelCalls) > 0 {
		sem := make(chan struct{}, concurrencyLimit)
		var wg sync.WaitGroup
		for _, idx := range parallelCalls {
			tc := calls[idx]
			wg.Add(1)
			go func(idx int, tc llm.ToolCallResponse) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				results[idx] = toolResult{index: idx, id: tc.ID, name: tc.Name, content: a.executeCall(ctx, tc)}
			}(idx, tc)
		}
		wg.Wait()
	}

	for _, idx := range serialCalls {
		tc := calls[idx]
		results[idx] = toolResult{index: idx, id: tc.ID, name: tc.Name, content: a.executeCall(ctx, tc)}
	}

	messages := make([]llm.Message, len(calls))
	for i, r := range results {
		messages[i] = llm.Message{
			Role:       "tool",
			ToolCallID: r.id,
			Content:    r.content,
		}
	}
	return messages
}
