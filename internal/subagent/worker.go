// Subagent worker: one bounded reasoning-act loop per delegated task.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/telemetry"
	"github.com/vinayprograms/agentkit/tools"
	"go.opentelemetry.io/otel/attribute"

	"github.com/maestro-agent/maestro/internal/adjust"
	"github.com/maestro-agent/maestro/internal/bus"
	"github.com/maestro-agent/maestro/internal/task"
)

// restrictedTools are capabilities a worker may never use: further
// delegation and direct external communication. A reasoning output
// requesting one is an invalid tool call for that iteration.
var restrictedTools = map[string]bool{
	"spawn":        true,
	"send_message": true,
}

const workerSystemPrompt = `You are a background worker completing a delegated task. Work autonomously with the available tools and reply with your final result as plain text when the task is done.`

type worker struct {
	task        task.Task
	provider    llm.Provider
	registry    *tools.Registry
	tasks       *task.Registry
	adjustments *adjust.Channel
	bus         bus.Bus
	logger      *logging.Logger
	cfg         Config
}

func newWorker(t task.Task, provider llm.Provider, registry *tools.Registry, tasks *task.Registry, adjustments *adjust.Channel, b bus.Bus, cfg Config) *worker {
	return &worker{
		task:        t,
		provider:    provider,
		registry:    registry,
		tasks:       tasks,
		adjustments: adjustments,
		bus:         b,
		logger:      logging.New().WithComponent("subagent.worker"),
		cfg:         cfg,
	}
}

// run executes the bounded loop and returns the terminal status with the
// task result. It performs at most Ceiling reasoning-engine invocations.
func (w *worker) run(ctx context.Context) (task.Status, string) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "subagent.run")
	span.SetAttributes(
		attribute.String("task.id", w.task.ID),
		attribute.String("task.label", w.task.Label),
	)
	defer span.End()

	messages := w.initialMessages()
	toolDefs := w.toolDefinitions()

	failures := 0
	lastContent := ""

	for iter := 1; iter <= w.task.Ceiling; iter++ {
		if ctx.Err() != nil {
			return task.StatusCancelled, ""
		}
		w.tasks.SetIterations(w.task.ID, iter)

		resp, err := w.provider.Chat(ctx, llm.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
		})
		if err != nil {
			if ctx.Err() != nil {
				return task.StatusCancelled, ""
			}
			failures++
			w.logger.Warn("reasoning call failed", map[string]interface{}{
				"task_id":   w.task.ID,
				"iteration": iter,
				"error":     err.Error(),
			})
			if failures >= w.cfg.MaxLLMFailures {
				return task.StatusFailed, fmt.Sprintf("reasoning engine failed %d times in a row: %v", failures, err)
			}
			continue
		}
		failures = 0

		if resp.Content != "" {
			lastContent = resp.Content
		}

		// No tool calls: the task is done.
		if len(resp.ToolCalls) == 0 {
			span.SetAttributes(attribute.Int("task.iterations", iter))
			return task.StatusCompleted, resp.Content
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		messages = append(messages, w.executeTools(ctx, resp.ToolCalls)...)

		if w.cfg.AdjustInterval > 0 && iter%w.cfg.AdjustInterval == 0 {
			if feedback := w.requestAdjustment(ctx, messages); feedback != "" {
				messages = append(messages, llm.Message{
					Role:    "system",
					Content: "Operator adjustment: " + feedback,
				})
			}
		}
	}

	// Ceiling reached. The last reasoning text is the result; with no
	// usable output at all the task fails.
	span.SetAttributes(attribute.Int("task.iterations", w.task.Ceiling))
	if lastContent != "" {
		return task.StatusCompleted, lastContent
	}
	return task.StatusFailed, fmt.Sprintf("no usable output after %d iterations", w.task.Ceiling)
}

// initialMessages builds the worker's context: system prompt, the parent
// snapshot taken at spawn, and the task itself.
func (w *worker) initialMessages() []llm.Message {
	messages := make([]llm.Message, 0, len(w.task.Snapshot)+2)
	messages = append(messages, llm.Message{Role: "system", Content: workerSystemPrompt})
	messages = append(messages, w.task.Snapshot...)
	messages = append(messages, llm.Message{Role: "user", Content: "Task: " + w.task.Description})
	return messages
}

// toolDefinitions returns the registry's definitions minus restricted ones.
func (w *worker) toolDefinitions() []llm.ToolDef {
	if w.registry == nil {
		return nil
	}
	var defs []llm.ToolDef
	for _, def := range w.registry.Definitions() {
		if restrictedTools[def.Name] {
			continue
		}
		defs = append(defs, llm.ToolDef{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return defs
}

// executeTools runs the iteration's tool calls in issue order. Failures,
// restricted tools, and unknown tools become synthetic tool results; none
// of them terminates the worker.
func (w *worker) executeTools(ctx context.Context, calls []llm.ToolCallResponse) []llm.Message {
	messages := make([]llm.Message, 0, len(calls))
	for _, tc := range calls {
		content, err := w.invoke(ctx, tc)
		if err != nil {
			content = fmt.Sprintf("Error executing %s: %v", tc.Name, err)
		}
		messages = append(messages, llm.Message{
			Role:       "tool",
			ToolCallID: tc.ID,
			Content:    content,
		})
	}
	return messages
}

func (w *worker) invoke(ctx context.Context, tc llm.ToolCallResponse) (string, error) {
	if restrictedTools[tc.Name] {
		return "", fmt.Errorf("tool not available to subagents: %s", tc.Name)
	}
	if w.registry == nil {
		return "", fmt.Errorf("no tool registry")
	}
	tool := w.registry.Get(tc.Name)
	if tool == nil {
		return "", fmt.Errorf("tool not found: %s", tc.Name)
	}
	result, err := tool.Execute(ctx, tc.Args)
	if err != nil {
		return "", err
	}
	switch v := result.(type) {
	case string:
		return v, nil
	default:
		data, _ := json.Marshal(v)
		return string(data), nil
	}
}

// requestAdjustment publishes an adjustment request and suspends the worker
// until feedback arrives or the timeout expires. Expiry means "no
// adjustment" and the worker proceeds unmodified.
func (w *worker) requestAdjustment(ctx context.Context, transcript []llm.Message) string {
	pending, err := w.adjustments.Request(w.task.ID)
	if err != nil {
		// A previous request is still pending; proceed without a new one.
		w.logger.Warn("adjustment request rejected", map[string]interface{}{
			"task_id": w.task.ID,
			"error":   err.Error(),
		})
		return ""
	}

	if err := w.tasks.SetStatus(w.task.ID, task.StatusAwaitingAdjustment); err != nil {
		// Terminal already (external cancellation); observed at the next
		// iteration boundary. The registered entry must not outlive us.
		pending.Release()
		return ""
	}
	w.publishRequest(ctx, transcript)

	feedback, ok := pending.Await(ctx, w.cfg.AdjustTimeout)

	if err := w.tasks.SetStatus(w.task.ID, task.StatusRunning); err != nil {
		return ""
	}
	if !ok {
		w.logger.Debug("adjustment timed out", map[string]interface{}{"task_id": w.task.ID})
		return ""
	}
	return feedback
}

// publishRequest puts the request on the system channel with a bounded
// transcript excerpt, so an operator can see what the worker is doing.
func (w *worker) publishRequest(ctx context.Context, transcript []llm.Message) {
	if w.bus == nil {
		return
	}
	payload, err := json.Marshal(bus.AdjustmentRequest{
		TaskID:  w.task.ID,
		Excerpt: renderExcerpt(transcript, w.cfg.ExcerptWindow),
	})
	if err != nil {
		return
	}
	msg := bus.InboundMessage{
		Channel:  bus.SystemChannel,
		SenderID: "subagent:" + w.task.ID,
		ChatID:   bus.ChatAdjustmentRequest,
		Content:  string(payload),
	}
	if err := w.bus.PublishInbound(ctx, msg); err != nil {
		w.logger.Warn("failed to publish adjustment request", map[string]interface{}{
			"task_id": w.task.ID,
			"error":   err.Error(),
		})
	}
}

// renderExcerpt flattens the last n transcript messages into plain text.
func renderExcerpt(transcript []llm.Message, n int) string {
	start := len(transcript) - n
	if start < 0 {
		start = 0
	}
	var b strings.Builder
	for _, m := range transcript[start:] {
		content := m.Content
		if content == "" && len(m.ToolCalls) > 0 {
			names := make([]string, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				names = append(names, tc.Name)
			}
			content = "(tool calls: " + strings.Join(names, ", ") + ")"
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, content)
	}
	return b.String()
}
