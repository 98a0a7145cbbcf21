// Package agent implements the top-level control loop: it alternates
// between invoking the reasoning engine and executing tools, delegates
// sub-tasks to background subagents, and merges their results back into
// the conversation until a terminal answer is produced.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/tools"

	"github.com/maestro-agent/maestro/internal/bus"
	"github.com/maestro-agent/maestro/internal/session"
	"github.com/maestro-agent/maestro/internal/subagent"
	"github.com/maestro-agent/maestro/internal/task"
)

const baseSystemPrompt = "You are a helpful assistant handling a conversation. Use the available tools when they help you answer."

// delegationGuidance is injected when the spawn pseudo-tool is offered.
const delegationGuidance = `You can delegate self-contained sub-tasks to background subagents with the "spawn" tool. Subagents run independently and report back with a system message once finished; keep answering while they work. Delegate only work that genuinely benefits from running in the background.

`

// Config bounds main-loop behavior.
type Config struct {
	MaxLLMFailures int // consecutive reasoning failures before the turn fails
	Worker         subagent.Config
}

// DefaultConfig returns the reference main-loop bounds.
func DefaultConfig() Config {
	return Config{
		MaxLLMFailures: 3,
		Worker:         subagent.DefaultConfig(),
	}
}

// sessionRuntime bundles everything owned by one session: its state
// actor, its task registry, and its subagent manager.
type sessionRuntime struct {
	handle  *session.Handle
	tasks   *task.Registry
	manager *subagent.Manager
}

// Agent processes inbound messages, one turn at a time per session.
type Agent struct {
	provider llm.Provider
	registry *tools.Registry
	sessions *session.Manager
	bus      bus.Bus
	logger   *logging.Logger
	cfg      Config

	mu       sync.Mutex
	runtimes map[string]*sessionRuntime

	// Callbacks
	OnToolError    func(name string, err error)
	OnLLMError     func(err error)
	OnTaskStart    func(t task.Task)
	OnTaskComplete func(t task.Task)
}

// New creates an agent. The bus may be nil for direct, single-process use.
func New(provider llm.Provider, registry *tools.Registry, sessions *session.Manager, b bus.Bus, cfg Config) *Agent {
	if cfg.MaxLLMFailures <= 0 {
		cfg.MaxLLMFailures = 3
	}
	return &Agent{
		provider: provider,
		registry: registry,
		sessions: sessions,
		bus:      b,
		logger:   logging.New().WithComponent("agent"),
		cfg:      cfg,
		runtimes: make(map[string]*sessionRuntime),
	}
}

// runtime returns the per-session runtime, creating it on first use.
// Delegated tasks live here, so they survive across turns until resolved.
func (a *Agent) runtime(key string) *sessionRuntime {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rt, ok := a.runtimes[key]; ok {
		return rt
	}
	handle := a.sessions.Get(key)
	tasks := task.NewRegistry()
	manager := subagent.NewManager(a.provider, a.registry, tasks, handle, a.bus, a.cfg.Worker)
	manager.OnTaskStart = func(t task.Task) {
		if a.OnTaskStart != nil {
			a.OnTaskStart(t)
		}
	}
	manager.OnTaskComplete = func(t task.Task) {
		if a.OnTaskComplete != nil {
			a.OnTaskComplete(t)
		}
	}
	rt := &sessionRuntime{handle: handle, tasks: tasks, manager: manager}
	a.runtimes[key] = rt
	return rt
}

// Manager returns the subagent manager for a session key, if one exists.
func (a *Agent) Manager(key string) *subagent.Manager {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rt, ok := a.runtimes[key]; ok {
		return rt.manager
	}
	return nil
}

// ProcessMessage runs one full turn for an inbound message: append it to
// the conversation, loop reasoning/acting/delegating, and return the
// terminal reply. Turns for the same session must not run concurrently;
// the serve loop processes messages sequentially.
func (a *Agent) ProcessMessage(ctx context.Context, in bus.InboundMessage) (bus.OutboundMessage, error) {
	start := time.Now()
	key := session.Key(in.Channel, in.ChatID)
	rt := a.runtime(key)

	ctx, span := a.startTurnSpan(ctx, key)

	// Turn start: clear per-turn scratch, append the external message.
	rt.handle.Sync(func(s *session.State) {
		s.ToolsUsed = nil
		s.Messages = append(s.Messages, llm.Message{Role: "user", Content: in.Content})
	})

	failures := 0
	for {
		a.mergeState(rt)

		messages := append([]llm.Message{{Role: "system", Content: a.systemPrompt()}}, rt.handle.Messages()...)
		resp, err := a.provider.Chat(ctx, llm.ChatRequest{
			Messages: messages,
			Tools:    a.toolDefinitions(),
		})
		if err != nil {
			if a.OnLLMError != nil {
				a.OnLLMError(err)
			}
			failures++
			a.logger.Warn("reasoning call failed", map[string]interface{}{
				"session":  key,
				"failures": failures,
				"error":    err.Error(),
			})
			if failures >= a.cfg.MaxLLMFailures {
				turnErr := fmt.Errorf("reasoning engine failed %d times in a row: %w", failures, err)
				reply := "I ran into a problem and could not finish processing this message."
				rt.handle.Append(llm.Message{Role: "assistant", Content: reply})
				a.endTurnSpan(span, "failed", turnErr)
				return a.reply(in, key, reply), turnErr
			}
			continue
		}
		failures = 0

		switch d := classify(resp); d.kind {
		case decideAnswer:
			rt.handle.Append(llm.Message{Role: "assistant", Content: d.content})
			a.mergeState(rt)
			a.logger.Info("turn complete", map[string]interface{}{
				"session":     key,
				"duration_ms": time.Since(start).Milliseconds(),
			})
			a.endTurnSpan(span, "complete", nil)
			return a.reply(in, key, d.content), nil

		case decideToolCalls:
			results := a.executeBatch(ctx, d.calls)
			a.appendExchange(rt, d, results)

		case decideDelegate:
			results := a.delegate(ctx, rt, d)
			a.appendExchange(rt, d, results)
		}
	}
}

// appendExchange appends the assistant message and its tool results as one
// atomic unit, and records the tools used this turn.
func (a *Agent) appendExchange(rt *sessionRuntime, d decision, results []llm.Message) {
	rt.handle.Sync(func(s *session.State) {
		s.Messages = append(s.Messages, llm.Message{
			Role:      "assistant",
			Content:   d.content,
			ToolCalls: d.calls,
		})
		s.Messages = append(s.Messages, results...)
		for _, tc := range d.calls {
			s.ToolsUsed = append(s.ToolsUsed, tc.Name)
		}
	})
}

// delegate handles a delegation decision. Spawn calls create Delegated
// Tasks without blocking on their execution; any other tool calls in the
// same response execute normally. Result messages keep issue order.
func (a *Agent) delegate(ctx context.Context, rt *sessionRuntime, d decision) []llm.Message {
	results := make([]llm.Message, 0, len(d.calls))
	for _, tc := range d.calls {
		var content string
		if tc.Name == SpawnToolName {
			content = a.spawn(rt, tc)
		} else {
			content = a.executeCall(ctx, tc)
		}
		results = append(results, llm.Message{
			Role:       "tool",
			ToolCallID: tc.ID,
			Content:    content,
		})
	}
	return results
}

// spawn extracts the delegation arguments and starts the worker, returning
// the acknowledgment surfaced to the reasoning engine.
func (a *Agent) spawn(rt *sessionRuntime, tc llm.ToolCallResponse) string {
	description, _ := tc.Args["task"].(string)
	label, _ := tc.Args["label"].(string)

	t, err := rt.manager.Spawn(description, label)
	if err != nil {
		return fmt.Sprintf("Error executing %s: %v", tc.Name, err)
	}
	return fmt.Sprintf("Subagent '%s' started (id: %s). Running in background. Active tasks: %d",
		t.Label, t.ID, rt.tasks.ActiveCount())
}

// mergeState prunes tasks whose terminal status has already been surfaced
// as a completion message, and refreshes the active-task view. This is the
// only place resolved tasks leave the visible set.
func (a *Agent) mergeState(rt *sessionRuntime) {
	rt.handle.Sync(func(s *session.State) {
		removed := rt.tasks.PruneTerminal()
		for _, t := range removed {
			a.logger.Debug("pruned resolved task", map[string]interface{}{
				"task_id": t.ID,
				"status":  string(t.Status),
			})
		}
		active := rt.tasks.Active()
		ids := make([]string, 0, len(active))
		for _, t := range active {
			ids = append(ids, t.ID)
		}
		s.ActiveTasks = ids
	})
}

// HandleAdjustment routes an operator's adjustment feedback to the session
// whose registry owns the task. Reports false when no session knows it.
func (a *Agent) HandleAdjustment(taskID, feedback string) bool {
	a.mu.Lock()
	var target *sessionRuntime
	for _, rt := range a.runtimes {
		if rt.tasks.Has(taskID) {
			target = rt
			break
		}
	}
	a.mu.Unlock()
	if target == nil {
		a.logger.Warn("adjustment for unknown task", map[string]interface{}{"task_id": taskID})
		return false
	}
	return target.manager.HandleAdjustment(taskID, feedback)
}

// CancelTask cancels a delegated task in whichever session owns it.
func (a *Agent) CancelTask(taskID string) error {
	a.mu.Lock()
	var target *sessionRuntime
	for _, rt := range a.runtimes {
		if rt.tasks.Has(taskID) {
			target = rt
			break
		}
	}
	a.mu.Unlock()
	if target == nil {
		return fmt.Errorf("%w: %s", task.ErrTaskNotFound, taskID)
	}
	return target.manager.Cancel(taskID)
}

// toolDefinitions returns the registry's tools plus the spawn pseudo-tool.
func (a *Agent) toolDefinitions() []llm.ToolDef {
	var defs []llm.ToolDef
	if a.registry != nil {
		for _, def := range a.registry.Definitions() {
			defs = append(defs, llm.ToolDef{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			})
		}
	}
	return append(defs, spawnToolDef())
}

func (a *Agent) systemPrompt() string {
	return delegationGuidance + baseSystemPrompt
}

func (a *Agent) reply(in bus.InboundMessage, key, content string) bus.OutboundMessage {
	return bus.OutboundMessage{
		Channel:  in.Channel,
		ChatID:   in.ChatID,
		Content:  content,
		Metadata: map[string]string{"session": key},
	}
}
