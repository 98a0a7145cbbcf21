// Package main provides runtime assembly for the agent service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/policy"
	"github.com/vinayprograms/agentkit/telemetry"
	"github.com/vinayprograms/agentkit/tools"

	"github.com/maestro-agent/maestro/internal/agent"
	"github.com/maestro-agent/maestro/internal/bus"
	"github.com/maestro-agent/maestro/internal/config"
	"github.com/maestro-agent/maestro/internal/session"
	"github.com/maestro-agent/maestro/internal/subagent"
	"github.com/maestro-agent/maestro/internal/task"
)

// runtime assembles the agent's components from configuration.
type runtime struct {
	cfg *config.Config
	pol *policy.Policy

	// Components
	provider llm.Provider
	registry *tools.Registry
	telem    telemetry.Exporter
	sessions *session.Manager
	msgBus   bus.Bus
	agent    *agent.Agent

	// Storage
	storagePath string

	// Cleanup
	closers []func()
}

// newRuntime creates a runtime from loaded configuration.
func newRuntime(cfg *config.Config) *runtime {
	rt := &runtime{cfg: cfg}
	rt.resolveStoragePath()
	return rt
}

// resolveStoragePath expands the configured storage directory.
func (rt *runtime) resolveStoragePath() {
	rt.storagePath = rt.cfg.Storage.Path
	if rt.storagePath == "" {
		home, _ := os.UserHomeDir()
		rt.storagePath = filepath.Join(home, ".local", "maestro")
	}
	if len(rt.storagePath) > 0 && rt.storagePath[0] == '~' {
		home, _ := os.UserHomeDir()
		rt.storagePath = filepath.Join(home, rt.storagePath[1:])
	}
}

// setup initializes all runtime components. Returns error on failure.
func (rt *runtime) setup(withBus bool) error {
	if err := rt.createProvider(); err != nil {
		return err
	}
	rt.setupRegistry()
	if err := rt.setupSessions(); err != nil {
		return err
	}
	if err := rt.setupTelemetry(); err != nil {
		return err
	}
	if withBus {
		if err := rt.setupBus(); err != nil {
			return err
		}
	}
	rt.createAgent()
	rt.setupCallbacks()
	return nil
}

// createProvider creates the main LLM provider.
func (rt *runtime) createProvider() error {
	llmProvider := rt.cfg.LLM.Provider
	if llmProvider == "" {
		llmProvider = llm.InferProviderFromModel(rt.cfg.LLM.Model)
	}
	if llmProvider == "" && rt.cfg.LLM.Model == "" {
		return fmt.Errorf("LLM model not configured")
	}

	apiKey := rt.cfg.GetAPIKey()
	if globalCreds != nil {
		if k := globalCreds.GetAPIKey(llmProvider); k != "" {
			apiKey = k
		}
	}

	var err error
	rt.provider, err = llm.NewProvider(llm.ProviderConfig{
		Provider:  llmProvider,
		Model:     rt.cfg.LLM.Model,
		APIKey:    apiKey,
		MaxTokens: rt.cfg.LLM.MaxTokens,
		BaseURL:   rt.cfg.LLM.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("creating LLM provider: %w", err)
	}
	return nil
}

// setupRegistry creates the tool registry scoped to the storage workspace.
func (rt *runtime) setupRegistry() {
	rt.pol = policy.New()
	if rt.pol.Workspace == "" {
		rt.pol.Workspace, _ = os.Getwd()
	}
	rt.registry = tools.NewRegistry(rt.pol)
	if globalCreds != nil {
		rt.registry.SetCredentials(globalCreds)
	}
}

// setupSessions creates the session manager with the configured store.
func (rt *runtime) setupSessions() error {
	if !rt.cfg.Storage.Persist {
		rt.sessions = session.NewManager(session.NewMemoryStore())
		return nil
	}
	dir := filepath.Join(rt.storagePath, "sessions")
	store, err := session.NewFileStore(dir)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}
	rt.sessions = session.NewManager(store)
	return nil
}

// setupTelemetry creates the telemetry exporter.
func (rt *runtime) setupTelemetry() error {
	var err error
	if rt.cfg.Telemetry.Enabled {
		rt.telem, err = telemetry.NewExporter(rt.cfg.Telemetry.Protocol, rt.cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("creating telemetry exporter: %w", err)
		}
	} else {
		rt.telem = telemetry.NewNoopExporter()
	}
	rt.addCloser(func() { rt.telem.Close() })
	return nil
}

// setupBus connects to NATS.
func (rt *runtime) setupBus() error {
	nb, err := bus.ConnectNATS(rt.cfg.Bus.URL, rt.cfg.Bus.SubjectPrefix)
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	rt.msgBus = nb
	rt.addCloser(func() { nb.Close() })
	return nil
}

// createAgent builds the agent from configuration.
func (rt *runtime) createAgent() {
	rt.agent = agent.New(rt.provider, rt.registry, rt.sessions, rt.msgBus, agent.Config{
		MaxLLMFailures: rt.cfg.Agent.MaxLLMFailures,
		Worker: subagent.Config{
			MaxIterations:  rt.cfg.Subagent.MaxIterations,
			AdjustInterval: rt.cfg.Subagent.AdjustInterval,
			AdjustTimeout:  rt.cfg.Subagent.Timeout(),
			MaxLLMFailures: rt.cfg.Subagent.MaxLLMFailures,
			SnapshotWindow: rt.cfg.Agent.SnapshotWindow,
			ExcerptWindow:  rt.cfg.Subagent.ExcerptWindow,
		},
	})
}

// setupCallbacks wires up telemetry and progress callbacks.
func (rt *runtime) setupCallbacks() {
	rt.agent.OnToolError = func(name string, err error) {
		fmt.Fprintf(os.Stderr, "  tool error [%s]: %v\n", name, err)
		rt.telem.LogEvent("tool_error", map[string]interface{}{"tool": name, "error": err.Error()})
	}
	rt.agent.OnLLMError = func(err error) {
		fmt.Fprintf(os.Stderr, "  llm error: %v\n", err)
		rt.telem.LogEvent("llm_error", map[string]interface{}{"error": err.Error()})
	}
	rt.agent.OnTaskStart = func(t task.Task) {
		fmt.Fprintf(os.Stderr, "  spawning subagent: %s (%s)\n", t.Label, t.ID)
		rt.telem.LogEvent("subagent_start", map[string]interface{}{"task_id": t.ID, "label": t.Label})
	}
	rt.agent.OnTaskComplete = func(t task.Task) {
		fmt.Fprintf(os.Stderr, "  subagent finished: %s (%s) status=%s\n", t.Label, t.ID, t.Status)
		rt.telem.LogEvent("subagent_complete", map[string]interface{}{
			"task_id":    t.ID,
			"status":     string(t.Status),
			"iterations": t.Iterations,
		})
	}
}

// cleanup runs all registered cleanup functions.
func (rt *runtime) cleanup() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// addCloser registers a cleanup function.
func (rt *runtime) addCloser(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// Run starts the agent as a long-lived bus-connected service.
func (c *ServeCmd) Run() error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}
	if c.Bus != "" {
		cfg.Bus.URL = c.Bus
	}

	rt := newRuntime(cfg)
	if err := rt.setup(true); err != nil {
		return err
	}
	defer rt.cleanup()
	defer rt.sessions.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inbound, err := rt.msgBus.SubscribeInbound(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to bus: %w", err)
	}

	fmt.Fprintf(os.Stderr, "maestro serving on %s (prefix %q)\n", cfg.Bus.URL, cfg.Bus.SubjectPrefix)
	return rt.serve(ctx, inbound)
}

// serve processes inbound messages until the channel closes or ctx ends.
// Adjustment responses route to waiting subagents, cancellations to their
// tasks; everything else on the system channel is internal traffic and is
// not replayed through the loop.
func (rt *runtime) serve(ctx context.Context, inbound <-chan bus.InboundMessage) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if bus.IsAdjustmentResponse(msg) {
				resp, err := bus.ParseAdjustmentResponse(msg)
				if err != nil {
					fmt.Fprintf(os.Stderr, "  invalid adjustment response: %v\n", err)
					continue
				}
				rt.agent.HandleAdjustment(resp.TaskID, resp.Feedback)
				continue
			}
			if bus.IsCancelRequest(msg) {
				req, err := bus.ParseCancelRequest(msg)
				if err != nil {
					fmt.Fprintf(os.Stderr, "  invalid cancel request: %v\n", err)
					continue
				}
				if err := rt.agent.CancelTask(req.TaskID); err != nil {
					fmt.Fprintf(os.Stderr, "  cancel %s: %v\n", req.TaskID, err)
				}
				continue
			}
			if msg.Channel == bus.SystemChannel {
				continue
			}
			rt.handleMessage(ctx, msg)
		}
	}
}

// handleMessage runs one turn and publishes the reply.
func (rt *runtime) handleMessage(ctx context.Context, msg bus.InboundMessage) {
	out, err := rt.agent.ProcessMessage(ctx, msg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "  turn failed: %v\n", err)
	}
	if out.Content != "" {
		if err := rt.msgBus.PublishOutbound(ctx, out); err != nil {
			fmt.Fprintf(os.Stderr, "  failed to publish reply: %v\n", err)
		}
	}
	if rt.cfg.Storage.Persist {
		key := session.Key(msg.Channel, msg.ChatID)
		if err := rt.sessions.Save(key); err != nil {
			fmt.Fprintf(os.Stderr, "  failed to save session %s: %v\n", key, err)
		}
	}
}

// Run processes a single message without a bus and prints the reply.
func (c *SendCmd) Run() error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}

	rt := newRuntime(cfg)
	if err := rt.setup(false); err != nil {
		return err
	}
	defer rt.cleanup()
	defer rt.sessions.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := rt.agent.ProcessMessage(ctx, bus.InboundMessage{
		Channel:  c.Channel,
		SenderID: "operator",
		ChatID:   c.ChatID,
		Content:  c.Message,
	})
	if err != nil {
		return err
	}
	fmt.Println(out.Content)

	if c.Wait {
		key := session.Key(c.Channel, c.ChatID)
		if mgr := rt.agent.Manager(key); mgr != nil {
			if err := mgr.JoinAll(ctx); err != nil {
				return err
			}
		}
	}

	if cfg.Storage.Persist {
		key := session.Key(c.Channel, c.ChatID)
		if err := rt.sessions.Save(key); err != nil {
			return fmt.Errorf("saving session: %w", err)
		}
	}
	return nil
}

// Run publishes adjustment feedback for a task over the bus.
func (c *AdjustCmd) Run() error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}
	if c.Bus != "" {
		cfg.Bus.URL = c.Bus
	}

	nb, err := bus.ConnectNATS(cfg.Bus.URL, cfg.Bus.SubjectPrefix)
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer nb.Close()

	payload, err := json.Marshal(bus.AdjustmentResponse{
		TaskID:   c.TaskID,
		Feedback: c.Feedback,
	})
	if err != nil {
		return err
	}
	return nb.PublishInbound(context.Background(), bus.InboundMessage{
		Channel:  bus.SystemChannel,
		SenderID: "operator",
		ChatID:   bus.ChatAdjustmentResponse,
		Content:  string(payload),
	})
}

// Run publishes a task cancellation over the bus.
func (c *CancelCmd) Run() error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}
	if c.Bus != "" {
		cfg.Bus.URL = c.Bus
	}

	nb, err := bus.ConnectNATS(cfg.Bus.URL, cfg.Bus.SubjectPrefix)
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer nb.Close()

	payload, err := json.Marshal(bus.CancelRequest{TaskID: c.TaskID})
	if err != nil {
		return err
	}
	return nb.PublishInbound(context.Background(), bus.InboundMessage{
		Channel:  bus.SystemChannel,
		SenderID: "operator",
		ChatID:   bus.ChatTaskCancel,
		Content:  string(payload),
	})
}
