// Package subagent runs delegated tasks as bounded background workers,
// supervised by a Manager that owns spawn, adjustment arbitration,
// cancellation, and completion write-back into the parent conversation.
package subagent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/tools"

	"github.com/maestro-agent/maestro/internal/adjust"
	"github.com/maestro-agent/maestro/internal/bus"
	"github.com/maestro-agent/maestro/internal/session"
	"github.com/maestro-agent/maestro/internal/task"
)

// Config bounds worker execution.
type Config struct {
	MaxIterations  int           // iteration ceiling per task
	AdjustInterval int           // request adjustment every N iterations (0 = never)
	AdjustTimeout  time.Duration // wait for feedback before proceeding unadjusted
	MaxLLMFailures int           // consecutive reasoning failures before the task fails
	SnapshotWindow int           // parent messages copied at spawn
	ExcerptWindow  int           // transcript messages included in an adjustment request
}

// DefaultConfig returns the reference worker bounds.
func DefaultConfig() Config {
	return Config{
		MaxIterations:  15,
		AdjustInterval: 3,
		AdjustTimeout:  30 * time.Second,
		MaxLLMFailures: 3,
		SnapshotWindow: 10,
		ExcerptWindow:  5,
	}
}

// workerHandle retains join/cancel capability for one spawned worker.
type workerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager supervises the workers of one session.
type Manager struct {
	provider    llm.Provider
	registry    *tools.Registry
	tasks       *task.Registry
	adjustments *adjust.Channel
	session     *session.Handle
	bus         bus.Bus
	logger      *logging.Logger
	cfg         Config

	mu      sync.Mutex
	workers map[string]*workerHandle

	// Callbacks
	OnTaskStart    func(t task.Task)
	OnTaskComplete func(t task.Task)
}

// NewManager creates a manager bound to one session's conversation state
// and task registry. The bus may be nil when no transport is attached.
func NewManager(provider llm.Provider, registry *tools.Registry, tasks *task.Registry, sess *session.Handle, b bus.Bus, cfg Config) *Manager {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 15
	}
	if cfg.MaxLLMFailures <= 0 {
		cfg.MaxLLMFailures = 3
	}
	if cfg.SnapshotWindow <= 0 {
		cfg.SnapshotWindow = 10
	}
	if cfg.ExcerptWindow <= 0 {
		cfg.ExcerptWindow = 5
	}
	if cfg.AdjustTimeout <= 0 {
		cfg.AdjustTimeout = 30 * time.Second
	}
	return &Manager{
		provider:    provider,
		registry:    registry,
		tasks:       tasks,
		adjustments: adjust.NewChannel(),
		session:     sess,
		bus:         b,
		logger:      logging.New().WithComponent("subagent"),
		cfg:         cfg,
		workers:     make(map[string]*workerHandle),
	}
}

// Tasks exposes the registry this manager writes to.
func (m *Manager) Tasks() *task.Registry { return m.tasks }

// Spawn creates a Delegated Task and starts its worker concurrently with
// the caller. It never blocks on worker progress. The label falls back to
// a truncation of the task description.
func (m *Manager) Spawn(description, label string) (task.Task, error) {
	if description == "" {
		return task.Task{}, fmt.Errorf("empty task description")
	}
	if label == "" {
		label = truncateLabel(description, 30)
	}

	id := uuid.NewString()[:8]
	t := task.Task{
		ID:          id,
		Label:       label,
		Description: description,
		Status:      task.StatusRunning,
		Snapshot:    m.session.Snapshot(m.cfg.SnapshotWindow),
		Ceiling:     m.cfg.MaxIterations,
	}
	if err := m.tasks.Add(t); err != nil {
		return task.Task{}, err
	}

	m.mu.Lock()
	if _, ok := m.workers[id]; ok {
		m.mu.Unlock()
		return task.Task{}, fmt.Errorf("worker already running for task %s", id)
	}
	// Workers outlive the spawning turn; their lifetime is bounded by the
	// iteration ceiling and by explicit cancellation, not by the turn context.
	ctx, cancel := context.WithCancel(context.Background())
	wh := &workerHandle{cancel: cancel, done: make(chan struct{})}
	m.workers[id] = wh
	m.mu.Unlock()

	m.logger.Info("spawning subagent", map[string]interface{}{
		"task_id": id,
		"label":   label,
	})
	if m.OnTaskStart != nil {
		m.OnTaskStart(t)
	}

	go m.runWorker(ctx, wh, t)
	return t, nil
}

func (m *Manager) runWorker(ctx context.Context, wh *workerHandle, t task.Task) {
	defer func() {
		m.mu.Lock()
		delete(m.workers, t.ID)
		m.mu.Unlock()
		close(wh.done)
	}()

	w := newWorker(t, m.provider, m.registry, m.tasks, m.adjustments, m.bus, m.cfg)
	status, result := w.run(ctx)
	m.complete(t.ID, status, result)
}

// complete applies the terminal status, result, and completion notice to
// the parent conversation as one atomic command on the session actor.
// Concurrent completions therefore never interleave partial writes.
func (m *Manager) complete(id string, status task.Status, result string) {
	m.session.Sync(func(s *session.State) {
		if err := m.tasks.Complete(id, status, result); err != nil {
			// Already terminal, e.g. cancelled externally while finishing.
			m.logger.Debug("skipping completion write", map[string]interface{}{
				"task_id": id,
				"error":   err.Error(),
			})
			return
		}
		t, _ := m.tasks.Get(id)
		s.Messages = append(s.Messages, llm.Message{
			Role:    "system",
			Content: completionNotice(t),
		})
	})

	if t, ok := m.tasks.Get(id); ok {
		m.logger.Info("subagent finished", map[string]interface{}{
			"task_id":    id,
			"status":     string(t.Status),
			"iterations": t.Iterations,
		})
		if m.OnTaskComplete != nil {
			m.OnTaskComplete(t)
		}
	}
}

// completionNotice renders the system message surfaced to the main loop's
// next reasoning turn.
func completionNotice(t task.Task) string {
	switch t.Status {
	case task.StatusCompleted:
		return fmt.Sprintf("[Subagent '%s' completed]\n%s", t.Label, t.Result)
	case task.StatusFailed:
		return fmt.Sprintf("[Subagent '%s' failed]\n%s", t.Label, t.Result)
	case task.StatusCancelled:
		return fmt.Sprintf("[Subagent '%s' cancelled]", t.Label)
	default:
		return fmt.Sprintf("[Subagent '%s' status: %s]", t.Label, t.Status)
	}
}

// HandleAdjustment resolves a pending adjustment request for taskID.
// Resolution and request are allowed to race: a miss is logged as a
// warning and reported false, never treated as an error.
func (m *Manager) HandleAdjustment(taskID, feedback string) bool {
	if m.adjustments.Resolve(taskID, feedback) {
		m.logger.Info("adjustment delivered", map[string]interface{}{"task_id": taskID})
		return true
	}
	m.logger.Warn("no pending adjustment request", map[string]interface{}{"task_id": taskID})
	return false
}

// Cancel marks a task cancelled and signals its worker to stop at the next
// iteration boundary. The cancelled status is written first so a late
// completion from the worker is rejected by the registry.
func (m *Manager) Cancel(id string) error {
	m.session.Sync(func(s *session.State) {
		if err := m.tasks.Complete(id, task.StatusCancelled, ""); err != nil {
			return
		}
		t, _ := m.tasks.Get(id)
		s.Messages = append(s.Messages, llm.Message{
			Role:    "system",
			Content: completionNotice(t),
		})
	})

	m.mu.Lock()
	wh, ok := m.workers[id]
	m.mu.Unlock()
	if !ok {
		if !m.tasks.Has(id) {
			return fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
		}
		return nil
	}
	wh.cancel()
	return nil
}

// Join blocks until the worker for id has finished, or ctx ends.
func (m *Manager) Join(ctx context.Context, id string) error {
	m.mu.Lock()
	wh, ok := m.workers[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-wh.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JoinAll blocks until every spawned worker has finished, or ctx ends.
func (m *Manager) JoinAll(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]*workerHandle, 0, len(m.workers))
	for _, wh := range m.workers {
		handles = append(handles, wh)
	}
	m.mu.Unlock()
	for _, wh := range handles {
		select {
		case <-wh.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func truncateLabel(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
