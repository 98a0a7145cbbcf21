// Package task tracks delegated background tasks and their lifecycle.
package task

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/llm"
)

// Status represents the lifecycle state of a delegated task.
type Status string

const (
	StatusRunning            Status = "running"
	StatusAwaitingAdjustment Status = "awaiting_adjustment"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusCancelled          Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var (
	ErrTaskExists   = errors.New("task already registered")
	ErrTaskNotFound = errors.New("task not found")
	ErrTerminal     = errors.New("task is in a terminal state")
)

// Task is one delegated unit of background work. The registry hands out
// value copies; the authoritative record lives inside the Registry.
type Task struct {
	ID          string
	Label       string
	Description string
	Status      Status
	Result      string

	// Snapshot is the immutable initial context copied from the parent
	// conversation at spawn time. It never updates afterwards.
	Snapshot []llm.Message

	Iterations int
	Ceiling    int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Registry is the shared view of delegated tasks, read by the main loop
// and written by the subagent manager and its workers.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Add registers a new task. Two tasks may never share an identifier.
func (r *Registry) Add(t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, t.ID)
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusRunning
	}
	stored := t
	r.tasks[t.ID] = &stored
	return nil
}

// Get returns a copy of the task record.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Has reports whether the registry knows the task id.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tasks[id]
	return ok
}

// SetStatus applies a non-terminal status transition. Transitions are
// monotonic: once a task is terminal no further transition is accepted.
func (r *Registry) SetStatus(id string, s Status) error {
	if s.Terminal() {
		return fmt.Errorf("terminal transition for %s must go through Complete", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, t.Status)
	}
	t.Status = s
	t.UpdatedAt = time.Now()
	return nil
}

// Complete moves a task to a terminal status and records its result.
// A task already in a terminal state is left untouched (check-before-write:
// a cancelled task must not be overwritten by a late completion).
func (r *Registry) Complete(id string, s Status, result string) error {
	if !s.Terminal() {
		return fmt.Errorf("status %s is not terminal", s)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: %s is already %s", ErrTerminal, id, t.Status)
	}
	t.Status = s
	t.Result = result
	t.UpdatedAt = time.Now()
	return nil
}

// SetIterations records the worker's current iteration count.
func (r *Registry) SetIterations(id string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok {
		t.Iterations = n
		t.UpdatedAt = time.Now()
	}
}

// Active returns copies of all non-terminal tasks, oldest first.
func (r *Registry) Active() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Task
	for _, t := range r.tasks {
		if !t.Status.Terminal() {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActiveCount returns the number of non-terminal tasks.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, t := range r.tasks {
		if !t.Status.Terminal() {
			n++
		}
	}
	return n
}

// PruneTerminal removes every terminal task and returns the removed copies.
// Called by the main loop's state merge once completion messages have been
// surfaced into the conversation.
func (r *Registry) PruneTerminal() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []Task
	for id, t := range r.tasks {
		if t.Status.Terminal() {
			removed = append(removed, *t)
			delete(r.tasks, id)
		}
	}
	return removed
}
