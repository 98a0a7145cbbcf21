// Package session owns per-conversation state and its persistence.
//
// Each conversation is guarded by a single-writer actor: one goroutine
// owns the State, and every read or mutation is submitted as a command.
// Commands apply atomically, so concurrent writers (the main loop and
// completing subagent workers) can never interleave partial writes.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
)

// State is the conversation state for one external session/thread.
type State struct {
	// Key identifies the session, formatted "channel:chat_id".
	Key string `json:"key"`

	// Messages is the append-only conversation history.
	Messages []llm.Message `json:"messages"`

	// ActiveTasks lists delegated task ids not yet resolved and pruned.
	ActiveTasks []string `json:"active_tasks,omitempty"`

	// ToolsUsed is per-turn scratch: tool names invoked this turn.
	// Cleared when a new turn starts. Not persisted.
	ToolsUsed []string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key builds a session key from a bus channel and chat id.
func Key(channel, chatID string) string {
	return channel + ":" + chatID
}

// Handle is the actor owning one State.
type Handle struct {
	key  string
	cmds chan func(*State)
	quit chan struct{}
	once sync.Once
}

// NewHandle starts an actor for a fresh session.
func NewHandle(key string) *Handle {
	now := time.Now()
	return Resume(&State{Key: key, CreatedAt: now, UpdatedAt: now})
}

// Resume starts an actor over previously loaded state.
func Resume(st *State) *Handle {
	h := &Handle{
		key:  st.Key,
		cmds: make(chan func(*State)),
		quit: make(chan struct{}),
	}
	go h.loop(st)
	return h
}

func (h *Handle) loop(st *State) {
	for {
		select {
		case fn := <-h.cmds:
			fn(st)
			st.UpdatedAt = time.Now()
		case <-h.quit:
			return
		}
	}
}

// Key returns the session key.
func (h *Handle) Key() string { return h.key }

// Do submits a command for asynchronous, atomic application.
// Reports false if the handle is closed.
func (h *Handle) Do(fn func(*State)) bool {
	select {
	case h.cmds <- fn:
		return true
	case <-h.quit:
		return false
	}
}

// Sync submits a command and waits for it to apply.
func (h *Handle) Sync(fn func(*State)) bool {
	done := make(chan struct{})
	ok := h.Do(func(s *State) {
		fn(s)
		close(done)
	})
	if !ok {
		return false
	}
	<-done
	return true
}

// Append adds messages to the conversation as one atomic unit.
func (h *Handle) Append(msgs ...llm.Message) {
	h.Sync(func(s *State) {
		s.Messages = append(s.Messages, msgs...)
	})
}

// Messages returns a copy of the conversation history.
func (h *Handle) Messages() []llm.Message {
	var out []llm.Message
	h.Sync(func(s *State) {
		out = append(out, s.Messages...)
	})
	return out
}

// Snapshot returns a copy of the last n messages. Used to give a
// subagent its immutable initial context at spawn time.
func (h *Handle) Snapshot(n int) []llm.Message {
	var out []llm.Message
	h.Sync(func(s *State) {
		start := len(s.Messages) - n
		if start < 0 {
			start = 0
		}
		out = append(out, s.Messages[start:]...)
	})
	return out
}

// Export returns a copy of the full state for persistence.
func (h *Handle) Export() State {
	var out State
	h.Sync(func(s *State) {
		out = *s
		out.Messages = append([]llm.Message(nil), s.Messages...)
		out.ActiveTasks = append([]string(nil), s.ActiveTasks...)
		out.ToolsUsed = nil
	})
	return out
}

// Close stops the actor. Pending commands submitted after Close are dropped.
func (h *Handle) Close() {
	h.once.Do(func() { close(h.quit) })
}

// Manager hands out session handles keyed by session key, loading
// persisted state on first access.
type Manager struct {
	mu       sync.Mutex
	store    Store
	sessions map[string]*Handle
	logger   *logging.Logger
}

// NewManager creates a session manager over a store.
func NewManager(store Store) *Manager {
	return &Manager{
		store:    store,
		sessions: make(map[string]*Handle),
		logger:   logging.New().WithComponent("session"),
	}
}

// Get returns the handle for key, resuming persisted state if present.
// A missing record means a fresh session; any other load failure
// (corrupt record, unreadable store) also starts fresh but is logged,
// so persisted history is never dropped silently.
func (m *Manager) Get(key string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.sessions[key]; ok {
		return h
	}
	var h *Handle
	st, err := m.store.Load(key)
	switch {
	case err == nil && st != nil:
		h = Resume(st)
	default:
		if err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Warn("failed to load session, starting fresh", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		h = NewHandle(key)
	}
	m.sessions[key] = h
	return h
}

// Save persists the current state for key.
func (m *Manager) Save(key string) error {
	m.mu.Lock()
	h, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	st := h.Export()
	return m.store.Save(&st)
}

// Close stops every session actor.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.sessions {
		h.Close()
	}
}
