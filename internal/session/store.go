package session

import (
	"errors"
	"sync"
)

// ErrNotFound is returned when no state is persisted for a key.
var ErrNotFound = errors.New("session not found")

// Store is the interface for conversation-state persistence.
type Store interface {
	Save(st *State) error
	Load(key string) (*State, error)
}

// MemoryStore keeps sessions in memory. This is the reference behavior:
// state is volatile and lost on restart.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]State
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]State)}
}

// Save stores a copy of the state.
func (s *MemoryStore) Save(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[st.Key] = *st
	return nil
}

// Load returns a copy of the stored state.
func (s *MemoryStore) Load(key string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := st
	return &out, nil
}
