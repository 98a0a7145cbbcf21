package session

import (
	"errors"
	"sync"
	"testing"

	"github.com/vinayprograms/agentkit/llm"
)

func TestKey(t *testing.T) {
	if got := Key("telegram", "12345"); got != "telegram:12345" {
		t.Errorf("unexpected key: %q", got)
	}
}

func TestHandle_AppendAndMessages(t *testing.T) {
	h := NewHandle("test:1")
	defer h.Close()

	h.Append(llm.Message{Role: "user", Content: "hello"})
	h.Append(
		llm.Message{Role: "assistant", Content: "", ToolCalls: []llm.ToolCallResponse{{ID: "c1", Name: "read"}}},
		llm.Message{Role: "tool", ToolCallID: "c1", Content: "file contents"},
	)

	msgs := h.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[2].ToolCallID != "c1" {
		t.Errorf("tool result not linked: %q", msgs[2].ToolCallID)
	}
}

// Concurrent writers submit multi-message units; no unit may interleave
// with another.
func TestHandle_ConcurrentAppendsAreAtomic(t *testing.T) {
	h := NewHandle("test:1")
	defer h.Close()

	const writers = 8
	const rounds = 25

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				h.Append(
					llm.Message{Role: "assistant", Content: "pair-first"},
					llm.Message{Role: "tool", Content: "pair-second"},
				)
			}
		}()
	}
	wg.Wait()

	msgs := h.Messages()
	if len(msgs) != writers*rounds*2 {
		t.Fatalf("expected %d messages, got %d", writers*rounds*2, len(msgs))
	}
	for i := 0; i < len(msgs); i += 2 {
		if msgs[i].Content != "pair-first" || msgs[i+1].Content != "pair-second" {
			t.Fatalf("interleaved pair at index %d: %q / %q", i, msgs[i].Content, msgs[i+1].Content)
		}
	}
}

func TestHandle_SnapshotBounds(t *testing.T) {
	h := NewHandle("test:1")
	defer h.Close()

	for i := 0; i < 15; i++ {
		h.Append(llm.Message{Role: "user", Content: "m"})
	}

	if got := len(h.Snapshot(10)); got != 10 {
		t.Errorf("expected snapshot of 10, got %d", got)
	}
	if got := len(h.Snapshot(100)); got != 15 {
		t.Errorf("short history should return all messages, got %d", got)
	}
}

func TestHandle_SnapshotIsACopy(t *testing.T) {
	h := NewHandle("test:1")
	defer h.Close()

	h.Append(llm.Message{Role: "user", Content: "original"})
	snap := h.Snapshot(10)
	snap[0].Content = "mutated"

	if h.Messages()[0].Content != "original" {
		t.Error("snapshot mutation leaked into session state")
	}
}

func TestHandle_ClosedHandleDropsCommands(t *testing.T) {
	h := NewHandle("test:1")
	h.Close()
	h.Close() // idempotent

	if ok := h.Sync(func(s *State) {}); ok {
		t.Error("expected Sync on closed handle to report false")
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	store := NewMemoryStore()
	st := &State{Key: "a:b", Messages: []llm.Message{{Role: "user", Content: "hi"}}}
	if err := store.Save(st); err != nil {
		t.Fatalf("save error: %v", err)
	}

	loaded, err := store.Load("a:b")
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if len(loaded.Messages) != 1 || loaded.Messages[0].Content != "hi" {
		t.Errorf("unexpected state: %+v", loaded)
	}

	if _, err := store.Load("missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("store error: %v", err)
	}

	st := &State{
		Key: "telegram:42",
		Messages: []llm.Message{
			{Role: "user", Content: "question"},
			{Role: "assistant", Content: "answer"},
		},
		ActiveTasks: []string{"ab12cd34"},
	}
	if err := store.Save(st); err != nil {
		t.Fatalf("save error: %v", err)
	}

	loaded, err := store.Load("telegram:42")
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if loaded.Key != "telegram:42" {
		t.Errorf("unexpected key: %q", loaded.Key)
	}
	if len(loaded.Messages) != 2 || loaded.Messages[1].Content != "answer" {
		t.Errorf("messages not restored: %+v", loaded.Messages)
	}
	if len(loaded.ActiveTasks) != 1 || loaded.ActiveTasks[0] != "ab12cd34" {
		t.Errorf("active tasks not restored: %+v", loaded.ActiveTasks)
	}
}

func TestFileStore_MissingSession(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	if _, err := store.Load("nope:nope"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_GetResumesPersistedState(t *testing.T) {
	store := NewMemoryStore()
	store.Save(&State{Key: "a:b", Messages: []llm.Message{{Role: "user", Content: "earlier"}}})

	m := NewManager(store)
	defer m.Close()

	h := m.Get("a:b")
	msgs := h.Messages()
	if len(msgs) != 1 || msgs[0].Content != "earlier" {
		t.Errorf("persisted state not resumed: %+v", msgs)
	}

	// Same key returns the same handle.
	if m.Get("a:b") != h {
		t.Error("expected the same handle for repeated Get")
	}
}

// failingStore returns a non-ErrNotFound error from Load, standing in
// for a corrupt or unreadable persisted record.
type failingStore struct {
	loads int
}

func (s *failingStore) Save(*State) error { return nil }

func (s *failingStore) Load(string) (*State, error) {
	s.loads++
	return nil, errors.New("record corrupt")
}

func TestManager_GetFallsBackOnLoadFailure(t *testing.T) {
	store := &failingStore{}
	m := NewManager(store)
	defer m.Close()

	h := m.Get("a:b")
	if h == nil {
		t.Fatal("expected a usable handle despite the load failure")
	}
	if store.loads != 1 {
		t.Fatalf("expected one load attempt, got %d", store.loads)
	}

	// The fresh session works normally and is not re-loaded.
	h.Append(llm.Message{Role: "user", Content: "after failure"})
	if got := len(h.Messages()); got != 1 {
		t.Errorf("fresh session broken: %d messages", got)
	}
	if m.Get("a:b") != h {
		t.Error("expected the cached handle on repeated Get")
	}
	if store.loads != 1 {
		t.Errorf("cached handle should not hit the store again, loads=%d", store.loads)
	}
}

func TestManager_SaveExportsState(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store)
	defer m.Close()

	h := m.Get("x:y")
	h.Append(llm.Message{Role: "user", Content: "persist me"})

	if err := m.Save("x:y"); err != nil {
		t.Fatalf("save error: %v", err)
	}
	loaded, err := store.Load("x:y")
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if len(loaded.Messages) != 1 || loaded.Messages[0].Content != "persist me" {
		t.Errorf("unexpected persisted state: %+v", loaded)
	}
}
