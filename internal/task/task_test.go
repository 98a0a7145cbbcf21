// Package task tracks delegated background tasks and their lifecycle.
package task

import (
	"errors"
	"testing"
)

func TestRegistry_AddAndGet(t *testing.T) {
	r := NewRegistry()
	err := r.Add(Task{ID: "a1b2c3d4", Label: "research", Description: "find papers", Ceiling: 15})
	if err != nil {
		t.Fatalf("add error: %v", err)
	}

	got, ok := r.Get("a1b2c3d4")
	if !ok {
		t.Fatal("expected task to exist")
	}
	if got.Status != StatusRunning {
		t.Errorf("expected default status running, got %s", got.Status)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be stamped")
	}
}

func TestRegistry_DuplicateID(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(Task{ID: "same"}); err != nil {
		t.Fatalf("add error: %v", err)
	}
	err := r.Add(Task{ID: "same"})
	if !errors.Is(err, ErrTaskExists) {
		t.Errorf("expected ErrTaskExists, got %v", err)
	}
}

func TestRegistry_StatusTransitions(t *testing.T) {
	r := NewRegistry()
	r.Add(Task{ID: "t1"})

	if err := r.SetStatus("t1", StatusAwaitingAdjustment); err != nil {
		t.Fatalf("running -> awaiting_adjustment: %v", err)
	}
	if err := r.SetStatus("t1", StatusRunning); err != nil {
		t.Fatalf("awaiting_adjustment -> running: %v", err)
	}
	if err := r.Complete("t1", StatusCompleted, "done"); err != nil {
		t.Fatalf("running -> completed: %v", err)
	}

	got, _ := r.Get("t1")
	if got.Result != "done" {
		t.Errorf("expected result recorded, got %q", got.Result)
	}
}

// A terminal status is final: no transition out of it is accepted.
func TestRegistry_TerminalIsMonotonic(t *testing.T) {
	r := NewRegistry()
	r.Add(Task{ID: "t1"})
	r.Complete("t1", StatusCancelled, "")

	if err := r.SetStatus("t1", StatusRunning); !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal on SetStatus, got %v", err)
	}
	if err := r.Complete("t1", StatusCompleted, "late result"); !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal on Complete, got %v", err)
	}

	got, _ := r.Get("t1")
	if got.Status != StatusCancelled {
		t.Errorf("cancelled task was overwritten to %s", got.Status)
	}
	if got.Result != "" {
		t.Errorf("late result leaked into cancelled task: %q", got.Result)
	}
}

func TestRegistry_SetStatusRejectsTerminalTargets(t *testing.T) {
	r := NewRegistry()
	r.Add(Task{ID: "t1"})
	if err := r.SetStatus("t1", StatusCompleted); err == nil {
		t.Error("expected error when using SetStatus for a terminal status")
	}
}

func TestRegistry_ActiveAndPrune(t *testing.T) {
	r := NewRegistry()
	r.Add(Task{ID: "t1"})
	r.Add(Task{ID: "t2"})
	r.Add(Task{ID: "t3"})
	r.Complete("t2", StatusFailed, "boom")

	if n := r.ActiveCount(); n != 2 {
		t.Errorf("expected 2 active tasks, got %d", n)
	}

	removed := r.PruneTerminal()
	if len(removed) != 1 || removed[0].ID != "t2" {
		t.Fatalf("expected t2 pruned, got %+v", removed)
	}
	if r.Has("t2") {
		t.Error("pruned task still present")
	}
	if !r.Has("t1") || !r.Has("t3") {
		t.Error("active tasks were pruned")
	}
}

func TestRegistry_ActiveOrderedByCreation(t *testing.T) {
	r := NewRegistry()
	r.Add(Task{ID: "first"})
	r.Add(Task{ID: "second"})
	r.Add(Task{ID: "third"})

	active := r.Active()
	if len(active) != 3 {
		t.Fatalf("expected 3 active, got %d", len(active))
	}
	if active[0].ID != "first" || active[2].ID != "third" {
		t.Errorf("unexpected order: %s, %s, %s", active[0].ID, active[1].ID, active[2].ID)
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusRunning, StatusAwaitingAdjustment} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
