package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Mnehmos/rooswarm/internal/event"
)

func apply(t *testing.T, m Model, ev event.Event) Model {
	t.Helper()
	next, _ := m.Update(busMsg{ev: ev})
	model, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return model
}

func TestView_InitialStates(t *testing.T) {
	m := New([]string{"build", "test"})
	view := m.View()

	if !strings.Contains(view, "build") || !strings.Contains(view, "test") {
		t.Errorf("View should list every task:\n%s", view)
	}
	if !strings.Contains(view, "0/2 completed") {
		t.Errorf("View should show progress:\n%s", view)
	}
}

func TestUpdate_TaskLifecycle(t *testing.T) {
	m := New([]string{"build"})

	m = apply(t, m, event.NewTaskAssignedEvent("build", "build", "/worker-1"))
	if m.states["build"] != "running" {
		t.Errorf("Expected running after assignment, got %s", m.states["build"])
	}

	m = apply(t, m, event.NewTaskCompletedEvent("build"))
	if m.states["build"] != "completed" {
		t.Errorf("Expected completed, got %s", m.states["build"])
	}
	if !strings.Contains(m.View(), "1/1 completed") {
		t.Errorf("Progress should advance:\n%s", m.View())
	}
}

func TestUpdate_FailureNoted(t *testing.T) {
	m := New([]string{"build"})
	m = apply(t, m, event.NewTaskAssignedEvent("build", "build", "/worker-1"))
	m = apply(t, m, event.NewTaskFailedEvent("build", "worker crashed"))

	view := m.View()
	if !strings.Contains(view, "worker crashed") {
		t.Errorf("Failure reason should appear in the feed:\n%s", view)
	}
	if !strings.Contains(view, "1 failed") {
		t.Errorf("Status bar should count failures:\n%s", view)
	}
}

func TestUpdate_RunCompletedQuits(t *testing.T) {
	m := New([]string{"a"})
	next, cmd := m.Update(busMsg{ev: event.NewRunCompletedEvent(1)})

	if cmd == nil {
		t.Fatal("Run completion should quit the view")
	}
	if !next.(Model).done {
		t.Error("Model should record completion")
	}
}

func TestUpdate_RateLimitWarning(t *testing.T) {
	m := New([]string{"a"})
	m = apply(t, m, event.NewRateLimitWarningEvent("anthropic", 92, 100, 8))

	if !strings.Contains(m.View(), "92/100 RPM") {
		t.Errorf("Rate pressure should show in the status bar:\n%s", m.View())
	}
}

func TestUpdate_QuitKeys(t *testing.T) {
	m := New([]string{"a"})
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Error("q should quit")
	}
}

func TestUpdate_NoteFeedBounded(t *testing.T) {
	m := New([]string{"a"})
	for i := 0; i < maxNotes+5; i++ {
		m = apply(t, m, event.NewWorkerDisconnectedEvent("w"))
	}
	if len(m.notes) != maxNotes {
		t.Errorf("Note feed should cap at %d, got %d", maxNotes, len(m.notes))
	}
}
