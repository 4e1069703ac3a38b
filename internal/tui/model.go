// Package tui renders a live view of a run: per-task state, worker
// assignments, and rate-limit pressure. It is a pure observer over the
// event bus; closing the view never affects the run.
package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Mnehmos/rooswarm/internal/event"
)

// busMsg wraps a bus event for delivery into the bubbletea loop.
type busMsg struct {
	ev event.Event
}

// Model is the bubbletea model for the run view.
type Model struct {
	taskIDs []string
	states  map[string]string
	workers map[string]string
	notes   []string // rolling feed of notable events

	rpm      int
	rpmLimit int
	rpmWarn  bool

	completed int
	failed    int
	done      bool
	stalled   bool
	width     int
}

// maxNotes bounds the event feed.
const maxNotes = 8

// New creates a run view for the given tasks, in display order.
func New(taskIDs []string) Model {
	states := make(map[string]string, len(taskIDs))
	for _, id := range taskIDs {
		states[id] = "pending"
	}
	return Model{
		taskIDs: taskIDs,
		states:  states,
		workers: make(map[string]string),
		width:   80,
	}
}

// Attach forwards every bus event into the program. Returns the
// unsubscribe function.
func Attach(p *tea.Program, bus *event.Bus) func() {
	id := bus.SubscribeAll(func(e event.Event) {
		p.Send(busMsg{ev: e})
	})
	return func() { bus.Unsubscribe(id) }
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil

	case busMsg:
		return m.applyEvent(msg.ev)
	}
	return m, nil
}

// applyEvent folds one bus event into the view state.
func (m Model) applyEvent(e event.Event) (tea.Model, tea.Cmd) {
	switch ev := e.(type) {
	case event.TaskAssignedEvent:
		m.states[ev.TaskID] = "running"
		m.workers[ev.TaskID] = ev.WorkerID

	case event.TaskCompletedEvent:
		m.states[ev.TaskID] = "completed"
		delete(m.workers, ev.TaskID)
		m.completed++

	case event.TaskFailedEvent:
		m.states[ev.TaskID] = "failed"
		delete(m.workers, ev.TaskID)
		m.failed++
		m.note(failedStyle.Render(fmt.Sprintf("task %s failed: %s", ev.TaskID, ev.Reason)))

	case event.TaskAssignFailedEvent:
		m.states[ev.TaskID] = "failed"
		m.failed++
		m.note(failedStyle.Render(fmt.Sprintf("could not assign %s: %s", ev.TaskID, ev.Reason)))

	case event.RunCompletedEvent:
		m.done = true
		return m, tea.Quit

	case event.SchedulerErrorEvent:
		m.stalled = true
		m.note(failedStyle.Render(ev.Err))
		return m, tea.Quit

	case event.RateLimitWarningEvent:
		m.rpm = ev.CurrentRPM
		m.rpmLimit = ev.Limit
		m.rpmWarn = true
		m.note(warnStyle.Render(fmt.Sprintf("%s nearing rate limit: %d/%d RPM", ev.Provider, ev.CurrentRPM, ev.Limit)))

	case event.RateLimitExceededEvent:
		m.rpm = ev.CurrentRPM
		m.rpmLimit = ev.Limit
		m.rpmWarn = true
		m.note(failedStyle.Render(fmt.Sprintf("%s rate limit exceeded: %d/%d RPM", ev.Provider, ev.CurrentRPM, ev.Limit)))

	case event.WorkspaceConflictEvent:
		m.note(warnStyle.Render(fmt.Sprintf("cross-workspace write: %s by %s",
			ev.Path, strings.Join(ev.Workers, ", "))))

	case event.WorkerDisconnectedEvent:
		m.note(warnStyle.Render(fmt.Sprintf("worker %s disconnected", ev.WorkerID)))
	}
	return m, nil
}

// note appends to the rolling event feed.
func (m *Model) note(line string) {
	m.notes = append(m.notes, line)
	if len(m.notes) > maxNotes {
		m.notes = m.notes[len(m.notes)-maxNotes:]
	}
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("rooswarm"))
	b.WriteString("\n\n")

	for _, id := range m.taskIDs {
		state := m.states[id]
		line := fmt.Sprintf("%s %s", stateGlyph(state), id)
		if worker, ok := m.workers[id]; ok && worker != id {
			line += pendingStyle.Render(fmt.Sprintf(" (worker %s)", worker))
		}
		b.WriteString(stateStyle(state).Render(line))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	status := fmt.Sprintf("%d/%d completed", m.completed, len(m.taskIDs))
	if m.failed > 0 {
		status += fmt.Sprintf(", %d failed", m.failed)
	}
	if m.rpmWarn {
		status += fmt.Sprintf(" | %d/%d RPM", m.rpm, m.rpmLimit)
	}
	switch {
	case m.done:
		status += " | run complete"
	case m.stalled:
		status += " | run stalled"
	}
	b.WriteString(statusBarStyle.Render(status))
	b.WriteString("\n")

	for _, note := range m.notes {
		b.WriteString(note)
		b.WriteString("\n")
	}

	return b.String()
}
