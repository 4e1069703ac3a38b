package workspace

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Mnehmos/rooswarm/internal/event"
)

func newTestWatcher(t *testing.T, bus *event.Bus) *Watcher {
	t.Helper()
	w, err := NewWatcher(bus, nil)
	if err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

func TestRecord_SingleWorkspaceNoConflict(t *testing.T) {
	bus := event.NewBus()
	bus.Subscribe("workspace.conflict", func(e event.Event) {
		t.Error("Single-workspace touches must not conflict")
	})

	w := newTestWatcher(t, bus)
	dir := t.TempDir()
	if err := w.AddWorkspace("task-1", dir); err != nil {
		t.Fatalf("AddWorkspace failed: %v", err)
	}

	w.record(filepath.Join(dir, "main.go"))
	w.record(filepath.Join(dir, "main.go"))
}

func TestRecord_CrossWorkspaceConflict(t *testing.T) {
	bus := event.NewBus()
	var mu sync.Mutex
	var conflicts []event.WorkspaceConflictEvent
	bus.Subscribe("workspace.conflict", func(e event.Event) {
		mu.Lock()
		conflicts = append(conflicts, e.(event.WorkspaceConflictEvent))
		mu.Unlock()
	})

	w := newTestWatcher(t, bus)
	dirA, dirB := t.TempDir(), t.TempDir()
	if err := w.AddWorkspace("task-a", dirA); err != nil {
		t.Fatalf("AddWorkspace failed: %v", err)
	}
	if err := w.AddWorkspace("task-b", dirB); err != nil {
		t.Fatalf("AddWorkspace failed: %v", err)
	}

	// The same relative path modified under both workspaces.
	w.record(filepath.Join(dirA, "shared.go"))
	w.record(filepath.Join(dirB, "shared.go"))

	mu.Lock()
	defer mu.Unlock()
	if len(conflicts) != 1 {
		t.Fatalf("Expected one conflict event, got %d", len(conflicts))
	}
	if conflicts[0].Path != "shared.go" {
		t.Errorf("Expected relative path shared.go, got %s", conflicts[0].Path)
	}
	if len(conflicts[0].Workers) != 2 {
		t.Errorf("Expected both workers named, got %v", conflicts[0].Workers)
	}
}

func TestRecord_IgnoredNames(t *testing.T) {
	bus := event.NewBus()
	bus.Subscribe("workspace.conflict", func(e event.Event) {
		t.Error("Ignored paths must not be tracked")
	})

	w := newTestWatcher(t, bus)
	dirA, dirB := t.TempDir(), t.TempDir()
	_ = w.AddWorkspace("a", dirA)
	_ = w.AddWorkspace("b", dirB)

	w.record(filepath.Join(dirA, ".DS_Store"))
	w.record(filepath.Join(dirB, ".DS_Store"))
}

func TestRemoveWorkspace_ForgetsTouches(t *testing.T) {
	bus := event.NewBus()
	var mu sync.Mutex
	count := 0
	bus.Subscribe("workspace.conflict", func(e event.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	w := newTestWatcher(t, bus)
	dirA, dirB := t.TempDir(), t.TempDir()
	_ = w.AddWorkspace("a", dirA)
	_ = w.AddWorkspace("b", dirB)

	w.record(filepath.Join(dirA, "f.go"))
	w.RemoveWorkspace("a")
	w.record(filepath.Join(dirB, "f.go"))

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("Touches from removed workspaces must not conflict, got %d events", count)
	}
}

func TestWatcher_DetectsRealWrites(t *testing.T) {
	bus := event.NewBus()
	var mu sync.Mutex
	var conflicts int
	bus.Subscribe("workspace.conflict", func(e event.Event) {
		mu.Lock()
		conflicts++
		mu.Unlock()
	})

	w := newTestWatcher(t, bus)
	dirA, dirB := t.TempDir(), t.TempDir()
	if err := w.AddWorkspace("a", dirA); err != nil {
		t.Fatalf("AddWorkspace failed: %v", err)
	}
	if err := w.AddWorkspace("b", dirB); err != nil {
		t.Fatalf("AddWorkspace failed: %v", err)
	}
	w.Start()

	if err := os.WriteFile(filepath.Join(dirA, "x.txt"), []byte("a"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dirB, "x.txt"), []byte("b"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := conflicts
		mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Skip("no filesystem events observed; environment may not support fsnotify")
}
