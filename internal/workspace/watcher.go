package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Mnehmos/rooswarm/internal/event"
	"github.com/Mnehmos/rooswarm/internal/logging"
)

// debounceWindow coalesces the burst of filesystem events editors emit for
// a single save.
const debounceWindow = 50 * time.Millisecond

// Watcher is a best-effort runtime guard: it watches each worker's
// workspace and publishes a workspace.conflict event when the same
// relative path is modified under more than one workspace. Validation at
// construction already guarantees disjoint workspaces, so any hit here
// means a worker escaped its sandbox.
type Watcher struct {
	watcher *fsnotify.Watcher
	bus     *event.Bus
	log     *logging.Logger

	mu         sync.Mutex
	workspaces map[string]string              // workerID -> workspace root
	touches    map[string]map[string]struct{} // relative path -> worker IDs
	ignore     []string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewWatcher creates a Watcher publishing onto bus.
func NewWatcher(bus *event.Bus, log *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.NopLogger()
	}

	return &Watcher{
		watcher:    fsw,
		bus:        bus,
		log:        log.WithComponent("workspace-watcher"),
		workspaces: make(map[string]string),
		touches:    make(map[string]map[string]struct{}),
		ignore:     []string{".git", "node_modules", ".DS_Store"},
		stopCh:     make(chan struct{}),
	}, nil
}

// AddWorkspace starts watching a worker's workspace tree.
func (w *Watcher) AddWorkspace(workerID, root string) error {
	w.mu.Lock()
	w.workspaces[workerID] = root
	w.mu.Unlock()

	if err := w.watcher.Add(root); err != nil {
		return err
	}
	// fsnotify only watches single directories; cover the subtree too.
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if info.IsDir() {
			if w.ignored(filepath.Base(path)) {
				return filepath.SkipDir
			}
			_ = w.watcher.Add(path)
		}
		return nil
	})
}

// RemoveWorkspace stops watching a worker's workspace and forgets its
// recorded file touches.
func (w *Watcher) RemoveWorkspace(workerID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	root, ok := w.workspaces[workerID]
	if !ok {
		return
	}
	_ = w.watcher.Remove(root)
	delete(w.workspaces, workerID)

	for rel, workers := range w.touches {
		delete(workers, workerID)
		if len(workers) == 0 {
			delete(w.touches, rel)
		}
	}
}

// Start begins processing filesystem events.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop shuts the watcher down. It is idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
	})
}

// loop debounces raw events and records write/create touches.
func (w *Watcher) loop() {
	timer := time.NewTimer(0)
	<-timer.C // drain the initial fire

	pending := make(map[string]struct{})

	for {
		select {
		case <-w.stopCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(debounceWindow)

		case <-timer.C:
			for path := range pending {
				w.record(path)
			}
			pending = make(map[string]struct{})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}

// record attributes a touched path to its workspace and publishes a
// conflict when a second workspace has touched the same relative path.
func (w *Watcher) record(path string) {
	if w.ignored(filepath.Base(path)) {
		return
	}

	w.mu.Lock()

	var workerID, rel string
	for id, root := range w.workspaces {
		if strings.HasPrefix(path, root+string(filepath.Separator)) || path == root {
			workerID = id
			rel, _ = filepath.Rel(root, path)
			break
		}
	}
	if workerID == "" {
		w.mu.Unlock()
		return
	}

	if w.touches[rel] == nil {
		w.touches[rel] = make(map[string]struct{})
	}
	w.touches[rel][workerID] = struct{}{}

	var conflicted []string
	if len(w.touches[rel]) > 1 {
		for id := range w.touches[rel] {
			conflicted = append(conflicted, id)
		}
	}
	w.mu.Unlock()

	if conflicted != nil {
		w.log.Warn("cross-workspace modification", "path", rel, "workers", conflicted)
		if w.bus != nil {
			w.bus.Publish(event.NewWorkspaceConflictEvent(rel, conflicted))
		}
	}
}

// ignored reports whether a directory or file name is exempt from tracking.
func (w *Watcher) ignored(name string) bool {
	for _, ig := range w.ignore {
		if name == ig {
			return true
		}
	}
	return false
}
