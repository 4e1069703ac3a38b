package cmd

import (
	"github.com/Mnehmos/rooswarm/internal/event"
	"github.com/Mnehmos/rooswarm/internal/logging"
	"github.com/Mnehmos/rooswarm/internal/workspace"
)

// watchWorkspaces starts the runtime cross-workspace modification guard:
// each assigned worker's workspace joins the watch set for the task's
// lifetime, and overlapping writes surface as workspace.conflict events.
// Returns the stop function that detaches the bus wiring and shuts the
// watcher down.
func watchWorkspaces(bus *event.Bus, log *logging.Logger) (stop func(), err error) {
	watcher, err := workspace.NewWatcher(bus, log)
	if err != nil {
		return nil, err
	}

	added := bus.Subscribe("scheduler.task_assigned", func(e event.Event) {
		ev, ok := e.(event.TaskAssignedEvent)
		if !ok {
			return
		}
		if err := watcher.AddWorkspace(ev.WorkerID, ev.WorkingDir); err != nil {
			log.Debug("cannot watch workspace",
				"worker_id", ev.WorkerID, "dir", ev.WorkingDir, "error", err)
		}
	})
	completed := bus.Subscribe("scheduler.task_completed", func(e event.Event) {
		if ev, ok := e.(event.TaskCompletedEvent); ok {
			watcher.RemoveWorkspace(ev.TaskID)
		}
	})
	failed := bus.Subscribe("scheduler.task_failed", func(e event.Event) {
		if ev, ok := e.(event.TaskFailedEvent); ok {
			watcher.RemoveWorkspace(ev.TaskID)
		}
	})

	watcher.Start()

	return func() {
		bus.Unsubscribe(added)
		bus.Unsubscribe(completed)
		bus.Unsubscribe(failed)
		watcher.Stop()
	}, nil
}
