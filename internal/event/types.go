package event

import "time"

// Event is the interface that all events must implement.
// It provides a common way to identify and timestamp events.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "scheduler.task_assigned").
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Scheduler Lifecycle Events
// -----------------------------------------------------------------------------

// RunStartedEvent is emitted when the scheduler begins driving a task graph.
type RunStartedEvent struct {
	baseEvent
	TaskCount int // Number of tasks in the graph
}

// NewRunStartedEvent creates a RunStartedEvent.
func NewRunStartedEvent(taskCount int) RunStartedEvent {
	return RunStartedEvent{
		baseEvent: newBaseEvent("scheduler.started"),
		TaskCount: taskCount,
	}
}

// TaskAssignedEvent is emitted when a task is dispatched to a worker.
type TaskAssignedEvent struct {
	baseEvent
	TaskID     string // Task that was dispatched
	WorkerID   string // Worker executing the task
	WorkingDir string // The worker's isolated workspace
}

// NewTaskAssignedEvent creates a TaskAssignedEvent.
func NewTaskAssignedEvent(taskID, workerID, workingDir string) TaskAssignedEvent {
	return TaskAssignedEvent{
		baseEvent:  newBaseEvent("scheduler.task_assigned"),
		TaskID:     taskID,
		WorkerID:   workerID,
		WorkingDir: workingDir,
	}
}

// TaskCompletedEvent is emitted when a worker reports task success.
type TaskCompletedEvent struct {
	baseEvent
	TaskID string
}

// NewTaskCompletedEvent creates a TaskCompletedEvent.
func NewTaskCompletedEvent(taskID string) TaskCompletedEvent {
	return TaskCompletedEvent{
		baseEvent: newBaseEvent("scheduler.task_completed"),
		TaskID:    taskID,
	}
}

// TaskFailedEvent is emitted when a worker reports task failure.
type TaskFailedEvent struct {
	baseEvent
	TaskID string
	Reason string // Error context from the worker
}

// NewTaskFailedEvent creates a TaskFailedEvent.
func NewTaskFailedEvent(taskID, reason string) TaskFailedEvent {
	return TaskFailedEvent{
		baseEvent: newBaseEvent("scheduler.task_failed"),
		TaskID:    taskID,
		Reason:    reason,
	}
}

// TaskAssignFailedEvent is emitted when dispatching a task to a worker fails
// before the worker ever ran (spawn failure, send failure).
type TaskAssignFailedEvent struct {
	baseEvent
	TaskID string
	Reason string
}

// NewTaskAssignFailedEvent creates a TaskAssignFailedEvent.
func NewTaskAssignFailedEvent(taskID, reason string) TaskAssignFailedEvent {
	return TaskAssignFailedEvent{
		baseEvent: newBaseEvent("scheduler.assign_failed"),
		TaskID:    taskID,
		Reason:    reason,
	}
}

// RunCompletedEvent is emitted when every task in the graph reached the
// completed state.
type RunCompletedEvent struct {
	baseEvent
	Completed int // Number of completed tasks
}

// NewRunCompletedEvent creates a RunCompletedEvent.
func NewRunCompletedEvent(completed int) RunCompletedEvent {
	return RunCompletedEvent{
		baseEvent: newBaseEvent("scheduler.completed"),
		Completed: completed,
	}
}

// SchedulerErrorEvent is emitted for unrecoverable scheduler faults.
type SchedulerErrorEvent struct {
	baseEvent
	Err string
}

// NewSchedulerErrorEvent creates a SchedulerErrorEvent.
func NewSchedulerErrorEvent(err string) SchedulerErrorEvent {
	return SchedulerErrorEvent{
		baseEvent: newBaseEvent("scheduler.error"),
		Err:       err,
	}
}

// -----------------------------------------------------------------------------
// Message Channel Events
// -----------------------------------------------------------------------------

// MessageReceivedEvent is emitted by the channel server for every inbound
// message that was not consumed by a waiter (filter or correlation).
type MessageReceivedEvent struct {
	baseEvent
	MessageID   string
	MessageType string
	From        string
	To          string
}

// NewMessageReceivedEvent creates a MessageReceivedEvent.
func NewMessageReceivedEvent(messageID, messageType, from, to string) MessageReceivedEvent {
	return MessageReceivedEvent{
		baseEvent:   newBaseEvent("channel.message"),
		MessageID:   messageID,
		MessageType: messageType,
		From:        from,
		To:          to,
	}
}

// WorkerConnectedEvent is emitted when a worker's first message binds its
// identity to a server-side connection.
type WorkerConnectedEvent struct {
	baseEvent
	WorkerID   string
	RemoteAddr string
}

// NewWorkerConnectedEvent creates a WorkerConnectedEvent.
func NewWorkerConnectedEvent(workerID, remoteAddr string) WorkerConnectedEvent {
	return WorkerConnectedEvent{
		baseEvent:  newBaseEvent("channel.worker_connected"),
		WorkerID:   workerID,
		RemoteAddr: remoteAddr,
	}
}

// WorkerDisconnectedEvent is emitted when a bound connection closes.
type WorkerDisconnectedEvent struct {
	baseEvent
	WorkerID string
}

// NewWorkerDisconnectedEvent creates a WorkerDisconnectedEvent.
func NewWorkerDisconnectedEvent(workerID string) WorkerDisconnectedEvent {
	return WorkerDisconnectedEvent{
		baseEvent: newBaseEvent("channel.worker_disconnected"),
		WorkerID:  workerID,
	}
}

// ClientConnectedEvent is emitted when a channel client establishes its socket.
type ClientConnectedEvent struct {
	baseEvent
	Port int
}

// NewClientConnectedEvent creates a ClientConnectedEvent.
func NewClientConnectedEvent(port int) ClientConnectedEvent {
	return ClientConnectedEvent{
		baseEvent: newBaseEvent("channel.connected"),
		Port:      port,
	}
}

// ClientDisconnectedEvent is emitted when a channel client loses its socket.
type ClientDisconnectedEvent struct {
	baseEvent
}

// NewClientDisconnectedEvent creates a ClientDisconnectedEvent.
func NewClientDisconnectedEvent() ClientDisconnectedEvent {
	return ClientDisconnectedEvent{
		baseEvent: newBaseEvent("channel.disconnected"),
	}
}

// ReconnectFailedEvent is emitted when a client exhausts its reconnection
// attempts.
type ReconnectFailedEvent struct {
	baseEvent
	Attempts int
}

// NewReconnectFailedEvent creates a ReconnectFailedEvent.
func NewReconnectFailedEvent(attempts int) ReconnectFailedEvent {
	return ReconnectFailedEvent{
		baseEvent: newBaseEvent("channel.reconnect_failed"),
		Attempts:  attempts,
	}
}

// ChannelErrorEvent is emitted for channel faults that are not tied to a
// single send (accept failures, parse failures).
type ChannelErrorEvent struct {
	baseEvent
	Err string
}

// NewChannelErrorEvent creates a ChannelErrorEvent.
func NewChannelErrorEvent(err string) ChannelErrorEvent {
	return ChannelErrorEvent{
		baseEvent: newBaseEvent("channel.error"),
		Err:       err,
	}
}

// RemoteMessageEvent is emitted when a message is handed to the remote sink
// instead of being delivered locally.
type RemoteMessageEvent struct {
	baseEvent
	MessageID   string
	MessageType string
	To          string
}

// NewRemoteMessageEvent creates a RemoteMessageEvent.
func NewRemoteMessageEvent(messageID, messageType, to string) RemoteMessageEvent {
	return RemoteMessageEvent{
		baseEvent:   newBaseEvent("channel.remote_message"),
		MessageID:   messageID,
		MessageType: messageType,
		To:          to,
	}
}

// -----------------------------------------------------------------------------
// Rate Limiter Events
// -----------------------------------------------------------------------------

// RateLimitWarningEvent is emitted once per threshold crossing when a
// provider's rolling-window RPM reaches the warning threshold.
type RateLimitWarningEvent struct {
	baseEvent
	Provider   string
	CurrentRPM int
	Limit      int
	Headroom   int
}

// NewRateLimitWarningEvent creates a RateLimitWarningEvent.
func NewRateLimitWarningEvent(provider string, currentRPM, limit, headroom int) RateLimitWarningEvent {
	return RateLimitWarningEvent{
		baseEvent:  newBaseEvent("ratelimit.warning"),
		Provider:   provider,
		CurrentRPM: currentRPM,
		Limit:      limit,
		Headroom:   headroom,
	}
}

// RateLimitExceededEvent is emitted after every track that leaves a
// provider's rolling-window RPM at or above its limit.
type RateLimitExceededEvent struct {
	baseEvent
	Provider   string
	CurrentRPM int
	Limit      int
}

// NewRateLimitExceededEvent creates a RateLimitExceededEvent.
func NewRateLimitExceededEvent(provider string, currentRPM, limit int) RateLimitExceededEvent {
	return RateLimitExceededEvent{
		baseEvent:  newBaseEvent("ratelimit.exceeded"),
		Provider:   provider,
		CurrentRPM: currentRPM,
		Limit:      limit,
	}
}

// -----------------------------------------------------------------------------
// Workspace Watcher Events
// -----------------------------------------------------------------------------

// WorkspaceConflictEvent is emitted by the runtime workspace watcher when a
// file is modified under more than one task's working directory.
type WorkspaceConflictEvent struct {
	baseEvent
	Path    string   // Relative path of the contested file
	Workers []string // Worker IDs that touched it
}

// NewWorkspaceConflictEvent creates a WorkspaceConflictEvent.
func NewWorkspaceConflictEvent(path string, workers []string) WorkspaceConflictEvent {
	return WorkspaceConflictEvent{
		baseEvent: newBaseEvent("workspace.conflict"),
		Path:      path,
		Workers:   workers,
	}
}
