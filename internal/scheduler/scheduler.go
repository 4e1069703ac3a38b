// Package scheduler drives the execution loop: it validates the task
// graph and workspace assignments at construction, then repeatedly asks
// the strategy which ready tasks to dispatch, spawns workers through the
// pool, delivers task assignments over the message channel, and advances
// on completion and failure reports.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/Mnehmos/rooswarm/internal/channel"
	"github.com/Mnehmos/rooswarm/internal/errors"
	"github.com/Mnehmos/rooswarm/internal/event"
	"github.com/Mnehmos/rooswarm/internal/logging"
	"github.com/Mnehmos/rooswarm/internal/protocol"
	"github.com/Mnehmos/rooswarm/internal/ratelimit"
	"github.com/Mnehmos/rooswarm/internal/strategy"
	"github.com/Mnehmos/rooswarm/internal/taskgraph"
	"github.com/Mnehmos/rooswarm/internal/workerpool"
	"github.com/Mnehmos/rooswarm/internal/workspace"
)

// Defaults for the scheduler's request-rate accounting.
const (
	DefaultMaxRPM              = 3800
	DefaultEstimatedRPMPerTask = 15
	DefaultProvider            = "anthropic"
)

// ErrStalled is returned by Run when no task can ever become ready again:
// a failed task is blocking its transitive dependents. The completed event
// never fires in this case; the caller decides whether to abort.
var ErrStalled = errors.New("run stalled: failed tasks block the remaining graph")

// completionKind discriminates worker reports.
type completionKind int

const (
	kindCompleted completionKind = iota
	kindFailed
)

// completion is one worker report, serialized onto the driver goroutine.
type completion struct {
	kind   completionKind
	taskID string
	reason string
}

// Scheduler owns task state for one run. The main loop is single-threaded
// (one driver goroutine); worker reports arriving on other goroutines are
// enqueued onto a channel and consumed by the driver, and the small amount
// of state shared with queries is guarded by one mutex.
type Scheduler struct {
	graph  *taskgraph.Graph
	pool   *workerpool.Pool
	server *channel.Server
	limit  *ratelimit.Limiter
	strat  strategy.Strategy
	bus    *event.Bus
	log    *logging.Logger

	mu           sync.Mutex
	workerByTask map[string]string
	rpmByTask    map[string]int
	currentRPM   int

	maxRPM     int
	estPerTask int
	provider   string
	validator  *workspace.Validator

	completions chan completion
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithStrategy sets the task-selection strategy. Default MaxParallel.
func WithStrategy(s strategy.Strategy) Option {
	return func(sc *Scheduler) {
		if s != nil {
			sc.strat = s
		}
	}
}

// WithMaxRPM sets the request budget consulted by rate-aware selection.
func WithMaxRPM(n int) Option {
	return func(sc *Scheduler) {
		if n > 0 {
			sc.maxRPM = n
		}
	}
}

// WithEstimatedRPMPerTask sets the default per-task request estimate used
// when a task carries none.
func WithEstimatedRPMPerTask(n int) Option {
	return func(sc *Scheduler) {
		if n > 0 {
			sc.estPerTask = n
		}
	}
}

// WithRateLimiter attaches a limiter that observes assignment volume.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(sc *Scheduler) { sc.limit = l }
}

// WithProvider names the provider tracked on the limiter.
func WithProvider(p string) Option {
	return func(sc *Scheduler) {
		if p != "" {
			sc.provider = p
		}
	}
}

// WithLogger sets the scheduler's logger.
func WithLogger(log *logging.Logger) Option {
	return func(sc *Scheduler) {
		if log != nil {
			sc.log = log.WithComponent("scheduler")
		}
	}
}

// WithWorkspaceValidator overrides the validator used at construction.
func WithWorkspaceValidator(v *workspace.Validator) Option {
	return func(sc *Scheduler) {
		if v != nil {
			sc.validator = v
		}
	}
}

// New validates the task list (graph shape and workspace disjointness)
// and builds a Scheduler. The server may be nil when assignments are
// delivered out of band (tests, embedding hosts with their own transport).
func New(
	tasks []taskgraph.TaskSpec,
	pool *workerpool.Pool,
	server *channel.Server,
	bus *event.Bus,
	opts ...Option,
) (*Scheduler, error) {
	if pool == nil {
		return nil, errors.New("scheduler: worker pool is required")
	}

	sc := &Scheduler{
		pool:         pool,
		server:       server,
		strat:        strategy.MaxParallel{},
		bus:          bus,
		log:          logging.NopLogger(),
		workerByTask: make(map[string]string),
		rpmByTask:    make(map[string]int),
		maxRPM:       DefaultMaxRPM,
		estPerTask:   DefaultEstimatedRPMPerTask,
		provider:     DefaultProvider,
		validator:    workspace.NewValidator(),
		completions:  make(chan completion, 256),
	}
	for _, opt := range opts {
		opt(sc)
	}

	graph, err := taskgraph.New(tasks, taskgraph.WithLogger(sc.log))
	if err != nil {
		return nil, err
	}
	sc.graph = graph

	if err := sc.validator.ValidateOrError(tasks); err != nil {
		return nil, err
	}

	return sc, nil
}

// Graph exposes the scheduler's task graph for read-only queries.
func (sc *Scheduler) Graph() *taskgraph.Graph { return sc.graph }

// CurrentRPM returns the scheduler's running request-rate estimate.
func (sc *Scheduler) CurrentRPM() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.currentRPM
}

// WorkerFor returns the worker assigned to a task, if any.
func (sc *Scheduler) WorkerFor(taskID string) (string, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	id, ok := sc.workerByTask[taskID]
	return id, ok
}

// OnTaskCompleted enqueues a worker's success report. Safe to call from
// any goroutine; the driver applies the state change.
func (sc *Scheduler) OnTaskCompleted(taskID string) {
	sc.completions <- completion{kind: kindCompleted, taskID: taskID}
}

// OnTaskFailed enqueues a worker's failure report.
func (sc *Scheduler) OnTaskFailed(taskID, reason string) {
	sc.completions <- completion{kind: kindFailed, taskID: taskID, reason: reason}
}

// Run executes the graph to completion. It emits started immediately,
// then loops: dispatch what the strategy picks, wait for a completion
// whenever no progress is possible, and emit completed once every task
// has completed. A graph wedged by failures returns ErrStalled without
// emitting completed.
func (sc *Scheduler) Run(ctx context.Context) error {
	sc.publish(event.NewRunStartedEvent(sc.graph.TaskCount()))
	sc.log.Info("run started", "tasks", sc.graph.TaskCount())

	var unsubscribe func()
	if sc.server != nil {
		unsubscribe = sc.server.Subscribe(sc.observeMessage)
		defer unsubscribe()
	}

	for !sc.graph.AllComplete() {
		sc.drainCompletions()
		if sc.graph.AllComplete() {
			break
		}

		ready := sc.graph.ReadyTasks()
		running := sc.graph.RunningCount()
		available := sc.pool.MaxWorkers() - running

		if len(ready) == 0 && running == 0 {
			// Nothing running and nothing ready: the graph is wedged by a
			// failed task (or a stale report); no completion will arrive.
			sc.log.Warn("run stalled",
				"completed", sc.graph.CompletedCount(), "total", sc.graph.TaskCount())
			sc.publish(event.NewSchedulerErrorEvent(ErrStalled.Error()))
			return ErrStalled
		}

		if len(ready) == 0 || available <= 0 {
			if err := sc.awaitCompletion(ctx); err != nil {
				return err
			}
			continue
		}

		pick := sc.strat.SelectTasks(ready, available, strategy.Inputs{
			CurrentRPM:          sc.CurrentRPM(),
			MaxRPM:              sc.maxRPM,
			EstimatedRPMPerTask: sc.estPerTask,
			Graph:               sc.graph,
		})

		if len(pick) == 0 {
			// Rate-limited despite free slots; wait for capacity to return.
			if err := sc.awaitCompletion(ctx); err != nil {
				return err
			}
			continue
		}

		for _, taskID := range pick {
			if err := sc.assign(ctx, taskID); err != nil {
				sc.log.Error("assignment failed", "task_id", taskID, "error", err)
				_ = sc.graph.MarkFailed(taskID)
				sc.publish(event.NewTaskAssignFailedEvent(taskID, err.Error()))
			}
		}
	}

	sc.publish(event.NewRunCompletedEvent(sc.graph.CompletedCount()))
	sc.log.Info("run completed", "tasks", sc.graph.CompletedCount())
	return nil
}

// assign spawns a worker for the task, records the mapping, marks the
// task running, delivers the task-assignment message, and adds the task's
// RPM estimate. Failures leave the RPM counter untouched (nothing was
// added on the failure paths).
func (sc *Scheduler) assign(ctx context.Context, taskID string) error {
	spec, ok := sc.graph.Spec(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrTaskNotFound, taskID)
	}

	worker, err := sc.pool.Spawn(ctx, workerpool.SpawnRequest{
		TaskID:       taskID,
		WorkingDir:   spec.WorkspacePath,
		SystemPrompt: spec.Instructions,
		WorkerType:   spec.WorkerType,
		Provider:     sc.provider,
	})
	if err != nil {
		return err
	}

	if err := sc.graph.MarkRunning(taskID); err != nil {
		_ = sc.pool.Terminate(worker.ID)
		return err
	}

	if sc.server != nil {
		assignment := protocol.NewTaskAssignment(
			worker.ID, taskID, spec.Instructions, spec.WorkspacePath, spec.WorkerType)
		if err := sc.server.Send(worker.ID, assignment); err != nil {
			_ = sc.pool.Terminate(worker.ID)
			_ = sc.graph.MarkFailed(taskID)
			return err
		}
	}

	rpm := spec.EstimatedRPM
	if rpm <= 0 {
		rpm = sc.estPerTask
	}

	sc.mu.Lock()
	sc.workerByTask[taskID] = worker.ID
	sc.rpmByTask[taskID] = rpm
	sc.currentRPM += rpm
	sc.mu.Unlock()

	if sc.limit != nil {
		sc.limit.Track(sc.provider, rpm)
	}

	sc.log.Info("task assigned", "task_id", taskID, "worker_id", worker.ID)
	sc.publish(event.NewTaskAssignedEvent(taskID, worker.ID, worker.WorkingDir))
	return nil
}

// awaitCompletion blocks until one worker report arrives, then applies it.
func (sc *Scheduler) awaitCompletion(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case c := <-sc.completions:
		sc.apply(c)
		return nil
	}
}

// drainCompletions applies every report already queued without blocking.
func (sc *Scheduler) drainCompletions() {
	for {
		select {
		case c := <-sc.completions:
			sc.apply(c)
		default:
			return
		}
	}
}

// apply performs one report's state transition on the driver goroutine.
func (sc *Scheduler) apply(c completion) {
	state, known := sc.graph.State(c.taskID)
	if !known || state != taskgraph.StateRunning {
		// Stale or duplicate report; markCompleted semantics tolerate it.
		sc.log.Info("ignoring report for non-running task", "task_id", c.taskID, "state", state.String())
		return
	}

	switch c.kind {
	case kindCompleted:
		sc.graph.MarkCompleted(c.taskID)
		sc.settle(c.taskID)
		sc.log.Info("task completed", "task_id", c.taskID)
		sc.publish(event.NewTaskCompletedEvent(c.taskID))

	case kindFailed:
		_ = sc.graph.MarkFailed(c.taskID)
		sc.settle(c.taskID)
		sc.log.Warn("task failed", "task_id", c.taskID, "reason", c.reason)
		sc.publish(event.NewTaskFailedEvent(c.taskID, c.reason))
	}
}

// settle releases a finished task's worker and RPM reservation. The
// decrement mirrors the quantity added at assignment and clamps at zero.
func (sc *Scheduler) settle(taskID string) {
	sc.mu.Lock()
	workerID, hadWorker := sc.workerByTask[taskID]
	delete(sc.workerByTask, taskID)
	rpm := sc.rpmByTask[taskID]
	delete(sc.rpmByTask, taskID)
	sc.currentRPM -= rpm
	if sc.currentRPM < 0 {
		sc.currentRPM = 0
	}
	sc.mu.Unlock()

	if hadWorker {
		if err := sc.pool.Terminate(workerID); err != nil {
			sc.log.Warn("worker teardown failed", "worker_id", workerID, "error", err)
		}
	}
}

// observeMessage translates inbound channel traffic into worker reports.
func (sc *Scheduler) observeMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.MessageTaskCompleted:
		sc.OnTaskCompleted(msg.TaskID())
	case protocol.MessageTaskFailed:
		sc.OnTaskFailed(msg.TaskID(), msg.PayloadString("error"))
	case protocol.MessageEscalation:
		sc.log.Warn("worker escalation", "from", msg.From, "task_id", msg.TaskID())
	}
}

// publish sends an event if a bus is attached.
func (sc *Scheduler) publish(e event.Event) {
	if sc.bus != nil {
		sc.bus.Publish(e)
	}
}
