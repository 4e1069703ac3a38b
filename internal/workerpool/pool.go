// Package workerpool manages bounded creation and teardown of worker
// sessions. The pool exclusively owns worker instances: it spawns them
// against an injected session factory, mirrors their lifecycle into a
// per-worker status, and tears them down with a grace period.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mnehmos/rooswarm/internal/errors"
	"github.com/Mnehmos/rooswarm/internal/logging"
)

const (
	// MinWorkers and MaxWorkersLimit bound the configurable pool size.
	MinWorkers      = 2
	MaxWorkersLimit = 50

	// DefaultMaxWorkers is used when no size is configured.
	DefaultMaxWorkers = 10

	// DefaultSpawnTimeout bounds session creation.
	DefaultSpawnTimeout = 3 * time.Second

	// terminateGrace is how long Terminate waits for a session to wind
	// down after Abort before disposing it anyway.
	terminateGrace = 100 * time.Millisecond

	// waitPollInterval is the cadence of WaitForAll's status polling.
	waitPollInterval = 25 * time.Millisecond
)

// worker is the pool's internal mutable record for one instance.
type worker struct {
	id         string
	workingDir string
	createdAt  time.Time
	status     WorkerStatus
	session    Session
	watchDone  chan struct{}
}

// Pool tracks up to maxWorkers live worker sessions.
// All methods are safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	workers map[string]*worker

	factory      SessionFactory
	maxWorkers   int
	spawnTimeout time.Duration
	autoCleanup  bool
	approval     ApprovalPrompt
	log          *logging.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithMaxWorkers sets the pool capacity. Must be within [2, 50].
func WithMaxWorkers(n int) Option {
	return func(p *Pool) { p.maxWorkers = n }
}

// WithSpawnTimeout bounds how long session creation may take.
func WithSpawnTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.spawnTimeout = d
		}
	}
}

// WithAutoCleanup controls whether a timed-out spawn's partially created
// session is torn down in the background. Default true.
func WithAutoCleanup(enabled bool) Option {
	return func(p *Pool) { p.autoCleanup = enabled }
}

// WithApprovalPrompt installs the prompt consulted before each spawn.
// The default approves everything.
func WithApprovalPrompt(prompt ApprovalPrompt) Option {
	return func(p *Pool) {
		if prompt != nil {
			p.approval = prompt
		}
	}
}

// WithLogger sets the pool's logger.
func WithLogger(log *logging.Logger) Option {
	return func(p *Pool) {
		if log != nil {
			p.log = log.WithComponent("pool")
		}
	}
}

// New creates a Pool backed by the given session factory.
// Construction fails when maxWorkers falls outside [2, 50].
func New(factory SessionFactory, opts ...Option) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("workerpool: session factory is required")
	}

	p := &Pool{
		workers:      make(map[string]*worker),
		factory:      factory,
		maxWorkers:   DefaultMaxWorkers,
		spawnTimeout: DefaultSpawnTimeout,
		autoCleanup:  true,
		approval:     AllowAll{},
		log:          logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.maxWorkers < MinWorkers || p.maxWorkers > MaxWorkersLimit {
		return nil, fmt.Errorf("workerpool: maxWorkers %d outside [%d, %d]: %w",
			p.maxWorkers, MinWorkers, MaxWorkersLimit, errors.ErrInvalidInput)
	}
	return p, nil
}

// MaxWorkers returns the configured pool capacity.
func (p *Pool) MaxWorkers() int {
	return p.maxWorkers
}

// Size returns the number of tracked workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Spawn creates a worker for the request. It fails with ErrLimitExceeded
// when the pool is full, ErrDuplicateID when the task ID is already
// tracked, and ErrSpawnTimeout when the session factory does not return
// within the spawn timeout (with best-effort cleanup of the late session
// when autoCleanup is on).
func (p *Pool) Spawn(ctx context.Context, req SpawnRequest) (Worker, error) {
	if req.TaskID == "" {
		return Worker{}, errors.NewSpawnError("task id is required", errors.ErrInvalidInput)
	}

	if !p.approval.Ask(ApprovalKindSpawn, approvalPayload(req)) {
		return Worker{}, errors.NewSpawnError("spawn not approved", errors.ErrInvalidInput).
			WithWorkerID(req.TaskID)
	}

	// Reserve the slot under the lock so the capacity and duplicate
	// checks are atomic with insertion.
	p.mu.Lock()
	if len(p.workers) >= p.maxWorkers {
		p.mu.Unlock()
		return Worker{}, errors.NewSpawnError(
			fmt.Sprintf("pool at capacity (%d)", p.maxWorkers), errors.ErrLimitExceeded).
			WithWorkerID(req.TaskID)
	}
	if _, exists := p.workers[req.TaskID]; exists {
		p.mu.Unlock()
		return Worker{}, errors.NewSpawnError("worker already tracked", errors.ErrDuplicateID).
			WithWorkerID(req.TaskID)
	}
	w := &worker{
		id:         req.TaskID,
		workingDir: req.WorkingDir,
		createdAt:  time.Now(),
		status:     StatusIdle,
		watchDone:  make(chan struct{}),
	}
	p.workers[req.TaskID] = w
	p.mu.Unlock()

	session, err := p.createWithTimeout(ctx, req)
	if err != nil {
		p.remove(req.TaskID)
		return Worker{}, err
	}

	p.mu.Lock()
	w.session = session
	p.mu.Unlock()

	go p.watchSession(w, session)

	p.log.Info("worker spawned", "worker_id", req.TaskID, "working_dir", req.WorkingDir)
	return p.snapshot(w), nil
}

// createWithTimeout races session creation against the spawn timeout.
func (p *Pool) createWithTimeout(ctx context.Context, req SpawnRequest) (Session, error) {
	type created struct {
		session Session
		err     error
	}
	done := make(chan created, 1)

	go func() {
		session, err := p.factory.Create(ctx, SessionOptions{
			WorkerID:          req.TaskID,
			Provider:          req.Provider,
			Instructions:      req.SystemPrompt,
			WorkspacePath:     req.WorkingDir,
			StartTask:         true,
			ParallelExecution: true,
			WorkerType:        workerTypeOrDefault(req.WorkerType),
			MCPServers:        req.MCPServers,
		})
		done <- created{session: session, err: err}
	}()

	timer := time.NewTimer(p.spawnTimeout)
	defer timer.Stop()

	select {
	case c := <-done:
		if c.err != nil {
			return nil, errors.NewSpawnError("session creation failed", c.err).
				WithWorkerID(req.TaskID).WithWorkingDir(req.WorkingDir)
		}
		return c.session, nil

	case <-timer.C:
		if p.autoCleanup {
			// The factory may still return; tear the late session down.
			go func() {
				if c := <-done; c.session != nil {
					c.session.Abort()
					disposeSession(c.session, p.log)
				}
			}()
		}
		return nil, errors.NewSpawnError(
			fmt.Sprintf("session not ready within %s", p.spawnTimeout), errors.ErrSpawnTimeout).
			WithWorkerID(req.TaskID).WithWorkingDir(req.WorkingDir)

	case <-ctx.Done():
		return nil, errors.NewSpawnError("spawn cancelled", ctx.Err()).WithWorkerID(req.TaskID)
	}
}

// watchSession mirrors the session's lifecycle stream into worker status:
// started -> busy, completed -> idle, aborted/tool failure -> error.
// Terminated workers never regress to an earlier status.
func (p *Pool) watchSession(w *worker, session Session) {
	defer close(w.watchDone)

	for ev := range session.Events() {
		p.mu.Lock()
		if w.status == StatusTerminated {
			p.mu.Unlock()
			continue
		}
		switch ev.Kind {
		case SessionStarted:
			w.status = StatusBusy
		case SessionCompleted:
			w.status = StatusIdle
		case SessionAborted, SessionToolFailed:
			w.status = StatusError
		}
		status := w.status
		p.mu.Unlock()

		p.log.Debug("session event", "worker_id", w.id, "event", string(ev.Kind), "status", string(status))
	}
}

// Terminate tears a worker down: mark terminated, abort the session, wait
// a short grace period for shutdown, run the dispose hook, and remove the
// worker from the pool unconditionally. Absent IDs are a no-op, which
// makes Terminate idempotent.
func (p *Pool) Terminate(id string) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	w.status = StatusTerminated
	session := w.session
	p.mu.Unlock()

	defer p.remove(id)

	if session == nil {
		return nil
	}

	session.Abort()

	select {
	case <-w.watchDone:
	case <-time.After(terminateGrace):
		p.log.Debug("session did not settle within grace period", "worker_id", id)
	}

	return disposeSession(session, p.log)
}

// Cleanup terminates every worker in parallel. Errors are logged but never
// propagate.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := p.Terminate(id); err != nil {
				p.log.Warn("cleanup terminate failed", "worker_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Get returns a snapshot of the worker, or false if it is not tracked.
func (p *Pool) Get(id string) (Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[id]
	if !ok {
		return Worker{}, false
	}
	return p.snapshotLocked(w), true
}

// StatusOf returns the worker's status, or false if it is not tracked.
func (p *Pool) StatusOf(id string) (WorkerStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[id]
	if !ok {
		return "", false
	}
	return w.status, true
}

// Active returns the IDs of workers currently busy.
func (p *Pool) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var active []string
	for id, w := range p.workers {
		if w.status == StatusBusy {
			active = append(active, id)
		}
	}
	return active
}

// WaitForAll blocks until every worker's status is settled (idle, error,
// or terminated) or the context is cancelled. It polls rather than
// subscribing so it stays decoupled from any particular event mechanism,
// and returns immediately when the pool is empty.
func (p *Pool) WaitForAll(ctx context.Context) error {
	for {
		if p.allSettled() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitPollInterval):
		}
	}
}

// allSettled reports whether no worker is busy.
func (p *Pool) allSettled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.workers {
		if !w.status.Settled() {
			return false
		}
	}
	return true
}

// remove drops a worker from the pool.
func (p *Pool) remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, id)
}

// snapshot copies the worker record outside the lock.
func (p *Pool) snapshot(w *worker) Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked(w)
}

// snapshotLocked copies the worker record. Caller must hold the mutex.
func (p *Pool) snapshotLocked(w *worker) Worker {
	return Worker{
		ID:         w.id,
		WorkingDir: w.workingDir,
		CreatedAt:  w.createdAt,
		Status:     w.status,
	}
}

// disposeSession runs the session's optional dispose hook.
func disposeSession(session Session, log *logging.Logger) error {
	d, ok := session.(Disposer)
	if !ok {
		return nil
	}
	if err := d.Dispose(); err != nil {
		log.Warn("session dispose failed", "error", err)
		return err
	}
	return nil
}

// workerTypeOrDefault applies the default worker type.
func workerTypeOrDefault(t string) string {
	if t == "" {
		return "worker"
	}
	return t
}
