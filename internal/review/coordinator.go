package review

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mnehmos/rooswarm/internal/channel"
	"github.com/Mnehmos/rooswarm/internal/errors"
	"github.com/Mnehmos/rooswarm/internal/logging"
	"github.com/Mnehmos/rooswarm/internal/protocol"
	"github.com/Mnehmos/rooswarm/internal/workerpool"
)

// DefaultApprovalTimeout bounds a review wait.
const DefaultApprovalTimeout = 5 * time.Minute

// defaultFeedback is substituted when a reviewer's response carries none.
const defaultFeedback = "no feedback provided"

// pendingReview is one outstanding approval wait, keyed by task ID.
type pendingReview struct {
	reviewID   string
	taskID     string
	workerID   string
	reviewerID string
	ch         chan Decision
}

// Coordinator owns the pending-review registry and the per-specialization
// reviewer pool. At most one wait may be outstanding per task.
type Coordinator struct {
	pool   *workerpool.Pool
	server *channel.Server
	log    *logging.Logger

	mu        sync.Mutex
	reviewers map[Specialization]string // specialization -> reviewer worker ID
	pending   map[string]*pendingReview // taskID -> wait

	unsubscribe func()
	timeout     time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithApprovalTimeout sets the default wait timeout.
func WithApprovalTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the coordinator's logger.
func WithLogger(log *logging.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log.WithComponent("review")
		}
	}
}

// NewCoordinator creates a Coordinator that spawns reviewers through pool
// and exchanges messages through server. A nil server is permitted for
// embedding hosts that feed HandleMessage directly.
func NewCoordinator(pool *workerpool.Pool, server *channel.Server, opts ...Option) (*Coordinator, error) {
	if pool == nil {
		return nil, errors.New("review: worker pool is required")
	}

	c := &Coordinator{
		pool:      pool,
		server:    server,
		log:       logging.NopLogger(),
		reviewers: make(map[Specialization]string),
		pending:   make(map[string]*pendingReview),
		timeout:   DefaultApprovalTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	if server != nil {
		c.unsubscribe = server.Subscribe(c.HandleMessage)
	}
	return c, nil
}

// RequestReview resolves the reviewer specialization, ensures a live
// reviewer for it (reusing the recorded one or spawning a fresh worker),
// sends the review-request message, and returns a pending receipt.
func (c *Coordinator) RequestReview(ctx context.Context, req Request) (Receipt, error) {
	if req.TaskID == "" {
		return Receipt{}, errors.NewReviewError("task id is required", errors.ErrInvalidInput)
	}

	spec := req.Specialization
	if spec == "" {
		spec = InferSpecialization(req.TaskID)
	}

	reviewerID, err := c.ensureReviewer(ctx, spec)
	if err != nil {
		return Receipt{}, errors.NewReviewError("no reviewer available", err).WithTaskID(req.TaskID)
	}

	reviewID := uuid.NewString()
	msg := protocol.NewReviewRequest(
		req.WorkerID, reviewerID, reviewID, req.TaskID, req.FilesChanged, req.Description)

	if c.server != nil {
		if err := c.server.Send(reviewerID, msg); err != nil {
			return Receipt{}, errors.NewReviewError("review request undeliverable", err).
				WithTaskID(req.TaskID).WithReviewID(reviewID)
		}
	}

	c.log.Info("review requested",
		"task_id", req.TaskID, "reviewer_id", reviewerID, "specialization", spec.String())

	return Receipt{ReviewID: reviewID, ReviewerID: reviewerID, Status: "pending"}, nil
}

// ensureReviewer returns the live reviewer for the specialization,
// spawning one when none is recorded or the recorded one has left the
// pool.
func (c *Coordinator) ensureReviewer(ctx context.Context, spec Specialization) (string, error) {
	c.mu.Lock()
	if id, ok := c.reviewers[spec]; ok {
		if _, live := c.pool.Get(id); live {
			c.mu.Unlock()
			return id, nil
		}
		delete(c.reviewers, spec)
	}
	c.mu.Unlock()

	reviewerID := fmt.Sprintf("reviewer-%s-%s", spec, uuid.NewString()[:8])
	if _, err := c.pool.Spawn(ctx, workerpool.SpawnRequest{
		TaskID:       reviewerID,
		WorkingDir:   "/",
		SystemPrompt: Prompt(spec),
		WorkerType:   "reviewer",
	}); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.reviewers[spec] = reviewerID
	c.mu.Unlock()

	c.log.Info("reviewer spawned", "reviewer_id", reviewerID, "specialization", spec.String())
	return reviewerID, nil
}

// WaitForApproval blocks until the task's review resolves, the timeout
// expires, or the coordinator is disposed. At most one wait may be
// outstanding per task.
func (c *Coordinator) WaitForApproval(taskID string, timeout time.Duration) (Decision, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	c.mu.Lock()
	if _, exists := c.pending[taskID]; exists {
		c.mu.Unlock()
		return Decision{}, errors.NewReviewError("a wait is already outstanding", errors.ErrInvalidInput).
			WithTaskID(taskID)
	}
	p := &pendingReview{taskID: taskID, ch: make(chan Decision, 1)}
	c.pending[taskID] = p
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case decision, ok := <-p.ch:
		if !ok {
			return Decision{}, errors.NewReviewError("coordinator disposed", errors.ErrDisposed).
				WithTaskID(taskID)
		}
		return decision, nil

	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, taskID)
		c.mu.Unlock()
		// A response may have raced the timer; prefer it.
		select {
		case decision, ok := <-p.ch:
			if ok {
				return decision, nil
			}
		default:
		}
		return Decision{}, errors.NewReviewError(
			fmt.Sprintf("no response within %s", timeout), errors.ErrTimeout).WithTaskID(taskID)
	}
}

// HandleMessage resolves pending waits from inbound review responses.
// Messages for unknown task IDs are logged and discarded. Registered as a
// channel observer when a server is attached; embedding hosts without one
// call it directly.
func (c *Coordinator) HandleMessage(msg protocol.Message) {
	if msg.Type != protocol.MessageReviewApproved && msg.Type != protocol.MessageReviewRejected {
		return
	}

	taskID := msg.TaskID()

	c.mu.Lock()
	p, ok := c.pending[taskID]
	if ok {
		delete(c.pending, taskID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Info("discarding review response for unknown task",
			"task_id", taskID, "from", msg.From)
		return
	}

	feedback := msg.PayloadString("feedback")
	if feedback == "" {
		feedback = defaultFeedback
	}

	decision := Decision{
		Approved:   msg.Type == protocol.MessageReviewApproved,
		ReviewerID: msg.From,
		Feedback:   feedback,
	}
	if decision.Approved {
		decision.Suggestions = msg.PayloadStrings("suggestions")
	} else {
		decision.Issues = msg.PayloadStrings("issues")
	}

	p.ch <- decision
}

// Reviewers returns the current specialization-to-reviewer registry.
func (c *Coordinator) Reviewers() map[Specialization]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[Specialization]string, len(c.reviewers))
	for spec, id := range c.reviewers {
		out[spec] = id
	}
	return out
}

// Dispose rejects every pending wait with a disposed error and clears the
// reviewer registry. The coordinator stays usable: subsequent requests
// spawn fresh reviewers. Idempotent.
func (c *Coordinator) Dispose() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingReview)
	c.reviewers = make(map[Specialization]string)
	c.mu.Unlock()

	for _, p := range pending {
		close(p.ch)
	}
}

// Close permanently detaches the coordinator from the channel and flushes
// pending waits.
func (c *Coordinator) Close() {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.Dispose()
}
