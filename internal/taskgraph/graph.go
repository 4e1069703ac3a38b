// Package taskgraph maintains the dependency DAG over the input task list.
// It answers readiness and critical-path queries and mirrors completion
// state. The graph performs no scheduling itself; the scheduler owns all
// state transitions.
package taskgraph

import (
	"fmt"
	"sync"

	"github.com/Mnehmos/rooswarm/internal/errors"
	"github.com/Mnehmos/rooswarm/internal/logging"
)

// Graph is a dependency DAG with cycle detection, readiness queries, and
// critical-path computation. All methods are safe for concurrent use via
// an internal mutex.
type Graph struct {
	mu    sync.Mutex
	nodes map[string]*node
	order []string // task IDs in input order
	log   *logging.Logger
}

// Option configures a Graph.
type Option func(*Graph)

// WithLogger sets the logger used for informational graph events.
func WithLogger(log *logging.Logger) Option {
	return func(g *Graph) {
		if log != nil {
			g.log = log.WithComponent("taskgraph")
		}
	}
}

// New builds a Graph from the task list. It fails with ErrInvalidGraph
// when a task ID repeats, a dependency references an unknown task, or the
// dependency relation contains a cycle (self-loops included). The cycle
// error names the offending path.
func New(specs []TaskSpec, opts ...Option) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]*node, len(specs)),
		log:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}

	for _, spec := range specs {
		if spec.ID == "" {
			return nil, errors.NewGraphError("task id must not be empty", errors.ErrInvalidGraph)
		}
		if _, exists := g.nodes[spec.ID]; exists {
			return nil, errors.NewGraphError("duplicate task id", errors.ErrInvalidGraph).
				WithTaskID(spec.ID)
		}
		g.nodes[spec.ID] = &node{
			spec:  spec,
			state: StatePending,
			deps:  append([]string(nil), spec.Dependencies...),
		}
		g.order = append(g.order, spec.ID)
	}

	// Resolve dependency edges and build the reverse (dependent) edges.
	for _, id := range g.order {
		n := g.nodes[id]
		for _, depID := range n.deps {
			dep, ok := g.nodes[depID]
			if !ok {
				return nil, errors.NewGraphError(
					fmt.Sprintf("dependency %q does not exist", depID),
					errors.ErrInvalidGraph).WithTaskID(id)
			}
			dep.dependents = append(dep.dependents, id)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, errors.NewGraphError("dependency cycle", errors.ErrInvalidGraph).
			WithCycle(cycle)
	}

	return g, nil
}

// findCycle runs a depth-first traversal with a recursion-stack set and
// returns the first cycle path found, or nil for an acyclic graph.
func (g *Graph) findCycle() []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = inStack
		stack = append(stack, id)

		for _, depID := range g.nodes[id].deps {
			switch state[depID] {
			case inStack:
				// Close the loop: slice the stack from the first
				// occurrence of depID and append it again.
				for i, onStack := range stack {
					if onStack == depID {
						return append(append([]string(nil), stack[i:]...), depID)
					}
				}
			case unvisited:
				if cycle := visit(depID); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range g.order {
		if state[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// ReadyTasks returns the IDs of tasks that are pending with every
// dependency completed, in input order.
func (g *Graph) ReadyTasks() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ready []string
	for _, id := range g.order {
		if g.isReady(g.nodes[id]) {
			ready = append(ready, id)
		}
	}
	return ready
}

// isReady reports whether the node is pending with all deps completed.
// Caller must hold the mutex.
func (g *Graph) isReady(n *node) bool {
	if n.state != StatePending {
		return false
	}
	for _, depID := range n.deps {
		if !g.nodes[depID].completed {
			return false
		}
	}
	return true
}

// MarkCompleted sets the node's completed flag and state. It is idempotent;
// unknown IDs are logged at info level and otherwise ignored, which
// tolerates stale or duplicate completion messages.
func (g *Graph) MarkCompleted(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		g.log.Info("ignoring completion for unknown task", "task_id", id)
		return
	}
	n.completed = true
	n.state = StateCompleted
}

// MarkRunning transitions a pending task to the running state.
func (g *Graph) MarkRunning(id string) error {
	return g.transition(id, StatePending, StateRunning)
}

// MarkFailed transitions a pending or running task to the failed state.
func (g *Graph) MarkFailed(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrTaskNotFound, id)
	}
	if n.state.IsTerminal() {
		return fmt.Errorf("cannot fail task %s in state %s", id, n.state)
	}
	n.state = StateFailed
	return nil
}

// transition moves a task from one specific state to another.
func (g *Graph) transition(id string, from, to TaskState) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrTaskNotFound, id)
	}
	if n.state != from {
		return fmt.Errorf("cannot transition task %s from %s to %s", id, n.state, to)
	}
	n.state = to
	return nil
}

// State returns the current state of the task, or StatePending with false
// for unknown IDs.
func (g *Graph) State(id string) (TaskState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return StatePending, false
	}
	return n.state, true
}

// AllComplete returns true when every task has completed. An empty graph
// is trivially complete.
func (g *Graph) AllComplete() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, n := range g.nodes {
		if !n.completed {
			return false
		}
	}
	return true
}

// TaskCount returns the number of tasks in the graph.
func (g *Graph) TaskCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// CompletedCount returns the number of completed tasks.
func (g *Graph) CompletedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	count := 0
	for _, n := range g.nodes {
		if n.completed {
			count++
		}
	}
	return count
}

// RunningCount returns the number of tasks in the running state.
func (g *Graph) RunningCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	count := 0
	for _, n := range g.nodes {
		if n.state == StateRunning {
			count++
		}
	}
	return count
}

// Details returns a read-only snapshot of the task, or false for unknown IDs.
func (g *Graph) Details(id string) (TaskDetails, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return TaskDetails{}, false
	}
	return TaskDetails{
		Spec:       n.spec,
		State:      n.state,
		Completed:  n.completed,
		Deps:       append([]string(nil), n.deps...),
		Dependents: append([]string(nil), n.dependents...),
	}, true
}

// Spec returns the immutable TaskSpec for the given ID.
func (g *Graph) Spec(id string) (TaskSpec, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return TaskSpec{}, false
	}
	return n.spec, true
}

// TaskIDs returns all task IDs in input order.
func (g *Graph) TaskIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}
