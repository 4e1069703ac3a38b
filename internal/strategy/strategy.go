// Package strategy provides the pluggable task-selection policies used by
// the scheduler. A strategy is a pure function over the ready set: it holds
// no state and never mutates its inputs.
package strategy

import (
	"fmt"

	"github.com/Mnehmos/rooswarm/internal/taskgraph"
)

// Strategy names accepted by New.
const (
	NameMaxParallel  = "max-parallel"
	NameRateAware    = "rate-aware"
	NameCriticalPath = "critical-path"
)

// Inputs carries the scheduler context a strategy may consult.
type Inputs struct {
	// CurrentRPM is the scheduler's running estimate of in-flight request
	// volume.
	CurrentRPM int

	// MaxRPM is the configured request budget per minute.
	MaxRPM int

	// EstimatedRPMPerTask is the default per-task request rate estimate.
	EstimatedRPMPerTask int

	// Graph optionally exposes structure queries (critical path). May be nil.
	Graph *taskgraph.Graph
}

// Strategy selects which ready tasks to dispatch this round.
type Strategy interface {
	// Name returns the strategy's registered name.
	Name() string

	// SelectTasks returns a subset of ready (preserving or reordering it
	// per policy) of length at most availableWorkers. Implementations
	// must not mutate ready.
	SelectTasks(ready []string, availableWorkers int, in Inputs) []string
}

// New returns the strategy registered under the given name.
func New(name string) (Strategy, error) {
	switch name {
	case NameMaxParallel:
		return MaxParallel{}, nil
	case NameRateAware:
		return RateAware{}, nil
	case NameCriticalPath:
		return CriticalPath{}, nil
	default:
		return nil, fmt.Errorf("unknown scheduling strategy %q", name)
	}
}

// MaxParallel dispatches as many ready tasks as there are free worker slots.
type MaxParallel struct{}

// Name implements Strategy.
func (MaxParallel) Name() string { return NameMaxParallel }

// SelectTasks returns the prefix of ready of length
// min(len(ready), availableWorkers).
func (MaxParallel) SelectTasks(ready []string, availableWorkers int, _ Inputs) []string {
	n := min(len(ready), availableWorkers)
	if n <= 0 {
		return nil
	}
	return append([]string(nil), ready[:n]...)
}

// RateAware caps dispatch so the estimated request volume stays inside the
// configured RPM budget.
type RateAware struct{}

// Name implements Strategy.
func (RateAware) Name() string { return NameRateAware }

// SelectTasks returns a prefix of ready of length
// min(len(ready), availableWorkers, headroom/estimatedRPMPerTask),
// where headroom = max(0, maxRPM - currentRPM). A zero estimate or zero
// headroom selects nothing.
func (RateAware) SelectTasks(ready []string, availableWorkers int, in Inputs) []string {
	if in.EstimatedRPMPerTask <= 0 {
		return nil
	}
	headroom := in.MaxRPM - in.CurrentRPM
	if headroom <= 0 {
		return nil
	}
	n := min(len(ready), availableWorkers, headroom/in.EstimatedRPMPerTask)
	if n <= 0 {
		return nil
	}
	return append([]string(nil), ready[:n]...)
}

// CriticalPath prioritizes ready tasks that sit on the longest incomplete
// chain so the run's tail latency shrinks first.
type CriticalPath struct{}

// Name implements Strategy.
func (CriticalPath) Name() string { return NameCriticalPath }

// SelectTasks stable-sorts ready so IDs on the graph's critical path come
// first (in path order), with the remaining IDs keeping input order, then
// returns the first availableWorkers entries. Without a graph it degrades
// to MaxParallel semantics.
func (CriticalPath) SelectTasks(ready []string, availableWorkers int, in Inputs) []string {
	if in.Graph == nil {
		return MaxParallel{}.SelectTasks(ready, availableWorkers, in)
	}
	if availableWorkers <= 0 || len(ready) == 0 {
		return nil
	}

	pathIndex := make(map[string]int)
	for i, id := range in.Graph.CriticalPath() {
		pathIndex[id] = i
	}

	var onPath, offPath []string
	for _, id := range ready {
		if _, ok := pathIndex[id]; ok {
			onPath = append(onPath, id)
		} else {
			offPath = append(offPath, id)
		}
	}

	// Order the on-path subset by its position on the path. Insertion
	// sort keeps this simple; the slices involved are small.
	for i := 1; i < len(onPath); i++ {
		for j := i; j > 0 && pathIndex[onPath[j]] < pathIndex[onPath[j-1]]; j-- {
			onPath[j], onPath[j-1] = onPath[j-1], onPath[j]
		}
	}

	ordered := append(onPath, offPath...)
	n := min(len(ordered), availableWorkers)
	return ordered[:n]
}
