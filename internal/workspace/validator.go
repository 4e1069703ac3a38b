// Package workspace validates that no two tasks share, nest, or overlap
// their working directories, suggests conflict-free assignments, and
// optionally watches workspaces at runtime for cross-worker file
// modifications.
package workspace

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/Mnehmos/rooswarm/internal/errors"
	"github.com/Mnehmos/rooswarm/internal/taskgraph"
)

// ConflictKind classifies how two workspaces overlap.
type ConflictKind string

const (
	// ConflictIdentical means both paths normalize to the same directory.
	ConflictIdentical ConflictKind = "identical"

	// ConflictNested means one path is an ancestor of the other.
	ConflictNested ConflictKind = "nested"

	// ConflictWildcard means the wildcard patterns overlap.
	ConflictWildcard ConflictKind = "wildcard"
)

// Severity grades a conflict. Every current rule yields SeverityError; the
// field exists so future rules can downgrade to warnings.
type Severity string

const (
	// SeverityError fails validation in both strict and non-strict mode.
	SeverityError Severity = "error"

	// SeverityWarning fails validation only in strict mode.
	SeverityWarning Severity = "warning"
)

// Conflict describes one overlapping workspace pair.
type Conflict struct {
	TaskA    string
	TaskB    string
	PathA    string // normalized
	PathB    string // normalized
	Kind     ConflictKind
	Severity Severity
}

// String renders the conflict for error messages.
func (c Conflict) String() string {
	return fmt.Sprintf("%s(%s) and %s(%s): %s", c.TaskA, c.PathA, c.TaskB, c.PathB, c.Kind)
}

// Result is the outcome of a validation pass.
type Result struct {
	IsValid     bool
	Conflicts   []Conflict
	Assignments map[string]string // taskID -> normalized workspace
}

// Validator checks workspace assignments for a task list.
type Validator struct {
	strictMode       bool
	allowNestedDirs  bool
	supportWildcards bool
	caseInsensitive  bool
}

// Option configures a Validator.
type Option func(*Validator)

// WithStrictMode controls whether any conflict fails validation (true) or
// only error-severity conflicts do (false). Default true.
func WithStrictMode(strict bool) Option {
	return func(v *Validator) { v.strictMode = strict }
}

// WithAllowNestedDirs permits one workspace to be an ancestor of another.
// Default false.
func WithAllowNestedDirs(allow bool) Option {
	return func(v *Validator) { v.allowNestedDirs = allow }
}

// WithSupportWildcards enables `*`/`**` overlap checks. Default true.
func WithSupportWildcards(support bool) Option {
	return func(v *Validator) { v.supportWildcards = support }
}

// WithCaseInsensitive overrides the platform probe for path comparison.
func WithCaseInsensitive(insensitive bool) Option {
	return func(v *Validator) { v.caseInsensitive = insensitive }
}

// NewValidator creates a Validator. Case sensitivity is probed from the
// platform once, here, unless overridden by an option.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		strictMode:       true,
		supportWildcards: true,
		caseInsensitive:  platformCaseInsensitive(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Normalize canonicalizes a path using the validator's case rule.
func (v *Validator) Normalize(path string) string {
	return NormalizePath(path, v.caseInsensitive)
}

// Validate checks every pair of task workspaces and returns the conflicts
// found. IsValid is false when any conflict fails under the current
// strictness rule.
func (v *Validator) Validate(tasks []taskgraph.TaskSpec) Result {
	result := Result{
		IsValid:     true,
		Assignments: make(map[string]string, len(tasks)),
	}

	for _, task := range tasks {
		result.Assignments[task.ID] = v.Normalize(task.WorkspacePath)
	}

	for i := 0; i < len(tasks); i++ {
		for j := i + 1; j < len(tasks); j++ {
			a, b := tasks[i], tasks[j]
			if conflict, ok := v.check(a.ID, result.Assignments[a.ID], b.ID, result.Assignments[b.ID]); ok {
				result.Conflicts = append(result.Conflicts, conflict)
			}
		}
	}

	for _, c := range result.Conflicts {
		if v.strictMode || c.Severity == SeverityError {
			result.IsValid = false
			break
		}
	}
	return result
}

// ValidateOrError runs Validate and converts a failed result into an
// ErrWorkspaceConflict error naming the conflicts.
func (v *Validator) ValidateOrError(tasks []taskgraph.TaskSpec) error {
	result := v.Validate(tasks)
	if result.IsValid {
		return nil
	}
	descriptions := make([]string, len(result.Conflicts))
	for i, c := range result.Conflicts {
		descriptions[i] = c.String()
	}
	return fmt.Errorf("%w: %s", errors.ErrWorkspaceConflict, strings.Join(descriptions, "; "))
}

// check examines one pair of normalized workspaces.
func (v *Validator) check(taskA, pathA, taskB, pathB string) (Conflict, bool) {
	conflict := Conflict{
		TaskA:    taskA,
		TaskB:    taskB,
		PathA:    pathA,
		PathB:    pathB,
		Severity: SeverityError,
	}

	hasWildcard := strings.Contains(pathA, "*") || strings.Contains(pathB, "*")
	if hasWildcard {
		if v.supportWildcards && wildcardsOverlap(pathA, pathB) {
			conflict.Kind = ConflictWildcard
			return conflict, true
		}
		return Conflict{}, false
	}

	if pathA == pathB {
		conflict.Kind = ConflictIdentical
		return conflict, true
	}

	// Root-vs-non-root is the degenerate nested case: "/" contains
	// every other path.
	if !v.allowNestedDirs && (isAncestor(pathA, pathB) || isAncestor(pathB, pathA)) {
		conflict.Kind = ConflictNested
		return conflict, true
	}

	return Conflict{}, false
}

// wildcardsOverlap reports whether two workspace patterns can both match
// the same path: either pattern matches the other literal, or both carry a
// wildcard and share a non-trivial base prefix before their first `*`.
func wildcardsOverlap(a, b string) bool {
	if matchesLiteral(a, b) || matchesLiteral(b, a) {
		return true
	}

	baseA, wildA := wildcardBase(a)
	baseB, wildB := wildcardBase(b)
	if !wildA || !wildB {
		return false
	}
	if baseA == "/" || baseB == "/" || baseA == "" || baseB == "" {
		// A bare "/*" style pattern has no meaningful base; overlap with
		// it is decided by the literal-match rule above.
		return false
	}
	return strings.HasPrefix(baseA, baseB) || strings.HasPrefix(baseB, baseA)
}

// matchesLiteral reports whether pattern (possibly containing wildcards)
// matches the candidate path. `*` stops at `/`, `**` crosses it, and the
// pattern anchors the whole path.
func matchesLiteral(pattern, candidate string) bool {
	if !strings.Contains(pattern, "*") {
		return false
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return false
	}
	return g.Match(candidate)
}

// wildcardBase returns the portion of a pattern before its first `*`, and
// whether the pattern contains a wildcard at all.
func wildcardBase(pattern string) (string, bool) {
	idx := strings.IndexByte(pattern, '*')
	if idx < 0 {
		return pattern, false
	}
	return pattern[:idx], true
}

// SuggestAssignments returns a conflict-free workspace per task:
// /worker-1, /worker-2, ... in task order. Used as a fallback when callers
// provide no assignments of their own.
func SuggestAssignments(tasks []taskgraph.TaskSpec) map[string]string {
	assignments := make(map[string]string, len(tasks))
	for i, task := range tasks {
		assignments[task.ID] = fmt.Sprintf("/worker-%d", i+1)
	}
	return assignments
}
