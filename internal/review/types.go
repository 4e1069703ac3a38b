// Package review brokers the asynchronous approve/reject protocol between
// producer workers and specialized reviewer workers. Reviewers are spawned
// on demand, one per specialization, and reused across requests.
package review

import "strings"

// Specialization identifies a reviewer's focus area.
type Specialization string

const (
	// SpecSecurity reviews authentication, secrets, and injection surface.
	SpecSecurity Specialization = "security"

	// SpecPerformance reviews hot paths, queries, and caching.
	SpecPerformance Specialization = "performance"

	// SpecStyle is the default: readability, naming, and structure.
	SpecStyle Specialization = "style"
)

// String returns the string representation of the specialization.
func (s Specialization) String() string {
	return string(s)
}

// keyword tables for inferring a specialization from a task ID.
var (
	securityKeywords    = []string{"auth", "security", "login", "password", "token", "encrypt"}
	performanceKeywords = []string{"optimize", "performance", "cache", "query", "index", "batch"}
)

// InferSpecialization picks a reviewer specialization from keywords in the
// task ID (case-insensitive substring match). Unmatched IDs review for
// style.
func InferSpecialization(taskID string) Specialization {
	lowered := strings.ToLower(taskID)
	for _, kw := range securityKeywords {
		if strings.Contains(lowered, kw) {
			return SpecSecurity
		}
	}
	for _, kw := range performanceKeywords {
		if strings.Contains(lowered, kw) {
			return SpecPerformance
		}
	}
	return SpecStyle
}

// reviewerPrompts are the system prompts handed to freshly spawned
// reviewers, one per specialization.
var reviewerPrompts = map[Specialization]string{
	SpecSecurity: "You are a security reviewer. Examine the submitted changes for " +
		"authentication flaws, secret handling, injection risks, and unsafe " +
		"defaults. Approve only when no exploitable issue remains; otherwise " +
		"reject with a concrete issue list.",
	SpecPerformance: "You are a performance reviewer. Examine the submitted changes " +
		"for algorithmic complexity, unnecessary allocation, redundant queries, " +
		"and missing caching opportunities. Approve unless a change would " +
		"measurably regress the hot path.",
	SpecStyle: "You are a style reviewer. Examine the submitted changes for " +
		"readability, naming, structure, and consistency with the surrounding " +
		"code. Prefer concrete suggestions over blanket rejection.",
}

// Prompt returns the system prompt for a specialization.
func Prompt(spec Specialization) string {
	if p, ok := reviewerPrompts[spec]; ok {
		return p
	}
	return reviewerPrompts[SpecStyle]
}

// Request asks for a review of a task's output.
type Request struct {
	TaskID       string
	WorkerID     string
	FilesChanged []string
	Description  string

	// Specialization overrides keyword inference when set.
	Specialization Specialization
}

// Receipt is the synchronous result of RequestReview.
type Receipt struct {
	ReviewID   string `json:"reviewId"`
	ReviewerID string `json:"reviewerId"`
	Status     string `json:"status"` // always "pending"
}

// Decision is the resolved outcome of a review wait.
type Decision struct {
	Approved    bool
	ReviewerID  string
	Feedback    string
	Suggestions []string // populated on approval
	Issues      []string // populated on rejection
}
