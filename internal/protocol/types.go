// Package protocol defines the wire-level message format exchanged between
// the orchestrator and its workers: one UTF-8 JSON object per
// newline-terminated line over a local TCP connection.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of orchestrator/worker message.
type MessageType string

const (
	// MessageTaskAssignment delivers instructions and a workspace to a worker.
	MessageTaskAssignment MessageType = "task-assignment"

	// MessageTaskCompleted signals task success back to the orchestrator.
	MessageTaskCompleted MessageType = "task-completed"

	// MessageTaskFailed signals task failure back to the orchestrator.
	MessageTaskFailed MessageType = "task-failed"

	// MessageReviewRequest asks a reviewer to review a task's output.
	MessageReviewRequest MessageType = "review-request"

	// MessageReviewApproved is a reviewer's approval with feedback.
	MessageReviewApproved MessageType = "review-approved"

	// MessageReviewRejected is a reviewer's rejection with issues.
	MessageReviewRejected MessageType = "review-rejected"

	// MessageEscalation is an out-of-band help request from a worker.
	MessageEscalation MessageType = "escalation"

	// MessageHeartbeat is a liveness signal with no protocol effect.
	MessageHeartbeat MessageType = "heartbeat"
)

// OrchestratorID is the well-known endpoint identity of the scheduler side
// of the channel.
const OrchestratorID = "orchestrator"

// validMessageTypes is the closed set accepted on the wire.
var validMessageTypes = map[MessageType]bool{
	MessageTaskAssignment: true,
	MessageTaskCompleted:  true,
	MessageTaskFailed:     true,
	MessageReviewRequest:  true,
	MessageReviewApproved: true,
	MessageReviewRejected: true,
	MessageEscalation:     true,
	MessageHeartbeat:      true,
}

// ValidMessageType returns true if the given type is a known message type.
func ValidMessageType(t MessageType) bool {
	return validMessageTypes[t]
}

// Message represents a single orchestrator/worker communication.
type Message struct {
	ID            string         `json:"id"`
	Type          MessageType    `json:"type"`
	From          string         `json:"from"`
	To            string         `json:"to"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

// New creates a Message with a fresh ID and the current timestamp.
func New(msgType MessageType, from, to string, payload map[string]any) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		From:      from,
		To:        to,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// NewReply creates a response Message correlated with the given request.
func NewReply(req Message, msgType MessageType, payload map[string]any) Message {
	msg := New(msgType, req.To, req.From, payload)
	msg.CorrelationID = req.ID
	return msg
}

// PayloadString returns the named payload field as a string, or the empty
// string when absent or of another type.
func (m Message) PayloadString(key string) string {
	if m.Payload == nil {
		return ""
	}
	s, _ := m.Payload[key].(string)
	return s
}

// PayloadStrings returns the named payload field as a string slice. JSON
// decoding yields []any, so both representations are accepted.
func (m Message) PayloadStrings(key string) []string {
	if m.Payload == nil {
		return nil
	}
	switch v := m.Payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// TaskID returns the taskId payload field common to task and review messages.
func (m Message) TaskID() string {
	return m.PayloadString("taskId")
}

// NewTaskAssignment builds the dispatch message for a task.
func NewTaskAssignment(to, taskID, instructions, workspacePath, workerType string) Message {
	payload := map[string]any{
		"taskId":        taskID,
		"instructions":  instructions,
		"workspacePath": workspacePath,
	}
	if workerType != "" {
		payload["workerType"] = workerType
	}
	return New(MessageTaskAssignment, OrchestratorID, to, payload)
}

// NewTaskCompleted builds a worker's success report.
func NewTaskCompleted(from, taskID, result string, modifiedFiles []string) Message {
	payload := map[string]any{
		"taskId": taskID,
	}
	if result != "" {
		payload["result"] = result
	}
	if len(modifiedFiles) > 0 {
		payload["modifiedFiles"] = modifiedFiles
	}
	return New(MessageTaskCompleted, from, OrchestratorID, payload)
}

// NewTaskFailed builds a worker's failure report.
func NewTaskFailed(from, taskID, errMsg string) Message {
	return New(MessageTaskFailed, from, OrchestratorID, map[string]any{
		"taskId": taskID,
		"error":  errMsg,
	})
}

// NewReviewRequest builds a worker's request for review.
func NewReviewRequest(from, to, reviewID, taskID string, files []string, description string) Message {
	return New(MessageReviewRequest, from, to, map[string]any{
		"reviewId":    reviewID,
		"taskId":      taskID,
		"files":       files,
		"description": description,
	})
}

// NewHeartbeat builds a liveness message.
func NewHeartbeat(from, to string) Message {
	return New(MessageHeartbeat, from, to, nil)
}
