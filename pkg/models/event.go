package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies one class of workflow event. The event log is the
// authoritative record: a snapshot is the fold of all prior events.
type EventKind string

const (
	EventStateInit         EventKind = "StateInit"
	EventNodeEntered       EventKind = "NodeEntered"
	EventNodeExited        EventKind = "NodeExited"
	EventMessageAppended   EventKind = "MessageAppended"
	EventSubTaskUpdated    EventKind = "SubTaskUpdated"
	EventToolInvoked       EventKind = "ToolInvoked"
	EventToolResulted      EventKind = "ToolResulted"
	EventApprovalRequested EventKind = "ApprovalRequested"
	EventApprovalDecided   EventKind = "ApprovalDecided"
	EventCheckpointed      EventKind = "Checkpointed"
	EventFailed            EventKind = "Failed"
	EventCompleted         EventKind = "Completed"
	EventCancelled         EventKind = "Cancelled"
	EventCaptureInsight    EventKind = "CaptureInsight"
)

// ValidEventKind reports whether k is a known event kind.
func ValidEventKind(k EventKind) bool {
	switch k {
	case EventStateInit, EventNodeEntered, EventNodeExited, EventMessageAppended,
		EventSubTaskUpdated, EventToolInvoked, EventToolResulted,
		EventApprovalRequested, EventApprovalDecided, EventCheckpointed,
		EventFailed, EventCompleted, EventCancelled, EventCaptureInsight:
		return true
	}
	return false
}

// Event is one append-only log record. Seq is strictly increasing and
// consecutive per workflow, starting at 1.
type Event struct {
	Seq         int64           `json:"seq"`
	WorkflowID  string          `json:"workflow_id"`
	Kind        EventKind       `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
	CausingNode string          `json:"causing_node,omitempty"`
}

// --- Typed payloads, one per kind ---

// StateInitPayload seeds a fresh workflow state.
type StateInitPayload struct {
	WorkflowID        string    `json:"workflow_id"`
	SessionID         string    `json:"session_id"`
	Instruction       string    `json:"instruction"`
	EntryNode         string    `json:"entry_node"`
	ConfigFingerprint string    `json:"config_fingerprint"`
	CreatedAt         time.Time `json:"created_at"`
}

// NodeEnteredPayload records the engine handing control to a node.
type NodeEnteredPayload struct {
	Node    string `json:"node"`
	Attempt int    `json:"attempt,omitempty"`
}

// NodeExitedPayload records the node's routing directive. Next is empty when
// the node suspended the workflow.
type NodeExitedPayload struct {
	Node      string `json:"node"`
	Next      string `json:"next,omitempty"`
	Suspended bool   `json:"suspended,omitempty"`
}

// MessageAppendedPayload appends one conversation turn. Summarizes > 0 marks a
// summary turn: the fold drops the oldest Summarizes original turns and
// prepends this message in their place, so replay never re-summarizes.
type MessageAppendedPayload struct {
	Message    Message `json:"message"`
	Summarizes int     `json:"summarizes,omitempty"`
}

// SubTaskUpdatedPayload replaces the subtask plan (on delegation) or one
// subtask's mutable fields (during execution).
type SubTaskUpdatedPayload struct {
	// Plan replaces the whole subtask array; used once by delegate_task.
	Plan []SubTask `json:"plan,omitempty"`
	// RiskLevel accompanies the initial plan.
	RiskLevel RiskLevel `json:"risk_level,omitempty"`

	SubTaskID string        `json:"subtask_id,omitempty"`
	Status    SubTaskStatus `json:"status,omitempty"`
	Attempts  int           `json:"attempts,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// ToolInvokedPayload is written before the tool call is made, with redacted
// arguments. The at-least-once contract: a crash after this event but before
// ToolResulted re-invokes the tool on resume.
type ToolInvokedPayload struct {
	CallID    string          `json:"call_id"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	SubTaskID string          `json:"subtask_id,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
	// Retry is the transport attempt index within one call; each dispatched
	// attempt writes its own invoked/resulted pair.
	Retry int `json:"retry,omitempty"`
}

// ToolResultedPayload records the outcome with a size-bounded excerpt.
type ToolResultedPayload struct {
	CallID    string          `json:"call_id"`
	Tool      string          `json:"tool"`
	Status    string          `json:"status"`
	Excerpt   json.RawMessage `json:"excerpt,omitempty"`
	LatencyMS int64           `json:"latency_ms"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Retry     int             `json:"retry,omitempty"`
}

// ApprovalRequestedPayload records the gate firing.
type ApprovalRequestedPayload struct {
	Approval Approval `json:"approval"`
	Summary  string   `json:"summary,omitempty"`
}

// ApprovalDecidedPayload records exactly one decision per approval id.
type ApprovalDecidedPayload struct {
	ApprovalID string    `json:"approval_id"`
	Decision   string    `json:"decision"`
	Decider    string    `json:"decider,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
	// Held marks a decision that arrived before the gate fired and is parked
	// on the workflow until the gate consumes it.
	Held bool `json:"held,omitempty"`
}

// CheckpointedPayload marks a snapshot refresh at a given seq.
type CheckpointedPayload struct {
	Seq     int64 `json:"seq"`
	Version int64 `json:"version"`
}

// FailedPayload terminates the workflow with an error.
type FailedPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Node    string `json:"node,omitempty"`
}

// CompletedPayload terminates the workflow successfully.
type CompletedPayload struct {
	Summary string `json:"summary,omitempty"`
}

// CancelledPayload terminates the workflow by caller or rejection.
type CancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}

// CaptureInsightPayload records a note surfaced to later steps.
type CaptureInsightPayload struct {
	Insight Insight `json:"insight"`
}

// NewEvent builds an event with a marshaled payload. Seq is assigned by the
// checkpoint store at append time.
func NewEvent(workflowID string, kind EventKind, causingNode string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Event{
		WorkflowID:  workflowID,
		Kind:        kind,
		Payload:     raw,
		Timestamp:   Now(),
		CausingNode: causingNode,
	}, nil
}

// MustEvent is NewEvent for payload structs defined in this package, which
// cannot fail to marshal.
func MustEvent(workflowID string, kind EventKind, causingNode string, payload any) Event {
	ev, err := NewEvent(workflowID, kind, causingNode, payload)
	if err != nil {
		panic(err)
	}
	return ev
}
