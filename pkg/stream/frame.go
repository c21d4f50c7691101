// Package stream delivers workflow frames from the process that produced them
// to every SSE subscriber, across pods, over PostgreSQL LISTEN/NOTIFY.
//
// Persistent workflow events are notified by the checkpoint store inside the
// append transaction; transient content chunks are notified directly without
// rows. A dedicated listener connection receives both and fans out to
// in-process subscribers through the Hub.
package stream

import (
	"encoding/json"
	"fmt"

	"github.com/codeready-toolchain/maestro/pkg/models"
)

// Frame types on the SSE wire.
const (
	FrameContent         = "content"
	FrameStatus          = "status"
	FrameSubTask         = "subtask"
	FrameApprovalPending = "approval_pending"
	FrameError           = "error"
	FrameDone            = "done"
)

// Frame is one SSE event payload. Exactly the wire shapes the editor
// extension consumes; unset fields are omitted.
type Frame struct {
	Type string `json:"type"`

	// content
	Content string `json:"content,omitempty"`

	// status
	WorkflowID string `json:"workflow_id,omitempty"`
	Status     string `json:"status,omitempty"`

	// subtask
	ID        string `json:"id,omitempty"`
	AgentRole string `json:"agent_role,omitempty"`

	// approval_pending
	ApprovalID string `json:"approval_id,omitempty"`
	Link       string `json:"link,omitempty"`

	// error
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// Marshal returns the frame's JSON encoding.
func (f Frame) Marshal() []byte {
	data, _ := json.Marshal(f)
	return data
}

// WorkflowChannel derives the NOTIFY channel for a workflow id. Postgres
// channel names are capped at 63 bytes; a prefixed UUID fits.
func WorkflowChannel(workflowID string) string {
	return "wf_" + workflowID
}

// FramesForEvent derives the SSE frames a persisted event implies. Most event
// kinds are engine-internal and produce none.
func FramesForEvent(ev models.Event) []Frame {
	switch ev.Kind {
	case models.EventStateInit:
		return []Frame{{Type: FrameStatus, WorkflowID: ev.WorkflowID, Status: string(models.StatusPending)}}

	case models.EventSubTaskUpdated:
		var p models.SubTaskUpdatedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil
		}
		if len(p.Plan) > 0 {
			frames := make([]Frame, 0, len(p.Plan))
			for _, t := range p.Plan {
				frames = append(frames, Frame{
					Type: FrameSubTask, WorkflowID: ev.WorkflowID,
					ID: t.ID, Status: string(t.Status), AgentRole: t.AgentRole,
				})
			}
			return frames
		}
		if p.SubTaskID != "" {
			return []Frame{{
				Type: FrameSubTask, WorkflowID: ev.WorkflowID,
				ID: p.SubTaskID, Status: string(p.Status),
			}}
		}
		return nil

	case models.EventApprovalRequested:
		var p models.ApprovalRequestedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil
		}
		return []Frame{{
			Type: FrameApprovalPending, WorkflowID: ev.WorkflowID,
			ApprovalID: p.Approval.ID, Link: p.Approval.Link,
		}}

	case models.EventCompleted:
		return []Frame{{Type: FrameStatus, WorkflowID: ev.WorkflowID, Status: string(models.StatusCompleted)}}

	case models.EventCancelled:
		// The status frame is terminal for subscribers, so the reason must go
		// out first or it never reaches the client.
		var p models.CancelledPayload
		_ = json.Unmarshal(ev.Payload, &p)
		var frames []Frame
		if p.Reason != "" {
			frames = append(frames, Frame{Type: FrameContent, WorkflowID: ev.WorkflowID, Content: p.Reason})
		}
		return append(frames, Frame{Type: FrameStatus, WorkflowID: ev.WorkflowID, Status: string(models.StatusCancelled)})

	case models.EventFailed:
		var p models.FailedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return []Frame{{Type: FrameError, WorkflowID: ev.WorkflowID, Kind: "INTERNAL"}}
		}
		return []Frame{{
			Type: FrameError, WorkflowID: ev.WorkflowID,
			Kind: p.Kind, Message: p.Message,
		}}
	}
	return nil
}

// ParseFrame decodes a NOTIFY payload back into a Frame.
func ParseFrame(payload []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return Frame{}, fmt.Errorf("parsing frame payload: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("frame payload missing type")
	}
	return f, nil
}
