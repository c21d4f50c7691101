package checkpoint

import (
	"encoding/json"

	"github.com/codeready-toolchain/maestro/pkg/fault"
	"github.com/codeready-toolchain/maestro/pkg/models"
)

// Fold replays an event sequence into a WorkflowState. Pure and
// deterministic: the same events always yield the same state, byte-equal
// under JSON marshaling to a snapshot taken at the same seq.
func Fold(events []models.Event) (*models.WorkflowState, error) {
	if len(events) == 0 {
		return nil, fault.New(fault.InvalidArgument, "cannot fold an empty event log")
	}
	if events[0].Kind != models.EventStateInit {
		return nil, fault.New(fault.Internal, "event log does not start with StateInit, got %s", events[0].Kind)
	}

	var state *models.WorkflowState
	for i := range events {
		next, err := Apply(state, events[i])
		if err != nil {
			return nil, err
		}
		state = next
	}
	return state, nil
}

// Apply is the single state-transition function: it advances state by one
// event. The engine uses it after every append so its in-memory state always
// equals the fold of the persisted log.
func Apply(state *models.WorkflowState, ev models.Event) (*models.WorkflowState, error) {
	if ev.Kind == models.EventStateInit {
		var p models.StateInitPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, fault.Wrap(fault.Internal, err, "unmarshaling StateInit")
		}
		return &models.WorkflowState{
			WorkflowID:        p.WorkflowID,
			SessionID:         p.SessionID,
			CreatedAt:         p.CreatedAt,
			UpdatedAt:         ev.Timestamp,
			Status:            models.StatusPending,
			Messages:          []models.Message{},
			SubTasks:          []models.SubTask{},
			CurrentNode:       p.EntryNode,
			RiskLevel:         models.RiskLow,
			ConfigFingerprint: p.ConfigFingerprint,
			LastSeq:           ev.Seq,
		}, nil
	}
	if state == nil {
		return nil, fault.New(fault.Internal, "event %s before StateInit", ev.Kind)
	}
	if ev.Seq != 0 && ev.Seq <= state.LastSeq {
		return nil, fault.New(fault.Internal,
			"event seq %d applied to state at seq %d", ev.Seq, state.LastSeq)
	}

	switch ev.Kind {
	case models.EventNodeEntered:
		var p models.NodeEnteredPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, fault.Wrap(fault.Internal, err, "unmarshaling NodeEntered")
		}
		state.CurrentNode = p.Node
		state.NextNode = ""
		if state.Status == models.StatusPending {
			state.Status = models.StatusRunning
		}
		if p.Attempt > 0 {
			if state.Retries == nil {
				state.Retries = map[string]int{}
			}
			state.Retries[p.Node] = p.Attempt
		}

	case models.EventNodeExited:
		var p models.NodeExitedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, fault.Wrap(fault.Internal, err, "unmarshaling NodeExited")
		}
		state.NextNode = p.Next

	case models.EventMessageAppended:
		var p models.MessageAppendedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, fault.Wrap(fault.Internal, err, "unmarshaling MessageAppended")
		}
		if p.Summarizes > 0 {
			// Summary turn: replace the oldest Summarizes messages with this
			// one. Replay applies the recorded summary instead of calling the
			// LLM again.
			n := p.Summarizes
			if n > len(state.Messages) {
				n = len(state.Messages)
			}
			rest := state.Messages[n:]
			state.Messages = append([]models.Message{p.Message}, rest...)
			state.SummarizedThrough += n
		} else {
			state.Messages = append(state.Messages, p.Message)
		}

	case models.EventSubTaskUpdated:
		var p models.SubTaskUpdatedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, fault.Wrap(fault.Internal, err, "unmarshaling SubTaskUpdated")
		}
		if len(p.Plan) > 0 {
			state.SubTasks = p.Plan
			if p.RiskLevel != "" {
				state.RiskLevel = p.RiskLevel
			}
		} else if t := state.SubTaskByID(p.SubTaskID); t != nil {
			if p.Status != "" {
				t.Status = p.Status
			}
			if p.Attempts > 0 {
				t.Attempts = p.Attempts
			}
			t.LastError = p.LastError
		}

	case models.EventToolInvoked:
		var p models.ToolInvokedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, fault.Wrap(fault.Internal, err, "unmarshaling ToolInvoked")
		}
		if state.ToolUse == nil {
			state.ToolUse = map[string]int{}
		}
		state.ToolUse[p.Tool]++

	case models.EventToolResulted:
		// Outcome excerpts live in the log; the conversational consequence is
		// a separate MessageAppended.

	case models.EventApprovalRequested:
		var p models.ApprovalRequestedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, fault.Wrap(fault.Internal, err, "unmarshaling ApprovalRequested")
		}
		approval := p.Approval
		state.Approval = &approval
		state.Status = models.StatusAwaitingApproval

	case models.EventApprovalDecided:
		var p models.ApprovalDecidedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, fault.Wrap(fault.Internal, err, "unmarshaling ApprovalDecided")
		}
		if p.Held {
			state.HeldDecision = &models.ApprovalDecision{
				ApprovalID: p.ApprovalID,
				Decision:   p.Decision,
				Decider:    p.Decider,
				Reason:     p.Reason,
				DecidedAt:  p.DecidedAt,
			}
		} else if state.Approval != nil && state.Approval.ID == p.ApprovalID {
			decidedAt := p.DecidedAt
			state.Approval.DecidedAt = &decidedAt
			state.Approval.Decision = p.Decision
			state.Approval.Decider = p.Decider
			state.Approval.Reason = p.Reason
			state.HeldDecision = nil
			if state.Status == models.StatusAwaitingApproval {
				state.Status = models.StatusRunning
			}
		}

	case models.EventCheckpointed:
		// Snapshot bookkeeping only.

	case models.EventFailed:
		state.Status = models.StatusFailed

	case models.EventCompleted:
		state.Status = models.StatusCompleted

	case models.EventCancelled:
		state.Status = models.StatusCancelled
		for i := range state.SubTasks {
			switch state.SubTasks[i].Status {
			case models.SubTaskPending, models.SubTaskRunning, models.SubTaskBlocked:
				state.SubTasks[i].Status = models.SubTaskCancelled
			}
		}

	case models.EventCaptureInsight:
		var p models.CaptureInsightPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, fault.Wrap(fault.Internal, err, "unmarshaling CaptureInsight")
		}
		state.CapturedInsights = append(state.CapturedInsights, p.Insight)

	default:
		return nil, fault.New(fault.Internal, "unknown event kind %s", ev.Kind)
	}

	if ev.Seq != 0 {
		state.LastSeq = ev.Seq
	}
	state.UpdatedAt = ev.Timestamp
	return state, nil
}
