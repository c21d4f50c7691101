package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/maestro/pkg/models"
)

func seqEvent(t *testing.T, seq int64, kind models.EventKind, payload any) models.Event {
	t.Helper()
	ev, err := models.NewEvent("wf-1", kind, "", payload)
	require.NoError(t, err)
	ev.Seq = seq
	return ev
}

func initEvent(t *testing.T) models.Event {
	t.Helper()
	return seqEvent(t, 1, models.EventStateInit, models.StateInitPayload{
		WorkflowID:        "wf-1",
		SessionID:         "sess-1",
		Instruction:       "add a health endpoint",
		EntryNode:         "classify_risk",
		ConfigFingerprint: "fp-1",
		CreatedAt:         models.Now(),
	})
}

func TestFoldEmptyLog(t *testing.T) {
	_, err := Fold(nil)
	require.Error(t, err)
}

func TestFoldMustStartWithInit(t *testing.T) {
	_, err := Fold([]models.Event{
		seqEvent(t, 1, models.EventCompleted, models.CompletedPayload{}),
	})
	require.Error(t, err)
}

func TestApplyInit(t *testing.T) {
	state, err := Apply(nil, initEvent(t))
	require.NoError(t, err)

	assert.Equal(t, "wf-1", state.WorkflowID)
	assert.Equal(t, "sess-1", state.SessionID)
	assert.Equal(t, models.StatusPending, state.Status)
	assert.Equal(t, "classify_risk", state.CurrentNode)
	assert.Equal(t, models.RiskLow, state.RiskLevel)
	assert.Equal(t, int64(1), state.LastSeq)
	assert.NotNil(t, state.Messages)
	assert.NotNil(t, state.SubTasks)
}

func TestApplyRejectsEventBeforeInit(t *testing.T) {
	_, err := Apply(nil, seqEvent(t, 1, models.EventCompleted, models.CompletedPayload{}))
	require.Error(t, err)
}

func TestApplyRejectsStaleSeq(t *testing.T) {
	state, err := Apply(nil, initEvent(t))
	require.NoError(t, err)

	_, err = Apply(state, seqEvent(t, 1, models.EventCompleted, models.CompletedPayload{}))
	require.Error(t, err)
}

func TestApplyNodeTransitions(t *testing.T) {
	state, err := Fold([]models.Event{
		initEvent(t),
		seqEvent(t, 2, models.EventNodeEntered, models.NodeEnteredPayload{Node: "classify_risk"}),
		seqEvent(t, 3, models.EventNodeExited, models.NodeExitedPayload{Node: "classify_risk", Next: "delegate_task"}),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusRunning, state.Status)
	assert.Equal(t, "classify_risk", state.CurrentNode)
	assert.Equal(t, "delegate_task", state.NextNode)
	assert.Equal(t, int64(3), state.LastSeq)
}

func TestApplyRetryAttemptTracked(t *testing.T) {
	state, err := Fold([]models.Event{
		initEvent(t),
		seqEvent(t, 2, models.EventNodeEntered, models.NodeEnteredPayload{Node: "execute_subtask", Attempt: 2}),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, state.Retries["execute_subtask"])
}

func TestApplySubTaskPlanAndUpdates(t *testing.T) {
	plan := []models.SubTask{
		{ID: "t1", AgentRole: models.RoleFeatureDev, Description: "implement", Status: models.SubTaskPending},
		{ID: "t2", AgentRole: models.RoleCodeReview, Description: "review", DependsOn: []string{"t1"}, Status: models.SubTaskPending},
	}
	state, err := Fold([]models.Event{
		initEvent(t),
		seqEvent(t, 2, models.EventSubTaskUpdated, models.SubTaskUpdatedPayload{Plan: plan, RiskLevel: models.RiskMedium}),
		seqEvent(t, 3, models.EventSubTaskUpdated, models.SubTaskUpdatedPayload{
			SubTaskID: "t1", Status: models.SubTaskDone, Attempts: 1,
		}),
	})
	require.NoError(t, err)

	assert.Equal(t, models.RiskMedium, state.RiskLevel)
	require.Len(t, state.SubTasks, 2)
	assert.Equal(t, models.SubTaskDone, state.SubTasks[0].Status)
	assert.Equal(t, 1, state.SubTasks[0].Attempts)
	assert.Equal(t, models.SubTaskPending, state.SubTasks[1].Status)
}

func TestApplyToolUseCounted(t *testing.T) {
	state, err := Fold([]models.Event{
		initEvent(t),
		seqEvent(t, 2, models.EventToolInvoked, models.ToolInvokedPayload{CallID: "c1", Tool: "fs.read"}),
		seqEvent(t, 3, models.EventToolResulted, models.ToolResultedPayload{CallID: "c1", Tool: "fs.read", Status: "ok"}),
		seqEvent(t, 4, models.EventToolInvoked, models.ToolInvokedPayload{CallID: "c2", Tool: "fs.read"}),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, state.ToolUse["fs.read"])
}

func TestApplyApprovalLifecycle(t *testing.T) {
	deadline := models.Now().Add(time.Hour)
	state, err := Fold([]models.Event{
		initEvent(t),
		seqEvent(t, 2, models.EventApprovalRequested, models.ApprovalRequestedPayload{
			Approval: models.Approval{ID: "ap-1", Kind: "risk_gate", Deadline: deadline},
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingApproval, state.Status)
	require.NotNil(t, state.Approval)
	assert.False(t, state.Approval.Decided())

	state, err = Apply(state, seqEvent(t, 3, models.EventApprovalDecided, models.ApprovalDecidedPayload{
		ApprovalID: "ap-1", Decision: models.DecisionApprove, Decider: "alice", DecidedAt: models.Now(),
	}))
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, state.Status)
	assert.True(t, state.Approval.Decided())
	assert.Equal(t, models.DecisionApprove, state.Approval.Decision)
	assert.Equal(t, "alice", state.Approval.Decider)
}

func TestApplyHeldDecision(t *testing.T) {
	state, err := Fold([]models.Event{
		initEvent(t),
		seqEvent(t, 2, models.EventApprovalDecided, models.ApprovalDecidedPayload{
			Decision: models.DecisionApprove, Decider: "alice", DecidedAt: models.Now(), Held: true,
		}),
	})
	require.NoError(t, err)

	// The decision parks on the workflow; the gate has not fired yet.
	require.NotNil(t, state.HeldDecision)
	assert.Equal(t, models.DecisionApprove, state.HeldDecision.Decision)
	assert.Nil(t, state.Approval)
	assert.Equal(t, models.StatusPending, state.Status)
}

func TestApplyCancelMarksOpenSubTasks(t *testing.T) {
	plan := []models.SubTask{
		{ID: "t1", AgentRole: models.RoleFeatureDev, Status: models.SubTaskDone},
		{ID: "t2", AgentRole: models.RoleCodeReview, Status: models.SubTaskRunning},
		{ID: "t3", AgentRole: models.RoleCICD, Status: models.SubTaskPending},
	}
	state, err := Fold([]models.Event{
		initEvent(t),
		seqEvent(t, 2, models.EventSubTaskUpdated, models.SubTaskUpdatedPayload{Plan: plan}),
		seqEvent(t, 3, models.EventCancelled, models.CancelledPayload{Reason: "user request"}),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusCancelled, state.Status)
	assert.Equal(t, models.SubTaskDone, state.SubTasks[0].Status)
	assert.Equal(t, models.SubTaskCancelled, state.SubTasks[1].Status)
	assert.Equal(t, models.SubTaskCancelled, state.SubTasks[2].Status)
}

func TestApplySummaryTurnReplacesOldest(t *testing.T) {
	events := []models.Event{initEvent(t)}
	for i := 0; i < 4; i++ {
		events = append(events, seqEvent(t, int64(i+2), models.EventMessageAppended,
			models.MessageAppendedPayload{Message: models.Message{
				Role: models.RoleUser, Content: string(rune('a' + i)), Timestamp: models.Now(),
			}}))
	}
	events = append(events, seqEvent(t, 6, models.EventMessageAppended, models.MessageAppendedPayload{
		Message:    models.Message{Role: models.RoleSystem, Content: "Summary of earlier conversation: ab", Timestamp: models.Now()},
		Summarizes: 2,
	}))

	state, err := Fold(events)
	require.NoError(t, err)

	require.Len(t, state.Messages, 3)
	assert.Contains(t, state.Messages[0].Content, "Summary")
	assert.Equal(t, "c", state.Messages[1].Content)
	assert.Equal(t, "d", state.Messages[2].Content)
	assert.Equal(t, 2, state.SummarizedThrough)
}

func TestFoldDeterministic(t *testing.T) {
	events := []models.Event{
		initEvent(t),
		seqEvent(t, 2, models.EventNodeEntered, models.NodeEnteredPayload{Node: "classify_risk"}),
		seqEvent(t, 3, models.EventMessageAppended, models.MessageAppendedPayload{
			Message: models.Message{Role: models.RoleAssistant, Content: "done", Timestamp: models.Now()},
		}),
		seqEvent(t, 4, models.EventCompleted, models.CompletedPayload{Summary: "done"}),
	}

	first, err := Fold(events)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Fold(events)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, models.StatusCompleted, first.Status)
}
