package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowStatusPredicates(t *testing.T) {
	terminal := []WorkflowStatus{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), s)
		assert.False(t, s.IsSuspended(), s)
	}

	live := []WorkflowStatus{StatusPending, StatusRunning}
	for _, s := range live {
		assert.False(t, s.IsTerminal(), s)
		assert.False(t, s.IsSuspended(), s)
	}

	suspended := []WorkflowStatus{StatusAwaitingApproval, StatusPaused}
	for _, s := range suspended {
		assert.True(t, s.IsSuspended(), s)
		assert.False(t, s.IsTerminal(), s)
	}

	assert.True(t, ValidStatus(StatusRunning))
	assert.False(t, ValidStatus(WorkflowStatus("resting")))
}

func TestRiskLevelAtLeast(t *testing.T) {
	assert.True(t, RiskHigh.AtLeast(RiskHigh))
	assert.True(t, RiskCritical.AtLeast(RiskHigh))
	assert.True(t, RiskMedium.AtLeast(RiskLow))
	assert.False(t, RiskLow.AtLeast(RiskMedium))
	assert.False(t, RiskHigh.AtLeast(RiskCritical))

	// Unknown levels rank lowest.
	assert.False(t, RiskLevel("weird").AtLeast(RiskMedium))
	assert.True(t, RiskLow.AtLeast(RiskLevel("weird")))
}

func TestValidSubTaskRole(t *testing.T) {
	for _, role := range SubTaskRoles {
		assert.True(t, ValidSubTaskRole(role), role)
	}
	assert.False(t, ValidSubTaskRole(RoleSupervisor), "the supervisor never receives subtasks")
	assert.False(t, ValidSubTaskRole("intern"))
}

func TestApprovalDecided(t *testing.T) {
	var a *Approval
	assert.False(t, a.Decided(), "nil approval is undecided")
	assert.False(t, (&Approval{ID: "ap-1"}).Decided())
	assert.True(t, (&Approval{ID: "ap-1", Decision: DecisionApprove}).Decided())
}

func planState() *WorkflowState {
	return &WorkflowState{
		SubTasks: []SubTask{
			{ID: "t1", Status: SubTaskDone},
			{ID: "t2", Status: SubTaskPending, DependsOn: []string{"t1"}},
			{ID: "t3", Status: SubTaskPending, DependsOn: []string{"t2"}},
		},
	}
}

func TestSubTaskByID(t *testing.T) {
	s := planState()
	task := s.SubTaskByID("t2")
	require.NotNil(t, task)

	// The pointer aliases the slice element.
	task.Status = SubTaskRunning
	assert.Equal(t, SubTaskRunning, s.SubTasks[1].Status)

	assert.Nil(t, s.SubTaskByID("t9"))
}

func TestNextReadySubTaskHonorsDependencies(t *testing.T) {
	s := planState()

	ready := s.NextReadySubTask()
	require.NotNil(t, ready)
	assert.Equal(t, "t2", ready.ID, "t3 waits on t2")

	ready.Status = SubTaskDone
	next := s.NextReadySubTask()
	require.NotNil(t, next)
	assert.Equal(t, "t3", next.ID)

	next.Status = SubTaskDone
	assert.Nil(t, s.NextReadySubTask())
}

func TestNextReadySubTaskWithMissingDependency(t *testing.T) {
	s := &WorkflowState{SubTasks: []SubTask{
		{ID: "t1", Status: SubTaskPending, DependsOn: []string{"gone"}},
	}}
	assert.Nil(t, s.NextReadySubTask(), "a dangling dependency never becomes ready")
}

func TestPendingSubTasks(t *testing.T) {
	s := planState()
	assert.True(t, s.PendingSubTasks())

	for i := range s.SubTasks {
		s.SubTasks[i].Status = SubTaskDone
	}
	assert.False(t, s.PendingSubTasks())

	s.SubTasks[0].Status = SubTaskBlocked
	assert.True(t, s.PendingSubTasks(), "blocked still counts as outstanding work")
}

func TestFailedSubTask(t *testing.T) {
	s := planState()
	assert.Nil(t, s.FailedSubTask())

	s.SubTasks[2].Status = SubTaskFailed
	failed := s.FailedSubTask()
	require.NotNil(t, failed)
	assert.Equal(t, "t3", failed.ID)
}
