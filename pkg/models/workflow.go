package models

import (
	"time"
)

// WorkflowStatus is the lifecycle status of a workflow.
type WorkflowStatus string

const (
	StatusPending          WorkflowStatus = "pending"
	StatusRunning          WorkflowStatus = "running"
	StatusAwaitingApproval WorkflowStatus = "awaiting_approval"
	StatusPaused           WorkflowStatus = "paused"
	StatusCompleted        WorkflowStatus = "completed"
	StatusFailed           WorkflowStatus = "failed"
	StatusCancelled        WorkflowStatus = "cancelled"
)

// IsTerminal reports whether no further state-changing events may be appended.
func (s WorkflowStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsSuspended reports whether the workflow is waiting on an external stimulus.
func (s WorkflowStatus) IsSuspended() bool {
	return s == StatusAwaitingApproval || s == StatusPaused
}

// ValidStatus reports whether s is a known workflow status.
func ValidStatus(s WorkflowStatus) bool {
	switch s {
	case StatusPending, StatusRunning, StatusAwaitingApproval, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// RiskLevel is the supervisor's estimate of how dangerous a workflow is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// AtLeast reports whether r is at or above the given threshold.
func (r RiskLevel) AtLeast(threshold RiskLevel) bool {
	return riskRank(r) >= riskRank(threshold)
}

func riskRank(r RiskLevel) int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	}
	return 0
}

// Agent roles executable as workflow subtasks. The supervisor is a role too,
// but it only ever runs inside delegate_task and never receives subtasks.
const (
	RoleSupervisor     = "supervisor"
	RoleFeatureDev     = "feature-dev"
	RoleCodeReview     = "code-review"
	RoleInfrastructure = "infrastructure"
	RoleCICD           = "cicd"
	RoleDocumentation  = "documentation"
)

// SubTaskRoles lists the roles a subtask may be assigned to.
var SubTaskRoles = []string{
	RoleFeatureDev, RoleCodeReview, RoleInfrastructure, RoleCICD, RoleDocumentation,
}

// ValidSubTaskRole reports whether role can be assigned to a subtask.
func ValidSubTaskRole(role string) bool {
	for _, r := range SubTaskRoles {
		if r == role {
			return true
		}
	}
	return false
}

// SubTaskStatus is the lifecycle status of a single subtask.
type SubTaskStatus string

const (
	SubTaskPending   SubTaskStatus = "pending"
	SubTaskRunning   SubTaskStatus = "running"
	SubTaskBlocked   SubTaskStatus = "blocked"
	SubTaskDone      SubTaskStatus = "done"
	SubTaskFailed    SubTaskStatus = "failed"
	SubTaskCancelled SubTaskStatus = "cancelled"
)

// SubTask is one unit of work produced by the supervisor and executed by a
// single agent role.
type SubTask struct {
	ID          string        `json:"id"`
	AgentRole   string        `json:"agent_role"`
	Description string        `json:"description"`
	DependsOn   []string      `json:"depends_on,omitempty"`
	Status      SubTaskStatus `json:"status"`
	Attempts    int           `json:"attempts"`
	LastError   string        `json:"last_error,omitempty"`
}

// Approval decision values. Expire is recorded by the HITL manager when the
// deadline passes with no human decision.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
	DecisionExpire  = "expire"
)

// Approval is the single outstanding (or most recent) human-approval record
// for a workflow.
type Approval struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	Link      string     `json:"link,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	Deadline  time.Time  `json:"deadline"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	Decision  string     `json:"decision,omitempty"`
	Decider   string     `json:"decider,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Decided reports whether a decision has been recorded.
func (a *Approval) Decided() bool {
	return a != nil && a.Decision != ""
}

// ApprovalDecision is a decision received from the tracker or the API. When it
// arrives before the approval gate fires it is held on the workflow record.
type ApprovalDecision struct {
	ApprovalID string    `json:"approval_id,omitempty"`
	Decision   string    `json:"decision"`
	Decider    string    `json:"decider,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}

// Insight is a short free-form note captured by a node and surfaced to later
// steps.
type Insight struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

// WorkflowState is the authoritative unit persisted by the checkpoint store.
// It is only ever produced by folding the workflow's event log; nodes receive
// it as input and describe changes as events, never by direct mutation.
type WorkflowState struct {
	WorkflowID string         `json:"workflow_id"`
	SessionID  string         `json:"session_id"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Status     WorkflowStatus `json:"status"`

	Messages []Message `json:"messages"`
	SubTasks []SubTask `json:"subtasks"`

	CurrentNode string `json:"current_node"`
	NextNode    string `json:"next_node,omitempty"`

	RiskLevel RiskLevel `json:"risk_level"`
	Approval  *Approval `json:"approval,omitempty"`

	CapturedInsights []Insight      `json:"captured_insights,omitempty"`
	Retries          map[string]int `json:"retries,omitempty"`

	ConfigFingerprint string `json:"config_fingerprint"`

	// HeldDecision stores an approval decision that arrived before the gate
	// fired. The gate consumes it instead of waiting.
	HeldDecision *ApprovalDecision `json:"held_decision,omitempty"`

	// ToolUse counts prior invocations per tool name within this workflow,
	// consumed by the tool loader's ranking.
	ToolUse map[string]int `json:"tool_use,omitempty"`

	// LastSeq is the sequence number of the last folded event.
	LastSeq int64 `json:"last_seq"`

	// SummarizedThrough counts original turns that have been folded away into
	// summary messages.
	SummarizedThrough int `json:"summarized_through,omitempty"`
}

// SubTaskByID returns a pointer into SubTasks, or nil.
func (s *WorkflowState) SubTaskByID(id string) *SubTask {
	for i := range s.SubTasks {
		if s.SubTasks[i].ID == id {
			return &s.SubTasks[i]
		}
	}
	return nil
}

// DepsSatisfied reports whether every dependency of the subtask is done.
func (s *WorkflowState) DepsSatisfied(t *SubTask) bool {
	for _, dep := range t.DependsOn {
		d := s.SubTaskByID(dep)
		if d == nil || d.Status != SubTaskDone {
			return false
		}
	}
	return true
}

// NextReadySubTask returns the first pending subtask whose dependencies are
// all done, preserving the supervisor's ordering. Returns nil when none is
// ready.
func (s *WorkflowState) NextReadySubTask() *SubTask {
	for i := range s.SubTasks {
		t := &s.SubTasks[i]
		if t.Status == SubTaskPending && s.DepsSatisfied(t) {
			return t
		}
	}
	return nil
}

// PendingSubTasks reports whether any subtask is still pending or running.
func (s *WorkflowState) PendingSubTasks() bool {
	for i := range s.SubTasks {
		switch s.SubTasks[i].Status {
		case SubTaskPending, SubTaskRunning, SubTaskBlocked:
			return true
		}
	}
	return false
}

// FailedSubTask returns the first subtask marked failed, or nil.
func (s *WorkflowState) FailedSubTask() *SubTask {
	for i := range s.SubTasks {
		if s.SubTasks[i].Status == SubTaskFailed {
			return &s.SubTasks[i]
		}
	}
	return nil
}
