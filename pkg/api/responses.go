package api

import (
	"time"

	"github.com/codeready-toolchain/maestro/pkg/models"
)

// WorkflowResponse is the body for GET /api/v1/workflows/:id.
type WorkflowResponse struct {
	WorkflowID  string            `json:"workflow_id"`
	SessionID   string            `json:"session_id"`
	Status      string            `json:"status"`
	RiskLevel   string            `json:"risk_level,omitempty"`
	CurrentNode string            `json:"current_node,omitempty"`
	SubTasks    []models.SubTask  `json:"subtasks,omitempty"`
	Approval    *models.Approval  `json:"approval,omitempty"`
	Insights    []models.Insight  `json:"insights,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	LastSeq     int64             `json:"last_seq"`
	FinalOutput string            `json:"final_output,omitempty"`
}

func workflowResponse(state *models.WorkflowState) *WorkflowResponse {
	resp := &WorkflowResponse{
		WorkflowID:  state.WorkflowID,
		SessionID:   state.SessionID,
		Status:      string(state.Status),
		RiskLevel:   string(state.RiskLevel),
		CurrentNode: state.CurrentNode,
		SubTasks:    state.SubTasks,
		Approval:    state.Approval,
		Insights:    state.CapturedInsights,
		CreatedAt:   state.CreatedAt,
		UpdatedAt:   state.UpdatedAt,
		LastSeq:     state.LastSeq,
	}
	if state.Status == models.StatusCompleted && len(state.Messages) > 0 {
		last := state.Messages[len(state.Messages)-1]
		if last.Role == models.RoleAssistant {
			resp.FinalOutput = last.Content
		}
	}
	return resp
}
