package api

// ChatStreamRequest is the body for POST /api/v1/chat/stream.
type ChatStreamRequest struct {
	SessionID      string        `json:"session_id"`
	Message        string        `json:"message"`
	Mode           string        `json:"mode,omitempty"`
	PromptEnhanced bool          `json:"prompt_enhanced,omitempty"`
	Files          []FilePayload `json:"files,omitempty"`
}

// FilePayload is one attached file from the editor.
type FilePayload struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ExecuteStreamRequest is the body for POST /api/v1/execute/stream.
type ExecuteStreamRequest struct {
	SessionID string `json:"session_id"`
	Task      string `json:"task"`
}

// ResumeRequest is the optional body for POST /api/v1/workflows/:id/resume.
// An approval decision submitted here is applied before the stream reattaches.
type ResumeRequest struct {
	ApprovalDecision string `json:"approval_decision,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// ApprovalRequest is the body for POST /api/v1/workflows/:id/approval.
type ApprovalRequest struct {
	ApprovalID string `json:"approval_id,omitempty"`
	Decision   string `json:"decision"`
	Reason     string `json:"reason,omitempty"`
}

// ApprovalWebhookPayload is the tracker's push notification body.
type ApprovalWebhookPayload struct {
	WorkflowID string `json:"workflow_id"`
	ApprovalID string `json:"approval_id"`
	Decision   string `json:"decision"`
	Decider    string `json:"decider,omitempty"`
	Reason     string `json:"reason,omitempty"`
}
