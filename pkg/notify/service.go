package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/maestro/pkg/config"
	"github.com/codeready-toolchain/maestro/pkg/models"
)

// ApprovalPendingInput contains data for an approval request notification.
type ApprovalPendingInput struct {
	WorkflowID string
	RiskLevel  models.RiskLevel
	Summary    string
	Link       string
	Deadline   time.Time
	ThreadTS   string
}

// WorkflowDoneInput contains data for a terminal workflow notification.
type WorkflowDoneInput struct {
	WorkflowID   string
	Status       models.WorkflowStatus
	Summary      string
	ErrorMessage string
	ThreadTS     string
}

// Service handles notification delivery. Nil-safe: all methods are no-ops
// when the service is nil.
type Service struct {
	client       *Client
	dashboardURL string
	logger       *slog.Logger
}

// NewService creates the notification service. Returns nil when Token or
// Channel is empty (notifications disabled).
func NewService(cfg config.SlackConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		client:       NewClient(cfg.Token, cfg.Channel),
		dashboardURL: cfg.DashboardURL,
		logger:       slog.Default().With("component", "notify"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client, dashboardURL string) *Service {
	return &Service{
		client:       client,
		dashboardURL: dashboardURL,
		logger:       slog.Default().With("component", "notify"),
	}
}

// NotifyApprovalPending announces an approval gate. Returns the message ts
// so the terminal notification can thread under it. Fail-open: errors are
// logged, never returned.
func (s *Service) NotifyApprovalPending(ctx context.Context, input ApprovalPendingInput) string {
	if s == nil {
		return ""
	}
	blocks := BuildApprovalMessage(input, s.dashboardURL)
	ts, err := s.client.PostMessage(ctx, blocks, input.ThreadTS, 5*time.Second)
	if err != nil {
		s.logger.Error("Failed to send approval notification",
			"workflow_id", input.WorkflowID, "error", err)
		return ""
	}
	return ts
}

// NotifyWorkflowDone announces a terminal workflow state. Fail-open: errors
// are logged, never returned.
func (s *Service) NotifyWorkflowDone(ctx context.Context, input WorkflowDoneInput) {
	if s == nil {
		return
	}
	blocks := BuildTerminalMessage(input, s.dashboardURL)
	if _, err := s.client.PostMessage(ctx, blocks, input.ThreadTS, 10*time.Second); err != nil {
		s.logger.Error("Failed to send terminal notification",
			"workflow_id", input.WorkflowID, "status", input.Status, "error", err)
	}
}
