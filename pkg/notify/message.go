package notify

import (
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/codeready-toolchain/maestro/pkg/models"
)

const maxBlockTextLength = 2900

var statusEmoji = map[models.WorkflowStatus]string{
	models.StatusCompleted: ":white_check_mark:",
	models.StatusFailed:    ":x:",
	models.StatusCancelled: ":no_entry_sign:",
}

var statusLabel = map[models.WorkflowStatus]string{
	models.StatusCompleted: "Workflow Complete",
	models.StatusFailed:    "Workflow Failed",
	models.StatusCancelled: "Workflow Cancelled",
}

func workflowURL(workflowID, dashboardURL string) string {
	return fmt.Sprintf("%s/workflows/%s", dashboardURL, workflowID)
}

// BuildApprovalMessage creates Block Kit blocks for an approval request.
func BuildApprovalMessage(input ApprovalPendingInput, dashboardURL string) []goslack.Block {
	text := fmt.Sprintf(":raised_hand: *Approval required* (%s risk)\n%s",
		input.RiskLevel, truncateForSlack(input.Summary))
	if input.Link != "" {
		text += fmt.Sprintf("\n<%s|Review in tracker>", input.Link)
	}
	text += fmt.Sprintf("\nDeadline: %s", input.Deadline.Format("2006-01-02 15:04 MST"))

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
	return appendDashboardButton(blocks, input.WorkflowID, dashboardURL, "Review Workflow")
}

// BuildTerminalMessage creates Block Kit blocks for a terminal workflow
// notification.
func BuildTerminalMessage(input WorkflowDoneInput, dashboardURL string) []goslack.Block {
	emoji := statusEmoji[input.Status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := statusLabel[input.Status]
	if label == "" {
		label = "Workflow " + string(input.Status)
	}

	text := fmt.Sprintf("%s *%s*", emoji, label)
	switch {
	case input.Status == models.StatusCompleted && input.Summary != "":
		text += "\n" + truncateForSlack(input.Summary)
	case input.ErrorMessage != "":
		text += fmt.Sprintf("\n\n*Error:*\n%s", truncateForSlack(input.ErrorMessage))
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}

	buttonText := "View Workflow"
	if input.Status == models.StatusCompleted {
		buttonText = "View Result"
	}
	return appendDashboardButton(blocks, input.WorkflowID, dashboardURL, buttonText)
}

func appendDashboardButton(blocks []goslack.Block, workflowID, dashboardURL, label string) []goslack.Block {
	if dashboardURL == "" {
		return blocks
	}
	btn := goslack.NewButtonBlockElement("", "",
		goslack.NewTextBlockObject(goslack.PlainTextType, label, false, false))
	btn.URL = workflowURL(workflowID, dashboardURL)
	return append(blocks, goslack.NewActionBlock("", btn))
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated)_"
}
