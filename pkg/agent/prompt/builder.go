// Package prompt composes the message sequences sent to the LLM for each
// role. Stateless; all inputs come from workflow state and configuration.
package prompt

import (
	"fmt"
	"strings"

	"github.com/codeready-toolchain/maestro/pkg/config"
	"github.com/codeready-toolchain/maestro/pkg/models"
)

// historyWindow bounds how many recent workflow messages a role sees in its
// prompt. Summarization keeps older context alive as summary turns.
const historyWindow = 30

// Builder composes role prompts. Thread-safe, no mutable state.
type Builder struct{}

// NewBuilder creates a Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// BuildRoleMessages assembles the conversation for one role turn: the role's
// system prompt, captured insights, the recent message window, and the
// current subtask framing when the role executes one.
func (b *Builder) BuildRoleMessages(role *config.RoleConfig, state *models.WorkflowState, subtask *models.SubTask) []models.Message {
	system := role.SystemPrompt
	if insights := b.formatInsights(state.CapturedInsights); insights != "" {
		system += "\n\n" + insights
	}

	messages := []models.Message{{Role: models.RoleSystem, Content: system, Timestamp: models.Now()}}
	messages = append(messages, window(state.Messages, historyWindow)...)

	if subtask != nil {
		messages = append(messages, models.Message{
			Role:      models.RoleUser,
			Content:   b.buildSubTaskFraming(state, subtask),
			Timestamp: models.Now(),
		})
	}
	return messages
}

// buildSubTaskFraming frames the current subtask for an executor role,
// including what its dependencies produced.
func (b *Builder) buildSubTaskFraming(state *models.WorkflowState, subtask *models.SubTask) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Your current task (%s): %s\n", subtask.ID, subtask.Description)
	if len(subtask.DependsOn) > 0 {
		sb.WriteString("\nCompleted prerequisite tasks:\n")
		for _, dep := range subtask.DependsOn {
			if t := state.SubTaskByID(dep); t != nil {
				fmt.Fprintf(&sb, "- %s (%s): %s\n", t.ID, t.AgentRole, t.Description)
			}
		}
	}
	sb.WriteString("\nComplete this task using the tools available to you. " +
		"When finished, reply with a concise summary of what you did and any follow-ups.")
	return sb.String()
}

// BuildPlanRequest frames the user's task for the supervisor.
func (b *Builder) BuildPlanRequest(task string) string {
	return fmt.Sprintf("Plan the following task:\n\n%s\n\n"+
		"Respond with the JSON plan only.", task)
}

// BuildRepairRequest is the corrective follow-up after a malformed plan.
func (b *Builder) BuildRepairRequest(parseErr string) string {
	return fmt.Sprintf("Your previous response could not be parsed: %s\n\n"+
		"Respond again with only the JSON plan object, no surrounding text.", parseErr)
}

// BuildSummaryRequest asks the LLM to compress the oldest workflow turns.
func (b *Builder) BuildSummaryRequest(msgs []models.Message) []models.Message {
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation turns into a single " +
		"compact paragraph preserving decisions, file paths, and open items:\n\n")
	for _, m := range msgs {
		fmt.Fprintf(&sb, "[%s] %s\n", m.Role, m.Content)
	}
	return []models.Message{
		{Role: models.RoleSystem, Content: "You compress conversation history without losing operational detail.", Timestamp: models.Now()},
		{Role: models.RoleUser, Content: sb.String(), Timestamp: models.Now()},
	}
}

func (b *Builder) formatInsights(insights []models.Insight) string {
	if len(insights) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Insights captured earlier in this workflow:\n")
	for _, in := range insights {
		fmt.Fprintf(&sb, "- %s (from %s)\n", in.Text, in.Source)
	}
	return sb.String()
}

func window(msgs []models.Message, k int) []models.Message {
	if len(msgs) <= k {
		return msgs
	}
	return msgs[len(msgs)-k:]
}
