package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/codeready-toolchain/maestro/pkg/agent/prompt"
	"github.com/codeready-toolchain/maestro/pkg/config"
	"github.com/codeready-toolchain/maestro/pkg/fault"
	"github.com/codeready-toolchain/maestro/pkg/models"
)

// Output modes declared per role.
const (
	OutputModeMessage = "message"
	OutputModePlan    = "plan"
)

// RoleResult is the parsed outcome of one role turn.
type RoleResult struct {
	// Text is the assistant's plain response, empty when the turn produced
	// only tool calls.
	Text      string
	ToolCalls []models.ToolCall
	// Plan is set only for plan-mode roles (the supervisor).
	Plan  *Plan
	Usage UsageChunk
}

// AssistantMessage converts the result into a workflow message.
func (r *RoleResult) AssistantMessage() models.Message {
	return models.Message{
		Role:      models.RoleAssistant,
		Content:   r.Text,
		ToolCalls: r.ToolCalls,
		Timestamp: models.Now(),
	}
}

// Runner executes role turns. A Runner is shared across workflows; it holds
// no per-workflow state.
type Runner struct {
	llm     LLMClient
	prompts *prompt.Builder
	llmCfg  config.LLMConfig
	logger  *slog.Logger
}

// NewRunner creates a Runner on the given LLM client.
func NewRunner(llm LLMClient, llmCfg config.LLMConfig) *Runner {
	return &Runner{
		llm:     llm,
		prompts: prompt.NewBuilder(),
		llmCfg:  llmCfg,
		logger:  slog.Default().With("component", "agent"),
	}
}

// RunRole executes one role turn over the workflow state. The turn is a pure
// function of its inputs: it reads state, calls the LLM, and returns the
// parsed result; recording anything is the engine's job.
//
// Plan-mode roles get one corrective retry with a repair prompt when the
// first response fails validation; a second failure surfaces UpstreamCorrupt.
func (r *Runner) RunRole(ctx context.Context, role *config.RoleConfig, state *models.WorkflowState, subtask *models.SubTask, tools []ToolDefinition) (*RoleResult, error) {
	messages := r.prompts.BuildRoleMessages(role, state, subtask)

	result, err := r.invoke(ctx, state.WorkflowID, role, messages, tools)
	if err != nil {
		return nil, err
	}

	if role.OutputMode != OutputModePlan {
		return result, nil
	}

	plan, parseErr := ParsePlan(result.Text)
	if parseErr == nil {
		result.Plan = plan
		return result, nil
	}

	r.logger.Warn("Plan parse failed, retrying with repair prompt",
		"workflow_id", state.WorkflowID, "role", role.Name, "error", parseErr)

	repair := append(messages,
		result.AssistantMessage(),
		models.Message{
			Role:      models.RoleUser,
			Content:   r.prompts.BuildRepairRequest(parseErr.Error()),
			Timestamp: models.Now(),
		})
	retried, err := r.invoke(ctx, state.WorkflowID, role, repair, tools)
	if err != nil {
		return nil, err
	}
	plan, parseErr = ParsePlan(retried.Text)
	if parseErr != nil {
		return nil, parseErr
	}
	retried.Plan = plan
	return retried, nil
}

// Summarize compresses the given turns into one summary message.
func (r *Runner) Summarize(ctx context.Context, workflowID string, msgs []models.Message) (string, error) {
	result, err := r.invoke(ctx, workflowID, &config.RoleConfig{Name: "summarizer"},
		r.prompts.BuildSummaryRequest(msgs), nil)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// invoke performs one streaming LLM call and collects the full output.
func (r *Runner) invoke(ctx context.Context, workflowID string, role *config.RoleConfig, messages []models.Message, tools []ToolDefinition) (*RoleResult, error) {
	chunks, err := r.llm.Generate(ctx, &GenerateInput{
		WorkflowID: workflowID,
		Model:      r.llmCfg.ModelFor(role.Name),
		Messages:   messages,
		Tools:      tools,
		MaxTokens:  role.MaxTokens,
	})
	if err != nil {
		return nil, fault.Wrap(fault.Unavailable, err, "starting LLM call for role %s", role.Name)
	}

	var (
		text   strings.Builder
		result RoleResult
	)
	for chunk := range chunks {
		switch c := chunk.(type) {
		case *TextChunk:
			text.WriteString(c.Content)
		case *ToolCallChunk:
			result.ToolCalls = append(result.ToolCalls, models.ToolCall{
				ID:        c.CallID,
				Name:      c.Name,
				Arguments: json.RawMessage(c.Arguments),
			})
		case *UsageChunk:
			result.Usage = *c
		case *ErrorChunk:
			if c.Retryable {
				return nil, fault.New(fault.Unavailable, "LLM stream failed for role %s: %s", role.Name, c.Message)
			}
			return nil, fault.New(fault.Internal, "LLM call failed for role %s: %s", role.Name, c.Message)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.Cancelled, err, "role %s turn cancelled", role.Name)
	}

	result.Text = text.String()
	r.logger.Debug("Role turn complete",
		"workflow_id", workflowID, "role", role.Name,
		"tool_calls", len(result.ToolCalls), "tokens", result.Usage.TotalTokens)
	return &result, nil
}
