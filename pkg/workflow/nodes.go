package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/maestro/pkg/agent"
	"github.com/codeready-toolchain/maestro/pkg/config"
	"github.com/codeready-toolchain/maestro/pkg/fault"
	"github.com/codeready-toolchain/maestro/pkg/masking"
	"github.com/codeready-toolchain/maestro/pkg/mcp"
	"github.com/codeready-toolchain/maestro/pkg/models"
	"github.com/codeready-toolchain/maestro/pkg/stream"
	"github.com/codeready-toolchain/maestro/pkg/tools"
)

const (
	// maxToolRounds bounds LLM/tool round-trips within one executor turn.
	maxToolRounds = 8
	// excerptBudget bounds tool result excerpts stored in events.
	excerptBudget = 8 * 1024
	// insightMarker lets an agent surface a note to later steps.
	insightMarker = "INSIGHT:"
	// resolveLibraryTool is the docs lookup whose results are stable enough
	// to cache per process.
	resolveLibraryTool = "docs.resolve"
)

// ApprovalCreator files an approval request with the external tracker.
// nil-safe: a nil creator makes the gate record a local approval with no
// tracker link (local development).
type ApprovalCreator interface {
	CreateApproval(ctx context.Context, state *models.WorkflowState) (*models.Approval, error)
}

// ToolGateway dispatches tool invocations, reporting every transport attempt
// through the hooks. Satisfied by *mcp.Client.
type ToolGateway interface {
	InvokeWithHooks(ctx context.Context, name string, args json.RawMessage, deadline time.Duration, idempotent bool, hooks mcp.AttemptHooks) (*models.ToolResult, error)
}

// Deps are the collaborators nodes draw on. Shared across workflows.
type Deps struct {
	Runner    *agent.Runner
	Roles     *config.RoleRegistry
	Selector  *tools.Selector
	Catalog   *tools.Catalog
	Gateway   ToolGateway
	Masker    *masking.Masker
	Approvals ApprovalCreator
	// LibCache short-circuits repeated docs.resolve lookups. Optional.
	LibCache *tools.LibraryCache
	// Publisher broadcasts transient content frames to live subscribers.
	// Optional: nil drops them, the event log is unaffected.
	Publisher   *stream.Publisher
	ToolCfg     config.ToolsConfig
	ApprovalCfg config.ApprovalConfig
}

// NodeContext is one node invocation's view of the workflow. State is live:
// Append persists events and folds them in, so anything recorded is visible
// to the rest of the node body.
type NodeContext struct {
	State *models.WorkflowState
	// NodeErr carries the failure that routed the engine into handle_error.
	NodeErr error
	Append  func(ctx context.Context, events ...models.Event) error
	Deps    *Deps
	Logger  *slog.Logger
}

// NodeResult is a node's routing directive. An empty Next defers to the
// graph's edges; Suspend releases the worker with the workflow non-terminal.
type NodeResult struct {
	Next    string
	Suspend bool
}

// NodeFunc is the node signature.
type NodeFunc func(ctx context.Context, nc *NodeContext) (NodeResult, error)

// nodeFuncs binds the canonical node names to their implementations.
func nodeFuncs() map[string]NodeFunc {
	fns := map[string]NodeFunc{
		NodeDelegateTask:   delegateTask,
		NodeExecuteTask:    executeTask,
		NodeAnalyzeResults: analyzeResults,
		NodeDecideNext:     decideNext,
		NodeApprovalGate:   approvalGate,
		NodeHandleError:    handleError,
		NodeFinalize:       finalizeWorkflow,
	}
	for _, role := range models.SubTaskRoles {
		fns[role] = executorNode(role)
	}
	return fns
}

// delegateTask runs the supervisor: decompose the instruction into subtasks,
// assign roles, estimate risk. The plan replaces the subtask array in one
// event; risk is floored by the assigned roles' declared minimums.
func delegateTask(ctx context.Context, nc *NodeContext) (NodeResult, error) {
	role, err := nc.Deps.Roles.Get(models.RoleSupervisor)
	if err != nil {
		return NodeResult{}, fault.Wrap(fault.Internal, err, "resolving supervisor role")
	}

	result, err := nc.Deps.Runner.RunRole(ctx, role, nc.State, nil, nil)
	if err != nil {
		return NodeResult{}, err
	}

	plan := result.Plan
	risk := plan.RiskLevel
	for _, t := range plan.SubTasks {
		if rc, err := nc.Deps.Roles.Get(t.AgentRole); err == nil && rc.RiskFloor != "" {
			if floor := models.RiskLevel(rc.RiskFloor); floor.AtLeast(risk) {
				risk = floor
			}
		}
	}

	err = nc.Append(ctx,
		models.MustEvent(nc.State.WorkflowID, models.EventMessageAppended, NodeDelegateTask,
			models.MessageAppendedPayload{Message: result.AssistantMessage()}),
		models.MustEvent(nc.State.WorkflowID, models.EventSubTaskUpdated, NodeDelegateTask,
			models.SubTaskUpdatedPayload{Plan: plan.ToSubTasks(), RiskLevel: risk}),
	)
	return NodeResult{}, err
}

// executeTask dispatches the next ready subtask to its role's executor node.
func executeTask(ctx context.Context, nc *NodeContext) (NodeResult, error) {
	t := nc.State.NextReadySubTask()
	if t == nil {
		return NodeResult{Next: NodeDecideNext}, nil
	}

	err := nc.Append(ctx, models.MustEvent(nc.State.WorkflowID, models.EventSubTaskUpdated, NodeExecuteTask,
		models.SubTaskUpdatedPayload{
			SubTaskID: t.ID,
			Status:    models.SubTaskRunning,
			Attempts:  t.Attempts + 1,
		}))
	if err != nil {
		return NodeResult{}, err
	}
	return NodeResult{Next: t.AgentRole}, nil
}

// executorNode builds the node for one agent role: run the role turn, make
// its tool calls through the gateway, feed results back, and repeat until the
// role answers in plain text or the round budget runs out. Every external
// effect is an event before anything depends on it.
func executorNode(roleName string) NodeFunc {
	return func(ctx context.Context, nc *NodeContext) (NodeResult, error) {
		subtask := runningSubTask(nc.State, roleName)
		if subtask == nil {
			return NodeResult{}, fault.New(fault.Internal, "no running subtask for role %s", roleName)
		}
		role, err := nc.Deps.Roles.Get(roleName)
		if err != nil {
			return NodeResult{}, fault.Wrap(fault.Internal, err, "resolving role %s", roleName)
		}

		for round := 0; round < maxToolRounds; round++ {
			bound, defs, err := selectRoleTools(nc, role, subtask)
			if err != nil {
				return NodeResult{}, err
			}

			result, err := nc.Deps.Runner.RunRole(ctx, role, nc.State, subtask, defs)
			if err != nil {
				return NodeResult{}, err
			}

			if err := nc.Append(ctx, models.MustEvent(nc.State.WorkflowID, models.EventMessageAppended, roleName,
				models.MessageAppendedPayload{Message: result.AssistantMessage()})); err != nil {
				return NodeResult{}, err
			}
			notifyContent(ctx, nc, result.Text)
			if len(result.ToolCalls) == 0 {
				return NodeResult{}, nil
			}

			if err := runToolCalls(ctx, nc, roleName, subtask, result.ToolCalls, bound); err != nil {
				return NodeResult{}, err
			}
		}

		return NodeResult{}, fault.New(fault.ToolError,
			"role %s exceeded %d tool rounds on subtask %s", roleName, maxToolRounds, subtask.ID)
	}
}

// runToolCalls executes one round of tool calls. Every dispatched transport
// attempt appends its own ToolInvoked before the request (at-least-once
// contract) and ToolResulted after, with the fault kind on failed attempts.
// Tool failures become content the agent sees next round; only infrastructure
// failures abort the node.
func runToolCalls(ctx context.Context, nc *NodeContext, roleName string, subtask *models.SubTask, calls []models.ToolCall, bound map[string]*tools.Descriptor) error {
	for _, call := range calls {
		name := mcp.NormalizeToolName(call.Name)
		deadline := nc.Deps.ToolCfg.InvokeTimeout
		idempotent := true
		if d, ok := bound[name]; ok {
			if d.Timeout > 0 {
				deadline = d.Timeout
			}
			idempotent = d.Idempotent
		}

		maskedArgs := nc.Deps.Masker.MaskJSON(call.Arguments)
		appendInvoked := func(retry int) error {
			return nc.Append(ctx, models.MustEvent(nc.State.WorkflowID, models.EventToolInvoked, roleName,
				models.ToolInvokedPayload{
					CallID:    call.ID,
					Tool:      name,
					Arguments: maskedArgs,
					SubTaskID: subtask.ID,
					Attempt:   subtask.Attempts,
					Retry:     retry,
				}))
		}
		appendResulted := func(retry int, result *models.ToolResult, callErr error) error {
			p := models.ToolResultedPayload{CallID: call.ID, Tool: name, Retry: retry}
			if callErr != nil {
				p.Status = models.ToolStatusError
				p.ErrorKind = string(fault.KindOf(callErr))
			} else {
				p.Status = result.Status
				p.LatencyMS = result.LatencyMS
				p.Excerpt = nc.Deps.Masker.MaskJSON(boundExcerpt(result.Payload))
			}
			return nc.Append(ctx, models.MustEvent(nc.State.WorkflowID, models.EventToolResulted, roleName, p))
		}

		var library string
		if name == resolveLibraryTool {
			library = libraryArgument(call.Arguments)
		}

		var (
			result    *models.ToolResult
			invokeErr error
		)
		if library != "" && nc.Deps.LibCache != nil {
			if id, ok := nc.Deps.LibCache.Lookup(library); ok {
				result = &models.ToolResult{Status: models.ToolStatusOK, Payload: json.RawMessage(id)}
				if err := appendInvoked(0); err != nil {
					return err
				}
				if err := appendResulted(0, result, nil); err != nil {
					return err
				}
			}
		}
		if result == nil {
			var appendErr error
			result, invokeErr = nc.Deps.Gateway.InvokeWithHooks(ctx, name, call.Arguments, deadline, idempotent,
				mcp.AttemptHooks{
					Before: func(retry int) error {
						appendErr = appendInvoked(retry)
						return appendErr
					},
					After: func(retry int, res *models.ToolResult, callErr error) error {
						appendErr = appendResulted(retry, res, callErr)
						return appendErr
					},
				})
			if appendErr != nil {
				return appendErr
			}
			if invokeErr == nil && library != "" && nc.Deps.LibCache != nil && result.Status == models.ToolStatusOK {
				nc.Deps.LibCache.Store(library, string(result.Payload))
			}
		}

		var content string
		if invokeErr != nil {
			content = fmt.Sprintf("tool %s failed: %s", name, invokeErr)
		} else {
			content = nc.Deps.Masker.MaskString(string(result.Payload))
		}
		toolMsg := models.Message{
			Role:       models.RoleTool,
			Content:    content,
			ToolCallID: call.ID,
			Name:       name,
			Timestamp:  models.Now(),
		}
		if err := nc.Append(ctx, models.MustEvent(nc.State.WorkflowID, models.EventMessageAppended, roleName,
			models.MessageAppendedPayload{Message: toolMsg})); err != nil {
			return err
		}

		// Cancellation aborts between calls; the partial events stay.
		if err := ctx.Err(); err != nil {
			return fault.Wrap(fault.Cancelled, err, "tool execution cancelled")
		}
	}
	return nil
}

// libraryArgument pulls the library name out of a docs.resolve call.
func libraryArgument(args json.RawMessage) string {
	var in struct {
		Library string `json:"library"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return ""
	}
	return strings.TrimSpace(in.Library)
}

// analyzeResults closes out the just-finished subtask and captures any
// insights the agent flagged in its final message.
func analyzeResults(ctx context.Context, nc *NodeContext) (NodeResult, error) {
	var running *models.SubTask
	for i := range nc.State.SubTasks {
		if nc.State.SubTasks[i].Status == models.SubTaskRunning {
			running = &nc.State.SubTasks[i]
			break
		}
	}
	if running == nil {
		return NodeResult{}, nil
	}

	events := []models.Event{
		models.MustEvent(nc.State.WorkflowID, models.EventSubTaskUpdated, NodeAnalyzeResults,
			models.SubTaskUpdatedPayload{SubTaskID: running.ID, Status: models.SubTaskDone}),
	}
	for _, text := range extractInsights(lastAssistantContent(nc.State)) {
		events = append(events, models.MustEvent(nc.State.WorkflowID, models.EventCaptureInsight, NodeAnalyzeResults,
			models.CaptureInsightPayload{Insight: models.Insight{Text: text, Source: running.AgentRole}}))
	}
	return NodeResult{}, nc.Append(ctx, events...)
}

// decideNext is a pure router; the graph's edge predicates do all the work.
func decideNext(_ context.Context, _ *NodeContext) (NodeResult, error) {
	return NodeResult{}, nil
}

// approvalGate suspends the workflow for a human decision. A decision held
// from before the gate fired is consumed immediately instead of waiting.
func approvalGate(ctx context.Context, nc *NodeContext) (NodeResult, error) {
	state := nc.State

	// Re-entry after a decision: route on it.
	if state.Approval.Decided() {
		return routeDecision(ctx, nc, state.Approval.Decision, state.Approval.Reason)
	}

	// Gate already open, still undecided: suspend again.
	if state.Approval != nil {
		return NodeResult{Suspend: true}, nil
	}

	approval, err := createApproval(ctx, nc)
	if err != nil {
		return NodeResult{}, err
	}
	if err := nc.Append(ctx, models.MustEvent(state.WorkflowID, models.EventApprovalRequested, NodeApprovalGate,
		models.ApprovalRequestedPayload{
			Approval: *approval,
			Summary:  planSummary(state),
		})); err != nil {
		return NodeResult{}, err
	}

	if held := state.HeldDecision; held != nil {
		if err := nc.Append(ctx, models.MustEvent(state.WorkflowID, models.EventApprovalDecided, NodeApprovalGate,
			models.ApprovalDecidedPayload{
				ApprovalID: approval.ID,
				Decision:   held.Decision,
				Decider:    held.Decider,
				Reason:     held.Reason,
				DecidedAt:  held.DecidedAt,
			})); err != nil {
			return NodeResult{}, err
		}
		return routeDecision(ctx, nc, state.Approval.Decision, state.Approval.Reason)
	}

	return NodeResult{Suspend: true}, nil
}

func routeDecision(ctx context.Context, nc *NodeContext, decision, reason string) (NodeResult, error) {
	switch decision {
	case models.DecisionApprove:
		return NodeResult{Next: NodeDecideNext}, nil
	case models.DecisionExpire:
		return NodeResult{Next: NodeHandleError}, nil
	}
	if reason == "" {
		reason = "The request was rejected by the approver."
	}
	return NodeResult{}, nc.Append(ctx, models.MustEvent(nc.State.WorkflowID, models.EventCancelled, NodeApprovalGate,
		models.CancelledPayload{Reason: reason}))
}

func createApproval(ctx context.Context, nc *NodeContext) (*models.Approval, error) {
	if nc.Deps.Approvals != nil {
		approval, err := nc.Deps.Approvals.CreateApproval(ctx, nc.State)
		if err == nil {
			return approval, nil
		}
		nc.Logger.Warn("Approval tracker unavailable, recording local approval",
			"workflow_id", nc.State.WorkflowID, "error", err)
	}
	now := models.Now()
	return &models.Approval{
		ID:        uuid.NewString(),
		Kind:      "risk_gate",
		CreatedAt: now,
		Deadline:  now.Add(nc.Deps.ApprovalCfg.Deadline),
	}, nil
}

// handleError recovers or surfaces. A failed subtask inside its retry budget
// goes back to pending after a backoff; anything else terminates the
// workflow as failed.
func handleError(ctx context.Context, nc *NodeContext) (NodeResult, error) {
	if a := nc.State.Approval; a.Decided() && a.Decision == models.DecisionExpire {
		return NodeResult{}, nc.Append(ctx, models.MustEvent(nc.State.WorkflowID, models.EventFailed, NodeHandleError,
			models.FailedPayload{
				Kind:    string(fault.ApprovalExpired),
				Message: fmt.Sprintf("approval %s expired at %s without a decision", a.ID, a.Deadline.Format(time.RFC3339)),
				Node:    NodeApprovalGate,
			}))
	}

	t := nc.State.FailedSubTask()
	if t != nil && t.Attempts <= subTaskRetryBudget {
		select {
		case <-time.After(retryBackoff(t.Attempts)):
		case <-ctx.Done():
			return NodeResult{}, fault.Wrap(fault.Cancelled, ctx.Err(), "retry wait cancelled")
		}
		err := nc.Append(ctx, models.MustEvent(nc.State.WorkflowID, models.EventSubTaskUpdated, NodeHandleError,
			models.SubTaskUpdatedPayload{
				SubTaskID: t.ID,
				Status:    models.SubTaskPending,
				Attempts:  t.Attempts,
				LastError: t.LastError,
			}))
		if err != nil {
			return NodeResult{}, err
		}
		return NodeResult{Next: NodeExecuteTask}, nil
	}

	kind := fault.Internal
	message := "workflow failed"
	switch {
	case t != nil:
		kind = fault.ToolError
		message = fmt.Sprintf("subtask %s failed after %d attempts: %s", t.ID, t.Attempts, t.LastError)
	case nc.NodeErr != nil:
		kind = fault.KindOf(nc.NodeErr)
		message = nc.NodeErr.Error()
	}
	return NodeResult{}, nc.Append(ctx, models.MustEvent(nc.State.WorkflowID, models.EventFailed, NodeHandleError,
		models.FailedPayload{Kind: string(kind), Message: message, Node: nc.State.CurrentNode}))
}

// finalizeWorkflow compiles the closing assistant message and completes.
func finalizeWorkflow(ctx context.Context, nc *NodeContext) (NodeResult, error) {
	summary := finalSummary(nc.State)
	msg := models.Message{
		Role:      models.RoleAssistant,
		Content:   summary,
		Timestamp: models.Now(),
	}
	// Broadcast before Completed: its status frame ends subscriber streams.
	notifyContent(ctx, nc, summary)
	return NodeResult{}, nc.Append(ctx,
		models.MustEvent(nc.State.WorkflowID, models.EventMessageAppended, NodeFinalize,
			models.MessageAppendedPayload{Message: msg}),
		models.MustEvent(nc.State.WorkflowID, models.EventCompleted, NodeFinalize,
			models.CompletedPayload{Summary: summary}),
	)
}

// notifyContent broadcasts agent text to live subscribers. Best-effort: the
// text is already in the event log, only the live stream misses it.
func notifyContent(ctx context.Context, nc *NodeContext, text string) {
	if nc.Deps.Publisher == nil || text == "" {
		return
	}
	err := nc.Deps.Publisher.NotifyFrame(ctx, nc.State.WorkflowID, stream.Frame{
		Type: stream.FrameContent, Content: text,
	})
	if err != nil {
		nc.Logger.Warn("Content frame broadcast failed", "error", err)
	}
}

// --- helpers ---

func selectRoleTools(nc *NodeContext, role *config.RoleConfig, subtask *models.SubTask) (map[string]*tools.Descriptor, []agent.ToolDefinition, error) {
	selected, err := nc.Deps.Selector.Select(tools.Request{
		ProfileName: role.ToolProfile,
		Message:     lastUserContent(nc.State),
		SubTask:     subtask.Description,
		PriorUse:    nc.State.ToolUse,
	})
	if err != nil {
		return nil, nil, fault.Wrap(fault.Internal, err, "selecting tools for role %s", role.Name)
	}

	bound := make(map[string]*tools.Descriptor, len(selected))
	defs := make([]agent.ToolDefinition, 0, len(selected))
	for i := range selected {
		d := &selected[i]
		bound[d.Name] = d
		defs = append(defs, agent.ToolDefinition{
			Name:             d.Name,
			Description:      d.Description,
			ParametersSchema: string(d.InputSchema),
		})
	}
	return bound, defs, nil
}

func runningSubTask(state *models.WorkflowState, role string) *models.SubTask {
	for i := range state.SubTasks {
		t := &state.SubTasks[i]
		if t.Status == models.SubTaskRunning && t.AgentRole == role {
			return t
		}
	}
	return nil
}

func lastUserContent(state *models.WorkflowState) string {
	for i := len(state.Messages) - 1; i >= 0; i-- {
		if state.Messages[i].Role == models.RoleUser {
			return state.Messages[i].Content
		}
	}
	return ""
}

func lastAssistantContent(state *models.WorkflowState) string {
	for i := len(state.Messages) - 1; i >= 0; i-- {
		if state.Messages[i].Role == models.RoleAssistant {
			return state.Messages[i].Content
		}
	}
	return ""
}

func extractInsights(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, insightMarker); ok {
			if rest = strings.TrimSpace(rest); rest != "" {
				out = append(out, rest)
			}
		}
	}
	return out
}

func planSummary(state *models.WorkflowState) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk level %s, %d subtasks:\n", state.RiskLevel, len(state.SubTasks))
	for _, t := range state.SubTasks {
		fmt.Fprintf(&sb, "- [%s] %s: %s\n", t.Status, t.AgentRole, t.Description)
	}
	return sb.String()
}

func finalSummary(state *models.WorkflowState) string {
	done := 0
	for _, t := range state.SubTasks {
		if t.Status == models.SubTaskDone {
			done++
		}
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Completed %d of %d subtasks.\n", done, len(state.SubTasks))
	for _, t := range state.SubTasks {
		fmt.Fprintf(&sb, "- %s (%s): %s\n", t.ID, t.AgentRole, t.Status)
	}
	if len(state.CapturedInsights) > 0 {
		sb.WriteString("\nNotes:\n")
		for _, in := range state.CapturedInsights {
			fmt.Fprintf(&sb, "- %s\n", in.Text)
		}
	}
	return sb.String()
}

func boundExcerpt(payload []byte) []byte {
	if len(payload) <= excerptBudget {
		return payload
	}
	// Truncation can break JSON; store as a quoted string instead.
	quoted, err := json.Marshal(string(payload[:excerptBudget]) + "… [truncated]")
	if err != nil {
		return []byte(`"[truncated]"`)
	}
	return quoted
}
