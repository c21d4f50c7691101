// Package chat is the low-latency conversational path: one LLM call with a
// small tool set, at most one tool round-trip, streamed straight to the
// caller. No workflow is created and no events are persisted; only the
// session turns survive.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeready-toolchain/maestro/pkg/agent"
	"github.com/codeready-toolchain/maestro/pkg/checkpoint"
	"github.com/codeready-toolchain/maestro/pkg/config"
	"github.com/codeready-toolchain/maestro/pkg/fault"
	"github.com/codeready-toolchain/maestro/pkg/masking"
	"github.com/codeready-toolchain/maestro/pkg/mcp"
	"github.com/codeready-toolchain/maestro/pkg/models"
	"github.com/codeready-toolchain/maestro/pkg/stream"
	"github.com/codeready-toolchain/maestro/pkg/tools"
)

const (
	// sessionWindow is how many recent session turns feed the prompt.
	sessionWindow = 10
	// maxFileBytes caps attached file contents in total.
	maxFileBytes = 64 * 1024
	// wordPacing smooths token delivery to the editor.
	wordPacing = 30 * time.Millisecond
	// chatProfile is the tool profile bound on this path.
	chatProfile = "qa_minimal"
)

const systemPrompt = `You are a developer assistant answering questions and running quick lookups.
Be concise and concrete. Use the available tools when they help; otherwise answer directly.
If the request needs multi-step changes, say so and suggest running it as a task.`

// Request is one conversational turn.
type Request struct {
	SessionID string
	Message   string
	Files     []FileContent
	// Classification is the routing decision that sent the turn here; it is
	// recorded on the persisted user message.
	Classification *models.Classification
}

// FileContent is an attached file from the editor.
type FileContent struct {
	Path    string
	Content string
}

// Emitter delivers frames to the caller's SSE stream. A returned error means
// the client is gone and the handler should stop.
type Emitter func(stream.Frame) error

// Handler runs the conversational path.
type Handler struct {
	llm      agent.LLMClient
	selector *tools.Selector
	catalog  *tools.Catalog
	gateway  *mcp.Client
	store    *checkpoint.Store
	masker   *masking.Masker
	llmCfg   config.LLMConfig
	toolCfg  config.ToolsConfig
	logger   *slog.Logger
}

// NewHandler wires the conversational path.
func NewHandler(llm agent.LLMClient, selector *tools.Selector, catalog *tools.Catalog, gateway *mcp.Client, store *checkpoint.Store, masker *masking.Masker, llmCfg config.LLMConfig, toolCfg config.ToolsConfig) *Handler {
	return &Handler{
		llm:      llm,
		selector: selector,
		catalog:  catalog,
		gateway:  gateway,
		store:    store,
		masker:   masker,
		llmCfg:   llmCfg,
		toolCfg:  toolCfg,
		logger:   slog.Default().With("component", "chat"),
	}
}

// Handle runs one turn and streams the response. Permanent upstream failures
// still produce a graceful error frame followed by done; the error return is
// for the caller's logs, the client always gets a terminated stream.
func (h *Handler) Handle(ctx context.Context, req Request, emit Emitter) error {
	session, err := h.store.LoadSession(ctx, req.SessionID)
	if err != nil {
		return h.fail(emit, err)
	}

	bound, defs, err := h.selectTools(req.Message)
	if err != nil {
		h.logger.Warn("Tool selection failed, continuing without tools", "error", err)
	}

	messages := h.buildMessages(session, req)
	result, err := h.complete(ctx, messages, defs)
	if err != nil {
		return h.fail(emit, err)
	}

	// At most one tool round-trip, then the final call answers with the
	// results appended.
	if len(result.ToolCalls) > 0 {
		messages = append(messages, assistantMessage(result))
		messages = append(messages, h.runTools(ctx, result.ToolCalls, bound)...)
		result, err = h.complete(ctx, messages, nil)
		if err != nil {
			return h.fail(emit, err)
		}
	}

	if err := h.streamText(ctx, result.Text, emit); err != nil {
		return err
	}
	if err := emit(stream.Frame{Type: stream.FrameDone}); err != nil {
		return err
	}

	h.appendSession(ctx, session, req, result.Text)
	return nil
}

// selectTools picks the minimal profile subset and builds LLM definitions.
func (h *Handler) selectTools(message string) (map[string]*tools.Descriptor, []agent.ToolDefinition, error) {
	selected, err := h.selector.Select(tools.Request{
		ProfileName: chatProfile,
		Message:     message,
	})
	if err != nil {
		return nil, nil, err
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

func (h *Handler) buildMessages(session *models.SessionTurns, req Request) []models.Message {
	messages := []models.Message{{Role: models.RoleSystem, Content: systemPrompt, Timestamp: models.Now()}}
	messages = append(messages, session.Window(sessionWindow)...)

	content := req.Message
	if files := formatFiles(req.Files); files != "" {
		content += "\n\n" + files
	}
	return append(messages, models.Message{Role: models.RoleUser, Content: content, Timestamp: models.Now()})
}

// complete performs one LLM call and collects the full result.
func (h *Handler) complete(ctx context.Context, messages []models.Message, defs []agent.ToolDefinition) (*collected, error) {
	chunks, err := h.llm.Generate(ctx, &agent.GenerateInput{
		Model:    h.llmCfg.DefaultModel,
		Messages: messages,
		Tools:    defs,
	})
	if err != nil {
		return nil, fault.Wrap(fault.Unavailable, err, "starting chat LLM call")
	}

	var (
		text strings.Builder
		out  collected
	)
	for chunk := range chunks {
		switch c := chunk.(type) {
		case *agent.TextChunk:
			text.WriteString(c.Content)
		case *agent.ToolCallChunk:
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID: c.CallID, Name: c.Name, Arguments: []byte(c.Arguments),
			})
		case *agent.ErrorChunk:
			if c.Retryable {
				return nil, fault.New(fault.Unavailable, "chat LLM call failed: %s", c.Message)
			}
			return nil, fault.New(fault.Internal, "chat LLM call failed: %s", c.Message)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.Cancelled, err, "chat turn cancelled")
	}
	out.Text = text.String()
	return &out, nil
}

type collected struct {
	Text      string
	ToolCalls []models.ToolCall
}

func assistantMessage(c *collected) models.Message {
	return models.Message{
		Role: models.RoleAssistant, Content: c.Text,
		ToolCalls: c.ToolCalls, Timestamp: models.Now(),
	}
}

// runTools executes the round-trip's tool calls sequentially and returns the
// tool messages for the follow-up LLM call. Individual failures become error
// payloads the LLM can explain; they do not abort the turn.
func (h *Handler) runTools(ctx context.Context, calls []models.ToolCall, bound map[string]*tools.Descriptor) []models.Message {
	out := make([]models.Message, 0, len(calls))
	for _, call := range calls {
		name := mcp.NormalizeToolName(call.Name)
		deadline := h.toolCfg.InvokeTimeout
		idempotent := true
		if d, ok := bound[name]; ok {
			if d.Timeout > 0 {
				deadline = d.Timeout
			}
			idempotent = d.Idempotent
		}

		var content string
		result, err := h.gateway.Invoke(ctx, name, call.Arguments, deadline, idempotent)
		if err != nil {
			content = fmt.Sprintf("tool %s failed: %s", name, err)
		} else {
			content = h.masker.MaskString(string(result.Payload))
		}

		out = append(out, models.Message{
			Role:       models.RoleTool,
			Content:    content,
			ToolCallID: call.ID,
			Name:       name,
			Timestamp:  models.Now(),
		})
	}
	return out
}

// streamText paces the final text out word by word.
func (h *Handler) streamText(ctx context.Context, text string, emit Emitter) error {
	words := strings.SplitAfter(text, " ")
	ticker := time.NewTicker(wordPacing)
	defer ticker.Stop()

	for _, word := range words {
		if word == "" {
			continue
		}
		if err := emit(stream.Frame{Type: stream.FrameContent, Content: word}); err != nil {
			return err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// appendSession records the turn with one reload-and-retry on a lost CAS
// race. Losing twice only costs history, never the response.
func (h *Handler) appendSession(ctx context.Context, session *models.SessionTurns, req Request, reply string) {
	turns := []models.Message{
		{Role: models.RoleUser, Content: req.Message, Classification: req.Classification, Timestamp: models.Now()},
		{Role: models.RoleAssistant, Content: reply, Timestamp: models.Now()},
	}
	_, err := h.store.AppendTurns(ctx, session.SessionID, session.Version, turns)
	if fault.IsKind(err, fault.Conflict) {
		if fresh, loadErr := h.store.LoadSession(ctx, session.SessionID); loadErr == nil {
			_, err = h.store.AppendTurns(ctx, fresh.SessionID, fresh.Version, turns)
		}
	}
	if err != nil {
		h.logger.Warn("Session append failed", "session_id", session.SessionID, "error", err)
	}
}

// fail emits a graceful error frame and done so the client never sees a
// dropped connection for an upstream failure.
func (h *Handler) fail(emit Emitter, err error) error {
	kind := fault.KindOf(err)
	frame := stream.Frame{
		Type:    stream.FrameError,
		Kind:    string(kind),
		Message: "The assistant could not complete this request. Please try again.",
	}
	if emitErr := emit(frame); emitErr != nil {
		return err
	}
	_ = emit(stream.Frame{Type: stream.FrameDone})
	return err
}

func formatFiles(files []FileContent) string {
	if len(files) == 0 {
		return ""
	}
	var sb strings.Builder
	budget := maxFileBytes
	for _, f := range files {
		if budget <= 0 {
			break
		}
		content := f.Content
		if len(content) > budget {
			content = content[:budget] + "\n… [truncated]"
		}
		budget -= len(content)
		fmt.Fprintf(&sb, "File %s:\n```\n%s\n```\n", f.Path, content)
	}
	return sb.String()
}
