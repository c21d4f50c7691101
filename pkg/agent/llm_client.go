// Package agent runs one role turn against the LLM: it builds the prompt from
// workflow state, binds the selected tools, collects the stream, and parses
// the output into a message, tool calls, or a supervisor plan.
package agent

import (
	"context"

	"github.com/codeready-toolchain/maestro/pkg/models"
)

// LLMClient is the provider-facing streaming interface. The returned channel
// is closed when the stream completes; provider errors are delivered as
// ErrorChunk values in the channel, not as a second error return.
type LLMClient interface {
	Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error)
	Close() error
}

// GenerateInput is one LLM call.
type GenerateInput struct {
	// WorkflowID tags every trace line; empty on the conversational path
	// before a workflow exists.
	WorkflowID string
	Model      string
	Messages   []models.Message
	// Tools to bind for function calling. nil binds none.
	Tools     []ToolDefinition
	MaxTokens int
}

// ToolDefinition is a tool bound for function calling.
type ToolDefinition struct {
	Name        string
	Description string
	// ParametersSchema is the normalized JSON schema string.
	ParametersSchema string
}

// Chunk is one unit of the LLM's streamed output.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeError    ChunkType = "error"
)

// TextChunk is a fragment of the assistant's text response.
type TextChunk struct{ Content string }

// ToolCallChunk is one complete accumulated tool call. Emitted only once the
// provider finishes streaming the call's arguments.
type ToolCallChunk struct{ CallID, Name, Arguments string }

// UsageChunk reports token consumption for the call.
type UsageChunk struct{ InputTokens, OutputTokens, TotalTokens int }

// ErrorChunk signals a provider failure mid-stream.
type ErrorChunk struct {
	Message   string
	Retryable bool
}

func (c *TextChunk) chunkType() ChunkType     { return ChunkTypeText }
func (c *ToolCallChunk) chunkType() ChunkType { return ChunkTypeToolCall }
func (c *UsageChunk) chunkType() ChunkType    { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType    { return ChunkTypeError }
