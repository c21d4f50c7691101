package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/codeready-toolchain/maestro/pkg/config"
	"github.com/codeready-toolchain/maestro/pkg/models"
)

// openAIClient implements LLMClient against any OpenAI-compatible endpoint.
type openAIClient struct {
	client *openai.Client
	cfg    config.LLMConfig
	logger *slog.Logger
}

// NewOpenAIClient creates the streaming client for the configured provider.
func NewOpenAIClient(cfg config.LLMConfig) LLMClient {
	clientCfg := openai.DefaultConfig(cfg.ProviderKey)
	if cfg.ProviderURL != "" {
		clientCfg.BaseURL = cfg.ProviderURL
	}
	return &openAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: slog.Default().With("component", "llm"),
	}
}

func (c *openAIClient) Close() error { return nil }

// Generate opens the provider stream and pumps chunks until completion. Tool
// call fragments arrive interleaved and keyed by index; they accumulate and
// emit as complete ToolCallChunks when the stream ends.
func (c *openAIClient) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	req := openai.ChatCompletionRequest{
		Model:    input.Model,
		Messages: toOpenAIMessages(input.Messages),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if input.MaxTokens > 0 {
		req.MaxTokens = input.MaxTokens
	} else if c.cfg.MaxResponseTokens > 0 {
		req.MaxTokens = c.cfg.MaxResponseTokens
	}
	for _, t := range input.Tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.ParametersSchema),
			},
		})
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	stream, err := c.client.CreateChatCompletionStream(callCtx, req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening LLM stream: %w", err)
	}

	chunks := make(chan Chunk, 64)
	go func() {
		defer cancel()
		defer close(chunks)
		defer stream.Close()
		c.pump(callCtx, stream, input.WorkflowID, chunks)
	}()
	return chunks, nil
}

func (c *openAIClient) pump(ctx context.Context, stream *openai.ChatCompletionStream, workflowID string, chunks chan<- Chunk) {
	// Tool call fragments accumulate by stream index; the provider sends the
	// ID and name first, then argument fragments.
	calls := map[int]*ToolCallChunk{}

	emit := func(chunk Chunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.logger.Warn("LLM stream failed", "workflow_id", workflowID, "error", err)
			emit(&ErrorChunk{Message: err.Error(), Retryable: retryableAPIError(err)})
			return
		}

		if resp.Usage != nil {
			if !emit(&UsageChunk{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
				TotalTokens:  resp.Usage.TotalTokens,
			}) {
				return
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			if !emit(&TextChunk{Content: delta.Content}) {
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc, ok := calls[idx]
			if !ok {
				acc = &ToolCallChunk{}
				calls[idx] = acc
			}
			if tc.ID != "" {
				acc.CallID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name += tc.Function.Name
			}
			acc.Arguments += tc.Function.Arguments
		}
	}

	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		if !emit(calls[idx]) {
			return
		}
	}
}

// retryableAPIError reports whether the provider error is transient. Rate
// limits and server-side failures retry; auth and request shape errors do not.
func retryableAPIError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	// Transport-level failures (connection reset, timeout) are retryable.
	return !errors.Is(err, context.Canceled)
}

func toOpenAIMessages(msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, om)
	}
	return out
}
