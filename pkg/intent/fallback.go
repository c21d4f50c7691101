package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codeready-toolchain/maestro/pkg/agent"
	"github.com/codeready-toolchain/maestro/pkg/models"
)

// fallbackSystemPrompt is deliberately compact; the fallback runs on the hot
// path of ambiguous messages and must stay cheap.
const fallbackSystemPrompt = `You classify developer chat messages into exactly one intent:
- "qa": question or discussion, no change to any system
- "simple_task": quick lookup or read-only action
- "medium": code or config change of moderate scope
- "high": deployment, migration, or other risky infrastructure change

Reply with only a JSON object: {"intent": "...", "confidence": 0.0-1.0, "reasoning": "one sentence"}.`

// LLMFallback refines ambiguous classifications with one cheap LLM call.
type LLMFallback struct {
	llm   agent.LLMClient
	model string
}

// NewLLMFallback creates the fallback on the shared LLM client.
func NewLLMFallback(llm agent.LLMClient, model string) *LLMFallback {
	return &LLMFallback{llm: llm, model: model}
}

type fallbackVerdict struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Classify asks the LLM for an intent verdict. Errors leave the heuristic
// classification in place; the caller treats this as best-effort.
func (f *LLMFallback) Classify(ctx context.Context, message string) (*models.Classification, error) {
	chunks, err := f.llm.Generate(ctx, &agent.GenerateInput{
		Model: f.model,
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: fallbackSystemPrompt, Timestamp: models.Now()},
			{Role: models.RoleUser, Content: message, Timestamp: models.Now()},
		},
	})
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for chunk := range chunks {
		switch c := chunk.(type) {
		case *agent.TextChunk:
			text.WriteString(c.Content)
		case *agent.ErrorChunk:
			return nil, fmt.Errorf("fallback LLM call failed: %s", c.Message)
		}
	}

	var verdict fallbackVerdict
	raw := extractObject(text.String())
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return nil, fmt.Errorf("fallback verdict is not valid JSON: %w", err)
	}

	intent := models.Intent(verdict.Intent)
	switch intent {
	case models.IntentQA, models.IntentSimpleTask, models.IntentMedium, models.IntentHigh:
	default:
		return nil, fmt.Errorf("fallback returned unknown intent %q", verdict.Intent)
	}
	if verdict.Confidence < 0 || verdict.Confidence > 1 {
		return nil, fmt.Errorf("fallback confidence %v out of range", verdict.Confidence)
	}

	return &models.Classification{
		Intent:     intent,
		Confidence: verdict.Confidence,
		Rationale:  verdict.Reasoning,
	}, nil
}

func extractObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return s
	}
	return s[start : end+1]
}
