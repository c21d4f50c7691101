package models

import (
	"encoding/json"
	"time"
)

// Message roles within a workflow or session conversation.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message is one turn in a conversation. Sequences are append-only; a turn is
// never edited after it is recorded.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`

	// Classification is set on user turns that went through intent
	// classification, preserving how the turn was routed.
	Classification *Classification `json:"classification,omitempty"`
}

// ToolCall is a function-call request emitted by the LLM.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Tool result statuses.
const (
	ToolStatusOK    = "ok"
	ToolStatusError = "error"
)

// ToolResult is the outcome of executing one ToolCall.
type ToolResult struct {
	CallID    string          `json:"call_id"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	LatencyMS int64           `json:"latency_ms"`
}

// Now returns the current UTC time truncated to microseconds. Postgres
// timestamptz stores microsecond precision, so anything finer would make a
// replayed event fold differently from the snapshot written before persistence.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
