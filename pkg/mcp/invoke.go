package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeready-toolchain/maestro/pkg/fault"
	"github.com/codeready-toolchain/maestro/pkg/metrics"
	"github.com/codeready-toolchain/maestro/pkg/models"
)

// Retry policy for transport-level failures. ToolError and InvalidArgument
// never retry: the tool ran, or would fail identically again.
const (
	maxRetries   = 2
	retryBase    = 250 * time.Millisecond
	retryCap     = 4 * time.Second
	resultBudget = 64 * 1024
)

// AttemptHooks observe every dispatched attempt of one invocation. Before
// runs just before the request goes out, After runs with that attempt's
// outcome. Neither hook fires for a failed reconnect: no request was
// dispatched. A hook error aborts the invocation without further retries.
type AttemptHooks struct {
	Before func(attempt int) error
	After  func(attempt int, result *models.ToolResult, err error) error
}

// Invoke calls a tool on the gateway with the given per-invocation deadline
// and returns a classified result. Only Unavailable and DeadlineExceeded
// retry, with full-jitter exponential backoff. A DeadlineExceeded fires after
// the request was dispatched, so it only retries when the catalog marks the
// tool idempotent; Unavailable means the request never reached the gateway
// and always retries.
func (c *Client) Invoke(ctx context.Context, name string, args json.RawMessage, deadline time.Duration, idempotent bool) (*models.ToolResult, error) {
	return c.InvokeWithHooks(ctx, name, args, deadline, idempotent, AttemptHooks{})
}

// InvokeWithHooks is Invoke with per-attempt observation, for callers that
// record each attempt durably.
func (c *Client) InvokeWithHooks(ctx context.Context, name string, args json.RawMessage, deadline time.Duration, idempotent bool, hooks AttemptHooks) (result *models.ToolResult, err error) {
	var params map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, fault.Wrap(fault.InvalidArgument, err, "tool %s arguments are not a JSON object", name)
		}
	}

	start := time.Now()
	defer func() {
		outcome := "ok"
		switch {
		case err != nil:
			outcome = string(fault.KindOf(err))
		case result.Status == models.ToolStatusError:
			outcome = string(fault.ToolError)
		}
		metrics.ObserveTool(name, outcome, time.Since(start))
	}()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fault.Wrap(fault.Cancelled, ctx.Err(), "tool %s invocation cancelled", name)
			case <-time.After(backoff(attempt)):
			}
			if err := c.reconnect(ctx); err != nil {
				lastErr = fault.Wrap(fault.Unavailable, err, "reconnecting to tool gateway")
				continue
			}
		}

		if hooks.Before != nil {
			if hookErr := hooks.Before(attempt); hookErr != nil {
				return nil, hookErr
			}
		}
		res, callErr := c.callOnce(ctx, name, params, deadline)
		if hooks.After != nil {
			if hookErr := hooks.After(attempt, res, callErr); hookErr != nil {
				return nil, hookErr
			}
		}
		if callErr == nil {
			return res, nil
		}

		kind := fault.KindOf(callErr)
		if !fault.Retryable(kind) || ctx.Err() != nil {
			return nil, callErr
		}
		if kind == fault.DeadlineExceeded && !idempotent {
			return nil, callErr
		}
		lastErr = callErr
		c.logger.Warn("Tool invocation failed, retrying",
			"tool", name, "attempt", attempt+1, "kind", kind, "error", callErr)
	}
	return nil, lastErr
}

func (c *Client) callOnce(ctx context.Context, name string, params map[string]any, deadline time.Duration) (*models.ToolResult, error) {
	session, err := c.currentSession()
	if err != nil {
		return nil, fault.Wrap(fault.Unavailable, err, "tool gateway session")
	}

	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	res, err := session.CallTool(callCtx, &mcpsdk.CallToolParams{Name: name, Arguments: params})
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return nil, classifyCallError(name, err, callCtx, ctx)
	}

	payload := resultPayload(res)
	status := models.ToolStatusOK
	if res.IsError {
		status = models.ToolStatusError
	}
	return &models.ToolResult{
		Status:    status,
		Payload:   payload,
		LatencyMS: latency,
	}, nil
}

// classifyCallError maps a CallTool failure onto the taxonomy.
func classifyCallError(name string, err error, callCtx, parentCtx context.Context) error {
	switch {
	case parentCtx.Err() != nil:
		return fault.Wrap(fault.Cancelled, err, "tool %s invocation cancelled", name)
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return fault.Wrap(fault.DeadlineExceeded, err, "tool %s invocation timed out", name)
	}

	// The SDK surfaces gateway-side JSON-RPC errors as plain errors; the
	// code is only recoverable from the message.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "method not found") || strings.Contains(msg, "unknown tool") ||
		strings.Contains(msg, "tool not found"):
		return fault.Wrap(fault.NotFound, err, "tool %s not found on gateway", name)
	case strings.Contains(msg, "invalid params") || strings.Contains(msg, "invalid arguments"):
		return fault.Wrap(fault.InvalidArgument, err, "tool %s rejected arguments", name)
	case strings.Contains(msg, "connection") || strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "eof") || strings.Contains(msg, "session closed"):
		return fault.Wrap(fault.Unavailable, err, "tool %s transport failure", name)
	}
	return fault.Wrap(fault.Unavailable, err, "tool %s gateway failure", name)
}

// resultPayload flattens the MCP content list into a JSON payload bounded to
// the result budget. Text content concatenates; structured content passes
// through.
func resultPayload(res *mcpsdk.CallToolResult) json.RawMessage {
	if res.StructuredContent != nil {
		if data, err := json.Marshal(res.StructuredContent); err == nil {
			return bound(data)
		}
	}

	var sb strings.Builder
	for _, content := range res.Content {
		if text, ok := content.(*mcpsdk.TextContent); ok {
			sb.WriteString(text.Text)
		}
	}
	data, err := json.Marshal(sb.String())
	if err != nil {
		return json.RawMessage(`""`)
	}
	return bound(data)
}

func bound(data []byte) json.RawMessage {
	if len(data) <= resultBudget {
		return data
	}
	truncated, _ := json.Marshal(fmt.Sprintf("%s… [truncated %d bytes]",
		string(data[:resultBudget]), len(data)-resultBudget))
	return truncated
}

// backoff returns the full-jitter delay for a retry attempt.
func backoff(attempt int) time.Duration {
	max := retryBase << (attempt - 1)
	if max > retryCap {
		max = retryCap
	}
	return time.Duration(rand.Int64N(int64(max)))
}
