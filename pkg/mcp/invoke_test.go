package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/maestro/pkg/fault"
	"github.com/codeready-toolchain/maestro/pkg/models"
)

var emptySchema = json.RawMessage(`{"type":"object"}`)

// newConnectedClient wires a Client to an in-memory gateway serving the given
// tool handlers.
func newConnectedClient(t *testing.T, tools map[string]mcpsdk.ToolHandler) *Client {
	t.Helper()

	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "gateway", Version: "test"}, nil)
	for name, handler := range tools {
		server.AddTool(&mcpsdk.Tool{
			Name:        name,
			Description: "test tool: " + name,
			InputSchema: emptySchema,
		}, handler)
	}

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = server.Run(ctx, serverTransport) }()

	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "maestro-test", Version: "test"}, nil)
	session, err := sdkClient.Connect(context.Background(), clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	c := NewClient("in-memory")
	c.client = sdkClient
	c.session = session
	return c
}

func textHandler(text string) mcpsdk.ToolHandler {
	return func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
		}, nil
	}
}

func TestInvokeReturnsTextPayload(t *testing.T) {
	c := newConnectedClient(t, map[string]mcpsdk.ToolHandler{
		"search.code": textHandler("3 matches in pkg/api"),
	})

	result, err := c.Invoke(context.Background(), "search.code",
		json.RawMessage(`{"query":"mapError"}`), 5*time.Second, true)
	require.NoError(t, err)
	assert.Equal(t, models.ToolStatusOK, result.Status)
	assert.JSONEq(t, `"3 matches in pkg/api"`, string(result.Payload))
	assert.GreaterOrEqual(t, result.LatencyMS, int64(0))
}

func TestInvokeStructuredContent(t *testing.T) {
	c := newConnectedClient(t, map[string]mcpsdk.ToolHandler{
		"ci.status": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{
				StructuredContent: map[string]any{"pipeline": "main", "green": true},
			}, nil
		},
	})

	result, err := c.Invoke(context.Background(), "ci.status", nil, 5*time.Second, true)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pipeline":"main","green":true}`, string(result.Payload))
}

func TestInvokeToolErrorIsNotAnError(t *testing.T) {
	c := newConnectedClient(t, map[string]mcpsdk.ToolHandler{
		"fs.read": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{
				IsError: true,
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "no such file"}},
			}, nil
		},
	})

	result, err := c.Invoke(context.Background(), "fs.read",
		json.RawMessage(`{"path":"missing.go"}`), 5*time.Second, true)
	require.NoError(t, err, "the tool ran; its failure is data, not a transport error")
	assert.Equal(t, models.ToolStatusError, result.Status)
	assert.Contains(t, string(result.Payload), "no such file")
}

func TestInvokeRejectsNonObjectArguments(t *testing.T) {
	c := newConnectedClient(t, map[string]mcpsdk.ToolHandler{
		"search.code": textHandler("ok"),
	})

	_, err := c.Invoke(context.Background(), "search.code",
		json.RawMessage(`[1,2,3]`), 5*time.Second, true)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.InvalidArgument))
}

func TestInvokeUnknownTool(t *testing.T) {
	c := newConnectedClient(t, map[string]mcpsdk.ToolHandler{
		"search.code": textHandler("ok"),
	})

	_, err := c.Invoke(context.Background(), "deploy.apply", nil, 5*time.Second, false)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.NotFound), "got %v", err)
}

func TestInvokeTimeoutDoesNotRetryNonIdempotentTool(t *testing.T) {
	var calls atomic.Int32
	c := newConnectedClient(t, map[string]mcpsdk.ToolHandler{
		"deploy.apply": func(ctx context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			calls.Add(1)
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
			}
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "applied"}},
			}, nil
		},
	})

	_, err := c.Invoke(context.Background(), "deploy.apply", nil, 100*time.Millisecond, false)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.DeadlineExceeded), "got %v", err)
	assert.Equal(t, int32(1), calls.Load(), "a dispatched non-idempotent call must not rerun")
}

func TestInvokeWithHooksObservesSingleAttempt(t *testing.T) {
	c := newConnectedClient(t, map[string]mcpsdk.ToolHandler{
		"search.code": textHandler("ok"),
	})

	var before, after []int
	var afterErrs []error
	hooks := AttemptHooks{
		Before: func(attempt int) error {
			before = append(before, attempt)
			return nil
		},
		After: func(attempt int, result *models.ToolResult, err error) error {
			after = append(after, attempt)
			afterErrs = append(afterErrs, err)
			if err == nil {
				assert.Equal(t, models.ToolStatusOK, result.Status)
			}
			return nil
		},
	}

	result, err := c.InvokeWithHooks(context.Background(), "search.code", nil, 5*time.Second, true, hooks)
	require.NoError(t, err)
	assert.Equal(t, models.ToolStatusOK, result.Status)
	assert.Equal(t, []int{0}, before)
	assert.Equal(t, []int{0}, after)
	require.Len(t, afterErrs, 1)
	assert.NoError(t, afterErrs[0])
}

func TestInvokeWithHooksSeesNonRetryableFailureOnce(t *testing.T) {
	c := newConnectedClient(t, map[string]mcpsdk.ToolHandler{
		"search.code": textHandler("ok"),
	})

	var attempts int
	var lastErr error
	hooks := AttemptHooks{
		After: func(_ int, _ *models.ToolResult, err error) error {
			attempts++
			lastErr = err
			return nil
		},
	}

	_, err := c.InvokeWithHooks(context.Background(), "deploy.apply", nil, 5*time.Second, false, hooks)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.NotFound), "got %v", err)
	assert.Equal(t, 1, attempts, "a non-retryable failure dispatches exactly once")
	assert.True(t, fault.IsKind(lastErr, fault.NotFound))
}

func TestInvokeWithHooksBeforeErrorAborts(t *testing.T) {
	var calls atomic.Int32
	c := newConnectedClient(t, map[string]mcpsdk.ToolHandler{
		"search.code": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			calls.Add(1)
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "ok"}},
			}, nil
		},
	})

	boom := fmt.Errorf("journal unavailable")
	hooks := AttemptHooks{Before: func(int) error { return boom }}

	_, err := c.InvokeWithHooks(context.Background(), "search.code", nil, 5*time.Second, true, hooks)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(0), calls.Load(), "an unrecordable attempt is never dispatched")
}

func TestInvokeWithoutSessionIsUnavailable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1") // nothing listens here

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Invoke(ctx, "search.code", nil, time.Second, true)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.Unavailable), "got %v", err)
}

func TestListAllToolsCaches(t *testing.T) {
	c := newConnectedClient(t, map[string]mcpsdk.ToolHandler{
		"search.code": textHandler("ok"),
		"fs.read":     textHandler("ok"),
	})

	tools, err := c.ListAllTools(context.Background())
	require.NoError(t, err)
	assert.Len(t, tools, 2)

	again, err := c.ListAllTools(context.Background())
	require.NoError(t, err)
	assert.Len(t, again, 2)

	c.Refresh()
	refreshed, err := c.ListAllTools(context.Background())
	require.NoError(t, err)
	assert.Len(t, refreshed, 2)
}

func TestHealthyAndClose(t *testing.T) {
	c := newConnectedClient(t, map[string]mcpsdk.ToolHandler{
		"search.code": textHandler("ok"),
	})
	assert.True(t, c.Healthy())

	require.NoError(t, c.Close())
	assert.False(t, c.Healthy())
	assert.NoError(t, c.Close(), "closing twice is fine")
}

func TestBoundTruncatesLargePayloads(t *testing.T) {
	small := []byte(`{"ok":true}`)
	assert.Equal(t, json.RawMessage(small), bound(small))

	big, err := json.Marshal(strings.Repeat("x", resultBudget))
	require.NoError(t, err)
	out := bound(big)
	require.True(t, json.Valid(out))

	var s string
	require.NoError(t, json.Unmarshal(out, &s))
	assert.Contains(t, s, fmt.Sprintf("[truncated %d bytes]", len(big)-resultBudget))
}

func TestClassifyCallError(t *testing.T) {
	parent := context.Background()
	expired, cancel := context.WithTimeout(parent, time.Nanosecond)
	defer cancel()
	<-expired.Done()

	err := classifyCallError("t", fmt.Errorf("context deadline exceeded"), expired, parent)
	assert.True(t, fault.IsKind(err, fault.DeadlineExceeded))

	live := context.Background()
	err = classifyCallError("t", fmt.Errorf("jsonrpc2: unknown tool"), live, parent)
	assert.True(t, fault.IsKind(err, fault.NotFound))

	err = classifyCallError("t", fmt.Errorf("invalid params: missing query"), live, parent)
	assert.True(t, fault.IsKind(err, fault.InvalidArgument))

	err = classifyCallError("t", fmt.Errorf("write: broken pipe"), live, parent)
	assert.True(t, fault.IsKind(err, fault.Unavailable))

	err = classifyCallError("t", fmt.Errorf("something odd"), live, parent)
	assert.True(t, fault.IsKind(err, fault.Unavailable))
}
