package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"direct", New(NotFound, "workflow %s", "w1"), NotFound},
		{"wrapped once", fmt.Errorf("outer: %w", New(Conflict, "stale seq")), Conflict},
		{"wrapped cause preserved", Wrap(Unavailable, errors.New("dial tcp: refused"), "gateway"), Unavailable},
		{"context canceled", context.Canceled, Cancelled},
		{"context deadline", context.DeadlineExceeded, DeadlineExceeded},
		{"wrapped context canceled", fmt.Errorf("llm call: %w", context.Canceled), Cancelled},
		{"plain error", errors.New("boom"), Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(Unavailable, cause, "tool %q", "fs.read")

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "UNAVAILABLE")
	assert.Contains(t, err.Error(), `tool "fs.read"`)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Unavailable))
	assert.True(t, Retryable(DeadlineExceeded))
	assert.False(t, Retryable(ToolError))
	assert.False(t, Retryable(InvalidArgument))
	assert.False(t, Retryable(Conflict))
	assert.False(t, Retryable(Internal))
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("resume: %w", New(FailedPrecondition, "workflow not suspended"))
	assert.True(t, IsKind(err, FailedPrecondition))
	assert.False(t, IsKind(err, NotFound))
}
