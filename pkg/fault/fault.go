// Package fault defines the error taxonomy shared by every subsystem.
//
// Errors that cross a package boundary are classified into a Kind so the API
// layer, the workflow engine, and the tool client agree on retry and surfacing
// behavior without inspecting error strings.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies one class of failure. Values are the wire spellings used in
// SSE error frames and CLI output.
type Kind string

const (
	InvalidArgument    Kind = "INVALID_ARGUMENT"
	Unauthenticated    Kind = "UNAUTHENTICATED"
	NotFound           Kind = "NOT_FOUND"
	FailedPrecondition Kind = "FAILED_PRECONDITION"
	Conflict           Kind = "CONFLICT"
	Unavailable        Kind = "UNAVAILABLE"
	DeadlineExceeded   Kind = "DEADLINE_EXCEEDED"
	ToolError          Kind = "TOOL_ERROR"
	UpstreamCorrupt    Kind = "UPSTREAM_CORRUPT"
	ApprovalExpired    Kind = "APPROVAL_EXPIRED"
	Cancelled          Kind = "CANCELLED"
	Internal           Kind = "INTERNAL"
)

// Error carries a Kind alongside a human-readable message and an optional
// wrapped cause. It is the only error type other packages should type-assert.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. The cause remains reachable via
// errors.Is/As through Unwrap.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain. Context errors map to their
// taxonomy equivalents; anything unclassified is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return DeadlineExceeded
	}
	return Internal
}

// IsKind reports whether err classifies to the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a transport-level retry is permitted for this
// kind. Only transient transport failures qualify; everything else either
// surfaces to the caller or escalates through the error-handling node.
func Retryable(kind Kind) bool {
	return kind == Unavailable || kind == DeadlineExceeded
}

// Terminal reports whether the kind ends a workflow without further recovery.
func Terminal(kind Kind) bool {
	return kind == Cancelled || kind == Internal
}
