package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/maestro/pkg/fault"
	"github.com/codeready-toolchain/maestro/pkg/metrics"
	"github.com/codeready-toolchain/maestro/pkg/models"
	"github.com/codeready-toolchain/maestro/pkg/stream"
)

// executeStreamHandler handles POST /api/v1/execute/stream: start a workflow
// for the task and stream its frames.
func (s *Server) executeStreamHandler(c *echo.Context) error {
	var req ExecuteStreamRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Task == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task is required")
	}
	if len(req.Task) > maxMessageBytes {
		return echo.NewHTTPError(http.StatusBadRequest, "task exceeds maximum length")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.Stream.EndpointTimeout)
	defer cancel()

	sse := startSSE(c, s.cfg.Stream.KeepaliveInterval)
	defer sse.Close()
	return s.startAndStream(ctx, sse, req.SessionID, req.Task)
}

// resumeWorkflowHandler handles POST /api/v1/workflows/:id/resume: reattach a
// stream to an in-flight workflow, replaying current state first.
func (s *Server) resumeWorkflowHandler(c *echo.Context) error {
	workflowID := c.Param("id")
	if workflowID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow id is required")
	}
	var req ResumeRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.Stream.EndpointTimeout)
	defer cancel()

	state, _, err := s.store.LoadSnapshot(ctx, workflowID)
	if err != nil {
		return mapError(err)
	}
	if state.Status.IsTerminal() {
		return mapError(fault.New(fault.FailedPrecondition,
			"workflow %s is already %s", workflowID, state.Status))
	}

	// An inline decision lands before the stream opens so its failure can
	// still change the HTTP status. The manager holds decisions that arrive
	// before the gate fires.
	if req.ApprovalDecision != "" {
		var approvalID string
		if state.Approval != nil {
			approvalID = state.Approval.ID
		}
		err := s.approvals.Decide(ctx, workflowID, approvalID,
			req.ApprovalDecision, extractAuthor(c), req.Reason)
		if err != nil {
			return mapError(err)
		}
		if state, _, err = s.store.LoadSnapshot(ctx, workflowID); err != nil {
			return mapError(err)
		}
	}

	frames, unsubscribe, err := s.hub.Subscribe(ctx, workflowID)
	if err != nil {
		return mapError(err)
	}
	defer unsubscribe()

	sse := startSSE(c, s.cfg.Stream.KeepaliveInterval)
	defer sse.Close()

	for _, f := range snapshotFrames(state) {
		if err := sse.Send(f); err != nil {
			return nil
		}
	}

	// Nothing will move until a decision lands; end the stream after the
	// approval_pending replay and let the client reattach afterwards.
	if state.Status == models.StatusAwaitingApproval && !state.Approval.Decided() {
		sse.Done()
		return nil
	}
	return s.relay(ctx, sse, frames)
}

// getWorkflowHandler handles GET /api/v1/workflows/:id.
func (s *Server) getWorkflowHandler(c *echo.Context) error {
	workflowID := c.Param("id")
	if workflowID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow id is required")
	}

	state, _, err := s.store.LoadSnapshot(c.Request().Context(), workflowID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, workflowResponse(state))
}

// startAndStream creates the workflow and relays its frames until it reaches
// a terminal state or suspends.
func (s *Server) startAndStream(ctx context.Context, sse *sseStream, sessionID, task string) error {
	workflowID, err := s.engine.Start(ctx, sessionID, task)
	if err != nil {
		return s.streamFail(sse, err)
	}
	metrics.WorkflowsStarted.Inc()

	frames, unsubscribe, err := s.hub.Subscribe(ctx, workflowID)
	if err != nil {
		return s.streamFail(sse, err)
	}
	defer unsubscribe()

	if err := sse.Send(stream.Frame{
		Type: stream.FrameStatus, WorkflowID: workflowID,
		Status: string(models.StatusPending),
	}); err != nil {
		return nil
	}
	return s.relay(ctx, sse, frames)
}

// relay forwards frames until a terminating frame arrives or the client
// disconnects. A disconnect cancels ctx; the workflow itself keeps running on
// its worker.
func (s *Server) relay(ctx context.Context, sse *sseStream, frames <-chan stream.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				sse.Done()
				return nil
			}
			if err := sse.Send(f); err != nil {
				return nil
			}
			if terminatesStream(f) {
				sse.Done()
				return nil
			}
		}
	}
}

// terminatesStream reports whether no further frames will follow: terminal
// status, a workflow-level error, or suspension behind an approval gate.
func terminatesStream(f stream.Frame) bool {
	switch f.Type {
	case stream.FrameError, stream.FrameApprovalPending:
		return true
	case stream.FrameStatus:
		return models.WorkflowStatus(f.Status).IsTerminal()
	}
	return false
}

// snapshotFrames reconstructs the catch-up frames for a workflow's current
// state, mirroring what a live subscriber would have seen.
func snapshotFrames(state *models.WorkflowState) []stream.Frame {
	frames := []stream.Frame{{
		Type: stream.FrameStatus, WorkflowID: state.WorkflowID,
		Status: string(state.Status),
	}}
	for _, t := range state.SubTasks {
		frames = append(frames, stream.Frame{
			Type: stream.FrameSubTask, WorkflowID: state.WorkflowID,
			ID: t.ID, Status: string(t.Status), AgentRole: t.AgentRole,
		})
	}
	if state.Status == models.StatusAwaitingApproval && state.Approval != nil && !state.Approval.Decided() {
		frames = append(frames, stream.Frame{
			Type: stream.FrameApprovalPending, WorkflowID: state.WorkflowID,
			ApprovalID: state.Approval.ID, Link: state.Approval.Link,
		})
	}
	return frames
}
