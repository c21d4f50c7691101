package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/maestro/pkg/chat"
	"github.com/codeready-toolchain/maestro/pkg/fault"
	"github.com/codeready-toolchain/maestro/pkg/intent"
	"github.com/codeready-toolchain/maestro/pkg/models"
	"github.com/codeready-toolchain/maestro/pkg/stream"
)

const maxMessageBytes = 100_000

// chatStreamHandler handles POST /api/v1/chat/stream: classify, dispatch to
// the conversational path, a command, or a workflow, and stream the result.
func (s *Server) chatStreamHandler(c *echo.Context) error {
	var req ChatStreamRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	if len(req.Message) > maxMessageBytes {
		return echo.NewHTTPError(http.StatusBadRequest, "message exceeds maximum length")
	}
	switch req.Mode {
	case "", intent.ModeAsk, intent.ModeAgent:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown mode: "+req.Mode)
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.Stream.EndpointTimeout)
	defer cancel()

	cl := s.classifier.Classify(ctx, intent.Input{
		Message:        req.Message,
		Mode:           req.Mode,
		PromptEnhanced: req.PromptEnhanced,
	})

	// Commands fail synchronously before the stream opens.
	if cl.Intent == models.IntentCommand {
		cmd := intent.Command{Name: cl.Command, Args: cl.CommandArgs}
		if err := intent.ValidateCommand(cmd); err != nil {
			return mapError(err)
		}
		sse := startSSE(c, s.cfg.Stream.KeepaliveInterval)
		defer sse.Close()
		return s.runCommand(ctx, sse, req.SessionID, cmd)
	}

	sse := startSSE(c, s.cfg.Stream.KeepaliveInterval)
	defer sse.Close()

	if cl.Routing == models.RouteConversational {
		err := s.chat.Handle(ctx, chat.Request{
			SessionID:      req.SessionID,
			Message:        req.Message,
			Files:          filesFromPayload(req.Files),
			Classification: &cl,
		}, sse.Send)
		if err != nil {
			slog.Warn("Chat turn ended with error", "session_id", req.SessionID, "error", err)
		}
		return nil
	}

	return s.startAndStream(ctx, sse, req.SessionID, req.Message)
}

// runCommand executes one slash command on the open stream.
func (s *Server) runCommand(ctx context.Context, sse *sseStream, sessionID string, cmd intent.Command) error {
	switch cmd.Name {
	case intent.CommandHelp:
		_ = sse.Send(stream.Frame{Type: stream.FrameContent, Content: intent.HelpText})
		sse.Done()
		return nil

	case intent.CommandStatus:
		state, _, err := s.store.LoadSnapshot(ctx, cmd.Args)
		if err != nil {
			return s.streamFail(sse, err)
		}
		for _, f := range snapshotFrames(state) {
			if err := sse.Send(f); err != nil {
				return nil
			}
		}
		sse.Done()
		return nil

	case intent.CommandCancel:
		// A workflow held by this pod cancels through the registry; anything
		// else through the store.
		if !s.pool.Cancel(cmd.Args) {
			if err := s.engine.Cancel(ctx, cmd.Args, "Cancelled by user request."); err != nil {
				return s.streamFail(sse, err)
			}
		}
		_ = sse.Send(stream.Frame{
			Type: stream.FrameStatus, WorkflowID: cmd.Args,
			Status: string(models.StatusCancelled),
		})
		sse.Done()
		return nil

	case intent.CommandExecute:
		return s.startAndStream(ctx, sse, sessionID, cmd.Args)
	}

	return s.streamFail(sse, fault.New(fault.InvalidArgument, "unknown command /%s", cmd.Name))
}

// streamFail converts an error into a graceful error frame followed by done.
// The stream is already open; HTTP status can no longer change.
func (s *Server) streamFail(sse *sseStream, err error) error {
	_ = sse.Send(stream.Frame{
		Type:    stream.FrameError,
		Kind:    string(fault.KindOf(err)),
		Message: err.Error(),
	})
	sse.Done()
	return nil
}

func filesFromPayload(files []FilePayload) []chat.FileContent {
	out := make([]chat.FileContent, 0, len(files))
	for _, f := range files {
		out = append(out, chat.FileContent{Path: f.Path, Content: f.Content})
	}
	return out
}
