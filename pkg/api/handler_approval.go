package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// approvalHandler handles POST /api/v1/workflows/:id/approval: a human
// decision submitted directly through the API.
func (s *Server) approvalHandler(c *echo.Context) error {
	workflowID := c.Param("id")
	if workflowID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow id is required")
	}

	var req ApprovalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Decision == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "decision is required")
	}

	err := s.approvals.Decide(c.Request().Context(),
		workflowID, req.ApprovalID, req.Decision, extractAuthor(c), req.Reason)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"workflow_id": workflowID,
		"decision":    req.Decision,
	})
}

// approvalWebhookHandler handles POST /api/v1/approvals/webhook: the tracker
// pushing a decision. The polling loop covers missed deliveries.
func (s *Server) approvalWebhookHandler(c *echo.Context) error {
	var payload ApprovalWebhookPayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if payload.WorkflowID == "" || payload.Decision == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow_id and decision are required")
	}

	decider := payload.Decider
	if decider == "" {
		decider = "tracker-webhook"
	}
	err := s.approvals.Decide(c.Request().Context(),
		payload.WorkflowID, payload.ApprovalID, payload.Decision, decider, payload.Reason)
	if err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// extractAuthor extracts the decider identity from proxy headers.
func extractAuthor(c *echo.Context) string {
	if user := c.Request().Header.Get("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.Request().Header.Get("X-Forwarded-Email"); email != "" {
		return email
	}
	if user := c.Request().Header.Get("X-Remote-User"); user != "" {
		return user
	}
	return "api-client"
}
