package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/edgecoder/edgecoder/pkg/escalation"
)

// escalateHandler handles POST /escalate.
// Dispatch is asynchronous: the response is the pending escalation state and
// the caller polls GET /escalate/:taskId for the outcome.
func (s *Server) escalateHandler(c *echo.Context) error {
	// 1. Bind HTTP request
	var req escalation.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// 2. Validate required fields
	if req.TaskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task_id is required")
	}
	if req.Task == "" && req.FailedCode == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task description or failed code is required")
	}

	// 3. Hand to the resolver
	res := s.resolver.Dispatch(c.Request().Context(), &req)

	return c.JSON(http.StatusAccepted, &EscalateResponse{TaskID: res.TaskID, Status: res.Status})
}

// getEscalationHandler handles GET /escalate/:taskId.
func (s *Server) getEscalationHandler(c *echo.Context) error {
	taskID := c.Param("taskId")
	if taskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}

	res, err := s.resolver.Get(taskID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, res)
}
