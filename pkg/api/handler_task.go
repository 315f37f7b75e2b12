package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/edgecoder/edgecoder/pkg/models"
)

// submitHandler handles POST /submit.
// Enqueues a task and its subtasks; scheduling attributes are inherited by
// subtasks that leave them unset.
func (s *Server) submitHandler(c *echo.Context) error {
	// 1. Bind HTTP request
	var req models.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// 2. Validate required fields
	if len(req.Subtasks) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one subtask is required")
	}
	if req.ProjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id is required")
	}
	for _, st := range req.Subtasks {
		switch st.Language {
		case models.LangPython, models.LangJavaScript:
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "subtask language must be python or javascript")
		}
	}

	// 3. Enqueue
	taskID, err := s.queue.Submit(c.Request().Context(), models.Task{
		TaskID:             req.TaskID,
		SubmitterAccountID: req.SubmitterAccountID,
		ProjectID:          req.ProjectID,
		ResourceClass:      req.ResourceClass,
		Priority:           req.Priority,
		RequestedModel:     req.RequestedModel,
	}, req.Subtasks)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusAccepted, &models.SubmitResponse{OK: true, TaskID: taskID})
}

// getTaskHandler handles GET /tasks/:taskId.
func (s *Server) getTaskHandler(c *echo.Context) error {
	taskID := c.Param("taskId")
	if taskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}

	view, err := s.queue.Task(taskID)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &TaskResponse{
		TaskID:   view.Task.TaskID,
		Status:   view.Status,
		Subtasks: view.Subtasks,
		Artifact: view.Artifact,
		Error:    view.Error,
	})
}
