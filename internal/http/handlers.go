package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/checkpoint"
	"github.com/fyrsmithlabs/taskd/internal/orchestrator"
	"github.com/fyrsmithlabs/taskd/internal/task"
)

// SubmitTaskRequest is the body of POST /api/v1/tasks.
type SubmitTaskRequest struct {
	Description string         `json:"description"`
	Pipeline    string         `json:"pipeline"`
	Priority    string         `json:"priority"`
	Context     map[string]any `json:"context"`
}

// ResolveCheckpointRequest is the body of POST /api/v1/checkpoints/:id/resolve.
type ResolveCheckpointRequest struct {
	Resolution string `json:"resolution"`
	ReviewerID string `json:"reviewer_id"`
	Notes      string `json:"notes"`
}

// TaskListResponse is the body of GET /api/v1/tasks.
type TaskListResponse struct {
	Tasks []*task.Task `json:"tasks"`
}

// CheckpointListResponse is the body of GET /api/v1/checkpoints.
type CheckpointListResponse struct {
	Checkpoints []*checkpoint.Checkpoint `json:"checkpoints"`
}

// StepListResponse is the body of GET /api/v1/tasks/:id/steps.
type StepListResponse struct {
	Steps []*task.ExecutionStep `json:"steps"`
}

// PipelineListResponse is the body of GET /api/v1/pipelines.
type PipelineListResponse struct {
	Pipelines []string `json:"pipelines"`
}

func (s *Server) handleSubmitTask(c echo.Context) error {
	var req SubmitTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	t, err := s.machine.Submit(c.Request().Context(), &orchestrator.SubmitRequest{
		Description: req.Description,
		Pipeline:    req.Pipeline,
		Priority:    task.Priority(req.Priority),
		Context:     req.Context,
	})
	if err != nil {
		s.logger.Warn("task submission rejected", zap.Error(err))
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (s *Server) handleListTasks(c echo.Context) error {
	var states []task.State
	if raw := c.QueryParam("state"); raw != "" {
		states = append(states, task.State(raw))
	}

	tasks, err := s.machine.List(c.Request().Context(), states...)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, TaskListResponse{Tasks: tasks})
}

func (s *Server) handleGetTask(c echo.Context) error {
	t, err := s.machine.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleTaskSteps(c echo.Context) error {
	steps, err := s.machine.Steps(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, StepListResponse{Steps: steps})
}

func (s *Server) handleCancelTask(c echo.Context) error {
	id := c.Param("id")
	if err := s.machine.Cancel(c.Request().Context(), id); err != nil {
		return httpError(err)
	}

	t, err := s.machine.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleListCheckpoints(c echo.Context) error {
	pending, err := s.machine.PendingCheckpoints(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, CheckpointListResponse{Checkpoints: pending})
}

func (s *Server) handleResolveCheckpoint(c echo.Context) error {
	var req ResolveCheckpointRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	cp, err := s.machine.ResolveCheckpoint(
		c.Request().Context(),
		c.Param("id"),
		checkpoint.Status(req.Resolution),
		req.ReviewerID,
		req.Notes,
	)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cp)
}

func (s *Server) handleListPipelines(c echo.Context) error {
	var names []string
	if s.pipelines != nil {
		names = s.pipelines.Names()
	}
	return c.JSON(http.StatusOK, PipelineListResponse{Pipelines: names})
}
