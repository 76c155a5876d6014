// Package http provides the HTTP API for taskd.
package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/errs"
	"github.com/fyrsmithlabs/taskd/internal/orchestrator"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server exposes the orchestrator over HTTP.
type Server struct {
	echo      *echo.Echo
	machine   *orchestrator.Machine
	pipelines PipelineLister
	logger    *zap.Logger
	config    *Config
}

// PipelineLister names the loaded pipelines for discovery endpoints.
type PipelineLister interface {
	Names() []string
}

// NewServer creates the HTTP API server.
func NewServer(machine *orchestrator.Machine, pipelines PipelineLister, logger *zap.Logger, cfg *Config) (*Server, error) {
	if machine == nil {
		return nil, fmt.Errorf("machine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 8420}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:      e,
		machine:   machine,
		pipelines: pipelines,
		logger:    logger,
		config:    cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/tasks", s.handleSubmitTask)
	v1.GET("/tasks", s.handleListTasks)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.GET("/tasks/:id/steps", s.handleTaskSteps)
	v1.POST("/tasks/:id/cancel", s.handleCancelTask)
	v1.GET("/checkpoints", s.handleListCheckpoints)
	v1.POST("/checkpoints/:id/resolve", s.handleResolveCheckpoint)
	v1.GET("/pipelines", s.handleListPipelines)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// httpError maps taxonomy errors onto HTTP status codes.
func httpError(err error) *echo.HTTPError {
	if strings.Contains(err.Error(), "not found") {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	switch errs.Kind(err) {
	case "validation", "configuration":
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case "conflict", "invalid_state", "exhausted":
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case "timeout":
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
