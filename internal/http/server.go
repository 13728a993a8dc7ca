// Package http serves the taskloop inspection API: health, Prometheus
// metrics, live session reports, cancellation and stored checkpoints.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskloop/internal/checkpoint"
	"github.com/fyrsmithlabs/taskloop/internal/logging"
	"github.com/fyrsmithlabs/taskloop/internal/orchestrator"
	"github.com/fyrsmithlabs/taskloop/internal/session"
)

// Sessions is the live run registry, typically *orchestrator.Runs.
type Sessions interface {
	Get(id string) (*orchestrator.Run, bool)
	Reports() []orchestrator.Report
}

// Checkpoints reads stored sessions, typically *checkpoint.Store.
type Checkpoints interface {
	Load(ctx context.Context, sessionID string) (session.Snapshot, error)
	List(ctx context.Context, limit int) ([]checkpoint.Record, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the HTTP endpoints.
type Server struct {
	echo        *echo.Echo
	sessions    Sessions
	checkpoints Checkpoints
	logger      *logging.Logger
	config      *Config
}

// NewServer creates a server over sessions. checkpoints may be nil, which
// disables the checkpoint endpoints.
func NewServer(sessions Sessions, checkpoints Checkpoints, logger *zap.Logger, cfg *Config) (*Server, error) {
	if sessions == nil {
		return nil, errors.New("session registry is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9191}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:        e,
		sessions:    sessions,
		checkpoints: checkpoints,
		logger:      logging.New(logger.Named("http")),
		config:      cfg,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger)
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())

	s.registerRoutes()
	return s, nil
}

// requestLogger puts the request ID on the request context and logs each
// request through it.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		id := c.Response().Header().Get(echo.HeaderXRequestID)
		ctx := logging.WithRequestID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))

		if err := next(c); err != nil {
			c.Error(err)
		}
		s.logger.Info(ctx, "http request",
			zap.String("method", c.Request().Method),
			zap.String("route", c.Path()),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.POST("/sessions/:id/cancel", s.handleCancel)
	v1.GET("/checkpoints", s.handleListCheckpoints)
	v1.GET("/checkpoints/:id", s.handleGetCheckpoint)
}

// Echo exposes the router for tests and additional routes.
func (s *Server) Echo() *echo.Echo { return s.echo }

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Active   int    `json:"active"`
}

// SessionsResponse is the body of GET /api/v1/sessions.
type SessionsResponse struct {
	Sessions []orchestrator.Report `json:"sessions"`
}

// CancelRequest is the optional body of POST /api/v1/sessions/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// CheckpointsResponse is the body of GET /api/v1/checkpoints.
type CheckpointsResponse struct {
	Checkpoints []checkpoint.Record `json:"checkpoints"`
}

func (s *Server) handleHealth(c echo.Context) error {
	reports := s.sessions.Reports()
	active := 0
	for _, r := range reports {
		if !r.Terminal() {
			active++
		}
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Sessions: len(reports), Active: active})
}

func (s *Server) handleListSessions(c echo.Context) error {
	reports := s.sessions.Reports()
	if reports == nil {
		reports = []orchestrator.Report{}
	}
	return c.JSON(http.StatusOK, SessionsResponse{Sessions: reports})
}

func (s *Server) handleGetSession(c echo.Context) error {
	run, ok := s.sessions.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, run.Report())
}

// handleCancel requests cancellation; the run stops before its next step,
// so the returned report may still show a running state.
func (s *Server) handleCancel(c echo.Context) error {
	run, ok := s.sessions.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if run.Report().Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "session already finished")
	}

	var req CancelRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	run.Cancel(req.Reason)
	s.logger.Info(c.Request().Context(), "cancel requested",
		zap.String("session.id", run.ID()), zap.String("reason", req.Reason))
	return c.JSON(http.StatusAccepted, run.Report())
}

func (s *Server) handleListCheckpoints(c echo.Context) error {
	if s.checkpoints == nil {
		return echo.NewHTTPError(http.StatusNotFound, "checkpoints disabled")
	}
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	records, err := s.checkpoints.List(c.Request().Context(), limit)
	if err != nil {
		s.logger.Error(c.Request().Context(), "listing checkpoints", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "listing checkpoints failed")
	}
	if records == nil {
		records = []checkpoint.Record{}
	}
	return c.JSON(http.StatusOK, CheckpointsResponse{Checkpoints: records})
}

func (s *Server) handleGetCheckpoint(c echo.Context) error {
	if s.checkpoints == nil {
		return echo.NewHTTPError(http.StatusNotFound, "checkpoints disabled")
	}
	snap, err := s.checkpoints.Load(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, checkpoint.ErrNotFound), errors.Is(err, checkpoint.ErrInvalidID):
		return echo.NewHTTPError(http.StatusNotFound, "checkpoint not found")
	case err != nil:
		s.logger.Error(c.Request().Context(), "loading checkpoint", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "loading checkpoint failed")
	}
	rep, err := orchestrator.SnapshotReport(snap)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusOK, rep)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
