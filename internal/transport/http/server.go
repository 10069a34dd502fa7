// Package http provides the admin HTTP server: health, run history, run control and metrics.
package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/simlink/internal/domain"
	"github.com/xiaot623/simlink/internal/metrics"
	"github.com/xiaot623/simlink/internal/protocol"
)

// Coordinator is the part of the run coordinator exposed to operators.
type Coordinator interface {
	State() domain.RunState
	Owner() domain.PauseOwner
	RunID() string
	Cancel() bool
	Acknowledge() bool
}

// FieldRegistry lists the fields created during bootstrap.
type FieldRegistry interface {
	Fields() []domain.Field
}

// RunHistory reads the run log.
type RunHistory interface {
	Ping(ctx context.Context) error
	ListRuns(ctx context.Context, limit int) ([]domain.Run, error)
}

// Server is the admin HTTP server.
type Server struct {
	echo    *echo.Echo
	coord   Coordinator
	fields  FieldRegistry
	runs    RunHistory
	metrics *metrics.Metrics
}

// NewServer creates the admin server. fields, runs and m may be nil.
func NewServer(coord Coordinator, fields FieldRegistry, runs RunHistory, m *metrics.Metrics) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	s := &Server{
		echo:    e,
		coord:   coord,
		fields:  fields,
		runs:    runs,
		metrics: m,
	}

	e.GET("/health", s.handleHealth)
	e.GET("/fields", s.handleFields)
	e.GET("/runs", s.handleListRuns)
	e.POST("/run/cancel", s.handleCancel)
	e.POST("/run/acknowledge", s.handleAcknowledge)
	if m != nil {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	fields := 0
	if s.fields != nil {
		fields = len(s.fields.Fields())
	}
	s.metrics.SetFields(fields)

	status, code := "healthy", http.StatusOK
	store := "none"
	if s.runs != nil {
		store = "ok"
		if err := s.runs.Ping(c.Request().Context()); err != nil {
			status, code, store = "degraded", http.StatusServiceUnavailable, err.Error()
		}
	}

	body := map[string]interface{}{
		"status":  status,
		"version": protocol.Version,
		"state":   s.coord.State(),
		"run_id":  s.coord.RunID(),
		"fields":  fields,
		"store":   store,
	}
	if owner := s.coord.Owner(); owner != domain.PauseOwnerNone {
		body["paused_by"] = owner
	}
	return c.JSON(code, body)
}

func (s *Server) handleFields(c echo.Context) error {
	if s.fields == nil {
		return c.JSON(http.StatusOK, []domain.Field{})
	}
	return c.JSON(http.StatusOK, s.fields.Fields())
}

func (s *Server) handleListRuns(c echo.Context) error {
	if s.runs == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": domain.ErrStoreUnavailable.Error()})
	}
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleCancel(c echo.Context) error {
	if !s.coord.Cancel() {
		return c.JSON(http.StatusConflict, map[string]string{"error": "no active run"})
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{"ok": true, "run_id": s.coord.RunID()})
}

func (s *Server) handleAcknowledge(c echo.Context) error {
	if !s.coord.Acknowledge() {
		return c.JSON(http.StatusConflict, map[string]string{"error": "run is not in the error state"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true, "state": s.coord.State()})
}
