// Package server provides the HTTP surface: interaction ingestion,
// health, pipeline status, and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/record"
	"github.com/fyrsmithlabs/learnd/internal/trigger"
)

// Recorder captures interactions. Satisfied by record.Recorder.
type Recorder interface {
	Record(ctx context.Context, req record.CaptureRequest) string
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	TriggerState         string `json:"trigger_state"`
	Escalated            bool   `json:"escalated"`
	PromotionsHalted     bool   `json:"promotions_halted"`
	ProductionCheckpoint string `json:"production_checkpoint,omitempty"`
}

// StatusFunc reports current pipeline state.
type StatusFunc func(ctx context.Context) (StatusResponse, error)

// TriggerFunc requests a manual training run.
type TriggerFunc func() error

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server is the learnd HTTP server.
type Server struct {
	echo     *echo.Echo
	recorder Recorder
	status   StatusFunc
	trigger  TriggerFunc
	metrics  http.Handler
	logger   *zap.Logger
	config   Config
}

// Option customizes the server.
type Option func(*Server)

// WithStatus wires the status endpoint.
func WithStatus(fn StatusFunc) Option {
	return func(s *Server) { s.status = fn }
}

// WithTrigger wires the manual trigger endpoint.
func WithTrigger(fn TriggerFunc) Option {
	return func(s *Server) { s.trigger = fn }
}

// WithMetricsHandler serves the metrics endpoint.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// NewServer creates the HTTP server.
func NewServer(recorder Recorder, logger *zap.Logger, cfg Config, opts ...Option) (*Server, error) {
	if recorder == nil {
		return nil, fmt.Errorf("recorder is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 9180
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
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		recorder: recorder,
		logger:   logger,
		config:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/records", s.handleRecord)
	if s.status != nil {
		v1.GET("/status", s.handleStatus)
	}
	if s.trigger != nil {
		v1.POST("/trigger", s.handleTrigger)
	}
}

// RecordResponse is the response body for POST /api/v1/records.
type RecordResponse struct {
	RecordID string `json:"record_id,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleRecord ingests one interaction. Capture never fails the
// assistant: invalid events are dropped inside the recorder and the
// response still returns 202 with an empty record ID.
func (s *Server) handleRecord(c echo.Context) error {
	var req record.CaptureRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid record request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	id := s.recorder.Record(c.Request().Context(), req)
	return c.JSON(http.StatusAccepted, RecordResponse{RecordID: id})
}

func (s *Server) handleStatus(c echo.Context) error {
	status, err := s.status(c.Request().Context())
	if err != nil {
		s.logger.Error("status query failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "status unavailable")
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) handleTrigger(c echo.Context) error {
	err := s.trigger()
	switch {
	case err == nil:
		return c.JSON(http.StatusAccepted, map[string]string{"status": "queued"})
	case errors.Is(err, trigger.ErrQueueFull):
		return echo.NewHTTPError(http.StatusConflict, "a training request is already queued")
	case errors.Is(err, trigger.ErrEscalated):
		return echo.NewHTTPError(http.StatusLocked, "training paused pending manual escalation clear")
	case errors.Is(err, trigger.ErrNotRunning):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "decision engine is not running")
	default:
		s.logger.Error("manual trigger failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "trigger failed")
	}
}

// Start starts the HTTP server.
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

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
