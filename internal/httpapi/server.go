// Package httpapi provides the HTTP API for popupd.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/popupd/internal/config"
	"github.com/fyrsmithlabs/popupd/internal/decision"
	"github.com/fyrsmithlabs/popupd/internal/notify"
	"github.com/fyrsmithlabs/popupd/internal/patterns"
	"github.com/fyrsmithlabs/popupd/internal/stats"
)

// Server exposes the decision, pattern, and statistics endpoints.
type Server struct {
	echo        *echo.Echo
	coordinator *decision.Coordinator
	patterns    *patterns.Store
	collector   *stats.Collector
	hub         *notify.Hub
	intake      *rate.Limiter
	logger      *zap.Logger
	config      config.ServerConfig
}

// NewServer creates an HTTP server wired to the given collaborators.
func NewServer(
	cfg config.ServerConfig,
	coordinator *decision.Coordinator,
	pats *patterns.Store,
	collector *stats.Collector,
	hub *notify.Hub,
	logger *zap.Logger,
) (*Server, error) {
	if coordinator == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}
	if pats == nil {
		return nil, fmt.Errorf("pattern store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{validate: validator.New()}

	// Middleware
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
		echo:        e,
		coordinator: coordinator,
		patterns:    pats,
		collector:   collector,
		hub:         hub,
		intake:      rate.NewLimiter(rate.Limit(cfg.IntakeRate), cfg.IntakeBurst),
		logger:      logger,
		config:      cfg,
	}

	s.registerRoutes()

	return s, nil
}

// requestValidator adapts go-playground/validator to echo's Validator.
type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if s.hub != nil {
		s.echo.GET("/ws/notifications", func(c echo.Context) error {
			return s.hub.Handle(c.Response(), c.Request())
		})
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/popups", s.handleDetectPopup, s.intakeLimit)
	v1.POST("/decisions", s.handleResolveDecision)
	v1.GET("/decisions", s.handleListPending)
	v1.GET("/decisions/history", s.handleHistory)
	v1.POST("/decisions/cleanup", s.handleCleanup)
	v1.POST("/suggestions", s.handleSuggest)
	v1.GET("/patterns", s.handleListPatterns)
	v1.GET("/statistics", s.handleStatistics)
}

// intakeLimit rejects detection bursts beyond the configured rate. Detection
// traffic is generated by page scripts and can flood on hostile pages.
func (s *Server) intakeLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.intake.Allow() {
			return echo.NewHTTPError(http.StatusTooManyRequests, "detection intake rate exceeded")
		}
		return next(c)
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
