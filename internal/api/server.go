// Package api exposes the HTTP control surface: task management, source
// logins, settings and the websocket event stream.
package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/paperstream/paperstream/internal/engine"
	"github.com/paperstream/paperstream/internal/history"
	"github.com/paperstream/paperstream/internal/logger"
	"github.com/paperstream/paperstream/internal/scheduler"
	"github.com/paperstream/paperstream/internal/settings"
	"github.com/paperstream/paperstream/internal/websocket"
)

// Server handles HTTP requests for the paperstream API.
type Server struct {
	echo   *echo.Echo
	hub    *websocket.Hub
	logger zerolog.Logger

	engine    *engine.Service
	history   *history.Service
	settings  *settings.Service
	scheduler *scheduler.Scheduler
	logBuffer *logger.LogBroadcaster
}

// NewServer creates the API server. scheduler and logBuffer may be nil.
func NewServer(eng *engine.Service, hist *history.Service, set *settings.Service, sched *scheduler.Scheduler, logBuffer *logger.LogBroadcaster, hub *websocket.Hub, log zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		hub:       hub,
		logger:    log.With().Str("component", "api").Logger(),
		engine:    eng,
		history:   hist,
		settings:  set,
		scheduler: sched,
		logBuffer: logBuffer,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(middleware.BodyLimit("1M"))

	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Err(v.Error).
					Msg("request error")
			} else {
				s.logger.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Msg("request")
			}
			return nil
		},
	}))
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	s.echo.GET("/ws", s.hub.HandleWebSocket)

	api := s.echo.Group("/api")

	api.POST("/tasks", s.addTask)
	api.GET("/tasks", s.listTasks)
	api.GET("/tasks/:id", s.getTask)
	api.DELETE("/tasks/:id", s.removeTask)
	api.DELETE("/tasks/:id/queue", s.hideTask)
	api.POST("/tasks/:id/cancel", s.cancelTask)
	api.POST("/tasks/:id/retry", s.retryTask)
	api.POST("/tasks/retry-all", s.retryAll)
	api.POST("/tasks/cancel-all", s.cancelAll)
	api.GET("/tasks/:id/logs", s.taskLogs)

	api.GET("/history", s.listHistory)

	api.POST("/sources/:key/login", s.sourceLogin)

	api.GET("/settings", s.getSettings)
	api.PUT("/settings", s.updateSettings)

	api.GET("/logs", s.recentLogs)
	api.GET("/jobs", s.listJobs)
}

// Start begins listening for HTTP requests.
func (s *Server) Start(address string) error {
	s.logger.Info().Str("address", address).Msg("Starting HTTP server")
	return s.echo.Start(address)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
