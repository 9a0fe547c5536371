package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vaultfetch/vaultfetch/internal/api/handlers"
	apimw "github.com/vaultfetch/vaultfetch/internal/api/middleware"
	"github.com/vaultfetch/vaultfetch/internal/config"
	"github.com/vaultfetch/vaultfetch/internal/downloader"
	"github.com/vaultfetch/vaultfetch/internal/events"
	"github.com/vaultfetch/vaultfetch/internal/scheduler"
	"github.com/vaultfetch/vaultfetch/internal/websocket"
)

// Control requests per second allowed from a single client.
const controlRateLimit = 20

// NotificationSource exposes recent user-facing notifications.
type NotificationSource interface {
	RecentNotifications() []events.Notification
}

// Services are the collaborators the API serves. Scheduler and Hub are
// optional.
type Services struct {
	Downloads     *downloader.Service
	Notifications NotificationSource
	Scheduler     *scheduler.Scheduler
	Hub           *websocket.Hub
}

// Server handles HTTP requests for the control API.
type Server struct {
	echo      *echo.Echo
	cfg       *config.Config
	logger    zerolog.Logger
	startTime time.Time

	downloads     *downloader.Service
	notifications NotificationSource
	scheduler     *scheduler.Scheduler
	hub           *websocket.Hub
}

// NewServer creates a new API server instance.
func NewServer(cfg *config.Config, svc Services, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:          e,
		cfg:           cfg,
		logger:        logger.With().Str("component", "api").Logger(),
		startTime:     time.Now(),
		downloads:     svc.Downloads,
		notifications: svc.Notifications,
		scheduler:     svc.Scheduler,
		hub:           svc.Hub,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(apimw.SecurityHeaders())

	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
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

	s.echo.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Level: 5,
		Skipper: func(c echo.Context) bool {
			return c.Request().Header.Get("Upgrade") == "websocket"
		},
	}))
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)

	if s.hub != nil {
		s.echo.GET("/ws", s.hub.HandleWebSocket)
	}

	api := s.echo.Group("/api/v1")
	api.GET("/status", s.getStatus)
	api.GET("/notifications", s.listNotifications)

	limiter := middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(controlRateLimit)))

	downloads := api.Group("/downloads")
	downloads.GET("", s.listDownloads)
	downloads.GET("/:id", s.getDownload)
	downloads.POST("", s.startDocument, limiter)
	downloads.POST("/assets", s.startAsset, limiter)
	downloads.POST("/engines", s.startEngine, limiter)
	downloads.POST("/:id/pause", s.pauseDownload, limiter)
	downloads.POST("/:id/resume", s.resumeDownload, limiter)
	downloads.DELETE("/:id", s.cancelDownload, limiter)

	if s.scheduler != nil {
		h := handlers.NewSchedulerHandler(s.scheduler)
		tasks := api.Group("/scheduler/tasks")
		tasks.GET("", h.ListTasks)
		tasks.GET("/:id", h.GetTask)
		tasks.POST("/:id/run", h.RunTask, limiter)
	}
}

// Start begins listening for HTTP requests.
func (s *Server) Start(address string) error {
	s.logger.Info().Str("address", address).Msg("starting HTTP server")
	return s.echo.Start(address)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(c echo.Context) error {
	response := map[string]interface{}{
		"version":   config.Version,
		"startTime": s.startTime.Format(time.RFC3339),
	}
	if snap, err := s.downloads.Snapshot(c.Request().Context()); err == nil {
		response["hasItems"] = snap.HasItems
		response["progress"] = snap.Progress
	}
	if s.hub != nil {
		response["clients"] = s.hub.ClientCount()
	}
	return c.JSON(http.StatusOK, response)
}

func (s *Server) listNotifications(c echo.Context) error {
	if s.notifications == nil {
		return c.JSON(http.StatusOK, []events.Notification{})
	}
	notes := s.notifications.RecentNotifications()
	// Newest first.
	out := make([]events.Notification, len(notes))
	for i, n := range notes {
		out[len(notes)-1-i] = n
	}
	return c.JSON(http.StatusOK, out)
}
