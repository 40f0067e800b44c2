package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/orrn/thermal-spool/internal/api/handlers"
	"github.com/orrn/thermal-spool/internal/api/middleware"
	"github.com/orrn/thermal-spool/internal/archive"
	"github.com/orrn/thermal-spool/internal/config"
	"github.com/orrn/thermal-spool/internal/core"
	"github.com/orrn/thermal-spool/internal/db"
)

// Deps are the running components the API exposes.
type Deps struct {
	Config   *config.Config
	DB       *db.DB
	Queue    *core.Queue
	Resolver core.Resolver
	Devices  handlers.DeviceLister
	Archiver *archive.Archiver
	Hub      *handlers.EventHub
}

type Server struct {
	engine *gin.Engine
	srv    *http.Server
	log    zerolog.Logger
}

func NewServer(deps Deps, log zerolog.Logger) (*Server, error) {
	cfg := deps.Config

	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.RequestLogger(log))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := engine.Group("/api")

	// Without auth both groups are the bare /api group.
	clients, admin := api, api
	if cfg.Auth.Enabled {
		auth, err := middleware.NewAuthenticator(deps.DB, log)
		if err != nil {
			return nil, fmt.Errorf("failed to set up auth: %w", err)
		}
		api.POST("/auth/setup", auth.Setup)
		api.POST("/auth/login", auth.Login)
		api.GET("/auth/status", auth.Status)

		clients = api.Group("", auth.Require(middleware.ScopePrint))
		admin = api.Group("", auth.Require(middleware.ScopeAdmin))
		admin.PUT("/auth/password", auth.ChangePassword)
		admin.POST("/auth/tokens", auth.IssueClientToken)
	}

	jobs := handlers.NewJobHandler(deps.Queue, cfg.Queue.SpoolDir, log)
	clients.POST("/jobs/text", jobs.CreateTextJob)
	clients.POST("/jobs/file", jobs.CreateFileJob)
	clients.GET("/jobs", jobs.ListJobs)
	clients.GET("/jobs/:id", jobs.GetJob)
	clients.POST("/jobs/:id/cancel", jobs.CancelJob)
	clients.POST("/jobs/:id/retry", jobs.RetryJob)
	clients.GET("/queue", jobs.QueueStats)

	printers := handlers.NewPrinterHandler(deps.Devices, deps.Resolver, log)
	clients.GET("/printers/bluetooth", printers.ListBluetooth)
	clients.GET("/printers/usb", printers.ListUSB)
	clients.GET("/printers/serial", printers.ListSerial)
	clients.POST("/printers/test", printers.TestPrint)
	clients.GET("/printers/model", printers.GetModel)

	if deps.Hub != nil {
		clients.GET("/events", deps.Hub.Serve)
	}

	webhooks := handlers.NewWebhookHandler(deps.DB.Webhooks, log)
	admin.GET("/webhooks", webhooks.ListWebhooks)
	admin.POST("/webhooks", webhooks.CreateWebhook)
	admin.GET("/webhooks/:id", webhooks.GetWebhook)
	admin.PUT("/webhooks/:id", webhooks.UpdateWebhook)
	admin.DELETE("/webhooks/:id", webhooks.DeleteWebhook)
	admin.POST("/webhooks/:id/test", webhooks.TestWebhook)

	if deps.Archiver != nil {
		handlers.NewArchiveHandler(deps.Archiver, deps.DB.Archive).RegisterRoutes(admin)
	}
	handlers.RegisterSettingsRoutes(admin, handlers.NewSettingsHandler(cfg))

	return &Server{
		engine: engine,
		srv: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		log: log.With().Str("component", "server").Logger(),
	}, nil
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
