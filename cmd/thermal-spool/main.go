package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/thermal-spool/internal/api"
	"github.com/orrn/thermal-spool/internal/api/handlers"
	"github.com/orrn/thermal-spool/internal/archive"
	"github.com/orrn/thermal-spool/internal/config"
	"github.com/orrn/thermal-spool/internal/connection"
	"github.com/orrn/thermal-spool/internal/core"
	"github.com/orrn/thermal-spool/internal/db"
	"github.com/orrn/thermal-spool/internal/logging"
	"github.com/orrn/thermal-spool/internal/webhook"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "thermal-spool:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logging.New(cfg.Logging)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(cfg.Queue.SpoolDir, 0o755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	database, err := db.Open(db.Config{Path: cfg.Database.Path})
	if err != nil {
		return err
	}
	defer database.Close()

	registry := connection.NewRegistry(connection.Options{
		DialTimeout:  cfg.Printers.ConnectionTimeout,
		WriteTimeout: cfg.Printers.WriteTimeout,
	}, log)

	defaults := core.DefaultSelectorDefaults
	defaults.DPI = cfg.Printers.DefaultDPI
	defaults.Width = cfg.Printers.DefaultWidthMM
	defaults.MaxChars = cfg.Printers.DefaultMaxChars
	resolver := core.NewDeviceResolver(registry, defaults)

	interpreter := core.NewInterpreter(resolver, core.InterpreterOptions{
		MaxAttempts:        cfg.Queue.MaxAttempts,
		SkipUnresolvedText: cfg.Printers.SkipUnresolvedText,
	}, log)

	queue := core.NewQueue(database.WorkItems, interpreter, core.QueueOptions{
		Workers:      cfg.Queue.WorkerCount,
		RetryDelay:   cfg.Queue.RetryDelay,
		PollInterval: cfg.Queue.PollInterval,
	}, log)

	sender := webhook.NewWebhookSender(database.Webhooks, webhook.WebhookConfig{}, log)
	sender.Start()
	defer sender.Stop()
	queue.Subscribe(sender)

	hub := handlers.NewEventHub(log)
	defer hub.Close()
	queue.Subscribe(hub)

	var archiver *archive.Archiver
	if cfg.Database.ArchiveDays > 0 {
		archiver, err = archive.NewArchiver(database, archive.ArchiveConfig{
			ArchivePath: cfg.Database.ArchivePath,
			ArchiveDays: cfg.Database.ArchiveDays,
		}, log)
		if err != nil {
			return err
		}
		archiver.Start()
		defer archiver.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := queue.Start(ctx); err != nil {
		return err
	}

	server, err := api.NewServer(api.Deps{
		Config:   cfg,
		DB:       database,
		Queue:    queue,
		Resolver: resolver,
		Devices:  registry,
		Archiver: archiver,
		Hub:      hub,
	}, log)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	log.Info().
		Int("port", cfg.Server.Port).
		Int("workers", cfg.Queue.WorkerCount).
		Bool("auth", cfg.Auth.Enabled).
		Msg("thermal-spool started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := queue.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("queue shutdown")
	}

	log.Info().Msg("stopped")
	return nil
}
