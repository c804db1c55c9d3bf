package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryfiber "github.com/getsentry/sentry-go/fiber"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/apierr"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/app"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/config"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/database"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/logging"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/middleware"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/routes"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
)

func main() {
	cfg := config.Load()

	// Structured logging (JSON to stdout)
	logging.Setup(cfg.AppEnv)

	if err := cfg.Validate(); err != nil {
		var missing *config.MissingError
		if errors.As(err, &missing) {
			slog.Error("required configuration missing", "keys", missing.Keys)
		} else {
			slog.Error("invalid configuration", "error", err)
		}
		os.Exit(1)
	}

	// Database
	if err := database.Connect(cfg); err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	if err := database.Migrate(database.DB); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}

	// PostgreSQL log handler (ERROR+ async batch)
	pgLogHandler := logging.AttachDatabase(database.DB, cfg.AppEnv)
	cleanupDone := make(chan struct{})
	logging.StartCleanup(database.DB, cfg.LogRetention, cleanupDone)

	// Sentry error tracking
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
			Environment:      cfg.AppEnv,
		}); err != nil {
			slog.Error("sentry init failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	container, err := app.New(cfg, database.DB, app.Options{})
	if err != nil {
		slog.Error("service wiring failed", "error", err)
		os.Exit(1)
	}

	server := fiber.New(fiber.Config{
		BodyLimit:    4 * 1024 * 1024,
		ErrorHandler: apierr.ErrorHandler,
	})

	server.Use(sentryfiber.New(sentryfiber.Options{
		Repanic:         true,
		WaitForDelivery: false,
	}))

	// Global middleware
	server.Use(recover.New())
	server.Use(requestid.New())
	server.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path}\n",
	}))
	server.Use(middleware.CORS(cfg))
	server.Use(func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-XSS-Protection", "1; mode=block")
		return c.Next()
	})

	routes.Setup(server, cfg, database.DB, container.Handlers(), container.Auth, container.Gate, container.Registry)

	ctx, stop := context.WithCancel(context.Background())
	container.Reconciler.Start(ctx)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := container.Catalog.Reload(ctx); err != nil {
					slog.Error("catalog reload rejected", "error", err)
				}
			}
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "port", cfg.Port, "billing_environment", cfg.BillingEnvironment())
		if err := server.Listen(":" + cfg.Port); err != nil {
			slog.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	slog.Info("shutting down server...")

	if err := server.ShutdownWithTimeout(15 * time.Second); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	stop()
	container.Reconciler.Wait()
	if err := container.Close(); err != nil {
		slog.Error("container close error", "error", err)
	}

	close(cleanupDone)
	pgLogHandler.Stop()
	sentry.Flush(2 * time.Second)

	if err := database.Close(); err != nil {
		slog.Error("database close error", "error", err)
	}

	slog.Info("server stopped")
}
