package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/opsnav/opsnav/internal/api"
	"github.com/opsnav/opsnav/internal/bootstrap"
	"github.com/opsnav/opsnav/internal/clone"
	"github.com/opsnav/opsnav/internal/database"
	"github.com/opsnav/opsnav/internal/power"
	"github.com/opsnav/opsnav/internal/reconciler"
	"github.com/opsnav/opsnav/internal/secrets"
	"github.com/opsnav/opsnav/internal/shared/config"
	"github.com/opsnav/opsnav/internal/shared/logging"
	"github.com/opsnav/opsnav/internal/shared/nats"
	"github.com/opsnav/opsnav/internal/tasks"
)

func main() {
	// Load configuration
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create logger
	logger := logging.NewLogger("opsnav", cfg.LogLevel, cfg.Environment)

	// Connect to database
	db, err := database.NewDB(cfg.DatabaseURL, int32(cfg.DBPoolSize+cfg.DBMaxOverflow))
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.EnsureSchema(ctx); err != nil {
		logger.Error("Failed to ensure database schema", "error", err)
		os.Exit(1)
	}

	// Task events are mirrored onto NATS only when URLs are configured
	var events tasks.Publisher
	if cfg.EventsEnabled() {
		nc, err := nats.NewClient(&cfg.NATS)
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		events = nc
	}

	sec := secrets.NewPlain()
	recon := reconciler.NewService(reconciler.Config{
		DefaultUsername: cfg.ESXiUser,
		DefaultPassword: cfg.ESXiPassword,
	}, db, sec, logger)

	taskSvc := tasks.NewService(db, events, logger)
	runner := tasks.NewRunner(taskSvc, cfg.TaskWorkers)

	// Create API service
	svc, err := api.NewService(cfg, api.Deps{
		Store:      db,
		Secrets:    sec,
		Reconciler: recon,
		Power:      power.NewController(logger),
		Cloner:     clone.NewOrchestrator(recon, logger),
		Installer:  bootstrap.NewInstaller(logger),
		Tasks:      taskSvc,
		Runner:     runner,
	}, logger)
	if err != nil {
		logger.Error("Failed to create API service", "error", err)
		os.Exit(1)
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
	}()

	if err := svc.Start(ctx); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}

	// Give in-flight tasks a chance to write their terminal rows
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	runner.Shutdown(drainCtx)

	logger.Info("API service stopped")
}
