// Observatory server — watches Claude Code transcript directories,
// persists conversations to PostgreSQL and streams updates to WebSocket
// subscribers.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/osbornesec/ccobservatory/pkg/api"
	"github.com/osbornesec/ccobservatory/pkg/auth"
	"github.com/osbornesec/ccobservatory/pkg/config"
	"github.com/osbornesec/ccobservatory/pkg/database"
	"github.com/osbornesec/ccobservatory/pkg/events"
	"github.com/osbornesec/ccobservatory/pkg/monitor"
	"github.com/osbornesec/ccobservatory/pkg/parser"
	"github.com/osbornesec/ccobservatory/pkg/pipeline"
	"github.com/osbornesec/ccobservatory/pkg/version"
	"github.com/osbornesec/ccobservatory/pkg/watcher"
	"github.com/osbornesec/ccobservatory/pkg/writer"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting observatory",
		"version", version.Full(),
		"watch_root", cfg.WatchRoot,
		"http_port", cfg.HTTPPort)

	ctx := context.Background()

	// Database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// Authentication
	validator, err := auth.NewJWTValidator([]byte(cfg.JWTSecret))
	if err != nil {
		slog.Error("Failed to initialize token validator", "error", err)
		os.Exit(1)
	}

	// Pipeline components
	transcriptParser := parser.New()
	convWriter := writer.New(dbClient.DB(), writer.Config{
		MaxAttempts: cfg.WriteMaxAttempts,
		BaseDelay:   cfg.WriteRetryBase,
	})
	perfMonitor := monitor.New(cfg.RingBufferSize, cfg.SLAThresholdMs)
	connManager := events.NewConnectionManager(events.DefaultWriteTimeout)
	fileWatcher := watcher.New()

	orchestrator := pipeline.New(pipeline.Config{
		WatchRoot:     cfg.WatchRoot,
		ShutdownGrace: cfg.ShutdownGrace,
	}, fileWatcher, transcriptParser, convWriter, perfMonitor, connManager)

	if err := orchestrator.Start(ctx); err != nil {
		slog.Error("Failed to start pipeline", "error", err)
		os.Exit(1)
	}

	// HTTP server
	httpServer := api.NewServer(api.Deps{
		DB:          dbClient.DB(),
		Pipeline:    orchestrator,
		Monitor:     perfMonitor,
		Parser:      transcriptParser,
		Writer:      convWriter,
		ConnManager: connManager,
		Validator:   validator,
	})

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	orchestrator.Stop()

	httpShutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
