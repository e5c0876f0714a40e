// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianForge/pkg/logging"
	"github.com/AleutianAI/AleutianForge/services/supervisor/config"
	"github.com/AleutianAI/AleutianForge/services/supervisor/server"
	"github.com/AleutianAI/AleutianForge/services/supervisor/telemetry"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	serveListen string // Override the configured listen address
	serveWatch  bool   // Hot-reload stage policies on config changes
	serveDebug  bool   // Gin debug mode with request logging
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// serveCmd runs the supervisor service.
//
// # Description
//
// Assembles the full supervision stack from the configuration file and
// serves the status API until SIGINT/SIGTERM. Shutdown is graceful and
// bounded by the configured shutdown timeout.
//
// # Examples
//
//	forge serve                          # forge.yaml in the working dir
//	forge serve -c /etc/forge/forge.yaml # explicit config
//	forge serve --watch                  # hot-reload stage policies
//	forge serve --listen :9000           # override the bind address
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervision service and its status API",
	Long: `Runs the forge supervisor: builds the dependency guards, knowledge
store, recovery engine, and stage supervisor from the configuration
file, then serves the status API (health, ready, status, journal,
events websocket, metrics) until interrupted.

Examples:
  forge serve                 # Use ./forge.yaml
  forge serve --watch         # Re-apply stage policies when the file changes
  forge serve --listen :9000  # Override the configured listen address`,
	Run: runServeCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "",
		"Listen address, overrides the configuration")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false,
		"Watch the config file and hot-reload stage policies")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false,
		"Enable Gin debug mode with request logging")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// runServeCommand boots the supervisor and serves until interrupted.
func runServeCommand(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}

	logger := logging.New(cfg.ToLogging())
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.ToTelemetry(server.ServiceVersion))
	if err != nil {
		slog.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	sys, err := server.NewSystem(cfg, logger.Slog())
	if err != nil {
		slog.Error("Failed to assemble the supervision system", "error", err)
		os.Exit(1)
	}

	if serveDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if serveDebug {
		router.Use(gin.Logger())
	}
	router.Use(otelgin.Middleware(cfg.Service))

	var metrics *telemetry.Metrics
	if m, err := telemetry.NewMetrics(otel.Meter("forge/supervisor")); err != nil {
		slog.Warn("HTTP metrics unavailable", "error", err)
	} else {
		metrics = m
	}
	router.Use(telemetry.GinMetrics(metrics))

	server.RegisterRoutes(router, server.NewHandlers(sys).WithMetrics(metrics))

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	stopWatcher := startConfigWatcher(watchCtx, sys, logger.Slog())

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: the events endpoint holds websockets open.
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting forge supervisor",
			"address", cfg.Listen,
			"service", cfg.Service,
			"version", server.ServiceVersion)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		slog.Error("Server failed", "error", err)
		sys.Close()
		os.Exit(1)
	case sig := <-quit:
		slog.Info("Shutting down forge supervisor", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Forced shutdown after timeout", "error", err)
	}
	cancelWatch()
	if stopWatcher != nil {
		stopWatcher()
	}
	if err := sys.Close(); err != nil {
		slog.Warn("Failed to close the supervision system", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("Telemetry shutdown incomplete", "error", err)
	}
}

// startConfigWatcher begins hot-reloading stage policies when --watch is
// set. Returns a stop function, nil when no watcher runs.
//
// Only the stages section is applied on reload; listener, backend, and
// store changes need a restart.
func startConfigWatcher(ctx context.Context, sys *server.System, logger *slog.Logger) func() {
	if !serveWatch {
		return nil
	}

	watcher, err := config.NewWatcher(configPath, func(fresh config.Config) {
		if err := sys.ApplyStages(fresh.Stages); err != nil {
			logger.Warn("Stage policy reload failed, keeping previous policies", "error", err)
			return
		}
		logger.Info("Stage policies reloaded", "stages", len(fresh.Stages))
	}, logger)
	if err != nil {
		logger.Warn("Config watcher unavailable, hot-reload disabled", "error", err)
		return nil
	}

	go watcher.Start(ctx)
	return func() {
		if err := watcher.Stop(); err != nil {
			logger.Warn("Config watcher close failed", "error", err)
		}
	}
}
