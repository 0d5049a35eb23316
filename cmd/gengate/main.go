// Package main is the entry point for GenGate, the admission gateway in
// front of expensive content generation.
//
// GenGate sits between an application backend and its generation provider
// and decides, per request, whether stored content can be served or a new
// generation may run:
//   - Content-addressed caching keyed by period, inputs, and schema version
//   - Per-identity rate tiers and a global daily spend ceiling via Redis
//   - Single-flight generation locks with token-checked release
//   - Background profile refresh for identities with stale upstream data
//   - Full observability: Prometheus metrics, health checks, structured logging, OpenTelemetry tracing
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gengate/gengate/internal/config"
	"github.com/gengate/gengate/internal/observability"
	iredis "github.com/gengate/gengate/internal/redis"
	"github.com/gengate/gengate/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("gengate %s\n", version)
		return
	}

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger and route go-redis internals through it.
	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	iredis.InitLogger(logger)
	logger.Info("starting gengate", "version", version)

	// Create root context with signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create and start the server.
	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Start the config file watcher for hot-reload. Fields that cannot be
	// applied live are reported so operators know a restart is pending.
	oldCfg := cfg
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if restartFields := newCfg.RequiresRestart(oldCfg); len(restartFields) > 0 {
			logger.Warn("changed fields require a restart to take effect", "fields", restartFields)
		}
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
			return
		}
		oldCfg = newCfg
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("gengate shut down gracefully")
}
