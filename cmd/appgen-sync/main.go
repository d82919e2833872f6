package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirychukyurii/appgen-sync/internal/api"
	"github.com/kirychukyurii/appgen-sync/internal/cache"
	"github.com/kirychukyurii/appgen-sync/internal/channel"
	"github.com/kirychukyurii/appgen-sync/internal/config"
	"github.com/kirychukyurii/appgen-sync/internal/controller"
	"github.com/kirychukyurii/appgen-sync/internal/logger"
	"github.com/kirychukyurii/appgen-sync/internal/repository"
	"github.com/kirychukyurii/appgen-sync/internal/store"
	"github.com/kirychukyurii/appgen-sync/pkg/httpserver"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	// Initialize logger
	log := logger.NewWithLevel(logger.ParseLevel(*logLevel))

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration",
			"error", err.Error(),
		)
		os.Exit(1)
	}

	log.Info("configuration loaded",
		"upstream", cfg.Upstream.BaseURL,
		"pull_interval", cfg.Sync.PullInterval,
	)

	// Create artifact cache
	artifactCache := cache.New(cfg.Cache.TTL)

	// Create generator API client
	client, err := repository.NewGeneratorClient(cfg.Upstream, log)
	if err != nil {
		log.Error("failed to create generator client",
			"error", err.Error(),
		)
		os.Exit(1)
	}

	// Create job store and sync channels
	jobStore := store.New(log)
	puller := channel.NewPuller(cfg.Sync, cfg.Upstream.RequestTimeout, client, jobStore, log)

	newWatcher := controller.NewWatcherFactory(func() (*channel.Watcher, error) {
		return channel.NewWatcher(cfg.Upstream, cfg.Sync, jobStore, log, nil)
	})

	// Create lifecycle controller
	ctrl := controller.New(client, jobStore, puller, newWatcher, artifactCache, cfg.Cache.TTL, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Begin polling immediately so the local view converges at startup
	puller.Start(ctx)

	// Create HTTP handler and server
	handler := api.NewHandler(jobStore, ctrl, cfg.Upstream.BaseURL, cfg.Server.BasePath, log)
	srv := httpserver.New(
		cfg.Server.Addr,
		handler.Router(),
		cfg.Server.ReadTimeout,
		cfg.Server.WriteTimeout,
		log,
	)

	// Setup signal handling for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	log.Info("starting appgen-sync service")

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Run()
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErrors:
		if err != nil {
			log.Error("server error",
				"error", err.Error(),
			)
		}
	case sig := <-quit:
		log.Info("received shutdown signal",
			"signal", sig.String(),
		)
	}

	// Graceful shutdown: stop ingesting before stopping the server
	log.Info("shutting down sync channels")
	cancel()
	ctrl.Close()

	if err := srv.Shutdown(30 * time.Second); err != nil {
		log.Error("server shutdown failed",
			"error", err.Error(),
		)
	}

	log.Info("shutdown complete")
}
