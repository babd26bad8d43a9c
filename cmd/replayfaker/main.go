package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/latra/ChronOBS/internal/config"
	"github.com/latra/ChronOBS/internal/replayfake"
	"github.com/latra/ChronOBS/internal/timeline"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Setup logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	// Load config
	cfg, err := config.LoadFakerConfig()
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		return 1
	}

	logger.Info("configuration loaded",
		zap.String("port", cfg.Port),
		zap.String("recording", cfg.Recording),
		zap.String("mode", string(cfg.Mode)),
		zap.String("playhead", string(cfg.Playhead)),
	)

	// Load recording
	logger.Info("loading recording...", zap.String("mode", string(cfg.Mode)))
	start := time.Now()

	var loader timeline.Loader
	switch cfg.Mode {
	case config.TimelineMemory:
		loader, err = timeline.NewMemoryLoader(cfg.Recording, logger)
	case config.TimelineStream:
		loader, err = timeline.NewStreamLoader(cfg.Recording, logger)
	default:
		logger.Error("unknown timeline mode", zap.String("mode", string(cfg.Mode)))
		return 1
	}
	if err != nil {
		logger.Error("failed to load recording", zap.Error(err))
		return 1
	}

	reloadable := timeline.NewReloadable(loader)
	defer func() { _ = reloadable.Close() }()

	logger.Info("recording loaded",
		zap.Int("frames", reloadable.Len()),
		zap.Duration("duration", time.Since(start)),
	)

	// Create faker components
	clock := clockwork.NewRealClock()
	playhead := replayfake.NewPlayhead(reloadable, cfg.Playhead, clock, logger)
	reload := replayfake.NewReloadManager(reloadable, playhead, cfg, logger)
	faker := replayfake.NewFaker(reloadable, playhead, reload, cfg, logger)

	// Create router
	router, err := replayfake.NewRouter(faker, logger)
	if err != nil {
		logger.Error("failed to create router", zap.Error(err))
		return 1
	}

	// Setup HTTP server
	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting replay faker", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// Wait for interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down replay faker...")

	// Graceful HTTP server shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return 1
	}

	logger.Info("replay faker stopped")
	return 0
}
