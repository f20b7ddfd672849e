// Package main is the entry point for the QuantDB market data cache.
// The service sits between quant research code and the AKTools upstream,
// absorbing repeated data requests into a local SQLite cache:
//
//   - Symbol normalization and trading-calendar awareness (CN and HK)
//   - Daily bar ranges answered from cache, with only the missing
//     spans fetched upstream through a deduplicating coordinator
//   - Realtime quotes, asset profiles and financial statements behind
//     market-aware TTLs with stale fallbacks
//   - Request monitoring via Prometheus metrics and a WebSocket stream
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantdb/quantdb/internal/config"
	"github.com/quantdb/quantdb/internal/di"
	"github.com/quantdb/quantdb/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting QuantDB")

	// Wire all dependencies: database, repositories, fetch pipeline,
	// monitoring, service facade, background jobs, HTTP server.
	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}

	// Background maintenance: cache sweeps, request log trimming and,
	// when configured, nightly backups to object storage.
	container.Scheduler.Start()

	// The server runs in its own goroutine so the main goroutine can
	// own shutdown handling.
	go func() {
		if err := container.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// In-flight requests get up to 10 seconds to finish before the
	// server is forced down.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := container.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stops scheduled jobs, flushes pending monitoring records and
	// closes the cache database.
	if err := container.Close(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}

	log.Info().Msg("QuantDB stopped")
}
