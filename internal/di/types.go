// Package di wires the application together.
//
// Wire() builds the container in dependency order: database, then
// repositories, then the fetch pipeline, then monitoring, then the
// service facade, then background jobs and the HTTP server. Close()
// releases everything in reverse.
package di

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdb/quantdb/internal/calendar"
	"github.com/quantdb/quantdb/internal/config"
	"github.com/quantdb/quantdb/internal/database"
	"github.com/quantdb/quantdb/internal/fetch"
	"github.com/quantdb/quantdb/internal/monitor"
	"github.com/quantdb/quantdb/internal/reliability"
	"github.com/quantdb/quantdb/internal/repository"
	"github.com/quantdb/quantdb/internal/scheduler"
	"github.com/quantdb/quantdb/internal/server"
	"github.com/quantdb/quantdb/internal/service"
	"github.com/quantdb/quantdb/internal/upstream"
)

// Container holds all application dependencies.
type Container struct {
	Config *config.Config

	// Single cache database: bars, snapshots, assets, financial blobs,
	// coverage and the request log all live in one SQLite file.
	CacheDB *database.DB

	// Repositories
	Bars       *repository.BarRepository
	IndexBars  *repository.IndexBarRepository
	Coverage   *repository.CoverageRepository
	Snapshots  *repository.SnapshotRepository
	Assets     *repository.AssetRepository
	Financial  *repository.FinancialRepository
	RequestLog *repository.RequestLogRepository

	// Fetch pipeline
	Calendar    *calendar.Service
	Upstream    *upstream.AKToolsClient
	Coordinator *fetch.Coordinator

	// Monitoring
	Metrics *monitor.Metrics
	Hub     *monitor.Hub
	Emitter *monitor.Emitter

	Service   *service.Service
	Scheduler *scheduler.Scheduler
	Backup    *reliability.BackupService // nil unless backup is configured
	Server    *server.Server

	log zerolog.Logger
}

// Close shuts the container down in reverse dependency order: stop
// scheduled jobs, flush pending monitoring records, then close the
// database.
func (c *Container) Close() error {
	var errs []error

	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}

	if c.Emitter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.Emitter.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}

	if c.CacheDB != nil {
		if err := c.CacheDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	c.log.Info().Msg("Container closed")
	return nil
}
